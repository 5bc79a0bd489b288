// Package redisstore - хранилище поверх Redis для нескольких процессов-"вкладок".
// Каждая область лежит в одном хэше, каждая запись публикует событие в канал области.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/rooms-watchdog/internal/domain"
	"github.com/xela07ax/rooms-watchdog/internal/infra"
	"github.com/xela07ax/rooms-watchdog/internal/store"
	"go.uber.org/zap"
)

const subscribeTimeout = 5 * time.Second

// Store - один контекст исполнения (origin) поверх общего Redis.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
	origin string

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func New(rdb *redis.Client, logger *zap.Logger) *Store {
	return &Store{
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "redisstore")),
		origin: uuid.New().String(),
	}
}

// Origin - ID этого контекста в событиях изменений.
func (s *Store) Origin() string { return s.origin }

// Area возвращает хендл области.
func (s *Store) Area(area domain.Area) *Handle {
	return &Handle{
		s:       s,
		area:    area,
		key:     infra.RedisAreaKey(area),
		channel: infra.RedisAreaChannel(area),
	}
}

// Close ждет завершения всех подписок. Подписки должны быть отменены раньше.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

type Handle struct {
	s       *Store
	area    domain.Area
	key     string
	channel string

	// Sanctioned помечает записи этого хендла как штатные
	Sanctioned bool
}

var (
	_ store.KV       = (*Handle)(nil)
	_ store.Notifier = (*Handle)(nil)
)

func (h *Handle) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := h.s.rdb.HGet(ctx, h.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, true, nil
}

func (h *Handle) Set(ctx context.Context, key, value string) error {
	if err := h.s.rdb.HSet(ctx, h.key, key, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	h.publish(ctx, key)
	return nil
}

func (h *Handle) Remove(ctx context.Context, key string) error {
	n, err := h.s.rdb.HDel(ctx, h.key, key).Result()
	if err != nil {
		return fmt.Errorf("redis hdel %s: %w", key, err)
	}
	if n > 0 {
		h.publish(ctx, key)
	}
	return nil
}

func (h *Handle) Clear(ctx context.Context) error {
	n, err := h.s.rdb.Del(ctx, h.key).Result()
	if err != nil {
		return fmt.Errorf("redis del %s: %w", h.key, err)
	}
	if n > 0 {
		h.publish(ctx, "")
	}
	return nil
}

func (h *Handle) Len(ctx context.Context) (int, error) {
	n, err := h.s.rdb.HLen(ctx, h.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hlen %s: %w", h.key, err)
	}
	return int(n), nil
}

// publish уведомляет остальные контексты. Запись уже сделана, поэтому ошибка только логируется:
// чужой сторож все равно увидит изменение на ближайшем плановом проходе.
func (h *Handle) publish(ctx context.Context, key string) {
	payload, err := json.Marshal(domain.StorageEvent{
		Area:       h.area,
		Key:        key,
		Origin:     h.s.origin,
		Sanctioned: h.Sanctioned,
	})
	if err != nil {
		h.s.logger.Error("failed to encode storage event", zap.Error(err))
		return
	}
	if err := h.s.rdb.Publish(ctx, h.channel, payload).Err(); err != nil {
		h.s.logger.Error("failed to publish storage event", zap.String("chan", h.channel), zap.Error(err))
	}
}

// Watch подписывается на изменения области, сделанные другими контекстами.
// Возвращается после подтверждения подписки. cancel не ждет завершения слушателя,
// его можно звать из-под чужих блокировок; дождаться можно через Store.Close.
func (h *Handle) Watch(ctx context.Context, fn func(domain.StorageEvent)) (func(), error) {
	h.s.mu.Lock()
	if h.s.closed {
		h.s.mu.Unlock()
		return nil, store.ErrClosed
	}
	h.s.wg.Add(1)
	h.s.mu.Unlock()

	lctx, cancel := context.WithCancel(ctx)
	ready := make(chan struct{})
	var readyOnce sync.Once

	go func() {
		defer h.s.wg.Done()
		infra.ListenResilient(lctx, h.s.rdb, h.s.logger, h.channel,
			func() error {
				readyOnce.Do(func() { close(ready) })
				return nil
			},
			func(payload string) {
				var ev domain.StorageEvent
				if err := json.Unmarshal([]byte(payload), &ev); err != nil {
					h.s.logger.Warn("invalid storage event", zap.String("payload", payload), zap.Error(err))
					return
				}
				if ev.Origin == h.s.origin || lctx.Err() != nil {
					return
				}
				fn(ev)
			})
	}()

	timer := time.NewTimer(subscribeTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return cancel, nil
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("redis subscribe %s: timeout", h.channel)
	}
}
