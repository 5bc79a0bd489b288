package store

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ResilientOptions struct {
	RateLimit float64       // Операций в секунду
	RateBurst int
	Attempts  uint          // Попыток на одну операцию
	CBTimeout time.Duration // Через сколько открытый предохранитель пробует закрыться
	OpTimeout time.Duration // Таймаут одной попытки
}

// Resilient оборачивает сетевое хранилище лимитером, ретраями и предохранителем.
// Сторож не должен зависать на упавшем Redis: после серии отказов операции падают сразу,
// а проход проверки просто бросается до следующего тика.
type Resilient struct {
	next    KV
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	opts    ResilientOptions
}

var _ KV = (*Resilient)(nil)

func NewResilient(name string, next KV, opts ResilientOptions, logger *zap.Logger) *Resilient {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 100
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.CBTimeout <= 0 {
		opts.CBTimeout = 30 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 2 * time.Second
	}

	log := logger.With(zap.String("mod", "store"), zap.String("store", name))

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     opts.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Более 5 отказов подряд - открываемся
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("store circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Resilient{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		opts:    opts,
	}
}

func (r *Resilient) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("store %s: rate limit: %w", op, err)
	}

	// 2. Circuit Breaker поверх ретраев
	_, err := r.cb.Execute(func() (interface{}, error) {
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.opts.Attempts),
			retry.DelayType(retry.BackOffDelay),
		)
		return nil, rt.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
			defer cancel()
			return fn(tCtx)
		})
	})
	if err != nil {
		return fmt.Errorf("store %s: %w", op, err)
	}
	return nil
}

func (r *Resilient) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = r.do(ctx, "get", func(ctx context.Context) error {
		var getErr error
		value, ok, getErr = r.next.Get(ctx, key)
		return getErr
	})
	return value, ok, err
}

func (r *Resilient) Set(ctx context.Context, key, value string) error {
	return r.do(ctx, "set", func(ctx context.Context) error { return r.next.Set(ctx, key, value) })
}

func (r *Resilient) Remove(ctx context.Context, key string) error {
	return r.do(ctx, "remove", func(ctx context.Context) error { return r.next.Remove(ctx, key) })
}

func (r *Resilient) Clear(ctx context.Context) error {
	return r.do(ctx, "clear", func(ctx context.Context) error { return r.next.Clear(ctx) })
}

func (r *Resilient) Len(ctx context.Context) (n int, err error) {
	err = r.do(ctx, "len", func(ctx context.Context) error {
		var lenErr error
		n, lenErr = r.next.Len(ctx)
		return lenErr
	})
	return n, err
}
