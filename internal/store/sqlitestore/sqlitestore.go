// Package sqlitestore - хранилище в файле SQLite, общее для нескольких процессов.
//
// Внешние изменения ловятся опросом PRAGMA data_version: значение меняется только
// после коммитов других соединений. Поэтому у Store ровно одно соединение, через
// которое идут и свои записи, и опрос.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/rooms-watchdog/internal/domain"
	"github.com/xela07ax/rooms-watchdog/internal/store"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	area  TEXT NOT NULL,
	key   TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (area, key)
)`

type Store struct {
	db           *sql.DB
	logger       *zap.Logger
	pollInterval time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// Open открывает (и при необходимости создает) базу по пути.
func Open(path string, pollInterval time.Duration, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlitestore: path is required")
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// data_version считается на соединение
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{
		db:           db,
		logger:       logger.With(zap.String("mod", "sqlitestore")),
		pollInterval: pollInterval,
	}, nil
}

// Close ждет остановки опросов и закрывает базу. Подписки должны быть отменены раньше.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) Area(area domain.Area) *Handle {
	return &Handle{s: s, area: area}
}

// DataVersion возвращает текущий PRAGMA data_version соединения.
func (s *Store) DataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read data_version: %w", err)
	}
	return v, nil
}

type Handle struct {
	s    *Store
	area domain.Area
}

var (
	_ store.KV       = (*Handle)(nil)
	_ store.Notifier = (*Handle)(nil)
)

func (h *Handle) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := h.s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE area = ? AND key = ?`, string(h.area), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return v, true, nil
}

func (h *Handle) Set(ctx context.Context, key, value string) error {
	_, err := h.s.db.ExecContext(ctx,
		`INSERT INTO kv (area, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(area, key) DO UPDATE SET value = excluded.value`,
		string(h.area), key, value)
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	return nil
}

func (h *Handle) Remove(ctx context.Context, key string) error {
	if _, err := h.s.db.ExecContext(ctx, `DELETE FROM kv WHERE area = ? AND key = ?`, string(h.area), key); err != nil {
		return fmt.Errorf("sqlite remove %s: %w", key, err)
	}
	return nil
}

func (h *Handle) Clear(ctx context.Context) error {
	if _, err := h.s.db.ExecContext(ctx, `DELETE FROM kv WHERE area = ?`, string(h.area)); err != nil {
		return fmt.Errorf("sqlite clear %s: %w", h.area, err)
	}
	return nil
}

func (h *Handle) Len(ctx context.Context) (int, error) {
	var n int
	if err := h.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE area = ?`, string(h.area)).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite len %s: %w", h.area, err)
	}
	return n, nil
}

// Watch опрашивает data_version и сообщает о чужих коммитах. Какой ключ (и даже какая
// область) изменился, опрос не знает: событие приходит с пустым Key.
func (h *Handle) Watch(ctx context.Context, fn func(domain.StorageEvent)) (func(), error) {
	h.s.mu.Lock()
	if h.s.closed {
		h.s.mu.Unlock()
		return nil, store.ErrClosed
	}
	h.s.wg.Add(1)
	h.s.mu.Unlock()

	last, err := h.s.DataVersion(ctx)
	if err != nil {
		h.s.wg.Done()
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	go func() {
		defer h.s.wg.Done()

		ticker := time.NewTicker(h.s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-wctx.Done():
				return
			case <-ticker.C:
				cur, err := h.s.DataVersion(wctx)
				if err != nil {
					if wctx.Err() == nil {
						h.s.logger.Warn("data_version poll failed", zap.Error(err))
					}
					continue
				}
				if cur == last {
					continue
				}
				last = cur
				if wctx.Err() != nil {
					return
				}
				fn(domain.StorageEvent{Area: h.area})
			}
		}
	}()

	return cancel, nil
}
