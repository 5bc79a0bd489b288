// Package store описывает контракт key-value хранилища, за которым следит сторож.
package store

import (
	"context"
	"errors"

	"github.com/xela07ax/rooms-watchdog/internal/domain"
)

// ErrClosed возвращают хендлы после Close.
var ErrClosed = errors.New("store: closed")

// KV - строковое key-value хранилище (аналог localStorage).
type KV interface {
	// Get возвращает ok=false, если ключа нет.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// Notifier доставляет уведомления "хранилище изменено извне".
// Хендл никогда не получает уведомлений о собственных записях.
type Notifier interface {
	Watch(ctx context.Context, fn func(domain.StorageEvent)) (cancel func(), err error)
}
