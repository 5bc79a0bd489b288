// Package memory - in-process хранилище, разделяемое несколькими хендлами ("вкладками").
// Запись через один хендл уведомляет наблюдателей остальных хендлов той же области.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/xela07ax/rooms-watchdog/internal/domain"
	"github.com/xela07ax/rooms-watchdog/internal/store"
)

// Backend - общее состояние всех хендлов (один origin браузера).
type Backend struct {
	mu       sync.RWMutex
	areas    map[domain.Area]map[string]string
	watchers map[int]watcher
	nextID   int
}

type watcher struct {
	origin string
	fn     func(domain.StorageEvent)
}

func NewBackend() *Backend {
	return &Backend{
		areas:    make(map[domain.Area]map[string]string),
		watchers: make(map[int]watcher),
	}
}

// Tab - контекст исполнения со своими хендлами local и session.
type Tab struct {
	ID      string
	Local   *Handle
	Session *Handle
}

// NewTab открывает новый контекст с уникальным origin ID.
func (b *Backend) NewTab() *Tab {
	id := uuid.New().String()
	return &Tab{
		ID:      id,
		Local:   &Handle{b: b, area: domain.AreaLocal, origin: id},
		Session: &Handle{b: b, area: domain.AreaSession, origin: id},
	}
}

// Handle реализует store.KV и store.Notifier для одной области.
type Handle struct {
	b      *Backend
	area   domain.Area
	origin string

	// Sanctioned помечает записи этого хендла как штатные (путь записи приложения)
	Sanctioned bool
}

var (
	_ store.KV       = (*Handle)(nil)
	_ store.Notifier = (*Handle)(nil)
)

func (h *Handle) Get(_ context.Context, key string) (string, bool, error) {
	h.b.mu.RLock()
	defer h.b.mu.RUnlock()
	v, ok := h.b.areas[h.area][key]
	return v, ok, nil
}

func (h *Handle) Set(_ context.Context, key, value string) error {
	h.b.mu.Lock()
	m := h.b.areas[h.area]
	if m == nil {
		m = make(map[string]string)
		h.b.areas[h.area] = m
	}
	m[key] = value
	h.b.mu.Unlock()

	h.b.notify(domain.StorageEvent{Area: h.area, Key: key, Origin: h.origin, Sanctioned: h.Sanctioned})
	return nil
}

func (h *Handle) Remove(_ context.Context, key string) error {
	h.b.mu.Lock()
	_, existed := h.b.areas[h.area][key]
	delete(h.b.areas[h.area], key)
	h.b.mu.Unlock()

	if existed {
		h.b.notify(domain.StorageEvent{Area: h.area, Key: key, Origin: h.origin, Sanctioned: h.Sanctioned})
	}
	return nil
}

func (h *Handle) Clear(_ context.Context) error {
	h.b.mu.Lock()
	hadData := len(h.b.areas[h.area]) > 0
	delete(h.b.areas, h.area)
	h.b.mu.Unlock()

	if hadData {
		h.b.notify(domain.StorageEvent{Area: h.area, Origin: h.origin, Sanctioned: h.Sanctioned})
	}
	return nil
}

func (h *Handle) Len(_ context.Context) (int, error) {
	h.b.mu.RLock()
	defer h.b.mu.RUnlock()
	return len(h.b.areas[h.area]), nil
}

// Watch подписывает fn на изменения, сделанные другими вкладками. Доставка синхронная,
// в горутине писателя, после снятия блокировки бэкенда.
func (h *Handle) Watch(_ context.Context, fn func(domain.StorageEvent)) (func(), error) {
	h.b.mu.Lock()
	id := h.b.nextID
	h.b.nextID++
	h.b.watchers[id] = watcher{origin: h.origin, fn: fn}
	h.b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.b.mu.Lock()
			delete(h.b.watchers, id)
			h.b.mu.Unlock()
		})
	}, nil
}

func (b *Backend) notify(ev domain.StorageEvent) {
	b.mu.RLock()
	targets := make([]func(domain.StorageEvent), 0, len(b.watchers))
	for _, w := range b.watchers {
		if w.origin != ev.Origin {
			targets = append(targets, w.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(ev)
	}
}
