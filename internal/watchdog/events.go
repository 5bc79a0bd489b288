package watchdog

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/xela07ax/rooms-watchdog/internal/domain"
	"go.uber.org/zap"
)

// ErrReservedKey - попытка записать служебный ключ сторожа штатным путем.
var ErrReservedKey = errors.New("watchdog: reserved bookkeeping key")

// HandleStorageEvent обрабатывает уведомление "хранилище изменено извне".
//
// Бэкенд может доставить уведомление прямо из-под записи, которую делает этот же
// сторож (две вкладки на одном in-memory хранилище будят друг друга по цепочке).
// Поэтому уведомление сначала ставится в очередь, а разбирает его тот, кто держит мьютекс.
func (w *Watchdog) HandleStorageEvent(ctx context.Context, ev domain.StorageEvent) {
	w.qmu.Lock()
	w.pending = append(w.pending, queuedEvent{ctx: ctx, ev: ev})
	w.qmu.Unlock()

	if !w.mu.TryLock() {
		return
	}
	w.unlock()
}

func (w *Watchdog) handleEventLocked(ctx context.Context, ev domain.StorageEvent) {
	w.metrics.StorageEvents.WithLabelValues(string(ev.Area)).Inc()

	// Событие могло прийти уже после остановки или зачистки.
	// Сессионное хранилище в эталон не входит.
	if !w.monitoring || ev.Area != domain.AreaLocal {
		return
	}

	// Служебные записи сторожа другой вкладки. Подмену этих ключей ловит плановый проход.
	if ev.Key != "" && slices.Contains(w.cfg.Keys.all(), ev.Key) {
		return
	}

	// Штатная запись из другого контекста: просто переснимаем эталон
	if ev.Sanctioned {
		if err := w.rebaselineLocked(ctx); err != nil {
			w.logger.Error("failed to rebaseline after sanctioned change", zap.Error(err))
		}
		return
	}

	now := w.clock.Now()
	if w.inGrace(now) {
		return
	}

	if n, tripped := w.rapid.observe(now, w.cfg.RapidChangeWindow, w.cfg.RapidChangeThreshold); tripped {
		_, wiped := w.recordViolationLocked(ctx, KindRapid, fmt.Sprintf("rapid changes detected (%d)", n))
		if wiped {
			return
		}
	}

	w.checkLocked(ctx)
}

// ExpectMutation объявляет штатное изменение слота: ближайшее расхождение с эталоном
// будет принято без нарушения.
func (w *Watchdog) ExpectMutation(ctx context.Context, key string) {
	w.mu.Lock()
	defer w.unlock()

	w.expected[key] = struct{}{}
	w.logger.Debug("expected mutation registered", zap.String("key", key))
}

// Write - штатный путь записи приложения: пишет слот и сразу переснимает эталон.
// Служебные ключи сторожа этим путем не пишутся.
func (w *Watchdog) Write(ctx context.Context, key, value string) error {
	if slices.Contains(w.cfg.Keys.all(), key) {
		return fmt.Errorf("write slot %q: %w", key, ErrReservedKey)
	}

	w.mu.Lock()
	defer w.unlock()

	if err := w.local.Set(ctx, key, value); err != nil {
		return fmt.Errorf("write slot %q: %w", key, err)
	}
	delete(w.expected, key)
	if err := w.rebaselineLocked(ctx); err != nil {
		return fmt.Errorf("rebaseline after write: %w", err)
	}
	return nil
}
