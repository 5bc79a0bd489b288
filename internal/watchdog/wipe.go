package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/rooms-watchdog/internal/audit"
	"github.com/xela07ax/rooms-watchdog/internal/domain"
	"go.uber.org/zap"
)

const (
	wipeNotice    = "Security breach detected. Data wiped for protection."
	confirmPrompt = "This will wipe all local data except the owner account. Continue?"
)

// Wipe выполняет зачистку, если не идет cooldown. Возвращает true, если зачистка
// (полная или аварийная) действительно выполнена.
func (w *Watchdog) Wipe(ctx context.Context, reason string) bool {
	w.mu.Lock()
	defer w.unlock()
	return w.wipeLocked(ctx, reason)
}

// ConfirmWipe - ручная зачистка с подтверждением пользователя.
// Подтверждение спрашивается вне мьютекса: оно может блокироваться сколь угодно долго.
func (w *Watchdog) ConfirmWipe(ctx context.Context, reason string) bool {
	if !w.surface.Confirm(ctx, confirmPrompt) {
		w.logger.Info("manual wipe declined", zap.String("reason", reason))
		return false
	}
	return w.Wipe(ctx, reason)
}

func (w *Watchdog) wipeLocked(ctx context.Context, reason string) bool {
	now := w.clock.Now()

	// 1. Защита от шторма зачисток
	cooling, err := w.inCooldownLocked(ctx, now)
	if err != nil {
		// Не знаем, когда была прошлая зачистка - безопаснее зачистить
		w.logger.Error("failed to read wipe cooldown, wiping anyway", zap.Error(err))
	}
	if cooling {
		w.logger.Info("wipe suppressed: cooldown active", zap.String("reason", reason))
		w.metrics.Wipes.WithLabelValues("suppressed").Inc()
		w.auditor.Log(audit.Event{
			Kind:      audit.KindWipeSuppressed,
			Detail:    reason,
			ClientID:  w.cfg.ClientID,
			Timestamp: now,
		})
		return false
	}

	w.logger.Error("emergency wipe", zap.String("reason", reason))

	if err := w.performWipeLocked(ctx, reason); err != nil {
		w.logger.Error("wipe failed, falling back to full clear", zap.Error(err))
		w.fallbackWipeLocked(ctx, reason)
		return true
	}

	w.metrics.Wipes.WithLabelValues("full").Inc()
	w.auditor.Log(audit.Event{
		Kind:      audit.KindWipe,
		Detail:    reason,
		ClientID:  w.cfg.ClientID,
		Timestamp: now,
	})
	return true
}

// performWipeLocked - шаги 2-9 зачистки. Паника любого шага превращается в ошибку,
// после которой вызывающий делает аварийную очистку.
func (w *Watchdog) performWipeLocked(ctx context.Context, reason string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("wipe panicked: %v", r)
		}
	}()

	now := w.clock.Now()

	// 2. Достаем запись владельца до очистки
	owner, err := w.readOwnerLocked(ctx)
	if err != nil {
		return err
	}

	// 3. Очищаем оба хранилища целиком
	if err := w.local.Clear(ctx); err != nil {
		return fmt.Errorf("clear local store: %w", err)
	}
	if err := w.session.Clear(ctx); err != nil {
		return fmt.Errorf("clear session store: %w", err)
	}

	// 4. Возвращаем владельца в исходной обертке {id: record}
	if owner != nil {
		wrapped, err := json.Marshal(map[string]json.RawMessage{w.cfg.OwnerID: owner})
		if err != nil {
			return fmt.Errorf("wrap owner record: %w", err)
		}
		if err := w.local.Set(ctx, w.cfg.AccountsKey, string(wrapped)); err != nil {
			return fmt.Errorf("restore owner record: %w", err)
		}
	}

	// 5. Отметка для cooldown
	if err := w.local.Set(ctx, w.cfg.Keys.LastWipe, formatMillis(now)); err != nil {
		return fmt.Errorf("store wipe timestamp: %w", err)
	}

	// 6. Запись об инциденте
	breach, err := json.Marshal(domain.BreachRecord{
		Timestamp: now.UTC(),
		Reason:    reason,
		UserAgent: w.cfg.ClientID,
	})
	if err != nil {
		return fmt.Errorf("encode breach record: %w", err)
	}
	if err := w.local.Set(ctx, w.cfg.Keys.Breach, string(breach)); err != nil {
		return fmt.Errorf("store breach record: %w", err)
	}

	// 7. Сброс счетчика
	if err := w.local.Set(ctx, w.cfg.Keys.Violations, "0"); err != nil {
		return fmt.Errorf("reset violation counter: %w", err)
	}
	w.metrics.ViolationCount.Set(0)

	// 8. Мониторинг перезапускается только явно. stopLocked отменяет контекст
	// фоновых проходов, а уведомление должно дойти в любом случае.
	w.stopLocked()
	notifyCtx := context.WithoutCancel(ctx)

	// 9. Уведомление и уход на страницу входа
	w.surface.Alert(notifyCtx, wipeNotice)
	w.surface.Redirect(notifyCtx, w.cfg.RedirectTarget)
	return nil
}

// readOwnerLocked возвращает запись владельца как есть или nil, если сохранять нечего.
func (w *Watchdog) readOwnerLocked(ctx context.Context) (json.RawMessage, error) {
	if w.cfg.OwnerID == "" {
		return nil, nil
	}
	raw, ok, err := w.local.Get(ctx, w.cfg.AccountsKey)
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var accounts map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &accounts); err != nil {
		// Корректный JSON, но не объект (массив, строка, null): владельца в нем нет
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			w.logger.Warn("accounts record is not an object, no owner to preserve")
			return nil, nil
		}
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	owner, ok := accounts[w.cfg.OwnerID]
	if !ok {
		return nil, nil
	}
	return owner, nil
}

// fallbackWipeLocked - безусловная очистка, когда штатная зачистка сломалась.
// Ошибки только логируются: хуже наполовину очищенного хранилища ничего нет.
func (w *Watchdog) fallbackWipeLocked(ctx context.Context, reason string) {
	now := w.clock.Now()

	if err := w.local.Clear(ctx); err != nil {
		w.logger.Error("fallback clear of local store failed", zap.Error(err))
	}
	if err := w.session.Clear(ctx); err != nil {
		w.logger.Error("fallback clear of session store failed", zap.Error(err))
	}
	if err := w.local.Set(ctx, w.cfg.Keys.LastWipe, formatMillis(now)); err != nil {
		w.logger.Error("fallback wipe timestamp failed", zap.Error(err))
	}
	w.metrics.ViolationCount.Set(0)
	w.stopLocked()

	w.metrics.Wipes.WithLabelValues("fallback").Inc()
	w.auditor.Log(audit.Event{
		Kind:      audit.KindWipeFallback,
		Detail:    reason,
		ClientID:  w.cfg.ClientID,
		Timestamp: now,
	})

	notifyCtx := context.WithoutCancel(ctx)
	w.safeSurface(func() { w.surface.Alert(notifyCtx, wipeNotice) })
	w.safeSurface(func() { w.surface.Redirect(notifyCtx, w.cfg.RedirectTarget) })
}

func (w *Watchdog) safeSurface(f func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("surface call panicked", zap.Any("panic", r))
		}
	}()
	f()
}
