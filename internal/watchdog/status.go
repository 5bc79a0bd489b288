package watchdog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/rooms-watchdog/internal/audit"
	"github.com/xela07ax/rooms-watchdog/internal/domain"
	"go.uber.org/zap"
)

// Status возвращает снимок состояния. Ничего не пишет.
func (w *Watchdog) Status(ctx context.Context) (domain.WatchdogStatus, error) {
	w.mu.Lock()
	defer w.unlock()

	now := w.clock.Now()
	st := domain.WatchdogStatus{
		Monitoring:    w.monitoring,
		Threshold:     w.cfg.ViolationThreshold,
		InGracePeriod: w.inGrace(now),
	}
	if !w.startedAt.IsZero() {
		st.Elapsed = now.Sub(w.startedAt)
	}

	var err error
	if st.Violations, err = w.violationsLocked(ctx); err != nil {
		return domain.WatchdogStatus{}, fmt.Errorf("read violations: %w", err)
	}
	if st.InCooldown, err = w.inCooldownLocked(ctx, now); err != nil {
		return domain.WatchdogStatus{}, fmt.Errorf("read wipe cooldown: %w", err)
	}

	hash, ok, err := w.local.Get(ctx, w.cfg.Keys.Integrity)
	if err != nil {
		return domain.WatchdogStatus{}, fmt.Errorf("read integrity hash: %w", err)
	}
	if ok {
		st.IntegrityHash = hash
	}

	raw, ok, err := w.local.Get(ctx, w.cfg.Keys.LastCheck)
	if err != nil {
		return domain.WatchdogStatus{}, fmt.Errorf("read last check: %w", err)
	}
	if ok {
		if t, err := parseMillis(raw); err == nil {
			t = t.UTC()
			st.LastCheck = &t
		}
	}

	raw, ok, err = w.local.Get(ctx, w.cfg.Keys.Breach)
	if err != nil {
		return domain.WatchdogStatus{}, fmt.Errorf("read breach record: %w", err)
	}
	if ok {
		var rec domain.BreachRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			w.logger.Warn("malformed breach record ignored", zap.Error(err))
		} else {
			st.LastBreach = &rec
		}
	}

	return st, nil
}

// ResetViolations обнуляет счетчик и снимает cooldown без зачистки.
// Только для администратора и тестовых стендов.
func (w *Watchdog) ResetViolations(ctx context.Context) error {
	w.mu.Lock()
	defer w.unlock()

	if err := w.local.Set(ctx, w.cfg.Keys.Violations, "0"); err != nil {
		return fmt.Errorf("reset violation counter: %w", err)
	}
	if err := w.local.Remove(ctx, w.cfg.Keys.LastWipe); err != nil {
		return fmt.Errorf("clear wipe cooldown: %w", err)
	}
	w.metrics.ViolationCount.Set(0)

	w.logger.Info("security violations reset")
	w.auditor.Log(audit.Event{
		Kind:      audit.KindReset,
		ClientID:  w.cfg.ClientID,
		Timestamp: w.clock.Now(),
	})
	return nil
}
