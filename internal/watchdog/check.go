package watchdog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/rooms-watchdog/internal/audit"
	"github.com/xela07ax/rooms-watchdog/internal/integrity"
	"go.uber.org/zap"
)

// Outcome - результат одного прохода проверки.
type Outcome string

const (
	OutcomeSkipped     Outcome = "skipped"     // grace period или дебаунс
	OutcomeSeeded      Outcome = "seeded"      // Снят эталон, сравнивать не с чем
	OutcomeClean       Outcome = "clean"       // Изменений нет
	OutcomeRebaselined Outcome = "rebaselined" // Штатное изменение, эталон обновлен
	OutcomeViolation   Outcome = "violation"   // Нарушение зафиксировано
	OutcomeSuppressed  Outcome = "suppressed"  // Аномалия в cooldown, не засчитана
	OutcomeWiped       Outcome = "wiped"       // Проход закончился зачисткой
	OutcomeFailed      Outcome = "failed"      // Ошибка чтения хранилища, проход брошен
)

// Виды нарушений (метка метрики)
const (
	KindIntegrity = "integrity"
	KindMissing   = "missing"
	KindRapid     = "rapid"
	KindManual    = "manual"
)

// Check выполняет один полный проход. Безопасен для ручного вызова и вызова по таймеру;
// два прохода подряд ближе MinCheckSpacing схлопываются.
func (w *Watchdog) Check(ctx context.Context) Outcome {
	w.mu.Lock()
	defer w.unlock()
	return w.checkLocked(ctx)
}

func (w *Watchdog) checkLocked(ctx context.Context) (outcome Outcome) {
	defer func() { w.metrics.Checks.WithLabelValues(string(outcome)).Inc() }()

	now := w.clock.Now()

	// 1. grace period и дебаунс - без побочных эффектов
	if w.inGrace(now) {
		return OutcomeSkipped
	}
	if !w.lastRun.IsZero() && now.Sub(w.lastRun) < w.cfg.MinCheckSpacing {
		return OutcomeSkipped
	}
	w.lastRun = now

	// 2. Текущий снимок
	current, err := w.snapshotLocked(ctx)
	if err != nil {
		w.logger.Error("error during security check", zap.Error(err))
		return OutcomeFailed
	}

	stored, ok, err := w.local.Get(ctx, w.cfg.Keys.Integrity)
	if err != nil {
		w.logger.Error("error during security check", zap.Error(err))
		return OutcomeFailed
	}

	// 3. Первый проход (или первый после grace) - снимаем эталон
	if !ok || (w.monitoring && !w.seeded) {
		if err := w.local.Set(ctx, w.cfg.Keys.Integrity, current); err != nil {
			w.logger.Error("failed to store integrity baseline", zap.Error(err))
			return OutcomeFailed
		}
		w.seeded = true
		w.logger.Debug("integrity baseline seeded", zap.String("hash", current))
		w.persistLastCheckLocked(ctx, now)
		return OutcomeSeeded
	}

	outcome = OutcomeClean

	// 4. Сравнение с эталоном
	if stored != current {
		switch {
		case len(w.expected) > 0 || w.inGrace(now):
			w.logger.Debug("sanctioned change absorbed into baseline", zap.Int("expected", len(w.expected)))
			clear(w.expected)
			outcome = OutcomeRebaselined
		default:
			count, wiped := w.recordViolationLocked(ctx, KindIntegrity, "data integrity violation - unauthorized modification")
			if wiped {
				return OutcomeWiped
			}
			if count == 0 {
				outcome = OutcomeSuppressed
			} else {
				outcome = OutcomeViolation
			}
		}

		// Единичная подмена засчитывается один раз, повторные копятся до порога
		if err := w.local.Set(ctx, w.cfg.Keys.Integrity, current); err != nil {
			w.logger.Error("failed to update integrity baseline", zap.Error(err))
		}
	}

	// 5. Пропажа критичных слотов
	missing, err := w.missingSlotsLocked(ctx)
	if err != nil {
		w.logger.Error("error checking storage", zap.Error(err))
		return OutcomeFailed
	}
	if len(missing) > 0 {
		count, wiped := w.recordViolationLocked(ctx, KindMissing, "critical data missing: "+strings.Join(missing, ", "))
		if wiped {
			return OutcomeWiped
		}
		if count > 0 {
			outcome = OutcomeViolation
		} else if outcome == OutcomeClean {
			outcome = OutcomeSuppressed
		}
	}

	// 6. Время проверки пишем при любом исходе
	w.persistLastCheckLocked(ctx, now)
	return outcome
}

func (w *Watchdog) persistLastCheckLocked(ctx context.Context, now time.Time) {
	if err := w.local.Set(ctx, w.cfg.Keys.LastCheck, formatMillis(now)); err != nil {
		w.logger.Error("failed to persist last check time", zap.Error(err))
	}
}

func (w *Watchdog) readSlotsLocked(ctx context.Context) ([]integrity.Slot, error) {
	slots := make([]integrity.Slot, 0, len(w.cfg.WatchedKeys))
	for _, key := range w.cfg.WatchedKeys {
		v, ok, err := w.local.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read slot %q: %w", key, err)
		}
		slots = append(slots, integrity.Slot{Key: key, Value: v, Present: ok})
	}
	return slots, nil
}

func (w *Watchdog) snapshotLocked(ctx context.Context) (string, error) {
	slots, err := w.readSlotsLocked(ctx)
	if err != nil {
		return "", err
	}
	return integrity.Snapshot(slots)
}

// rebaselineLocked переснимает эталон по текущему содержимому.
func (w *Watchdog) rebaselineLocked(ctx context.Context) error {
	current, err := w.snapshotLocked(ctx)
	if err != nil {
		return err
	}
	if err := w.local.Set(ctx, w.cfg.Keys.Integrity, current); err != nil {
		return fmt.Errorf("store integrity baseline: %w", err)
	}
	return nil
}

// missingSlotsLocked возвращает отсутствующие слоты, если их больше допуска,
// а в хранилище при этом есть данные помимо служебных ключей сторожа.
func (w *Watchdog) missingSlotsLocked(ctx context.Context) ([]string, error) {
	var missing []string
	for _, key := range w.cfg.WatchedKeys {
		_, ok, err := w.local.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) <= w.cfg.MissingSlotTolerance {
		return nil, nil
	}

	total, err := w.local.Len(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range w.cfg.Keys.all() {
		_, ok, err := w.local.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			total--
		}
	}
	if total <= 0 {
		return nil, nil
	}
	return missing, nil
}

// RecordViolation засчитывает нарушение. Возвращает счетчик после инкремента
// или 0, если нарушение подавлено grace period или cooldown. При достижении порога
// запускает зачистку.
func (w *Watchdog) RecordViolation(ctx context.Context, kind string) int {
	w.mu.Lock()
	defer w.unlock()
	count, _ := w.recordViolationLocked(ctx, KindManual, kind)
	return count
}

func (w *Watchdog) recordViolationLocked(ctx context.Context, label, kind string) (count int, wiped bool) {
	now := w.clock.Now()

	if w.inGrace(now) {
		w.logger.Debug("violation suppressed: grace period", zap.String("kind", kind))
		return 0, false
	}
	cooling, err := w.inCooldownLocked(ctx, now)
	if err != nil {
		w.logger.Error("failed to read wipe cooldown", zap.Error(err))
		return 0, false
	}
	if cooling {
		w.logger.Debug("violation suppressed: wipe cooldown", zap.String("kind", kind))
		return 0, false
	}

	count, err = w.violationsLocked(ctx)
	if err != nil {
		w.logger.Error("failed to read violation counter", zap.Error(err))
		return 0, false
	}
	count++
	if err := w.local.Set(ctx, w.cfg.Keys.Violations, strconv.Itoa(count)); err != nil {
		w.logger.Error("failed to persist violation counter", zap.Error(err))
		return 0, false
	}

	w.metrics.Violations.WithLabelValues(label).Inc()
	w.metrics.ViolationCount.Set(float64(count))
	w.logger.Warn("security violation",
		zap.Int("count", count),
		zap.Int("threshold", w.cfg.ViolationThreshold),
		zap.String("kind", kind))
	w.auditor.Log(audit.Event{
		Kind:      audit.KindViolation,
		Detail:    kind,
		Count:     count,
		ClientID:  w.cfg.ClientID,
		Timestamp: now,
	})

	if count >= w.cfg.ViolationThreshold {
		wiped = w.wipeLocked(ctx, fmt.Sprintf("multiple violations (%d)", count))
	}
	return count, wiped
}

// violationsLocked читает счетчик; мусор в ключе считается нулем.
func (w *Watchdog) violationsLocked(ctx context.Context) (int, error) {
	raw, ok, err := w.local.Get(ctx, w.cfg.Keys.Violations)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		w.logger.Warn("malformed violation counter, treating as zero", zap.String("raw", raw))
		return 0, nil
	}
	return n, nil
}

func (w *Watchdog) inCooldownLocked(ctx context.Context, now time.Time) (bool, error) {
	at, ok, err := w.lastWipeLocked(ctx)
	if err != nil || !ok {
		return false, err
	}
	return now.Sub(at) < w.cfg.WipeCooldown, nil
}

func (w *Watchdog) lastWipeLocked(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := w.local.Get(ctx, w.cfg.Keys.LastWipe)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := parseMillis(raw)
	if err != nil {
		w.logger.Warn("malformed wipe timestamp ignored", zap.String("raw", raw))
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
