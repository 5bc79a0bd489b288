// Package watchdog - сторож целостности клиентского хранилища.
//
// Сторож периодически хэширует критичные слоты хранилища, ловит несанкционированные
// изменения, пропажу данных и подозрительно частые внешние записи, копит нарушения
// и после порога выполняет зачистку, сохраняя только запись владельца.
//
// Все операции сериализуются мьютексом сторожа: таймер и внешние уведомления
// никогда не выполняются параллельно, а начатая зачистка всегда доходит до конца.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/rooms-watchdog/internal/audit"
	"github.com/xela07ax/rooms-watchdog/internal/clock"
	"github.com/xela07ax/rooms-watchdog/internal/domain"
	"github.com/xela07ax/rooms-watchdog/internal/store"
	"go.uber.org/zap"
)

// Surface - видимые пользователю побочные эффекты.
type Surface interface {
	// Confirm блокирующе спрашивает пользователя; false - отказ.
	Confirm(ctx context.Context, prompt string) bool
	// Alert - блокирующее уведомление после зачистки.
	Alert(ctx context.Context, message string)
	// Redirect уводит пользователя на страницу входа.
	Redirect(ctx context.Context, target string)
}

// Deps - внешние зависимости сторожа. Local обязателен, остальное опционально.
type Deps struct {
	Local    store.KV
	Session  store.KV
	Notifier store.Notifier
	Clock    clock.Clock
	Surface  Surface
	Auditor  audit.Auditor
	Metrics  *Metrics
	Logger   *zap.Logger
}

type Watchdog struct {
	cfg      Config
	local    store.KV
	session  store.KV
	notifier store.Notifier
	clock    clock.Clock
	surface  Surface
	auditor  audit.Auditor
	metrics  *Metrics
	logger   *zap.Logger

	mu         sync.Mutex
	monitoring bool
	startedAt  time.Time // Начало grace period
	lastRun    time.Time // Последний полный проход (дебаунс)
	ticker     *clock.Ticker
	seedTimer  *clock.Timer
	seeded     bool // Эталон этой сессии снят
	unwatch    func()
	cancelRun  context.CancelFunc
	expected   map[string]struct{} // Объявленные штатные записи
	rapid      rapidDetector
	gen        uint64 // Номер сессии мониторинга, растет при каждом Start

	// Уведомления, пришедшие пока мьютекс занят. Их разбирает владелец мьютекса
	// перед тем как отпустить его (см. unlock).
	qmu     sync.Mutex
	pending []queuedEvent
}

type queuedEvent struct {
	ctx context.Context
	ev  domain.StorageEvent
}

func New(cfg Config, deps Deps) (*Watchdog, error) {
	if deps.Local == nil {
		return nil, fmt.Errorf("watchdog: local store is required")
	}
	if deps.Session == nil {
		deps.Session = nopKV{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Surface == nil {
		deps.Surface = nopSurface{}
	}
	if deps.Auditor == nil {
		deps.Auditor = nopAuditor{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Watchdog{
		cfg:      cfg.withDefaults(),
		local:    deps.Local,
		session:  deps.Session,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		surface:  deps.Surface,
		auditor:  deps.Auditor,
		metrics:  deps.Metrics,
		logger:   deps.Logger.Named("watchdog"),
		expected: make(map[string]struct{}),
	}, nil
}

// Start включает мониторинг. Повторный вызов при активном мониторинге ничего не делает.
// Эталон снимается только по окончании grace period, пока приложение наполняет хранилище.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.unlock()

	if w.monitoring {
		return nil
	}

	// Фоновые вызовы не должны умирать вместе с контекстом запроса, который вызвал Start
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if w.notifier != nil {
		unwatch, err := w.notifier.Watch(runCtx, func(ev domain.StorageEvent) { w.HandleStorageEvent(runCtx, ev) })
		if err != nil {
			cancel()
			return fmt.Errorf("watchdog: subscribe to storage events: %w", err)
		}
		w.unwatch = unwatch
	}

	w.gen++
	gen := w.gen
	w.cancelRun = cancel
	w.monitoring = true
	w.startedAt = w.clock.Now()
	w.lastRun = time.Time{}
	w.seeded = false
	w.rapid = rapidDetector{}
	clear(w.expected)

	w.ticker = w.clock.TickFunc(w.cfg.CheckInterval, func() { w.Check(runCtx) })
	w.seedTimer = w.clock.AfterFunc(w.cfg.GracePeriod, func() { w.seed(runCtx, gen) })

	w.metrics.Monitoring.Set(1)
	w.logger.Info("security monitoring activated",
		zap.Duration("check_interval", w.cfg.CheckInterval),
		zap.Duration("grace_period", w.cfg.GracePeriod),
		zap.Int("threshold", w.cfg.ViolationThreshold))
	return nil
}

// Stop отменяет расписание и подписку. Идемпотентен.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.unlock()
	w.stopLocked()
}

func (w *Watchdog) stopLocked() {
	if w.ticker != nil {
		w.ticker.Stop()
		w.ticker = nil
	}
	if w.seedTimer != nil {
		w.seedTimer.Stop()
		w.seedTimer = nil
	}
	if w.unwatch != nil {
		w.unwatch()
		w.unwatch = nil
	}
	if w.cancelRun != nil {
		w.cancelRun()
		w.cancelRun = nil
	}
	if w.monitoring {
		w.logger.Info("security monitoring stopped")
	}
	w.monitoring = false
	w.metrics.Monitoring.Set(0)
}

// seed срабатывает по окончании grace period: снимает эталон этой сессии
// поверх того, что осталось от прошлой, и сразу делает первый проход.
// Таймер прошлой сессии, сработавший после Stop/Start, ничего не трогает.
func (w *Watchdog) seed(ctx context.Context, gen uint64) {
	w.mu.Lock()
	defer w.unlock()

	if !w.monitoring || gen != w.gen {
		return
	}
	w.seedTimer = nil
	w.checkLocked(ctx)
}

// unlock разбирает накопленные уведомления и отпускает мьютекс. Уведомление,
// пришедшее между разбором и Unlock, подхватывается повторной попыткой TryLock:
// либо здесь, либо у следующего владельца мьютекса.
func (w *Watchdog) unlock() {
	for {
		for {
			q, ok := w.popEvent()
			if !ok {
				break
			}
			w.handleEventLocked(q.ctx, q.ev)
		}
		w.mu.Unlock()

		w.qmu.Lock()
		more := len(w.pending) > 0
		w.qmu.Unlock()
		if !more || !w.mu.TryLock() {
			return
		}
	}
}

func (w *Watchdog) popEvent() (queuedEvent, bool) {
	w.qmu.Lock()
	defer w.qmu.Unlock()
	if len(w.pending) == 0 {
		return queuedEvent{}, false
	}
	q := w.pending[0]
	w.pending = w.pending[1:]
	return q, true
}

func (w *Watchdog) inGrace(now time.Time) bool {
	return w.monitoring && now.Sub(w.startedAt) < w.cfg.GracePeriod
}
