package audit

/*
Файл journal.go реализует журнал инцидентов сторожа целостности.

- Non-blocking: Log никогда не блокирует проверку, событие уходит в буферизированный канал.
- Batching: воркер копит события и пишет их пачкой по таймеру или при достижении лимита.
- Drain: Stop закрывает канал и ждет, пока воркер вычитает остаток и сделает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBufferSize    = 1000
	defaultBatchSize     = 100
	defaultFlushInterval = 500 * time.Millisecond
)

// Storage определяет, куда физически сохраняются события
type Storage interface {
	WriteBatch(ctx context.Context, events []Event) error
}

type Auditor interface {
	Log(event Event)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type Journal struct {
	ch     chan Event
	repo   Storage
	logger *zap.Logger
	opts   Options
	wg     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	// Защищает отправку в канал от гонки с close(ch)
	sendMu sync.RWMutex
}

func NewJournal(repo Storage, logger *zap.Logger, opts Options) *Journal {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	return &Journal{
		ch:     make(chan Event, opts.BufferSize),
		repo:   repo,
		logger: logger.With(zap.String("mod", "journal")),
		opts:   opts,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (j *Journal) Stop() {
	j.closeOnce.Do(func() {
		j.sendMu.Lock()
		j.closed.Store(true)
		close(j.ch)
		j.sendMu.Unlock()

		j.logger.Info("stopping journal: flushing buffer...")
		j.wg.Wait()
		j.logger.Info("journal stopped gracefully")
	})
}

func (j *Journal) Log(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	j.sendMu.RLock()
	defer j.sendMu.RUnlock()

	if j.closed.Load() {
		j.logger.Warn("journal event dropped: journal is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding: при переполнении не блокируем сторожа, пишем в лог
	select {
	case j.ch <- event:
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("kind", string(event.Kind)),
			zap.String("detail", event.Detail),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Event, 0, j.opts.BatchSize)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть уже отменен
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = make([]Event, 0, j.opts.BatchSize)
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				flush() // Финальный сброс
				return
			}
			batch = append(batch, event)
			if len(batch) >= j.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// LogStorage пишет пачки в zap - используется, когда база не настроена.
type LogStorage struct {
	Logger *zap.Logger
}

func (s LogStorage) WriteBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		s.Logger.Info("watchdog journal",
			zap.String("id", e.ID),
			zap.String("kind", string(e.Kind)),
			zap.String("detail", e.Detail),
			zap.Int("count", e.Count),
			zap.String("client_id", e.ClientID),
			zap.Time("timestamp", e.Timestamp),
		)
	}
	return nil
}
