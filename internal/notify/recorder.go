package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Recorder хранит уведомления в памяти. Используется с memory-бэкендом,
// где слушать канал некому.
type Recorder struct {
	logger *zap.Logger

	mu      sync.Mutex
	notices []Notice
	prompts []string
}

func NewRecorder(logger *zap.Logger) *Recorder {
	return &Recorder{logger: logger.Named("notify")}
}

func (r *Recorder) Confirm(ctx context.Context, prompt string) bool {
	r.mu.Lock()
	r.prompts = append(r.prompts, prompt)
	r.mu.Unlock()
	return Confirmed(ctx)
}

func (r *Recorder) Alert(_ context.Context, message string) {
	r.record(Notice{Kind: NoticeAlert, Message: message})
}

func (r *Recorder) Redirect(_ context.Context, target string) {
	r.record(Notice{Kind: NoticeRedirect, Target: target})
}

func (r *Recorder) record(n Notice) {
	n.At = time.Now().UTC()
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
	r.logger.Warn("notice recorded", zap.String("kind", string(n.Kind)),
		zap.String("message", n.Message), zap.String("target", n.Target))
}

// Notices возвращает копию накопленных уведомлений.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func (r *Recorder) Prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}
