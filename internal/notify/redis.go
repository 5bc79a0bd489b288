package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/rooms-watchdog/internal/infra"
	"go.uber.org/zap"
)

// RedisSurface публикует уведомления в канал rooms:watchdog:notices.
type RedisSurface struct {
	rdb      *redis.Client
	logger   *zap.Logger
	clientID string
	now      func() time.Time
}

func NewRedisSurface(rdb *redis.Client, logger *zap.Logger, clientID string) *RedisSurface {
	return &RedisSurface{
		rdb:      rdb,
		logger:   logger.Named("notify"),
		clientID: clientID,
		now:      time.Now,
	}
}

func (s *RedisSurface) Confirm(ctx context.Context, prompt string) bool {
	ok := Confirmed(ctx)
	s.logger.Info("confirmation requested", zap.String("prompt", prompt), zap.Bool("confirmed", ok))
	return ok
}

func (s *RedisSurface) Alert(ctx context.Context, message string) {
	s.publish(ctx, Notice{Kind: NoticeAlert, Message: message})
}

func (s *RedisSurface) Redirect(ctx context.Context, target string) {
	s.publish(ctx, Notice{Kind: NoticeRedirect, Target: target})
}

// publish не возвращает ошибку: зачистка уже выполнена, уведомление - лучшее из возможного.
func (s *RedisSurface) publish(ctx context.Context, n Notice) {
	n.ClientID = s.clientID
	n.At = s.now().UTC()

	payload, err := json.Marshal(n)
	if err != nil {
		s.logger.Error("failed to encode notice", zap.Error(err))
		return
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanNotices, payload).Err(); err != nil {
		s.logger.Error("failed to publish notice", zap.String("kind", string(n.Kind)), zap.Error(err))
		return
	}
	s.logger.Warn("notice published", zap.String("kind", string(n.Kind)),
		zap.String("message", n.Message), zap.String("target", n.Target))
}
