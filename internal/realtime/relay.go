package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	mqcontracts "podnotify/contracts/mq"
	"podnotify/pkg/circuitbreaker"
	"podnotify/pkg/logger"
	"podnotify/pkg/metrics"
	"podnotify/pkg/trace"
	"podnotify/pkg/util"
)

const relayHandlerName = "relay"

// ChannelKey 每个用户一个 Redis pub/sub channel
func ChannelKey(userID string) string {
	return "notifications:" + userID
}

// Relay 消费 notification.created，把新通知 PUBLISH 到用户的 channel
type Relay struct {
	rdb     *redis.Client
	deduper *util.Deduper
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewRelay(rdb *redis.Client, deduper *util.Deduper, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Relay {
	return &Relay{
		rdb:     rdb,
		deduper: deduper,
		breaker: breaker,
		logger:  logger,
	}
}

// Handle 是 notification.created 的 MessageHandler；同一条通知只推送一次
func (r *Relay) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.NotificationCreatedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		r.logger.Error("Failed to unmarshal NotificationCreatedPayload (non-retryable)", zap.Error(err))
		metrics.RecordRelay("invalid")
		return nil
	}
	if trace.FromContext(ctx) == "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	log := logger.WithTrace(ctx, r.logger)

	n := p.Notification
	if n.ID == "" || n.UserID == "" {
		log.Warn("Dropping notification.created without id or user_id")
		metrics.RecordRelay("invalid")
		return nil
	}

	if !r.deduper.AcquireOnce(ctx, relayHandlerName, n.ID) {
		metrics.RecordRelay("duplicate")
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		r.deduper.Release(ctx, relayHandlerName, n.ID)
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	var receivers int64
	err = r.breaker.Execute(func() error {
		var perr error
		receivers, perr = r.rdb.Publish(ctx, ChannelKey(n.UserID), body).Result()
		return perr
	})
	if err != nil {
		// 释放去重 key，重新投递时还能再推
		r.deduper.Release(ctx, relayHandlerName, n.ID)
		metrics.RecordRelay("error")
		log.Error("Failed to publish notification",
			zap.String("id", n.ID),
			zap.String("user_id", n.UserID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish notification %s: %w", n.ID, err)
	}

	metrics.RecordRelay("published")
	log.Debug("Notification relayed",
		zap.String("id", n.ID),
		zap.String("user_id", n.UserID),
		zap.Int64("receivers", receivers),
	)
	return nil
}
