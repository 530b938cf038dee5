package mqhandler

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"

	"go.uber.org/zap"

	"podnotify/pkg/logger"
	"podnotify/pkg/mq"
	"podnotify/pkg/util"
)

// DLQPublisher 死信投递能力，*mq.Publisher 实现它
type DLQPublisher interface {
	PublishToDLQ(routingKey string, payload []byte, originalError string) error
}

// RetryCounter 按消息计数重试次数，*util.RetryCounter 实现它
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// RetryPolicy 把 handler 的错误分为三类：
// 不可重试 → 进 DLQ 并 ack；可重试且未超过上限 → nack 重新入队；超过上限 → 进 DLQ 并 ack
type RetryPolicy struct {
	counter    RetryCounter
	dlq        DLQPublisher
	maxRetries int64
	logger     *zap.Logger
}

func NewRetryPolicy(counter RetryCounter, dlq DLQPublisher, maxRetries int64, logger *zap.Logger) *RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryPolicy{
		counter:    counter,
		dlq:        dlq,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Wrap 返回带重试/死信策略的 handler；routingKey 用作 DLQ 的 routing key
func (p *RetryPolicy) Wrap(handlerName, routingKey string, h mq.MessageHandler) mq.MessageHandler {
	return func(ctx context.Context, raw json.RawMessage) error {
		err := h(ctx, raw)
		if err == nil {
			return nil
		}

		log := logger.WithTrace(ctx, p.logger).With(zap.String("handler", handlerName))
		key := util.FormatRetryKey(handlerName, messageKey(raw))

		retryable, errType := util.IsRetryableError(err)
		if !retryable {
			log.Warn("Non-retryable handler error, dead-lettering",
				zap.String("error_type", errType),
				zap.Error(err),
			)
			p.deadLetter(log, routingKey, raw, err)
			return nil
		}

		count, cerr := p.counter.IncrementAndGet(ctx, key)
		if cerr != nil {
			// 计数不可用时交给 MQ 重新投递
			log.Warn("Retry counter unavailable", zap.Error(cerr))
			return err
		}

		if util.ShouldRetry(count, p.maxRetries, retryable) {
			log.Warn("Retryable handler error, requeueing",
				zap.String("error_type", errType),
				zap.Int64("attempt", count),
				zap.Int64("max_retries", p.maxRetries),
				zap.Error(err),
			)
			return err
		}

		log.Error("Retries exhausted, dead-lettering",
			zap.String("error_type", errType),
			zap.Int64("attempt", count),
			zap.Error(err),
		)
		p.deadLetter(log, routingKey, raw, err)
		if rerr := p.counter.Reset(ctx, key); rerr != nil {
			log.Warn("Failed to reset retry counter", zap.Error(rerr))
		}
		return nil
	}
}

func (p *RetryPolicy) deadLetter(log *zap.Logger, routingKey string, raw json.RawMessage, cause error) {
	if p.dlq == nil {
		return
	}
	if err := p.dlq.PublishToDLQ(routingKey, raw, cause.Error()); err != nil {
		log.Error("Failed to publish to DLQ", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

// messageKey 消息体的摘要，同一条消息重新投递时得到同一个 key
func messageKey(raw json.RawMessage) string {
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}
