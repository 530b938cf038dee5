package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"podnotify/internal/notification"
)

// Feed 用 Redis SUBSCRIBE 实现 notification.Subscriber
type Feed struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewFeed(rdb *redis.Client, logger *zap.Logger) *Feed {
	return &Feed{rdb: rdb, logger: logger}
}

// Subscribe 等订阅确认后才返回；断线重连由 go-redis 处理
func (f *Feed) Subscribe(ctx context.Context, userID string, onInsert func(notification.Notification)) (notification.Subscription, error) {
	// 订阅的生命周期跟会话走，不跟请求 ctx 走
	ps := f.rdb.Subscribe(context.Background(), ChannelKey(userID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	ch := ps.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			var n notification.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				f.logger.Warn("Dropping malformed notification push",
					zap.String("channel", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			onInsert(n)
		}
	}()

	var once sync.Once
	return notification.SubscriptionFunc(func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				f.logger.Warn("Failed to close subscription", zap.String("user_id", userID), zap.Error(err))
			}
			<-done
		})
	}), nil
}
