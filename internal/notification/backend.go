package notification

import "context"

// Repository 是 Store 依赖的持久化协作方
type Repository interface {
	// Fetch 返回用户的全部通知，按 created_at 倒序
	Fetch(ctx context.Context, userID string) ([]Notification, error)
	// Insert 持久化一条通知，分配 id 和 created_at
	Insert(ctx context.Context, d Draft) (Notification, error)
	// MarkRead 只会把 read 从 false 改成 true
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) error
}

// Subscriber 按用户订阅新插入的通知
type Subscriber interface {
	Subscribe(ctx context.Context, userID string, onInsert func(Notification)) (Subscription, error)
}

// Subscription 可取消的订阅句柄
type Subscription interface {
	Cancel()
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() { f() }
