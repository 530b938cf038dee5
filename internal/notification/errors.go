package notification

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationRequired 未登录时的修改操作，Store 内部吞掉，不对外暴露
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrInvalidDraft 生产者提交的通知字段不合法
	ErrInvalidDraft = errors.New("invalid notification")
	// ErrNotFound 通知不存在或不属于该用户
	ErrNotFound = errors.New("notification not found")
)

// PersistenceError 外部存储在 fetch/insert/update 时失败
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("notification %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// SubscriptionError 推送通道建立失败；重连交给底层客户端
type SubscriptionError struct {
	UserID string
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe notifications for user %s: %v", e.UserID, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
