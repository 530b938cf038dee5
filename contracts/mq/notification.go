package mq

import "podnotify/internal/notification"

// NotificationCreatedPayload routing key: notification.created
type NotificationCreatedPayload struct {
	TraceID      string                    `json:"trace_id,omitempty"`
	Notification notification.Notification `json:"notification"`
}
