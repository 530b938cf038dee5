package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"podnotify/pkg/util"
)

type dlqMessage struct {
	routingKey string
	body       string
	cause      string
}

type fakeDLQ struct {
	got []dlqMessage
}

func (d *fakeDLQ) PublishToDLQ(routingKey string, payload []byte, originalError string) error {
	d.got = append(d.got, dlqMessage{routingKey: routingKey, body: string(payload), cause: originalError})
	return nil
}

func TestRetryPolicyRequeuesThenDeadLetters(t *testing.T) {
	rdb := newRedis(t)
	dlq := &fakeDLQ{}
	policy := NewRetryPolicy(util.NewRetryCounter(rdb, time.Hour), dlq, 2, zap.NewNop())

	calls := 0
	h := policy.Wrap("relay", "notification.created", func(context.Context, json.RawMessage) error {
		calls++
		return fmt.Errorf("publish: %w", context.DeadlineExceeded)
	})

	raw := json.RawMessage(`{"notification":{"id":"n1"}}`)
	assert.Error(t, h(context.Background(), raw))
	assert.Error(t, h(context.Background(), raw))
	assert.NoError(t, h(context.Background(), raw))
	assert.Equal(t, 3, calls)

	require.Len(t, dlq.got, 1)
	assert.Equal(t, "notification.created", dlq.got[0].routingKey)
	assert.JSONEq(t, string(raw), dlq.got[0].body)

	// 计数已重置，下一轮重新开始
	assert.Error(t, h(context.Background(), raw))
}

func TestRetryPolicyDeadLettersNonRetryable(t *testing.T) {
	rdb := newRedis(t)
	dlq := &fakeDLQ{}
	policy := NewRetryPolicy(util.NewRetryCounter(rdb, time.Hour), dlq, 3, zap.NewNop())

	h := policy.Wrap("activity", "activity.unknown", func(context.Context, json.RawMessage) error {
		return errors.New("weird")
	})
	assert.NoError(t, h(context.Background(), json.RawMessage(`{}`)))
	require.Len(t, dlq.got, 1)
	assert.Equal(t, "weird", dlq.got[0].cause)
}

func TestRetryPolicyPassesSuccess(t *testing.T) {
	rdb := newRedis(t)
	dlq := &fakeDLQ{}
	policy := NewRetryPolicy(util.NewRetryCounter(rdb, time.Hour), dlq, 3, zap.NewNop())

	h := policy.Wrap("activity", "activity.x", func(context.Context, json.RawMessage) error { return nil })
	assert.NoError(t, h(context.Background(), json.RawMessage(`{}`)))
	assert.Empty(t, dlq.got)
}
