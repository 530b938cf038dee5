package notification

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend 进程内的 Repository + Subscriber 实现，Insert 同步推送给订阅者。
// 用于 storage.driver=memory 的本地运行和测试。
type MemoryBackend struct {
	mu      sync.Mutex
	rows    []Notification
	subs    map[string]map[int]func(Notification)
	nextSub int
	now     func() time.Time
	last    time.Time
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		subs: make(map[string]map[int]func(Notification)),
		now:  time.Now,
	}
}

// Seed 直接写入已有记录，不触发推送；缺失的 id/created_at 会补上
func (m *MemoryBackend) Seed(rows ...Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range rows {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = m.nextTimestampLocked()
		}
		m.rows = append(m.rows, n)
	}
}

func (m *MemoryBackend) Fetch(_ context.Context, userID string) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Notification
	for _, n := range m.rows {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryBackend) Insert(_ context.Context, d Draft) (Notification, error) {
	if err := d.Validate(); err != nil {
		return Notification{}, err
	}

	m.mu.Lock()
	n := Notification{
		ID:        uuid.NewString(),
		UserID:    d.UserID,
		Type:      d.Type,
		Title:     d.Title,
		Message:   d.Message,
		ActionURL: d.ActionURL,
		Metadata:  d.Metadata,
		CreatedAt: m.nextTimestampLocked(),
	}
	m.rows = append(m.rows, n)
	handlers := make([]func(Notification), 0, len(m.subs[d.UserID]))
	for _, h := range m.subs[d.UserID] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	// 在锁外回调，handler 可能再次调用 backend
	for _, h := range handlers {
		h(n)
	}
	return n, nil
}

func (m *MemoryBackend) MarkRead(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].ID == id && m.rows[i].UserID == userID {
			m.rows[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryBackend) MarkAllRead(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].UserID == userID {
			m.rows[i].Read = true
		}
	}
	return nil
}

func (m *MemoryBackend) Subscribe(_ context.Context, userID string, onInsert func(Notification)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	if m.subs[userID] == nil {
		m.subs[userID] = make(map[int]func(Notification))
	}
	m.subs[userID][id] = onInsert

	return SubscriptionFunc(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[userID], id)
		if len(m.subs[userID]) == 0 {
			delete(m.subs, userID)
		}
	}), nil
}

// Subscribers 当前某用户的订阅数
func (m *MemoryBackend) Subscribers(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[userID])
}

// nextTimestampLocked 保证 created_at 严格递增
func (m *MemoryBackend) nextTimestampLocked() time.Time {
	t := m.now().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}
