package notification

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"podnotify/pkg/metrics"
)

// EventKind 描述 Store 状态的一次变化
type EventKind string

const (
	EventReset    EventKind = "reset"
	EventInserted EventKind = "inserted"
	EventUpdated  EventKind = "updated"
	EventRemoved  EventKind = "removed"
)

// Event 推给 Watch 订阅者的变化
type Event struct {
	Kind         EventKind     `json:"kind"`
	Notification *Notification `json:"notification,omitempty"`
	// Toast 新插入且类型需要弹出 toast
	Toast       bool `json:"toast,omitempty"`
	UnreadCount int  `json:"unread_count"`
}

// Snapshot 某一时刻 Store 的只读视图
type Snapshot struct {
	UserID        string         `json:"user_id"`
	Loading       bool           `json:"loading"`
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
}

const watchBuffer = 64

// Store 持有当前登录用户的通知列表（最新在前），所有修改都经过它
type Store struct {
	repo   Repository
	sub    Subscriber
	logger *zap.Logger

	mu           sync.Mutex
	userID       string
	epoch        uint64 // 每次登录/登出递增，旧的 fetch 和推送据此丢弃
	loading      bool
	items        []Notification
	subscription Subscription
	watchers     map[int]chan Event
	nextWatcher  int
	closed       bool
}

// NewStore creates an empty, signed-out store.
func NewStore(repo Repository, sub Subscriber, logger *zap.Logger) *Store {
	return &Store{
		repo:     repo,
		sub:      sub,
		logger:   logger,
		watchers: make(map[int]chan Event),
	}
}

// SignIn 切换到 userID：清空列表，建立推送订阅，然后拉取全部通知。
// fetch 失败时列表保持为空，返回 PersistenceError；
// 订阅失败时列表照常加载，返回 SubscriptionError。
func (s *Store) SignIn(ctx context.Context, userID string) error {
	if userID == "" {
		s.SignOut()
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.userID == userID {
		s.mu.Unlock()
		return nil
	}
	old := s.subscription
	s.subscription = nil
	s.epoch++
	epoch := s.epoch
	s.userID = userID
	s.items = nil
	s.loading = true
	s.broadcastLocked(Event{Kind: EventReset})
	s.mu.Unlock()

	if old != nil {
		old.Cancel()
	}

	var subErr error
	sub, err := s.sub.Subscribe(ctx, userID, func(n Notification) {
		s.receive(epoch, n)
	})
	if err != nil {
		subErr = &SubscriptionError{UserID: userID, Err: err}
		s.logger.Warn("Failed to subscribe to notifications",
			zap.String("user_id", userID),
			zap.Error(subErr),
		)
	} else {
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			sub.Cancel()
		} else {
			s.subscription = sub
			s.mu.Unlock()
		}
	}

	items, err := s.repo.Fetch(ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		// 会话已切换或登出，丢弃迟到的结果
		s.logger.Debug("Discarded stale notification fetch", zap.String("user_id", userID))
		return nil
	}
	s.loading = false
	if err != nil {
		metrics.RecordStoreOp("fetch", "error")
		s.logger.Error("Failed to fetch notifications",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		s.broadcastLocked(Event{Kind: EventReset})
		return &PersistenceError{Op: "fetch", Err: err}
	}

	s.items = mergePushed(s.items, items, userID)
	metrics.RecordStoreOp("fetch", "ok")
	s.broadcastLocked(Event{Kind: EventReset})
	return subErr
}

// Refresh 重新拉取当前用户的通知，失败时保留原有列表
func (s *Store) Refresh(ctx context.Context) error {
	userID, epoch := s.current()
	if userID == "" {
		return nil
	}

	items, err := s.repo.Fetch(ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return nil
	}
	if err != nil {
		metrics.RecordStoreOp("refresh", "error")
		s.logger.Error("Failed to refresh notifications",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return &PersistenceError{Op: "fetch", Err: err}
	}
	s.items = mergePushed(s.items, items, userID)
	metrics.RecordStoreOp("refresh", "ok")
	s.broadcastLocked(Event{Kind: EventReset})
	return nil
}

// mergePushed 用 fetch 结果替换列表，保留 fetch 期间推送进来、结果里还没有的记录
func mergePushed(pushed, fetched []Notification, userID string) []Notification {
	seen := make(map[string]struct{}, len(fetched))
	out := make([]Notification, 0, len(pushed)+len(fetched))
	for _, n := range fetched {
		if n.UserID != userID {
			continue
		}
		seen[n.ID] = struct{}{}
	}
	for _, n := range pushed {
		if _, ok := seen[n.ID]; !ok {
			out = append(out, n)
			seen[n.ID] = struct{}{}
		}
	}
	for _, n := range fetched {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// SignOut 清空列表并取消推送订阅，不发起任何请求
func (s *Store) SignOut() {
	s.mu.Lock()
	s.epoch++
	old := s.subscription
	s.subscription = nil
	wasSignedIn := s.userID != ""
	s.userID = ""
	s.items = nil
	s.loading = false
	if wasSignedIn {
		s.broadcastLocked(Event{Kind: EventReset})
	}
	s.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
}

// Close signs out and closes every watcher channel.
func (s *Store) Close() {
	s.SignOut()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
}

// receive 推送回调：属于当前用户的新通知插到最前面，重复 id 忽略
func (s *Store) receive(epoch uint64, n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch || n.UserID != s.userID {
		metrics.RecordPush("stale")
		return
	}
	for _, existing := range s.items {
		if existing.ID == n.ID {
			metrics.RecordPush("duplicate")
			s.logger.Debug("Ignored duplicate notification push", zap.String("id", n.ID))
			return
		}
	}

	s.items = append([]Notification{n}, s.items...)
	metrics.RecordPush("delivered")
	s.broadcastLocked(Event{Kind: EventInserted, Notification: &n, Toast: n.Type.Toast()})
}

// Add 为当前用户持久化一条通知，本地列表等推送回来再更新。未登录时静默忽略。
func (s *Store) Add(ctx context.Context, d Draft) error {
	userID, _ := s.current()
	if userID == "" {
		return nil
	}

	d.UserID = userID
	if err := d.Validate(); err != nil {
		return err
	}

	if _, err := s.repo.Insert(ctx, d); err != nil {
		metrics.RecordStoreOp("add", "error")
		s.logger.Error("Failed to add notification",
			zap.String("user_id", userID),
			zap.String("type", string(d.Type)),
			zap.Error(err),
		)
		return &PersistenceError{Op: "insert", Err: err}
	}
	metrics.RecordStoreOp("add", "ok")
	return nil
}

// MarkAsRead 先持久化再修改本地记录；持久化失败也不回滚本地修改
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	userID, epoch := s.current()
	if userID == "" {
		return nil
	}

	err := s.repo.MarkRead(ctx, userID, id)

	s.mu.Lock()
	if s.epoch == epoch {
		for i := range s.items {
			if s.items[i].ID == id && !s.items[i].Read {
				s.items[i].Read = true
				n := s.items[i]
				s.broadcastLocked(Event{Kind: EventUpdated, Notification: &n})
				break
			}
		}
	}
	s.mu.Unlock()

	if err != nil {
		metrics.RecordStoreOp("mark_read", "error")
		s.logger.Error("Failed to persist read state",
			zap.String("user_id", userID),
			zap.String("id", id),
			zap.Error(err),
		)
		return &PersistenceError{Op: "mark_read", Err: err}
	}
	metrics.RecordStoreOp("mark_read", "ok")
	return nil
}

// MarkAllAsRead 同 MarkAsRead，作用于当前用户全部通知
func (s *Store) MarkAllAsRead(ctx context.Context) error {
	userID, epoch := s.current()
	if userID == "" {
		return nil
	}

	err := s.repo.MarkAllRead(ctx, userID)

	s.mu.Lock()
	if s.epoch == epoch {
		changed := false
		for i := range s.items {
			if !s.items[i].Read {
				s.items[i].Read = true
				changed = true
			}
		}
		if changed {
			s.broadcastLocked(Event{Kind: EventReset})
		}
	}
	s.mu.Unlock()

	if err != nil {
		metrics.RecordStoreOp("mark_all_read", "error")
		s.logger.Error("Failed to persist read-all state",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return &PersistenceError{Op: "mark_all_read", Err: err}
	}
	metrics.RecordStoreOp("mark_all_read", "ok")
	return nil
}

// Remove 只从本地列表移除，不删除持久化记录
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.items {
		if s.items[i].ID == id {
			n := s.items[i]
			s.items = append(s.items[:i:i], s.items[i+1:]...)
			metrics.RecordStoreOp("remove", "ok")
			s.broadcastLocked(Event{Kind: EventRemoved, Notification: &n})
			return true
		}
	}
	return false
}

// Notifications returns a copy of the collection, newest first.
func (s *Store) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.items)
}

// UnreadCount 每次调用都重新计数
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked()
}

func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Snapshot returns a consistent view of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		UserID:        s.userID,
		Loading:       s.loading,
		Notifications: cloneItems(s.items),
		UnreadCount:   s.unreadLocked(),
	}
}

// Watch 订阅 Store 的变化。消费方太慢导致 channel 写满时，积压的事件被丢弃并换成一个 reset，
// 消费方收到 reset 后应重新读取快照。
func (s *Store) Watch() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchLocked()
}

// WatchSnapshot 在同一把锁下取快照并注册 watcher，快照里的记录不会再作为事件出现
func (s *Store) WatchSnapshot() (Snapshot, <-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, cancel := s.watchLocked()
	return s.snapshotLocked(), ch, cancel
}

func (s *Store) watchLocked() (<-chan Event, func()) {
	ch := make(chan Event, watchBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.watchers[id]; ok {
				close(c)
				delete(s.watchers, id)
			}
		})
	}
}

func (s *Store) current() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.epoch
}

func (s *Store) unreadLocked() int {
	count := 0
	for _, n := range s.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// broadcastLocked 非阻塞发送，调用方持有锁。
// 只有这里向 watcher 写入，所以清空积压后一定能放下 reset。
func (s *Store) broadcastLocked(ev Event) {
	ev.UnreadCount = s.unreadLocked()
	for _, ch := range s.watchers {
		select {
		case ch <- ev:
			continue
		default:
		}

		dropped := 0
	drain:
		for {
			select {
			case <-ch:
				dropped++
			default:
				break drain
			}
		}
		s.logger.Warn("Watcher overflowed, replacing backlog with reset",
			zap.String("kind", string(ev.Kind)),
			zap.Int("dropped", dropped+1),
		)
		select {
		case ch <- Event{Kind: EventReset, UnreadCount: ev.UnreadCount}:
		default:
		}
	}
}

func cloneItems(items []Notification) []Notification {
	out := make([]Notification, len(items))
	copy(out, items)
	return out
}
