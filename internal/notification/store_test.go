package notification

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errDown = errors.New("database unavailable")

// flakyRepo 包一层 MemoryBackend，按开关注入失败
type flakyRepo struct {
	*MemoryBackend
	mu          sync.Mutex
	failFetch   bool
	failInsert  bool
	failMark    bool
	fetchGate   chan struct{}
	fetchCalled chan struct{}
}

func (r *flakyRepo) Fetch(ctx context.Context, userID string) ([]Notification, error) {
	r.mu.Lock()
	gate, called, fail := r.fetchGate, r.fetchCalled, r.failFetch
	r.mu.Unlock()
	if called != nil {
		called <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if fail {
		return nil, errDown
	}
	return r.MemoryBackend.Fetch(ctx, userID)
}

func (r *flakyRepo) Insert(ctx context.Context, d Draft) (Notification, error) {
	if r.failInsert {
		return Notification{}, errDown
	}
	return r.MemoryBackend.Insert(ctx, d)
}

func (r *flakyRepo) MarkRead(ctx context.Context, userID, id string) error {
	if r.failMark {
		return errDown
	}
	return r.MemoryBackend.MarkRead(ctx, userID, id)
}

func (r *flakyRepo) MarkAllRead(ctx context.Context, userID string) error {
	if r.failMark {
		return errDown
	}
	return r.MemoryBackend.MarkAllRead(ctx, userID)
}

func newTestStore(t *testing.T) (*Store, *flakyRepo) {
	t.Helper()
	repo := &flakyRepo{MemoryBackend: NewMemoryBackend()}
	s := NewStore(repo, repo.MemoryBackend, zap.NewNop())
	t.Cleanup(s.Close)
	return s, repo
}

func reminder(title string) Draft {
	return Draft{Type: TypeReminder, Title: title, Message: "Reminder set for " + title}
}

func seedRows(userID string, unread, read int) []Notification {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var rows []Notification
	for i := 0; i < unread+read; i++ {
		rows = append(rows, Notification{
			ID:        fmt.Sprintf("%s-%d", userID, i),
			UserID:    userID,
			Type:      TypeLike,
			Title:     "New like",
			Message:   "Someone liked your podcast",
			Read:      i >= unread,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return rows
}

func assertUnreadConsistent(t *testing.T, s *Store) {
	t.Helper()
	snap := s.Snapshot()
	want := 0
	for _, n := range snap.Notifications {
		if !n.Read {
			want++
		}
	}
	assert.Equal(t, want, snap.UnreadCount)
	assert.Equal(t, want, s.UnreadCount())
}

func TestSignInLoadsNewestFirst(t *testing.T) {
	s, repo := newTestStore(t)
	repo.Seed(seedRows("alice", 3, 2)...)
	repo.Seed(seedRows("bob", 1, 0)...)

	require.NoError(t, s.SignIn(context.Background(), "alice"))

	items := s.Notifications()
	assert.Len(t, items, 5)
	assert.Equal(t, 3, s.UnreadCount())
	assert.False(t, s.Loading())
	for i := 1; i < len(items); i++ {
		assert.True(t, items[i-1].CreatedAt.After(items[i].CreatedAt))
	}
	for _, n := range items {
		assert.Equal(t, "alice", n.UserID)
	}
}

func TestAddIsDeliveredThroughPush(t *testing.T) {
	s, repo := newTestStore(t)
	repo.Seed(seedRows("alice", 1, 1)...)
	require.NoError(t, s.SignIn(context.Background(), "alice"))

	for i := 0; i < 3; i++ {
		before := len(s.Notifications())
		require.NoError(t, s.Add(context.Background(), reminder(fmt.Sprintf("episode %d", i))))

		items := s.Notifications()
		require.Len(t, items, before+1)
		assert.Equal(t, fmt.Sprintf("episode %d", i), items[0].Title)
		assert.Equal(t, "alice", items[0].UserID)
		assert.False(t, items[0].Read)
	}
	assert.Equal(t, 4, s.UnreadCount())
}

func TestAddWhileSignedOutIsNoop(t *testing.T) {
	s, repo := newTestStore(t)

	assert.NotPanics(t, func() {
		assert.NoError(t, s.Add(context.Background(), reminder("x")))
	})
	assert.Empty(t, s.Notifications())
	got, _ := repo.MemoryBackend.Fetch(context.Background(), "")
	assert.Empty(t, got)
}

func TestAddRejectsInvalidDraft(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SignIn(context.Background(), "alice"))

	err := s.Add(context.Background(), Draft{Type: "party", Title: "t", Message: "m"})
	assert.ErrorIs(t, err, ErrInvalidDraft)
	assert.Empty(t, s.Notifications())
}

func TestAddPersistenceFailure(t *testing.T) {
	s, repo := newTestStore(t)
	require.NoError(t, s.SignIn(context.Background(), "alice"))
	repo.failInsert = true

	err := s.Add(context.Background(), reminder("x"))
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "insert", pe.Op)
	assert.ErrorIs(t, err, errDown)
	assert.Empty(t, s.Notifications())
}

func TestMarkAsReadIsIdempotent(t *testing.T) {
	s, repo := newTestStore(t)
	repo.Seed(seedRows("alice", 3, 0)...)
	require.NoError(t, s.SignIn(context.Background(), "alice"))
	before := s.Notifications()

	target := before[1].ID
	require.NoError(t, s.MarkAsRead(context.Background(), target))
	require.NoError(t, s.MarkAsRead(context.Background(), target))

	after := s.Notifications()
	require.Len(t, after, len(before))
	for i := range after {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, after[i].ID == target || before[i].Read, after[i].Read)
	}
	assert.Equal(t, 2, s.UnreadCount())

	persisted, _ := repo.MemoryBackend.Fetch(context.Background(), "alice")
	for _, n := range persisted {
		if n.ID == target {
			assert.True(t, n.Read)
		}
	}
}

func TestMarkAsReadFailureKeepsOptimisticChange(t *testing.T) {
	s, repo := newTestStore(t)
	repo.Seed(seedRows("alice", 2, 0)...)
	require.NoError(t, s.SignIn(context.Background(), "alice"))
	repo.failMark = true

	id := s.Notifications()[0].ID
	err := s.MarkAsRead(context.Background(), id)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "mark_read", pe.Op)

	assert.True(t, s.Notifications()[0].Read)
	assert.Equal(t, 1, s.UnreadCount())

	err = s.MarkAllAsRead(context.Background())
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, s.UnreadCount())
}

func TestMarkAllAsRead(t *testing.T) {
	s, repo := newTestStore(t)
	repo.Seed(seedRows("alice", 4, 3)...)
	require.NoError(t, s.SignIn(context.Background(), "alice"))
	require.Equal(t, 4, s.UnreadCount())

	require.NoError(t, s.MarkAllAsRead(context.Background()))

	items := s.Notifications()
	assert.Len(t, items, 7)
	for _, n := range items {
		assert.True(t, n.Read)
	}
	assert.Equal(t, 0, s.UnreadCount())
}

func TestRemoveIsLocalOnly(t *testing.T) {
	s, repo := newTestStore(t)
	repo.Seed(seedRows("alice", 2, 2)...)
	require.NoError(t, s.SignIn(context.Background(), "alice"))

	items := s.Notifications()
	var unread, read Notification
	for _, n := range items {
		if n.Read {
			read = n
		} else {
			unread = n
		}
	}

	assert.True(t, s.Remove(read.ID))
	assert.Len(t, s.Notifications(), 3)
	assert.Equal(t, 2, s.UnreadCount())

	assert.True(t, s.Remove(unread.ID))
	assert.Len(t, s.Notifications(), 2)
	assert.Equal(t, 1, s.UnreadCount())

	assert.False(t, s.Remove("missing"))
	assert.Len(t, s.Notifications(), 2)

	// 重新拉取会把被移除的记录带回来
	require.NoError(t, s.Refresh(context.Background()))
	assert.Len(t, s.Notifications(), 4)
}

func TestSignOutClearsState(t *testing.T) {
	s, repo := newTestStore(t)
	repo.Seed(seedRows("alice", 2, 1)...)
	require.NoError(t, s.SignIn(context.Background(), "alice"))
	require.Equal(t, 1, repo.Subscribers("alice"))

	s.SignOut()

	assert.Empty(t, s.Notifications())
	assert.Equal(t, 0, s.UnreadCount())
	assert.False(t, s.Loading())
	assert.Equal(t, "", s.UserID())
	assert.Equal(t, 0, repo.Subscribers("alice"))

	panel := BuildPanel(s.Snapshot(), time.Now())
	assert.True(t, panel.Empty)
	assert.False(t, panel.ShowMarkAllRead)

	// 登出后的修改操作都是静默 no-op
	assert.NoError(t, s.MarkAsRead(context.Background(), "alice-0"))
	assert.NoError(t, s.MarkAllAsRead(context.Background()))
	assert.Empty(t, s.Notifications())
}

func TestFetchFailureLeavesEmptyCollection(t *testing.T) {
	s, repo := newTestStore(t)
	repo.Seed(seedRows("alice", 2, 0)...)
	repo.failFetch = true

	err := s.SignIn(context.Background(), "alice")
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "fetch", pe.Op)
	assert.Empty(t, s.Notifications())
	assert.False(t, s.Loading())
	assert.Equal(t, "alice", s.UserID())

	// 订阅仍然有效
	require.NoError(t, s.Add(context.Background(), reminder("after failure")))
	assert.Len(t, s.Notifications(), 1)
}

func TestRefreshFailureKeepsPriorState(t *testing.T) {
	s, repo := newTestStore(t)
	repo.Seed(seedRows("alice", 2, 0)...)
	require.NoError(t, s.SignIn(context.Background(), "alice"))
	repo.failFetch = true

	assert.Error(t, s.Refresh(context.Background()))
	assert.Len(t, s.Notifications(), 2)
}

func TestSwitchingUserDropsPreviousSubscription(t *testing.T) {
	s, repo := newTestStore(t)
	repo.Seed(seedRows("alice", 1, 0)...)
	repo.Seed(seedRows("bob", 2, 0)...)

	require.NoError(t, s.SignIn(context.Background(), "alice"))
	require.NoError(t, s.SignIn(context.Background(), "bob"))
	assert.Equal(t, 0, repo.Subscribers("alice"))
	assert.Equal(t, 1, repo.Subscribers("bob"))
	assert.Len(t, s.Notifications(), 2)

	_, err := repo.MemoryBackend.Insert(context.Background(), Draft{
		UserID: "alice", Type: TypeLike, Title: "Like", Message: "liked",
	})
	require.NoError(t, err)
	assert.Len(t, s.Notifications(), 2)
}

func TestStaleFetchIsDiscarded(t *testing.T) {
	s, repo := newTestStore(t)
	repo.Seed(seedRows("alice", 2, 0)...)
	repo.fetchGate = make(chan struct{})
	repo.fetchCalled = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- s.SignIn(context.Background(), "alice") }()

	<-repo.fetchCalled
	assert.True(t, s.Loading())
	s.SignOut()
	close(repo.fetchGate)

	require.NoError(t, <-done)
	assert.Empty(t, s.Notifications())
	assert.Equal(t, "", s.UserID())
	assert.False(t, s.Loading())
}

func TestPushDuringFetchIsKept(t *testing.T) {
	s, repo := newTestStore(t)
	repo.Seed(seedRows("alice", 1, 0)...)
	repo.fetchGate = make(chan struct{})
	repo.fetchCalled = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- s.SignIn(context.Background(), "alice") }()
	<-repo.fetchCalled

	_, epoch := s.current()
	pushed := Notification{ID: "late", UserID: "alice", Type: TypeComment, Title: "c", Message: "m", CreatedAt: time.Now()}
	s.receive(epoch, pushed)
	close(repo.fetchGate)
	require.NoError(t, <-done)

	items := s.Notifications()
	require.Len(t, items, 2)
	assert.Equal(t, "late", items[0].ID)
}

func TestDuplicatePushIsIgnored(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SignIn(context.Background(), "alice"))

	_, epoch := s.current()
	n := Notification{ID: "n1", UserID: "alice", Type: TypeMention, Title: "t", Message: "m"}
	s.receive(epoch, n)
	s.receive(epoch, n)
	s.receive(epoch, Notification{ID: "n2", UserID: "bob", Type: TypeMention, Title: "t", Message: "m"})

	assert.Len(t, s.Notifications(), 1)
}

func TestWatchReceivesEvents(t *testing.T) {
	s, repo := newTestStore(t)
	repo.Seed(seedRows("alice", 1, 0)...)
	events, cancel := s.Watch()
	defer cancel()

	require.NoError(t, s.SignIn(context.Background(), "alice"))
	assert.Equal(t, EventReset, (<-events).Kind)
	last := <-events
	assert.Equal(t, EventReset, last.Kind)
	assert.Equal(t, 1, last.UnreadCount)

	require.NoError(t, s.Add(context.Background(), Draft{Type: TypeLiveStream, Title: "Live now", Message: "Town hall"}))
	ev := <-events
	assert.Equal(t, EventInserted, ev.Kind)
	assert.True(t, ev.Toast)
	assert.Equal(t, 2, ev.UnreadCount)

	require.NoError(t, s.MarkAsRead(context.Background(), ev.Notification.ID))
	ev = <-events
	assert.Equal(t, EventUpdated, ev.Kind)
	assert.True(t, ev.Notification.Read)
	assert.Equal(t, 1, ev.UnreadCount)

	cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestSlowWatcherGetsResetAfterOverflow(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SignIn(context.Background(), "alice"))
	events, cancel := s.Watch()
	defer cancel()

	total := watchBuffer + 5
	for i := 0; i < total; i++ {
		require.NoError(t, s.Add(context.Background(), reminder(fmt.Sprintf("r%d", i))))
	}

	// 第 65 个事件溢出：积压被清空，换成一个 reset，之后的 4 个照常排队
	require.Len(t, events, 5)
	first := <-events
	assert.Equal(t, EventReset, first.Kind)
	assert.Equal(t, watchBuffer+1, first.UnreadCount)
	for i := 0; i < 4; i++ {
		assert.Equal(t, EventInserted, (<-events).Kind)
	}

	// 收到 reset 后重新读取的快照是完整的
	assert.Len(t, s.Snapshot().Notifications, total)
	assert.Equal(t, total, s.UnreadCount())
}

func TestWatchSnapshotDoesNotRepeatSnapshotItems(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SignIn(context.Background(), "alice"))
	require.NoError(t, s.Add(context.Background(), reminder("first")))

	snap, events, cancel := s.WatchSnapshot()
	defer cancel()
	require.Len(t, snap.Notifications, 1)
	assert.Len(t, events, 0)

	require.NoError(t, s.Add(context.Background(), reminder("second")))
	require.Len(t, events, 1)
	ev := <-events
	assert.Equal(t, EventInserted, ev.Kind)
	assert.NotEqual(t, snap.Notifications[0].ID, ev.Notification.ID)
	assert.Equal(t, "second", ev.Notification.Title)
}

func TestRandomInterleavingsKeepUnreadCountConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		s, repo := newTestStore(t)
		repo.Seed(seedRows("alice", rng.Intn(5), rng.Intn(5))...)
		require.NoError(t, s.SignIn(ctx, "alice"))

		for step := 0; step < 60; step++ {
			items := s.Notifications()
			pick := func() string {
				if len(items) == 0 {
					return "missing"
				}
				return items[rng.Intn(len(items))].ID
			}
			switch rng.Intn(5) {
			case 0:
				before := len(items)
				require.NoError(t, s.Add(ctx, reminder("r")))
				assert.Len(t, s.Notifications(), before+1)
			case 1:
				_ = s.MarkAsRead(ctx, pick())
			case 2:
				_ = s.MarkAllAsRead(ctx)
				assert.Equal(t, 0, s.UnreadCount())
			case 3:
				if s.Remove(pick()) {
					assert.Len(t, s.Notifications(), len(items)-1)
				}
			case 4:
				repo.failMark = !repo.failMark
			}
			assertUnreadConsistent(t, s)
		}
	}
}

func TestConcurrentPushesAndMutations(t *testing.T) {
	s, repo := newTestStore(t)
	require.NoError(t, s.SignIn(context.Background(), "alice"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = s.Add(context.Background(), reminder("r"))
				items := s.Notifications()
				if len(items) > 0 {
					_ = s.MarkAsRead(context.Background(), items[len(items)-1].ID)
				}
				_ = s.UnreadCount()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, s.Notifications(), 200)
	assertUnreadConsistent(t, s)
	persisted, _ := repo.MemoryBackend.Fetch(context.Background(), "alice")
	assert.Len(t, persisted, 200)
}
