package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"podnotify/internal/notification"
	"podnotify/internal/session"
	"podnotify/pkg/outbox"
	"podnotify/pkg/util"
)

const testSecret = "test-secret"

type fakeReplayer struct {
	requeued []int64
	replayed []int64
}

func (f *fakeReplayer) ReplayEvent(_ context.Context, id int64) error {
	f.replayed = append(f.replayed, id)
	return nil
}

func (f *fakeReplayer) Requeue(_ context.Context, id int64) error {
	if id == 404 {
		return outbox.ErrEventNotFound
	}
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakeReplayer) ReplayFailedEvents(context.Context, int) (int, error) {
	return 0, errors.New("not used")
}

type testEnv struct {
	router   *gin.Engine
	backend  *notification.MemoryBackend
	sessions *session.Manager
	replayer *fakeReplayer
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := notification.NewMemoryBackend()
	sessions := session.NewManager(backend, backend, time.Hour, zap.NewNop())
	t.Cleanup(sessions.CloseAll)

	env := &testEnv{
		backend:  backend,
		sessions: sessions,
		replayer: &fakeReplayer{},
		now:      time.Now(),
	}
	env.router = NewRouter(Deps{
		Sessions:  sessions,
		Producer:  backend,
		Replayer:  env.replayer,
		JWTSecret: testSecret,
		Logger:    zap.NewNop(),
		Now:       func() time.Time { return env.now },
	})
	return env
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := util.GenerateJWT(userID, role, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodePanel(t *testing.T, w *httptest.ResponseRecorder) notification.Panel {
	t.Helper()
	var p notification.Panel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	return p
}

func seed(e *testEnv, userID string, unread, read int) {
	for i := 0; i < unread+read; i++ {
		e.backend.Seed(notification.Notification{
			UserID:    userID,
			Type:      notification.TypeComment,
			Title:     "New comment",
			Message:   "Someone commented",
			Read:      i >= unread,
			CreatedAt: e.now.Add(-time.Duration(i+1) * time.Hour),
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))

	w = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/notifications", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/notifications", "garbage", nil).Code)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	seed(env, "alice", 3, 2)
	tok := token(t, "alice", "user")

	w := env.do(t, http.MethodPost, "/session", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var opened struct {
		UserID      string `json:"user_id"`
		UnreadCount int    `json:"unread_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opened))
	assert.Equal(t, "alice", opened.UserID)
	assert.Equal(t, 3, opened.UnreadCount)

	p := decodePanel(t, env.do(t, http.MethodGet, "/notifications", tok, nil))
	assert.Len(t, p.Items, 5)
	assert.Equal(t, "3 new", p.NewLabel)
	assert.True(t, p.ShowMarkAllRead)
	assert.Equal(t, "1h ago", p.Items[0].TimeAgo)

	w = env.do(t, http.MethodDelete, "/session", tok, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	p = decodePanel(t, env.do(t, http.MethodGet, "/notifications", tok, nil))
	assert.True(t, p.Empty)
	assert.Equal(t, 0, p.UnreadCount)
}

func TestBadgeCapsAtNine(t *testing.T) {
	env := newTestEnv(t)
	seed(env, "alice", 12, 0)
	tok := token(t, "alice", "")
	env.do(t, http.MethodPost, "/session", tok, nil)

	w := env.do(t, http.MethodGet, "/notifications/badge", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ind notification.Indicator
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ind))
	assert.Equal(t, "9+", ind.Label)
	assert.Equal(t, 12, ind.UnreadCount)
}

func TestAddAndReadFlow(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "alice", "user")
	env.do(t, http.MethodPost, "/session", tok, nil)

	w := env.do(t, http.MethodPost, "/notifications", tok, gin.H{
		"type":       "reminder",
		"title":      "Reminder set",
		"message":    "Reminder set for Town Hall",
		"action_url": "https://example.com/join",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	p := decodePanel(t, env.do(t, http.MethodGet, "/notifications", tok, nil))
	require.Len(t, p.Items, 1)
	assert.Equal(t, "calendar", p.Items[0].Icon)
	assert.Equal(t, "Just now", p.Items[0].TimeAgo)
	id := p.Items[0].ID

	p = decodePanel(t, env.do(t, http.MethodPost, "/notifications/"+id+"/read", tok, nil))
	assert.False(t, p.Items[0].Unread)
	assert.Equal(t, 0, p.UnreadCount)
	assert.False(t, p.ShowMarkAllRead)

	p = decodePanel(t, env.do(t, http.MethodDelete, "/notifications/"+id, tok, nil))
	assert.True(t, p.Empty)
}

func TestAddValidation(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "alice", "user")
	env.do(t, http.MethodPost, "/session", tok, nil)

	w := env.do(t, http.MethodPost, "/notifications", tok, gin.H{"type": "party", "title": "t", "message": "m"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/notifications", tok, gin.H{"type": "reminder"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMutationsWithoutSessionAreNoops(t *testing.T) {
	env := newTestEnv(t)
	seed(env, "alice", 2, 0)
	tok := token(t, "alice", "user")

	w := env.do(t, http.MethodPost, "/notifications", tok, gin.H{"type": "reminder", "title": "t", "message": "m"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	p := decodePanel(t, env.do(t, http.MethodPost, "/notifications/read-all", tok, nil))
	assert.True(t, p.Empty)

	rows, _ := env.backend.Fetch(context.Background(), "alice")
	assert.Len(t, rows, 2)
	for _, n := range rows {
		assert.False(t, n.Read)
	}
}

func TestMarkAllRead(t *testing.T) {
	env := newTestEnv(t)
	seed(env, "alice", 4, 1)
	tok := token(t, "alice", "user")
	env.do(t, http.MethodPost, "/session", tok, nil)

	p := decodePanel(t, env.do(t, http.MethodPost, "/notifications/read-all", tok, nil))
	assert.Equal(t, 0, p.UnreadCount)
	assert.Len(t, p.Items, 5)
	for _, item := range p.Items {
		assert.False(t, item.Unread)
	}
}

func TestAdminEndpointsRequirePermission(t *testing.T) {
	env := newTestEnv(t)
	user := token(t, "alice", "user")
	admin := token(t, "root", "admin")
	body := gin.H{"user_id": "alice", "type": "approval", "title": "Podcast approved", "message": "Your podcast is live"}

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/admin/notifications", user, body).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/admin/outbox/1/replay", user, nil).Code)

	env.do(t, http.MethodPost, "/session", user, nil)
	w := env.do(t, http.MethodPost, "/admin/notifications", admin, body)
	require.Equal(t, http.StatusCreated, w.Code)
	var created notification.Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "alice", created.UserID)

	// 推送到 alice 的会话
	p := decodePanel(t, env.do(t, http.MethodGet, "/notifications", user, nil))
	require.Len(t, p.Items, 1)
	assert.Equal(t, created.ID, p.Items[0].ID)
}

func TestOutboxReplay(t *testing.T) {
	env := newTestEnv(t)
	admin := token(t, "root", "admin")

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/admin/outbox/7/replay", admin, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/admin/outbox/8/replay?now=true", admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/admin/outbox/404/replay", admin, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/admin/outbox/abc/replay", admin, nil).Code)

	assert.Equal(t, []int64{7}, env.replayer.requeued)
	assert.Equal(t, []int64{8}, env.replayer.replayed)
}

type wireMessage struct {
	Type  string                  `json:"type"`
	Panel *notification.Panel     `json:"panel"`
	Event *notification.Event     `json:"event"`
	Toast *notification.Toast     `json:"toast"`
	Badge *notification.Indicator `json:"badge"`
}

func TestStreamPushesEventsAndToasts(t *testing.T) {
	env := newTestEnv(t)
	seed(env, "alice", 1, 0)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/notifications/stream?access_token=" + token(t, "alice", "user")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	require.NotNil(t, msg.Panel)
	assert.Len(t, msg.Panel.Items, 1)

	_, err = env.backend.Insert(context.Background(), notification.Draft{
		UserID:  "alice",
		Type:    notification.TypeLiveStream,
		Title:   "Live now",
		Message: "Town hall is live",
	})
	require.NoError(t, err)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "event", msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, notification.EventInserted, msg.Event.Kind)
	require.NotNil(t, msg.Toast)
	assert.EqualValues(t, 5000, msg.Toast.DismissAfter)
	assert.Equal(t, "2", msg.Badge.Label)

	require.NoError(t, conn.WriteJSON(streamCommand{Type: "mark_all_read"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, 0, msg.Panel.UnreadCount)
}
