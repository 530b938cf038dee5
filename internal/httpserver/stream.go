package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"podnotify/internal/notification"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamMessage 服务端推给浏览器的消息
type streamMessage struct {
	Type  string                  `json:"type"` // snapshot / event
	Panel *notification.Panel     `json:"panel,omitempty"`
	Event *notification.Event     `json:"event,omitempty"`
	Toast *notification.Toast     `json:"toast,omitempty"`
	Badge *notification.Indicator `json:"badge,omitempty"`
}

// streamCommand 浏览器发来的操作
type streamCommand struct {
	Type string `json:"type"` // mark_read / mark_all_read / remove
	ID   string `json:"id,omitempty"`
}

type streamClient struct {
	conn   *websocket.Conn
	store  *notification.Store
	events <-chan notification.Event
	now    func() time.Time
	logger *zap.Logger
}

// Stream GET /notifications/stream
func (h *handler) Stream(c *gin.Context) {
	userID := c.GetString(ctxUserID)
	store, release, ok := h.sessions.Acquire(userID)
	if !ok {
		if _, err := h.sessions.Open(c.Request.Context(), userID); err != nil {
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "session not ready"})
			return
		}
		store, release, ok = h.sessions.Acquire(userID)
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "session closed"})
			return
		}
	}
	defer release()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	snap, events, cancel := store.WatchSnapshot()
	defer cancel()

	client := &streamClient{
		conn:   conn,
		store:  store,
		events: events,
		now:    h.now,
		logger: h.logger.With(zap.String("user_id", userID)),
	}

	done := make(chan struct{})
	go client.readPump(done)
	client.writePump(snap, done)
}

func (c *streamClient) readPump(done chan<- struct{}) {
	defer close(done)
	c.conn.SetReadLimit(1 << 16)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd streamCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			// 忽略格式错误的输入，保持连接
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		switch cmd.Type {
		case "mark_read":
			_ = c.store.MarkAsRead(ctx, cmd.ID)
		case "mark_all_read":
			_ = c.store.MarkAllAsRead(ctx)
		case "remove":
			c.store.Remove(cmd.ID)
		default:
			c.logger.Debug("Ignored stream command", zap.String("type", cmd.Type))
		}
		cancel()
	}
}

func (c *streamClient) writePump(initial notification.Snapshot, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	if err := c.write(c.snapshotMessage(initial)); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case ev, ok := <-c.events:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(writeWait))
				return
			}
			if err := c.write(c.message(ev)); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) snapshot() streamMessage {
	return c.snapshotMessage(c.store.Snapshot())
}

func (c *streamClient) snapshotMessage(snap notification.Snapshot) streamMessage {
	panel := notification.BuildPanel(snap, c.now())
	badge := notification.NewIndicator(panel.UnreadCount)
	return streamMessage{Type: "snapshot", Panel: &panel, Badge: &badge}
}

// message reset 事件发完整快照，其它事件只发增量
func (c *streamClient) message(ev notification.Event) streamMessage {
	if ev.Kind == notification.EventReset {
		return c.snapshot()
	}
	badge := notification.NewIndicator(ev.UnreadCount)
	msg := streamMessage{Type: "event", Event: &ev, Badge: &badge}
	if ev.Kind == notification.EventInserted && ev.Toast && ev.Notification != nil {
		if toast, ok := notification.NewToast(*ev.Notification); ok {
			msg.Toast = &toast
		}
	}
	return msg
}

func (c *streamClient) write(msg streamMessage) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}
