package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"podnotify/internal/notification"
	"podnotify/pkg/metrics"
)

type entry struct {
	store    *notification.Store
	ready    chan struct{}
	lastSeen time.Time
	// 正在使用的 websocket 连接数，大于 0 时不会被回收
	refs int
	// 登录时 fetch 或订阅失败，由 m.mu 保护
	failed bool
}

// settled 登录流程是否已结束
func (e *entry) settled() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// signInTimeout 会话首次订阅和拉取的时间上限
const signInTimeout = 10 * time.Second

// Manager 每个登录用户一个 notification.Store
type Manager struct {
	repo        notification.Repository
	sub         notification.Subscriber
	idleTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

func NewManager(repo notification.Repository, sub notification.Subscriber, idleTimeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		repo:        repo,
		sub:         sub,
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
		sessions:    make(map[string]*entry),
	}
}

// Open 返回用户的 Store，不存在时创建并登录。重复调用返回同一个 Store。
// 首次登录失败不会导致会话创建失败，Store 保持空列表；下一次 Open 会换一个新 Store 重试。
// 登录不受调用方 ctx 取消的影响，只受 signInTimeout 限制。
func (m *Manager) Open(ctx context.Context, userID string) (*notification.Store, error) {
	m.mu.Lock()
	var stale *entry
	if e, ok := m.sessions[userID]; ok {
		if !e.settled() || !e.failed {
			e.lastSeen = m.now()
			m.mu.Unlock()
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return e.store, nil
		}
		delete(m.sessions, userID)
		stale = e
	}

	e := &entry{
		store:    notification.NewStore(m.repo, m.sub, m.logger.With(zap.String("user_id", userID))),
		ready:    make(chan struct{}),
		lastSeen: m.now(),
	}
	m.sessions[userID] = e
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if stale != nil {
		m.logger.Info("Retrying failed session sign-in", zap.String("user_id", userID))
		stale.store.Close()
	}

	signInCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), signInTimeout)
	defer cancel()
	err := e.store.SignIn(signInCtx, userID)

	m.mu.Lock()
	e.failed = err != nil
	m.mu.Unlock()
	close(e.ready)

	if err != nil {
		m.logger.Warn("Session opened without a complete sign-in",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	} else {
		m.logger.Info("Session opened", zap.String("user_id", userID))
	}
	return e.store, nil
}

// Get 返回已有会话并刷新活跃时间
func (m *Manager) Get(userID string) (*notification.Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[userID]
	if !ok {
		return nil, false
	}
	e.lastSeen = m.now()
	return e.store, true
}

// Acquire 像 Get，但在 release 之前会话不会被空闲回收
func (m *Manager) Acquire(userID string) (*notification.Store, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[userID]
	if !ok {
		return nil, func() {}, false
	}
	e.refs++
	e.lastSeen = m.now()

	var once sync.Once
	return e.store, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			e.refs--
			e.lastSeen = m.now()
		})
	}, true
}

// Close 登出并丢弃会话
func (m *Manager) Close(userID string) bool {
	m.mu.Lock()
	e, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	<-e.ready
	e.store.Close()
	m.logger.Info("Session closed", zap.String("user_id", userID))
	return true
}

// CloseAll 停机时调用
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := m.sessions
	m.sessions = make(map[string]*entry)
	metrics.ActiveSessions.Set(0)
	m.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		e.store.Close()
	}
}

// Len 当前会话数
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Reap 关闭空闲超过 idleTimeout 且没有连接的会话，返回关闭的数量
func (m *Manager) Reap() int {
	if m.idleTimeout <= 0 {
		return 0
	}
	now := m.now()

	m.mu.Lock()
	var idle []*entry
	for userID, e := range m.sessions {
		if e.refs > 0 || now.Sub(e.lastSeen) < m.idleTimeout {
			continue
		}
		select {
		case <-e.ready:
		default:
			continue
		}
		idle = append(idle, e)
		delete(m.sessions, userID)
		m.logger.Info("Reaping idle session", zap.String("user_id", userID))
	}
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	for _, e := range idle {
		e.store.Close()
	}
	return len(idle)
}

// Run 定期回收空闲会话，直到 ctx 结束
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(); n > 0 {
				m.logger.Debug("Reaped idle sessions", zap.Int("count", n))
			}
		}
	}
}
