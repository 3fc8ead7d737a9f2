package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"warelay/internal/domain"
	"warelay/internal/metrics"
)

// State is the connection state of a backend session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is the persistent bidirectional channel to the chat backend.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a channel tagged with a bot identity.
type Dialer interface {
	Dial(ctx context.Context, botID string) (Conn, error)
}

// errNotConnected is returned by Converse when the session dropped before
// the turn was sent; a fresh Acquire may succeed.
var errNotConnected = errors.New("session not connected")

const inboxSize = 256

// Session is one live channel for a bot identity. State, conn and
// lastActive are guarded by the owning manager's mutex.
type Session struct {
	botID string
	mgr   *SessionManager

	state      State
	conn       Conn
	lastActive time.Time
	ready      chan struct{} // closed once connecting finishes
	dialErr    error

	turnMu sync.Mutex // one conversation at a time

	inboxMu sync.Mutex
	inbox   chan []byte

	goneOnce sync.Once
	gone     chan struct{} // closed on disconnect or close
}

// BotID returns the bot identity the session is tagged with.
func (s *Session) BotID() string { return s.botID }

// State returns the current connection state.
func (s *Session) State() State {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()
	return s.state
}

// SessionManagerConfig configures a SessionManager.
type SessionManagerConfig struct {
	Dialer         Dialer
	ConnectTimeout time.Duration
	TurnTimeout    time.Duration
	IdleTimeout    time.Duration
	Logger         *slog.Logger
}

// SessionManager exclusively owns the bot identity -> session map.
type SessionManager struct {
	dialer         Dialer
	connectTimeout time.Duration
	turnTimeout    time.Duration
	idleTimeout    time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &SessionManager{
		dialer:         cfg.Dialer,
		connectTimeout: cfg.ConnectTimeout,
		turnTimeout:    cfg.TurnTimeout,
		idleTimeout:    cfg.IdleTimeout,
		logger:         cfg.Logger,
		now:            time.Now,
		sessions:       make(map[string]*Session),
	}
}

// Acquire returns the connected session for botID, establishing one when
// none exists, the existing one dropped, or it sat idle past the threshold.
// Concurrent callers for the same bot identity share one connection attempt.
func (m *SessionManager) Acquire(ctx context.Context, botID string) (*Session, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: session manager closed", domain.ErrConnection)
		}

		s := m.sessions[botID]
		if s != nil {
			switch s.state {
			case StateConnected:
				if m.now().Sub(s.lastActive) < m.idleTimeout {
					s.lastActive = m.now()
					m.mu.Unlock()
					return s, nil
				}
				m.logger.Info("backend session expired", "bot_id", botID)
				m.evictLocked(s)
			case StateConnecting:
				ready := s.ready
				m.mu.Unlock()
				select {
				case <-ready:
				case <-ctx.Done():
					return nil, fmt.Errorf("%w: %v", domain.ErrConnection, ctx.Err())
				}
				if s.dialErr != nil {
					return nil, s.dialErr
				}
				continue
			default:
				m.evictLocked(s)
			}
		}

		// Written before the dial so concurrent acquires observe "connecting".
		s = &Session{
			botID:      botID,
			mgr:        m,
			state:      StateConnecting,
			lastActive: m.now(),
			ready:      make(chan struct{}),
			gone:       make(chan struct{}),
		}
		m.sessions[botID] = s
		m.mu.Unlock()

		return m.connect(ctx, s)
	}
}

func (m *SessionManager) connect(ctx context.Context, s *Session) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	start := time.Now()
	conn, err := m.dialer.Dial(dialCtx, s.botID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		s.dialErr = fmt.Errorf("%w: connect bot %s: %v", domain.ErrConnection, s.botID, err)
		s.state = StateDisconnected
		if m.sessions[s.botID] == s {
			delete(m.sessions, s.botID)
		}
		close(s.ready)
		s.signalGone()
		m.logger.Warn("backend connect failed", "bot_id", s.botID, "err", err)
		return nil, s.dialErr
	}

	if m.closed || m.sessions[s.botID] != s {
		_ = conn.Close()
		s.dialErr = fmt.Errorf("%w: session for bot %s evicted while connecting", domain.ErrConnection, s.botID)
		s.state = StateDisconnected
		close(s.ready)
		s.signalGone()
		return nil, s.dialErr
	}

	s.conn = conn
	s.state = StateConnected
	s.lastActive = m.now()
	close(s.ready)
	metrics.BackendSessions.Set(int64(len(m.sessions)))
	metrics.BackendConnects.Inc()
	m.logger.Info("backend session connected", "bot_id", s.botID, "took", time.Since(start))

	go s.readLoop()
	return s, nil
}

// Converse sends one chat turn and returns the raw reply frames up to and
// including the terminal event. Calls on one session are serialized.
//
// Frames carry no turn id, so a turn that ends without its terminal event
// (timeout, cancellation, lost connection) evicts the session. Anything the
// backend still sends for it dies with the connection.
func (s *Session) Converse(ctx context.Context, text string) (frames [][]byte, err error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	if s.State() != StateConnected {
		return nil, fmt.Errorf("%w: %w", domain.ErrConnection, errNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, s.mgr.turnTimeout)
	defer cancel()

	inbox := make(chan []byte, inboxSize)
	s.setInbox(inbox)
	defer s.setInbox(nil)

	req := SocketRequest{ID: uuid.NewString(), Type: requestTypeChat, Data: newTurnData(text)}
	if err := s.conn.WriteJSON(req); err != nil {
		s.markDisconnected(err)
		return nil, fmt.Errorf("%w: send turn: %w", domain.ErrConnection, errNotConnected)
	}
	s.mgr.touch(s)
	s.mgr.logger.Debug("backend turn sent", "bot_id", s.botID, "turn_id", req.ID)

	defer func() {
		if err != nil {
			s.mgr.abandon(s, req.ID, err)
		}
	}()

	for {
		select {
		case data := <-inbox:
			frames = append(frames, data)
			s.mgr.touch(s)
			if isTerminalFrame(data) {
				return frames, nil
			}
		case <-s.gone:
			return frames, fmt.Errorf("%w: bot %s connection lost mid-turn", domain.ErrConnection, s.botID)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return frames, fmt.Errorf("%w after %s", domain.ErrConversationTimeout, s.mgr.turnTimeout)
			}
			return frames, ctx.Err()
		}
	}
}

// abandon evicts s after an unfinished turn so its late frames cannot reach
// the next caller.
func (m *SessionManager) abandon(s *Session, turnID string, cause error) {
	m.mu.Lock()
	m.evictLocked(s)
	m.mu.Unlock()
	m.logger.Warn("backend session dropped after unfinished turn", "bot_id", s.botID, "turn_id", turnID, "err", cause)
}

func (s *Session) setInbox(ch chan []byte) {
	s.inboxMu.Lock()
	s.inbox = ch
	s.inboxMu.Unlock()
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.markDisconnected(err)
			return
		}
		s.inboxMu.Lock()
		ch := s.inbox
		s.inboxMu.Unlock()
		if ch == nil {
			s.mgr.logger.Debug("backend frame outside a turn dropped", "bot_id", s.botID)
			continue
		}
		select {
		case ch <- data:
		default:
			s.mgr.logger.Warn("backend turn inbox full, frame dropped", "bot_id", s.botID)
		}
	}
}

// markDisconnected keeps the entry so the next Acquire reconnects.
func (s *Session) markDisconnected(err error) {
	m := s.mgr
	m.mu.Lock()
	wasConnected := s.state == StateConnected
	if wasConnected {
		s.state = StateDisconnected
	}
	m.mu.Unlock()
	s.signalGone()
	if wasConnected {
		m.logger.Warn("backend session disconnected", "bot_id", s.botID, "err", err)
	}
}

func (s *Session) signalGone() {
	s.goneOnce.Do(func() { close(s.gone) })
}

func (m *SessionManager) touch(s *Session) {
	m.mu.Lock()
	s.lastActive = m.now()
	m.mu.Unlock()
}

// evictLocked closes s and removes it from the map. Caller holds m.mu.
func (m *SessionManager) evictLocked(s *Session) {
	if m.sessions[s.botID] == s {
		delete(m.sessions, s.botID)
	}
	s.state = StateDisconnected
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.signalGone()
	metrics.BackendSessions.Set(int64(len(m.sessions)))
}

// Sweep closes and evicts every session idle beyond the threshold,
// including ones with a turn in flight. Returns the number evicted.
func (m *SessionManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for botID, s := range m.sessions {
		if s.state == StateConnecting {
			continue
		}
		if now.Sub(s.lastActive) >= m.idleTimeout {
			m.evictLocked(s)
			m.logger.Info("backend session swept", "bot_id", botID, "state", s.state)
			n++
		}
	}
	return n
}

// Len returns the number of tracked sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close closes every session. Later Acquire calls fail.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, s := range m.sessions {
		m.evictLocked(s)
	}
	return nil
}
