package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chessbets/match-server/internal/obslog"
)

var (
	ErrUnknownSession   = errors.New("session: unknown session")
	ErrUnauthorizedMove = errors.New("session: connection does not own this identity")
	ErrNotYourTurn      = errors.New("session: not your turn")
	ErrAlreadyAnalyzing = errors.New("session: analysis already started")
	ErrSessionExists    = errors.New("session: session already exists")
)

// Manager owns all live sessions and the connection-to-session bindings.
// One mutex guards everything; per-session operations are short.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byConn   map[Conn]string
	now      func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		byConn:   make(map[Conn]string),
		now:      time.Now,
	}
}

// Create registers a new session for a fresh pairing. The id is derived
// from the identities, so a duplicate pairing surfaces as ErrSessionExists.
func (m *Manager) Create(white, black Player, stake int64, timeControl string) (*Session, error) {
	id := DeriveSessionID(white.Identity, black.Identity)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return nil, ErrSessionExists
	}
	s := &Session{
		ID:          id,
		White:       white,
		Black:       black,
		Stake:       stake,
		TimeControl: timeControl,
		whiteTurn:   true,
		StartedAt:   m.now(),
	}
	m.sessions[id] = s
	m.byConn[white.Conn] = id
	m.byConn[black.Conn] = id

	obslog.L().Info("session_created",
		zap.String("session_id", id),
		zap.String("white", white.Identity),
		zap.String("black", black.Identity),
		zap.Int64("stake", stake))
	return s, nil
}

// Relay validates that the move comes from the connection bound to the
// identity whose turn it is, appends it to the move list, and returns the
// peer the move must be forwarded to. The move list is only mutated on a
// fully valid relay.
func (m *Manager) Relay(conn Conn, sessionID, identity, moveSAN string) (*RelayResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}

	mover, peer := s.White, s.Black
	if !s.whiteTurn {
		mover, peer = s.Black, s.White
	}
	if identity != s.White.Identity && identity != s.Black.Identity {
		return nil, ErrUnauthorizedMove
	}
	if identity != mover.Identity {
		return nil, ErrNotYourTurn
	}
	if mover.Conn != conn {
		return nil, ErrUnauthorizedMove
	}

	s.MovesSAN = append(s.MovesSAN, moveSAN)
	s.whiteTurn = !s.whiteTurn

	return &RelayResult{Peer: peer, MoveSAN: moveSAN, NextToAct: peer.Identity}, nil
}

// Disconnect tears down whatever session the connection belongs to and
// returns the peer to notify, or nil if the connection had no session.
// Teardown happens under the lock, so the peer is notified at most once
// even when both sides drop together.
func (m *Manager) Disconnect(conn Conn) (*Session, *Player) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byConn[conn]
	if !ok {
		return nil, nil
	}
	s := m.sessions[id]
	m.teardown(s)

	peer := s.Black
	if s.Black.Conn == conn {
		peer = s.White
	}
	obslog.L().Info("session_disconnect",
		zap.String("session_id", s.ID), zap.String("remaining", peer.Identity))
	return s, &peer
}

// BeginAnalysis marks the session as under analysis and returns a snapshot
// of its state. A second call for the same session fails, which is what
// makes settlement at-most-once.
func (m *Manager) BeginAnalysis(sessionID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	if s.analyzing {
		return nil, ErrAlreadyAnalyzing
	}
	s.analyzing = true

	return &Snapshot{
		ID:          s.ID,
		White:       s.White,
		Black:       s.Black,
		Stake:       s.Stake,
		TimeControl: s.TimeControl,
		MovesSAN:    append([]string(nil), s.MovesSAN...),
	}, nil
}

// Remove drops a finished session. Idempotent.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		m.teardown(s)
	}
}

// InSession reports whether the connection or the identity is bound to a
// live session. A player with a game in progress must finish or abandon it
// before searching again; enqueueing them would let a second match
// overwrite this connection's session binding.
func (m *Manager) InSession(conn Conn, identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byConn[conn]; ok {
		return true
	}
	for _, s := range m.sessions {
		if s.White.Identity == identity || s.Black.Identity == identity {
			return true
		}
	}
	return false
}

// Get returns the live session, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// teardown removes the session and both conn bindings. Caller holds mu.
func (m *Manager) teardown(s *Session) {
	delete(m.sessions, s.ID)
	if m.byConn[s.White.Conn] == s.ID {
		delete(m.byConn, s.White.Conn)
	}
	if m.byConn[s.Black.Conn] == s.ID {
		delete(m.byConn, s.Black.Conn)
	}
}
