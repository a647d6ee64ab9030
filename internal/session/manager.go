// Package session maintains cross-turn conversational state: compact
// session records instead of raw chat history, referent resolution for
// expressions like "that one", and forkable reasoning chains.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ideagraph/internal/graphstore"
	"github.com/fyrsmithlabs/ideagraph/internal/schema"
)

// DefaultIdleTimeout closes a session that has not seen a turn for this
// long. Expiry is lazy: the status flips on the next read or write, no
// background sweeper runs.
const DefaultIdleTimeout = 30 * time.Minute

// Config tunes the manager. Zero values take the package defaults.
type Config struct {
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// TurnUpdate carries one turn's worth of state changes. Nil or empty
// fields leave the stored value untouched, except ActiveEntities which
// replaces the referent map wholesale when non-nil (stale referents from
// earlier turns must not linger).
type TurnUpdate struct {
	Focus                  []string
	LastInteractionSummary string
	PendingQuestions       []string
	ActiveEntities         map[string]string

	// Topic and Step route this turn's deliberation onto a reasoning
	// chain: the active chain when the topic still matches, a fresh
	// chain after a topic shift. A nil Step records no chain activity.
	Topic string
	Step  *schema.ChainStep
}

// Manager owns session lifecycle and reasoning chains. Writes to a
// given session are serialized; different sessions proceed in parallel.
type Manager struct {
	store  *graphstore.Store
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a session manager backed by the graph store.
func NewManager(store *graphstore.Store, cfg Config, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// sessionLock returns the mutex serializing writes for one session,
// creating it on first use.
func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// StartSession creates and persists a new session for a scope.
func (m *Manager) StartSession(ctx context.Context, scopeID string) (*schema.SessionState, error) {
	if scopeID == "" {
		return nil, fmt.Errorf("%w: scope id cannot be empty", schema.ErrSchemaViolation)
	}

	st := schema.NewSessionState(scopeID)
	if err := m.store.PutSessionState(ctx, st); err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}

	m.logger.Info("session started",
		zap.String("session_id", st.SessionID),
		zap.String("scope_id", st.ScopeID))
	return st, nil
}

// GetSession loads a session, applying lazy idle expiry first.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*schema.SessionState, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return m.load(ctx, sessionID)
}

// Touch applies one turn's update to a session. The first turn moves
// the session from new to active. Touching a closed or expired session
// fails with ErrSessionClosed.
func (m *Manager) Touch(ctx context.Context, sessionID string, update TurnUpdate) (*schema.SessionState, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st.Status == schema.SessionClosed {
		return nil, fmt.Errorf("session %s: %w", sessionID, schema.ErrSessionClosed)
	}

	st.Status = schema.SessionActive
	st.TurnCount++
	st.LastTurnAt = time.Now().UTC()

	if len(update.Focus) > 0 {
		st.CurrentFocus = update.Focus
	}
	if update.LastInteractionSummary != "" {
		st.LastInteractionSummary = update.LastInteractionSummary
	}
	if update.PendingQuestions != nil {
		st.PendingQuestions = update.PendingQuestions
	}
	if update.ActiveEntities != nil {
		st.ActiveEntities = update.ActiveEntities
	}
	if update.Step != nil {
		if err := m.routeStepLocked(ctx, st, update.Topic, *update.Step); err != nil {
			return nil, err
		}
	}

	if err := m.store.PutSessionState(ctx, st); err != nil {
		return nil, fmt.Errorf("recording turn: %w", err)
	}

	m.logger.Debug("turn recorded",
		zap.String("session_id", st.SessionID),
		zap.Int("turn", st.TurnCount))
	return st, nil
}

// CloseSession marks a session closed. Closing twice is a no-op.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) (*schema.SessionState, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.store.GetSessionState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st.Status == schema.SessionClosed {
		return st, nil
	}
	return m.close(ctx, st)
}

// ResolveEntity maps a referring expression ("that one", "the auth
// decision") to a block id via the session's referent map. Lookup is
// exact on the stored expression.
func (m *Manager) ResolveEntity(ctx context.Context, sessionID, expression string) (string, error) {
	st, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if st.Status == schema.SessionClosed {
		return "", fmt.Errorf("session %s: %w", sessionID, schema.ErrSessionClosed)
	}

	id, ok := st.ActiveEntities[expression]
	if !ok {
		return "", fmt.Errorf("resolving %q: %w", expression, schema.ErrNotFound)
	}
	return id, nil
}

// load reads a session and expires it in place when it has sat idle past
// the timeout. Callers hold the session lock.
func (m *Manager) load(ctx context.Context, sessionID string) (*schema.SessionState, error) {
	st, err := m.store.GetSessionState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st.Status != schema.SessionClosed && time.Since(st.LastTurnAt) > m.cfg.IdleTimeout {
		return m.close(ctx, st)
	}
	return st, nil
}

func (m *Manager) close(ctx context.Context, st *schema.SessionState) (*schema.SessionState, error) {
	st.Status = schema.SessionClosed
	st.ClosedAt = time.Now().UTC()
	if err := m.store.PutSessionState(ctx, st); err != nil {
		return nil, fmt.Errorf("closing session: %w", err)
	}
	m.logger.Info("session closed",
		zap.String("session_id", st.SessionID),
		zap.Int("turns", st.TurnCount))
	return st, nil
}
