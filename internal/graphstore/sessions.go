package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ideagraph/internal/schema"
)

// PutSessionState upserts the state record for a session. Newer state
// implicitly supersedes older state on the same session id; nothing is
// ever hard-deleted.
func (s *Store) PutSessionState(ctx context.Context, st *schema.SessionState) error {
	if st.SessionID == "" || st.ScopeID == "" {
		return fmt.Errorf("%w: session and scope ids cannot be empty", schema.ErrSchemaViolation)
	}

	encoded, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_states (session_id, scope_id, status, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, st.SessionID, st.ScopeID, string(st.Status), string(encoded), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("storing session state: %w", err)
	}
	return nil
}

// GetSessionState returns the latest state for a session, or
// schema.ErrNotFound.
func (s *Store) GetSessionState(ctx context.Context, sessionID string) (*schema.SessionState, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM session_states WHERE session_id = ?`, sessionID,
	).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, schema.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session state: %w", err)
	}

	var st schema.SessionState
	if err := json.Unmarshal([]byte(encoded), &st); err != nil {
		return nil, fmt.Errorf("decoding session state: %w", err)
	}
	return &st, nil
}

// PutChain upserts a reasoning chain.
func (s *Store) PutChain(ctx context.Context, c *schema.ReasoningChain) error {
	if c.ID == "" || c.SessionID == "" || c.ScopeID == "" {
		return fmt.Errorf("%w: chain, session, and scope ids cannot be empty", schema.ErrSchemaViolation)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: unknown chain status %q", schema.ErrSchemaViolation, c.Status)
	}

	encoded, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding chain: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reasoning_chains (id, session_id, scope_id, status, chain, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			chain = excluded.chain,
			updated_at = excluded.updated_at
	`, c.ID, c.SessionID, c.ScopeID, string(c.Status), string(encoded), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("storing chain: %w", err)
	}
	return nil
}

// GetChain returns a reasoning chain by id, or schema.ErrNotFound.
func (s *Store) GetChain(ctx context.Context, id string) (*schema.ReasoningChain, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT chain FROM reasoning_chains WHERE id = ?`, id,
	).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chain %s: %w", id, schema.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading chain: %w", err)
	}

	var c schema.ReasoningChain
	if err := json.Unmarshal([]byte(encoded), &c); err != nil {
		return nil, fmt.Errorf("decoding chain: %w", err)
	}
	return &c, nil
}

// ListChains returns chains in a scope, optionally filtered by status.
// Chains are independently addressable so later sessions can cite
// concluded chains as evidence.
func (s *Store) ListChains(ctx context.Context, scopeID string, status schema.ChainStatus) ([]*schema.ReasoningChain, error) {
	query := `SELECT chain FROM reasoning_chains WHERE scope_id = ?`
	args := []any{scopeID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chains: %w", err)
	}
	defer rows.Close()

	chains := []*schema.ReasoningChain{}
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("scanning chain: %w", err)
		}
		var c schema.ReasoningChain
		if err := json.Unmarshal([]byte(encoded), &c); err != nil {
			return nil, fmt.Errorf("decoding chain: %w", err)
		}
		chains = append(chains, &c)
	}
	return chains, rows.Err()
}
