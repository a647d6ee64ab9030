// Package graphstore provides durable storage for the memory graph:
// blocks, links, session state, and reasoning chains in SQLite, with an
// FTS5 inverted index over block keywords.
//
// All mutating operations are transactional. Deletion never removes rows;
// retirement is a status flip, so links can never dangle after the fact
// and the only integrity check needed is at link-creation time.
package graphstore

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding one or more scoped graphs.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) a graph store at path with WAL mode and
// foreign keys enabled. Use ":memory:" for an ephemeral store in tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for concurrent readers against committed state.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS blocks (
	id                  TEXT PRIMARY KEY,
	scope_id            TEXT NOT NULL,
	primary_type        TEXT NOT NULL,
	primary_dimension   TEXT NOT NULL,
	content             TEXT NOT NULL,
	keywords            TEXT NOT NULL,
	token_count         INTEGER NOT NULL,
	confidence          REAL NOT NULL,
	status              TEXT NOT NULL,
	corroboration_count INTEGER NOT NULL,
	source_refs         TEXT,
	code_reference      TEXT,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blocks_scope_dim
	ON blocks(scope_id, primary_dimension, status);
CREATE INDEX IF NOT EXISTS idx_blocks_scope_type
	ON blocks(scope_id, primary_type, status);

CREATE TABLE IF NOT EXISTS links (
	id              TEXT PRIMARY KEY,
	source_block_id TEXT NOT NULL REFERENCES blocks(id),
	target_block_id TEXT NOT NULL REFERENCES blocks(id),
	link_type       TEXT NOT NULL,
	confidence      REAL NOT NULL,
	reason          TEXT,
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_links_source ON links(source_block_id);
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target_block_id);

CREATE VIRTUAL TABLE IF NOT EXISTS blocks_fts USING fts5(
	keywords,
	block_id UNINDEXED
);

CREATE TABLE IF NOT EXISTS session_states (
	session_id TEXT PRIMARY KEY,
	scope_id   TEXT NOT NULL,
	status     TEXT NOT NULL,
	state      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_scope ON session_states(scope_id);

CREATE TABLE IF NOT EXISTS reasoning_chains (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	scope_id   TEXT NOT NULL,
	status     TEXT NOT NULL,
	chain      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chains_session ON reasoning_chains(session_id);
CREATE INDEX IF NOT EXISTS idx_chains_scope ON reasoning_chains(scope_id);
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

// RebuildIndex drops and repopulates the FTS index from the blocks table.
// The index is derived state and must always be reconstructable from the
// block rows alone.
func (s *Store) RebuildIndex(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks_fts`); err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocks_fts (keywords, block_id)
		SELECT keywords, id FROM blocks
	`); err != nil {
		return fmt.Errorf("repopulating index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rebuild: %w", err)
	}
	s.logger.Info("rebuilt keyword index")
	return nil
}
