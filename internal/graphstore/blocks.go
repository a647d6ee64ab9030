package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ideagraph/internal/schema"
)

// InsertBlock validates and stores a block, writing its FTS index row in
// the same transaction.
func (s *Store) InsertBlock(ctx context.Context, b *schema.Block) error {
	if err := b.Validate(); err != nil {
		return err
	}

	refs, err := json.Marshal(b.SourceRefs)
	if err != nil {
		return fmt.Errorf("encoding source refs: %w", err)
	}
	var codeRef []byte
	if b.CodeReference != nil {
		codeRef, err = json.Marshal(b.CodeReference)
		if err != nil {
			return fmt.Errorf("encoding code reference: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO blocks (
			id, scope_id, primary_type, primary_dimension, content,
			keywords, token_count, confidence, status, corroboration_count,
			source_refs, code_reference, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.ScopeID, string(b.PrimaryType), string(b.PrimaryDimension),
		b.Content, strings.Join(b.Keywords, " "), b.TokenCount, b.Confidence,
		string(b.Status), b.CorroborationCount, string(refs), nullableText(codeRef),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting block: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO blocks_fts (keywords, block_id) VALUES (?, ?)`,
		strings.Join(b.Keywords, " "), b.ID,
	)
	if err != nil {
		return fmt.Errorf("indexing block keywords: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing block insert: %w", err)
	}

	s.logger.Debug("block inserted",
		zap.String("id", b.ID),
		zap.String("scope_id", b.ScopeID),
		zap.String("type", string(b.PrimaryType)),
		zap.String("dimension", string(b.PrimaryDimension)))
	return nil
}

// GetBlock returns the block with the given id, or schema.ErrNotFound.
func (s *Store) GetBlock(ctx context.Context, id string) (*schema.Block, error) {
	row := s.db.QueryRowContext(ctx, selectBlock+` WHERE id = ?`, id)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("block %s: %w", id, schema.ErrNotFound)
	}
	return b, err
}

// UpdateStatus flips a block's status. Content and classification are
// immutable; this is the only legal retirement path.
func (s *Store) UpdateStatus(ctx context.Context, id string, status schema.BlockStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", schema.ErrSchemaViolation, status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("block %s: %w", id, schema.ErrNotFound)
	}
	return nil
}

// IncrementCorroboration bumps the corroboration counter by one.
func (s *Store) IncrementCorroboration(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blocks
		SET corroboration_count = corroboration_count + 1, updated_at = ?
		WHERE id = ?
	`, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("incrementing corroboration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("block %s: %w", id, schema.ErrNotFound)
	}
	return nil
}

// AppendSourceRef appends a provenance pointer to a block. Refs are
// append-only; existing entries are never rewritten.
func (s *Store) AppendSourceRef(ctx context.Context, id string, ref schema.SourceRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT source_refs FROM blocks WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("block %s: %w", id, schema.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading source refs: %w", err)
	}

	var refs []schema.SourceRef
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &refs); err != nil {
			return fmt.Errorf("decoding source refs: %w", err)
		}
	}
	refs = append(refs, ref)

	encoded, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("encoding source refs: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE blocks SET source_refs = ?, updated_at = ? WHERE id = ?`,
		string(encoded), formatTime(time.Now().UTC()), id,
	); err != nil {
		return fmt.Errorf("writing source refs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing source ref append: %w", err)
	}
	return nil
}

// QueryByDimension returns blocks in a scope+dimension with the given
// status, most recently updated first.
func (s *Store) QueryByDimension(ctx context.Context, scopeID string, dim schema.Dimension, status schema.BlockStatus, limit int) ([]*schema.Block, error) {
	return s.queryBlocks(ctx, selectBlock+`
		WHERE scope_id = ? AND primary_dimension = ? AND status = ?
		ORDER BY updated_at DESC LIMIT ?
	`, scopeID, string(dim), string(status), normalizeLimit(limit))
}

// QueryByType returns blocks in a scope+type with the given status, most
// recently updated first.
func (s *Store) QueryByType(ctx context.Context, scopeID string, typ schema.BlockType, status schema.BlockStatus, limit int) ([]*schema.Block, error) {
	return s.queryBlocks(ctx, selectBlock+`
		WHERE scope_id = ? AND primary_type = ? AND status = ?
		ORDER BY updated_at DESC LIMIT ?
	`, scopeID, string(typ), string(status), normalizeLimit(limit))
}

// QueryByKeyword performs full-text search over the keyword index,
// restricted to a scope, ranked by FTS relevance. Superseded and archived
// blocks are excluded; contested blocks are returned because a contested
// claim is still context the agent must see.
//
// An empty term list or no matches returns an empty slice, never an error.
func (s *Store) QueryByKeyword(ctx context.Context, scopeID string, terms []string, limit int) ([]*schema.Block, error) {
	match := buildMatchQuery(terms)
	if match == "" {
		return []*schema.Block{}, nil
	}

	return s.queryBlocks(ctx, selectBlockPrefixed+`
		FROM blocks b
		JOIN blocks_fts ON blocks_fts.block_id = b.id
		WHERE blocks_fts MATCH ?
		  AND b.scope_id = ?
		  AND b.status IN ('active', 'contested')
		ORDER BY blocks_fts.rank LIMIT ?
	`, match, scopeID, normalizeLimit(limit))
}

// buildMatchQuery joins already-normalized terms into an FTS5 OR query.
// Terms are double-quoted so tokens like "50b" never parse as syntax.
func buildMatchQuery(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

const selectBlock = `
	SELECT id, scope_id, primary_type, primary_dimension, content,
	       keywords, token_count, confidence, status, corroboration_count,
	       source_refs, code_reference, created_at, updated_at
	FROM blocks`

const selectBlockPrefixed = `
	SELECT b.id, b.scope_id, b.primary_type, b.primary_dimension, b.content,
	       b.keywords, b.token_count, b.confidence, b.status, b.corroboration_count,
	       b.source_refs, b.code_reference, b.created_at, b.updated_at`

func (s *Store) queryBlocks(ctx context.Context, query string, args ...any) ([]*schema.Block, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying blocks: %w", err)
	}
	defer rows.Close()

	blocks := []*schema.Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(row scanner) (*schema.Block, error) {
	var (
		b         schema.Block
		typ       string
		dim       string
		status    string
		keywords  string
		refs      sql.NullString
		codeRef   sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&b.ID, &b.ScopeID, &typ, &dim, &b.Content,
		&keywords, &b.TokenCount, &b.Confidence, &status, &b.CorroborationCount,
		&refs, &codeRef, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning block: %w", err)
	}

	b.PrimaryType = schema.BlockType(typ)
	b.PrimaryDimension = schema.Dimension(dim)
	b.Status = schema.BlockStatus(status)
	if keywords != "" {
		b.Keywords = strings.Split(keywords, " ")
	}
	if refs.Valid && refs.String != "" && refs.String != "null" {
		if err := json.Unmarshal([]byte(refs.String), &b.SourceRefs); err != nil {
			return nil, fmt.Errorf("decoding source refs: %w", err)
		}
	}
	if codeRef.Valid && codeRef.String != "" {
		var cr schema.CodeReference
		if err := json.Unmarshal([]byte(codeRef.String), &cr); err != nil {
			return nil, fmt.Errorf("decoding code reference: %w", err)
		}
		b.CodeReference = &cr
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
