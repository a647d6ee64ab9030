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

// MaxTraverseHops is the hard ceiling on traversal depth, enforced
// regardless of what the caller asks for.
const MaxTraverseHops = 2

// Direction selects which way links are followed during traversal.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// CreateLink stores a directed edge between two existing blocks.
//
// The existence checks and the insert run in one transaction: a link that
// would reference a missing block fails the whole operation with
// schema.ErrDanglingLink and leaves nothing behind.
func (s *Store) CreateLink(ctx context.Context, l *schema.Link) error {
	if err := l.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range []string{l.SourceBlockID, l.TargetBlockID} {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM blocks WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("block %s: %w", id, schema.ErrDanglingLink)
		}
		if err != nil {
			return fmt.Errorf("checking link endpoint: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO links (id, source_block_id, target_block_id, link_type, confidence, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.SourceBlockID, l.TargetBlockID, string(l.LinkType), l.Confidence, l.Reason, formatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing link insert: %w", err)
	}

	s.logger.Debug("link created",
		zap.String("id", l.ID),
		zap.String("source", l.SourceBlockID),
		zap.String("target", l.TargetBlockID),
		zap.String("type", string(l.LinkType)))
	return nil
}

// LinksFor returns all links touching the given block id, in either
// direction.
func (s *Store) LinksFor(ctx context.Context, blockID string) ([]*schema.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_block_id, target_block_id, link_type, confidence, reason, created_at
		FROM links
		WHERE source_block_id = ? OR target_block_id = ?
	`, blockID, blockID)
	if err != nil {
		return nil, fmt.Errorf("querying links: %w", err)
	}
	defer rows.Close()
	return scanLinks(rows)
}

// MarkContradiction records a contradiction between two blocks: both flip
// to contested and a contradicts link is created, atomically.
//
// The store persists the verdict; adjudicating which claim is true is the
// judge collaborator's problem, and ultimately a human's.
func (s *Store) MarkContradiction(ctx context.Context, l *schema.Link) error {
	if l.LinkType != schema.LinkContradicts {
		return fmt.Errorf("%w: contradiction link must have type %q", schema.ErrSchemaViolation, schema.LinkContradicts)
	}
	if err := l.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())
	for _, id := range []string{l.SourceBlockID, l.TargetBlockID} {
		res, err := tx.ExecContext(ctx,
			`UPDATE blocks SET status = ?, updated_at = ? WHERE id = ?`,
			string(schema.StatusContested), now, id,
		)
		if err != nil {
			return fmt.Errorf("contesting block: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("block %s: %w", id, schema.ErrDanglingLink)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO links (id, source_block_id, target_block_id, link_type, confidence, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.SourceBlockID, l.TargetBlockID, string(l.LinkType), l.Confidence, l.Reason, formatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting contradicts link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing contradiction: %w", err)
	}
	return nil
}

// Supersede inserts the successor block, links it to its predecessor with
// a supersedes edge, and flips the predecessor's status, atomically.
func (s *Store) Supersede(ctx context.Context, successor *schema.Block, predecessorID string, reason string) error {
	if err := successor.Validate(); err != nil {
		return err
	}
	link, err := schema.NewLink(successor.ID, predecessorID, schema.LinkSupersedes, 1.0, reason)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE blocks SET status = ?, updated_at = ? WHERE id = ?`,
		string(schema.StatusSuperseded), formatTime(time.Now().UTC()), predecessorID,
	)
	if err != nil {
		return fmt.Errorf("superseding block: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("block %s: %w", predecessorID, schema.ErrDanglingLink)
	}

	refs, err := jsonMarshalRefs(successor.SourceRefs)
	if err != nil {
		return err
	}
	var codeRef []byte
	if successor.CodeReference != nil {
		codeRef, err = json.Marshal(successor.CodeReference)
		if err != nil {
			return fmt.Errorf("encoding code reference: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO blocks (
			id, scope_id, primary_type, primary_dimension, content,
			keywords, token_count, confidence, status, corroboration_count,
			source_refs, code_reference, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		successor.ID, successor.ScopeID, string(successor.PrimaryType),
		string(successor.PrimaryDimension), successor.Content,
		strings.Join(successor.Keywords, " "), successor.TokenCount,
		successor.Confidence, string(successor.Status), successor.CorroborationCount,
		refs, nullableText(codeRef), formatTime(successor.CreatedAt), formatTime(successor.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting successor block: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO blocks_fts (keywords, block_id) VALUES (?, ?)`,
		strings.Join(successor.Keywords, " "), successor.ID,
	)
	if err != nil {
		return fmt.Errorf("indexing successor keywords: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO links (id, source_block_id, target_block_id, link_type, confidence, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, link.ID, link.SourceBlockID, link.TargetBlockID, string(link.LinkType), link.Confidence, link.Reason, formatTime(link.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting supersedes link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing supersession: %w", err)
	}
	return nil
}

// TraverseRequest bounds a breadth-first walk of the link graph.
type TraverseRequest struct {
	SeedIDs   []string
	LinkTypes []schema.LinkType
	Direction Direction
	MaxHops   int
}

// Traverse walks the graph breadth-first from the seed set, following
// only the requested link types, and returns the ids discovered beyond
// the seeds. MaxHops is clamped to MaxTraverseHops no matter what the
// caller asks for.
func (s *Store) Traverse(ctx context.Context, req TraverseRequest) ([]string, error) {
	if len(req.SeedIDs) == 0 || len(req.LinkTypes) == 0 {
		return []string{}, nil
	}
	hops := req.MaxHops
	if hops < 1 {
		hops = 1
	}
	if hops > MaxTraverseHops {
		hops = MaxTraverseHops
	}
	dir := req.Direction
	if dir == "" {
		dir = DirectionBoth
	}

	visited := make(map[string]bool, len(req.SeedIDs))
	for _, id := range req.SeedIDs {
		visited[id] = true
	}

	frontier := append([]string{}, req.SeedIDs...)
	discovered := []string{}

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		// ctx deadline doubles as the retrieval latency budget: return
		// what has been gathered instead of failing.
		if ctx.Err() != nil {
			return discovered, nil
		}

		neighbors, err := s.neighbors(ctx, frontier, req.LinkTypes, dir)
		if errors.Is(err, context.DeadlineExceeded) {
			return discovered, nil
		}
		if err != nil {
			return nil, err
		}

		frontier = frontier[:0]
		for _, id := range neighbors {
			if visited[id] {
				continue
			}
			visited[id] = true
			discovered = append(discovered, id)
			frontier = append(frontier, id)
		}
	}
	return discovered, nil
}

func (s *Store) neighbors(ctx context.Context, ids []string, linkTypes []schema.LinkType, dir Direction) ([]string, error) {
	idPh := placeholders(len(ids))
	typePh := placeholders(len(linkTypes))

	var clauses []string
	if dir == DirectionOut || dir == DirectionBoth {
		clauses = append(clauses, fmt.Sprintf(
			`SELECT target_block_id FROM links WHERE source_block_id IN (%s) AND link_type IN (%s)`, idPh, typePh))
	}
	if dir == DirectionIn || dir == DirectionBoth {
		clauses = append(clauses, fmt.Sprintf(
			`SELECT source_block_id FROM links WHERE target_block_id IN (%s) AND link_type IN (%s)`, idPh, typePh))
	}

	args := []any{}
	for range clauses {
		for _, id := range ids {
			args = append(args, id)
		}
		for _, lt := range linkTypes {
			args = append(args, string(lt))
		}
	}

	rows, err := s.db.QueryContext(ctx, strings.Join(clauses, " UNION "), args...)
	if err != nil {
		return nil, fmt.Errorf("querying neighbors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning neighbor id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func scanLinks(rows *sql.Rows) ([]*schema.Link, error) {
	links := []*schema.Link{}
	for rows.Next() {
		var (
			l         schema.Link
			lt        string
			reason    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&l.ID, &l.SourceBlockID, &l.TargetBlockID, &lt, &l.Confidence, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning link: %w", err)
		}
		l.LinkType = schema.LinkType(lt)
		l.Reason = reason.String
		var err error
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		links = append(links, &l)
	}
	return links, rows.Err()
}

func jsonMarshalRefs(refs []schema.SourceRef) (string, error) {
	b, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("encoding source refs: %w", err)
	}
	return string(b), nil
}
