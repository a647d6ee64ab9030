// Package ingest turns extracted candidate knowledge units into graph
// mutations: validation, duplicate folding, contradiction marking, and
// link creation, with writes serialized per scope.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ideagraph/internal/extraction"
	"github.com/fyrsmithlabs/ideagraph/internal/graphstore"
	"github.com/fyrsmithlabs/ideagraph/internal/schema"
)

const (
	// DuplicateThreshold folds a candidate into an existing block.
	DuplicateThreshold = 0.8

	// MergeThreshold inserts the candidate but links it to its nearest
	// neighbor as a merge suggestion for a later explicit merge.
	MergeThreshold = 0.5

	// JudgeThreshold is the minimum keyword overlap that makes a
	// candidate worth showing to the contradiction/similarity judge.
	JudgeThreshold = 0.25

	// DefaultNeighborLimit bounds the dedup comparison set.
	DefaultNeighborLimit = 100

	// DefaultExtractionTimeout bounds each extraction attempt. On timeout
	// the turn's extraction is skipped, never the conversation.
	DefaultExtractionTimeout = 30 * time.Second
)

// Config tunes the pipeline. Zero values take the package defaults.
type Config struct {
	DuplicateThreshold float64
	MergeThreshold     float64
	JudgeThreshold     float64
	NeighborLimit      int
	ExtractionTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DuplicateThreshold == 0 {
		c.DuplicateThreshold = DuplicateThreshold
	}
	if c.MergeThreshold == 0 {
		c.MergeThreshold = MergeThreshold
	}
	if c.JudgeThreshold == 0 {
		c.JudgeThreshold = JudgeThreshold
	}
	if c.NeighborLimit == 0 {
		c.NeighborLimit = DefaultNeighborLimit
	}
	if c.ExtractionTimeout == 0 {
		c.ExtractionTimeout = DefaultExtractionTimeout
	}
	return c
}

// Request carries one turn's raw text into the pipeline.
type Request struct {
	ScopeID string
	Text    string
	Source  schema.SourceRef
}

// Result reports what one ingestion did to the graph.
type Result struct {
	// Inserted are ids of newly created blocks.
	Inserted []string `json:"inserted,omitempty"`

	// Folded are ids of existing blocks that absorbed a duplicate
	// candidate (source ref appended, corroboration incremented).
	Folded []string `json:"folded,omitempty"`

	// Contested are ids of blocks flipped to contested this turn.
	Contested []string `json:"contested,omitempty"`

	// Rejected counts candidates that failed schema validation.
	Rejected int `json:"rejected,omitempty"`

	// LinksCreated counts edges created from extractor suggestions and
	// merge/contradiction handling.
	LinksCreated int `json:"links_created,omitempty"`

	// ExtractionSkipped is set when the extraction call failed after
	// retries; the graph simply was not updated this turn.
	ExtractionSkipped bool `json:"extraction_skipped,omitempty"`
}

// Pipeline ingests raw text into a scope's graph.
//
// Writes for a single scope are serialized through a per-scope mutex so
// duplicate checks always see a settled snapshot. Different scopes never
// contend.
type Pipeline struct {
	store     *graphstore.Store
	extractor extraction.Extractor
	judge     extraction.Judge
	cfg       Config
	logger    *zap.Logger

	mu         sync.Mutex
	scopeLocks map[string]*sync.Mutex
}

// New creates an ingestion pipeline. The judge is optional; without one,
// low-overlap candidates are inserted as independent.
func New(store *graphstore.Store, extractor extraction.Extractor, judge extraction.Judge, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		store:      store,
		extractor:  extractor,
		judge:      judge,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		scopeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// scopeLock returns the writer mutex for a scope, creating it on first
// use. Locks are never removed; the map grows with the number of live
// scopes, which is small.
func (p *Pipeline) scopeLock(scopeID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.scopeLocks[scopeID]
	if !ok {
		l = &sync.Mutex{}
		p.scopeLocks[scopeID] = l
	}
	return l
}

// Ingest runs the full pipeline for one turn of raw text.
//
// Extraction failure is not fatal: after the client's retries are
// exhausted the turn is skipped and the result says so. Store failures
// are real errors and are returned.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	if req.ScopeID == "" {
		return nil, fmt.Errorf("%w: scope id cannot be empty", schema.ErrSchemaViolation)
	}

	extractCtx, cancel := context.WithTimeout(ctx, p.cfg.ExtractionTimeout)
	candidates, err := p.extractor.Extract(extractCtx, extraction.ExtractRequest{
		ScopeID: req.ScopeID,
		Text:    req.Text,
		Source:  req.Source,
	})
	cancel()
	if err != nil {
		p.logger.Warn("extraction failed, skipping turn",
			zap.String("scope_id", req.ScopeID),
			zap.Error(err))
		return &Result{ExtractionSkipped: true}, nil
	}

	lock := p.scopeLock(req.ScopeID)
	lock.Lock()
	defer lock.Unlock()

	result := &Result{}

	// resolved maps candidate ordinal to the block id it ended up as:
	// its own id when inserted, the absorbing block's id when folded,
	// empty when rejected.
	resolved := make([]string, len(candidates))

	for i, cand := range candidates {
		id, err := p.ingestCandidate(ctx, req, cand, result)
		if err != nil {
			return nil, err
		}
		resolved[i] = id
	}

	if err := p.createSuggestedLinks(ctx, candidates, resolved, result); err != nil {
		return nil, err
	}

	p.logger.Info("ingestion completed",
		zap.String("scope_id", req.ScopeID),
		zap.Int("inserted", len(result.Inserted)),
		zap.Int("folded", len(result.Folded)),
		zap.Int("contested", len(result.Contested)),
		zap.Int("rejected", result.Rejected),
		zap.Int("links", result.LinksCreated))
	return result, nil
}

// ingestCandidate validates and routes one candidate, returning the block
// id it resolved to (empty when rejected).
func (p *Pipeline) ingestCandidate(ctx context.Context, req Request, cand schema.Candidate, result *Result) (string, error) {
	if err := cand.Validate(); err != nil {
		p.logger.Warn("rejecting malformed candidate",
			zap.String("scope_id", req.ScopeID),
			zap.Error(err))
		result.Rejected++
		return "", nil
	}

	block, err := schema.NewBlock(req.ScopeID, cand.Type, cand.Dimension, cand.Content, cand.Confidence)
	if err != nil {
		result.Rejected++
		return "", nil
	}
	if req.Source.SourceKind != "" {
		ref := req.Source
		if ref.ObservedAt.IsZero() {
			ref.ObservedAt = time.Now().UTC()
		}
		block.SourceRefs = []schema.SourceRef{ref}
	}

	neighbors, err := p.store.QueryByDimension(ctx, req.ScopeID, cand.Dimension, schema.StatusActive, p.cfg.NeighborLimit)
	if err != nil {
		return "", fmt.Errorf("loading dedup neighbors: %w", err)
	}

	nearest, similarity := nearestNeighbor(block.Keywords, neighbors)

	switch {
	case nearest != nil && similarity >= p.cfg.DuplicateThreshold:
		// Exact duplicate: fold, do not insert.
		return nearest.ID, p.fold(ctx, nearest.ID, req.Source, result)

	case nearest != nil && similarity >= p.cfg.MergeThreshold:
		// Merge candidate: insert plus a supports link for a later
		// explicit merge.
		if err := p.store.InsertBlock(ctx, block); err != nil {
			return "", fmt.Errorf("inserting merge candidate: %w", err)
		}
		result.Inserted = append(result.Inserted, block.ID)

		link, err := schema.NewLink(block.ID, nearest.ID, schema.LinkSupports, similarity, "high keyword overlap, merge candidate")
		if err != nil {
			return "", err
		}
		if err := p.store.CreateLink(ctx, link); err != nil {
			return "", fmt.Errorf("linking merge candidate: %w", err)
		}
		result.LinksCreated++
		return block.ID, nil

	case nearest != nil && similarity >= p.cfg.JudgeThreshold && p.judge != nil:
		return p.judgeAndInsert(ctx, cand, block, neighbors, req, result)

	default:
		if err := p.store.InsertBlock(ctx, block); err != nil {
			return "", fmt.Errorf("inserting block: %w", err)
		}
		result.Inserted = append(result.Inserted, block.ID)
		return block.ID, nil
	}
}

// judgeAndInsert asks the judge about a candidate with meaningful keyword
// overlap but below the merge threshold. A failed judge call degrades to
// an independent insert; the judge runs again on a later corroborating
// source if there is one.
func (p *Pipeline) judgeAndInsert(ctx context.Context, cand schema.Candidate, block *schema.Block, neighbors []*schema.Block, req Request, result *Result) (string, error) {
	judgment, err := p.judge.Classify(ctx, cand, neighbors)
	if err != nil {
		p.logger.Warn("judge call failed, treating candidate as independent",
			zap.String("scope_id", req.ScopeID),
			zap.Error(err))
		judgment = extraction.Judgment{Verdict: extraction.VerdictIndependent}
	}

	// The judge's block id is untrusted output; duplicate and contradicts
	// verdicts must name one of the neighbors it was shown.
	if judgment.Verdict == extraction.VerdictDuplicate || judgment.Verdict == extraction.VerdictContradicts {
		if judgment.BlockID == "" || !containsBlock(neighbors, judgment.BlockID) {
			p.logger.Warn("judge verdict did not name a neighbor, ignoring verdict",
				zap.String("verdict", string(judgment.Verdict)),
				zap.String("block_id", judgment.BlockID))
			judgment = extraction.Judgment{Verdict: extraction.VerdictIndependent}
		}
	}

	switch judgment.Verdict {
	case extraction.VerdictDuplicate:
		return judgment.BlockID, p.fold(ctx, judgment.BlockID, req.Source, result)

	case extraction.VerdictContradicts:
		if err := p.store.InsertBlock(ctx, block); err != nil {
			return "", fmt.Errorf("inserting contested candidate: %w", err)
		}
		result.Inserted = append(result.Inserted, block.ID)

		link, err := schema.NewLink(block.ID, judgment.BlockID, schema.LinkContradicts, cand.Confidence, "judge flagged incompatible claims")
		if err != nil {
			return "", err
		}
		if err := p.store.MarkContradiction(ctx, link); err != nil {
			return "", fmt.Errorf("marking contradiction: %w", err)
		}
		result.LinksCreated++
		result.Contested = append(result.Contested, block.ID, judgment.BlockID)
		return block.ID, nil

	default:
		if err := p.store.InsertBlock(ctx, block); err != nil {
			return "", fmt.Errorf("inserting block: %w", err)
		}
		result.Inserted = append(result.Inserted, block.ID)
		return block.ID, nil
	}
}

// fold attaches provenance to an existing block instead of inserting a
// duplicate row.
func (p *Pipeline) fold(ctx context.Context, blockID string, source schema.SourceRef, result *Result) error {
	if source.SourceKind != "" {
		if source.ObservedAt.IsZero() {
			source.ObservedAt = time.Now().UTC()
		}
		if err := p.store.AppendSourceRef(ctx, blockID, source); err != nil {
			return fmt.Errorf("appending source ref: %w", err)
		}
	}
	if err := p.store.IncrementCorroboration(ctx, blockID); err != nil {
		return fmt.Errorf("incrementing corroboration: %w", err)
	}
	result.Folded = append(result.Folded, blockID)
	return nil
}

// createSuggestedLinks materializes the extractor's link suggestions.
// Suggestions are best-effort: a dangling or unresolvable target is
// logged and skipped, never fatal to the ingestion.
func (p *Pipeline) createSuggestedLinks(ctx context.Context, candidates []schema.Candidate, resolved []string, result *Result) error {
	for i, cand := range candidates {
		sourceID := resolved[i]
		if sourceID == "" {
			continue
		}
		for _, sl := range cand.Suggested {
			targetID := sl.TargetBlockID
			if targetID == "" {
				if sl.TargetCandidate < 0 || sl.TargetCandidate >= len(resolved) {
					continue
				}
				targetID = resolved[sl.TargetCandidate]
			}
			if targetID == "" || targetID == sourceID {
				continue
			}

			link, err := schema.NewLink(sourceID, targetID, sl.LinkType, sl.Confidence, sl.Reason)
			if err != nil {
				p.logger.Warn("skipping invalid suggested link", zap.Error(err))
				continue
			}
			if err := p.store.CreateLink(ctx, link); err != nil {
				p.logger.Warn("skipping suggested link",
					zap.String("source", sourceID),
					zap.String("target", targetID),
					zap.Error(err))
				continue
			}
			result.LinksCreated++

			// A supersedes suggestion retires its target.
			if sl.LinkType == schema.LinkSupersedes {
				if err := p.store.UpdateStatus(ctx, targetID, schema.StatusSuperseded); err != nil {
					return fmt.Errorf("superseding block %s: %w", targetID, err)
				}
			}
		}
	}
	return nil
}

// nearestNeighbor finds the stored block with the highest Jaccard
// similarity to the candidate keyword set.
func nearestNeighbor(keywords []string, neighbors []*schema.Block) (*schema.Block, float64) {
	var best *schema.Block
	bestScore := 0.0
	for _, n := range neighbors {
		score := schema.Jaccard(keywords, n.Keywords)
		if score > bestScore {
			best = n
			bestScore = score
		}
	}
	return best, bestScore
}

func containsBlock(blocks []*schema.Block, id string) bool {
	for _, b := range blocks {
		if b.ID == id {
			return true
		}
	}
	return false
}
