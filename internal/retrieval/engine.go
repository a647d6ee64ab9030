package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ideagraph/internal/graphstore"
	"github.com/fyrsmithlabs/ideagraph/internal/schema"
)

const (
	// DefaultSeedLimit bounds the full-text seed set.
	DefaultSeedLimit = 25

	// DefaultFallbackLimit bounds the dimension-overview fallback.
	DefaultFallbackLimit = 10

	// DefaultLatencyBudget bounds graph expansion. On overrun the walk is
	// cut short and whatever has been gathered is returned.
	DefaultLatencyBudget = 250 * time.Millisecond
)

// expansionLinkTypes are the link types followed during graph expansion.
var expansionLinkTypes = []schema.LinkType{
	schema.LinkSupports,
	schema.LinkContradicts,
	schema.LinkDependsOn,
	schema.LinkEvidenceFor,
}

// Config tunes the engine. Zero values take the package defaults.
type Config struct {
	SeedLimit     int
	FallbackLimit int
	LatencyBudget time.Duration
}

func (c Config) withDefaults() Config {
	if c.SeedLimit == 0 {
		c.SeedLimit = DefaultSeedLimit
	}
	if c.FallbackLimit == 0 {
		c.FallbackLimit = DefaultFallbackLimit
	}
	if c.LatencyBudget == 0 {
		c.LatencyBudget = DefaultLatencyBudget
	}
	return c
}

// Query asks for context relevant to a piece of text, within a token
// budget.
type Query struct {
	Text    string
	ScopeID string

	// TokenBudget is a hard ceiling on the token sum of returned blocks.
	TokenBudget int

	// Intent overrides heuristic classification when an upstream router
	// already knows the intent.
	Intent Intent
}

// Result is an assembled context. An empty Blocks slice is a valid
// outcome meaning "nothing known", never an error.
type Result struct {
	Blocks     []*schema.Block `json:"blocks"`
	TokensUsed int             `json:"tokens_used"`
	Intent     Intent          `json:"intent"`

	// FellBack is set when seed search found nothing and the result is a
	// dimension overview instead.
	FellBack bool `json:"fell_back,omitempty"`
}

// Engine assembles context from the graph store.
type Engine struct {
	store      *graphstore.Store
	synonyms   *SynonymTable
	classifier *IntentClassifier
	cfg        Config
	logger     *zap.Logger
}

// NewEngine creates a retrieval engine. A nil synonym table disables
// expansion; classification always works.
func NewEngine(store *graphstore.Store, synonyms *SynonymTable, cfg Config, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if synonyms == nil {
		synonyms = NewSynonymTable(logger)
	}

	return &Engine{
		store:      store,
		synonyms:   synonyms,
		classifier: NewIntentClassifier(),
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}, nil
}

// RetrieveContext selects, ranks, and budget-fills blocks for a query.
//
// The token budget is a hard ceiling: blocks are counted atomically by
// their precomputed token counts and the fill stops at the first block
// that would overshoot.
func (e *Engine) RetrieveContext(ctx context.Context, q Query) (*Result, error) {
	if q.ScopeID == "" {
		return nil, fmt.Errorf("%w: scope id cannot be empty", schema.ErrSchemaViolation)
	}

	intent := q.Intent
	if intent == "" {
		intent = e.classifier.Classify(q.Text)
	}

	terms := e.synonyms.Expand(q.Text)

	seeds, err := e.store.QueryByKeyword(ctx, q.ScopeID, terms, e.cfg.SeedLimit)
	if err != nil {
		return nil, fmt.Errorf("seed search: %w", err)
	}

	if len(seeds) == 0 {
		return e.fallback(ctx, q, intent, terms)
	}

	expanded, err := e.expand(ctx, seeds, intent)
	if err != nil {
		return nil, fmt.Errorf("graph expansion: %w", err)
	}

	ranked := e.rank(terms, mergeBlocks(seeds, expanded))
	blocks, used := fillBudget(ranked, q.TokenBudget)

	e.logger.Debug("context retrieved",
		zap.String("scope_id", q.ScopeID),
		zap.String("intent", string(intent)),
		zap.Int("seeds", len(seeds)),
		zap.Int("expanded", len(expanded)),
		zap.Int("returned", len(blocks)),
		zap.Int("tokens_used", used))

	return &Result{Blocks: blocks, TokensUsed: used, Intent: intent}, nil
}

// expand walks outward from the seed set. Continuation intent follows a
// reasoning chain's referenced blocks one hop further; everything else
// stays at one hop. The latency budget rides on the context: when it
// expires the traversal returns what it has.
func (e *Engine) expand(ctx context.Context, seeds []*schema.Block, intent Intent) ([]*schema.Block, error) {
	hops := 1
	if intent == IntentContinuation {
		hops = 2
	}

	expandCtx, cancel := context.WithTimeout(ctx, e.cfg.LatencyBudget)
	defer cancel()

	seedIDs := make([]string, len(seeds))
	for i, s := range seeds {
		seedIDs[i] = s.ID
	}

	ids, err := e.store.Traverse(expandCtx, graphstore.TraverseRequest{
		SeedIDs:   seedIDs,
		LinkTypes: expansionLinkTypes,
		Direction: graphstore.DirectionBoth,
		MaxHops:   hops,
	})
	if err != nil {
		return nil, err
	}

	// Use the parent ctx here: the latency budget bounds the walk, not
	// the block loads for ids already found.
	blocks := make([]*schema.Block, 0, len(ids))
	for _, id := range ids {
		b, err := e.store.GetBlock(ctx, id)
		if err != nil {
			return nil, err
		}
		// Expansion can reach retired blocks; only live knowledge is
		// context.
		if b.Status == schema.StatusActive || b.Status == schema.StatusContested {
			blocks = append(blocks, b)
		}
	}
	return blocks, nil
}

// fallback answers "nothing matched" with a dimension overview: the most
// recent active blocks in the dimension the query's terms imply. With no
// hint either, the result is validly empty.
func (e *Engine) fallback(ctx context.Context, q Query, intent Intent, terms []string) (*Result, error) {
	dim, ok := DimensionHint(terms)
	if !ok {
		return &Result{Blocks: []*schema.Block{}, Intent: intent}, nil
	}

	recent, err := e.store.QueryByDimension(ctx, q.ScopeID, dim, schema.StatusActive, e.cfg.FallbackLimit)
	if err != nil {
		return nil, fmt.Errorf("dimension fallback: %w", err)
	}

	blocks, used := fillBudget(recent, q.TokenBudget)
	return &Result{Blocks: blocks, TokensUsed: used, Intent: intent, FellBack: true}, nil
}

// scoredBlock carries the composite ranking terms.
type scoredBlock struct {
	block    *schema.Block
	strength float64
}

// rank orders blocks by keyword-match strength first, then corroboration,
// confidence, and recency as tie-breaks, in that order.
func (e *Engine) rank(terms []string, blocks []*schema.Block) []*schema.Block {
	scored := make([]scoredBlock, len(blocks))
	for i, b := range blocks {
		scored[i] = scoredBlock{block: b, strength: matchStrength(terms, b.Keywords)}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.strength != b.strength {
			return a.strength > b.strength
		}
		if a.block.CorroborationCount != b.block.CorroborationCount {
			return a.block.CorroborationCount > b.block.CorroborationCount
		}
		if a.block.Confidence != b.block.Confidence {
			return a.block.Confidence > b.block.Confidence
		}
		return a.block.UpdatedAt.After(b.block.UpdatedAt)
	})

	out := make([]*schema.Block, len(scored))
	for i, s := range scored {
		out[i] = s.block
	}
	return out
}

// matchStrength is the fraction of query terms present in the block's
// keyword set.
func matchStrength(terms, keywords []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	kw := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		kw[k] = true
	}
	hits := 0
	for _, t := range terms {
		if kw[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// mergeBlocks deduplicates the seed and expansion sets by block id,
// seeds first.
func mergeBlocks(seeds, expansion []*schema.Block) []*schema.Block {
	seen := make(map[string]bool, len(seeds)+len(expansion))
	out := make([]*schema.Block, 0, len(seeds)+len(expansion))
	for _, b := range append(append([]*schema.Block{}, seeds...), expansion...) {
		if seen[b.ID] {
			continue
		}
		seen[b.ID] = true
		out = append(out, b)
	}
	return out
}

// fillBudget greedily takes ranked blocks until the next one would
// exceed the budget. Whole blocks only; never overshoots. A budget of
// zero or less returns nothing.
func fillBudget(ranked []*schema.Block, budget int) ([]*schema.Block, int) {
	blocks := []*schema.Block{}
	used := 0
	for _, b := range ranked {
		if used+b.TokenCount > budget {
			break
		}
		blocks = append(blocks, b)
		used += b.TokenCount
	}
	return blocks, used
}
