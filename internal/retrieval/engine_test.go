package retrieval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ideagraph/internal/graphstore"
	"github.com/fyrsmithlabs/ideagraph/internal/schema"
)

func newTestEngine(t *testing.T, synonymYAML string) (*Engine, *graphstore.Store) {
	t.Helper()

	store, err := graphstore.Open(filepath.Join(t.TempDir(), "graph.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	table := NewSynonymTable(zap.NewNop())
	if synonymYAML != "" {
		require.NoError(t, table.Load([]byte(synonymYAML)))
	}

	engine, err := NewEngine(store, table, Config{}, zap.NewNop())
	require.NoError(t, err)
	return engine, store
}

func insertBlock(t *testing.T, store *graphstore.Store, scope string, typ schema.BlockType, dim schema.Dimension, content string) *schema.Block {
	t.Helper()
	b, err := schema.NewBlock(scope, typ, dim, content, 0.9)
	require.NoError(t, err)
	require.NoError(t, store.InsertBlock(context.Background(), b))
	return b
}

func link(t *testing.T, store *graphstore.Store, source, target string, lt schema.LinkType) {
	t.Helper()
	l, err := schema.NewLink(source, target, lt, 0.8, "")
	require.NoError(t, err)
	require.NoError(t, store.CreateLink(context.Background(), l))
}

func TestEngine_RetrieveContext(t *testing.T) {
	engine, store := newTestEngine(t, "")
	b := insertBlock(t, store, "scope-1", schema.TypeKnowledge, schema.DimMarket,
		"subscription pricing tiers anchored at nineteen dollars monthly")

	res, err := engine.RetrieveContext(context.Background(), Query{
		Text:        "what are the subscription pricing tiers?",
		ScopeID:     "scope-1",
		TokenBudget: 500,
	})
	require.NoError(t, err)

	assert.Equal(t, IntentQuestion, res.Intent)
	assert.False(t, res.FellBack)
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, b.ID, res.Blocks[0].ID)
	assert.Equal(t, b.TokenCount, res.TokensUsed)
}

func TestEngine_RetrieveContextRequiresScope(t *testing.T) {
	engine, _ := newTestEngine(t, "")
	_, err := engine.RetrieveContext(context.Background(), Query{Text: "anything"})
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
}

func TestEngine_SynonymExpansionFindsBlock(t *testing.T) {
	engine, store := newTestEngine(t, "revenue model: [monetization]\n")
	b := insertBlock(t, store, "scope-1", schema.TypeDecision, schema.DimMarket,
		"monetization through usage based billing instead of seats")

	res, err := engine.RetrieveContext(context.Background(), Query{
		Text:        "thoughts on a recurring revenue model",
		ScopeID:     "scope-1",
		TokenBudget: 500,
	})
	require.NoError(t, err)

	require.Len(t, res.Blocks, 1)
	assert.Equal(t, b.ID, res.Blocks[0].ID)
	assert.False(t, res.FellBack)
}

func TestEngine_ExpansionPullsLinkedBlocks(t *testing.T) {
	engine, store := newTestEngine(t, "")
	seed := insertBlock(t, store, "scope-1", schema.TypeBelief, schema.DimCustomer,
		"indie developers churn when onboarding exceeds ten minutes")
	evidence := insertBlock(t, store, "scope-1", schema.TypeKnowledge, schema.DimCustomer,
		"interview transcripts from twelve pilot accounts")
	link(t, store, evidence.ID, seed.ID, schema.LinkEvidenceFor)

	res, err := engine.RetrieveContext(context.Background(), Query{
		Text:        "why do indie developers churn during onboarding",
		ScopeID:     "scope-1",
		TokenBudget: 1000,
	})
	require.NoError(t, err)

	ids := blockIDs(res.Blocks)
	assert.Contains(t, ids, seed.ID)
	assert.Contains(t, ids, evidence.ID)
}

func TestEngine_ExpiredLatencyBudgetStillReturnsSeeds(t *testing.T) {
	store, err := graphstore.Open(filepath.Join(t.TempDir(), "graph.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// A budget this small is gone before the walk starts; retrieval must
	// still answer from the seeds instead of erroring.
	engine, err := NewEngine(store, NewSynonymTable(zap.NewNop()), Config{LatencyBudget: time.Nanosecond}, zap.NewNop())
	require.NoError(t, err)

	seed := insertBlock(t, store, "scope-1", schema.TypeBelief, schema.DimCustomer,
		"indie developers churn when onboarding exceeds ten minutes")
	evidence := insertBlock(t, store, "scope-1", schema.TypeKnowledge, schema.DimCustomer,
		"interview transcripts from twelve pilot accounts")
	link(t, store, evidence.ID, seed.ID, schema.LinkEvidenceFor)

	res, err := engine.RetrieveContext(context.Background(), Query{
		Text:        "why do indie developers churn during onboarding",
		ScopeID:     "scope-1",
		TokenBudget: 1000,
	})
	require.NoError(t, err)
	assert.Contains(t, blockIDs(res.Blocks), seed.ID)
}

func TestEngine_ExpansionSkipsRetiredBlocks(t *testing.T) {
	engine, store := newTestEngine(t, "")
	seed := insertBlock(t, store, "scope-1", schema.TypeKnowledge, schema.DimSolution,
		"offline sync handled with operation logs")
	stale := insertBlock(t, store, "scope-1", schema.TypeKnowledge, schema.DimSolution,
		"previous plan for last write wins merging")
	require.NoError(t, store.UpdateStatus(context.Background(), stale.ID, schema.StatusArchived))
	link(t, store, seed.ID, stale.ID, schema.LinkSupports)

	res, err := engine.RetrieveContext(context.Background(), Query{
		Text:        "how is offline sync handled",
		ScopeID:     "scope-1",
		TokenBudget: 1000,
	})
	require.NoError(t, err)

	ids := blockIDs(res.Blocks)
	assert.Contains(t, ids, seed.ID)
	assert.NotContains(t, ids, stale.ID)
}

func TestEngine_BudgetIsHardCeiling(t *testing.T) {
	engine, store := newTestEngine(t, "")
	first := insertBlock(t, store, "scope-1", schema.TypeKnowledge, schema.DimMarket,
		"pricing research notes covering competitor tiers and anchor points in detail")
	insertBlock(t, store, "scope-1", schema.TypeKnowledge, schema.DimMarket,
		"pricing sensitivity survey results from the beta cohort with raw response data")

	budget := first.TokenCount + 1
	res, err := engine.RetrieveContext(context.Background(), Query{
		Text:        "pricing",
		ScopeID:     "scope-1",
		TokenBudget: budget,
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, res.TokensUsed, budget)
	assert.Len(t, res.Blocks, 1)
}

func TestEngine_ZeroBudgetReturnsNothing(t *testing.T) {
	engine, store := newTestEngine(t, "")
	insertBlock(t, store, "scope-1", schema.TypeKnowledge, schema.DimMarket,
		"pricing research notes")

	res, err := engine.RetrieveContext(context.Background(), Query{
		Text:        "pricing",
		ScopeID:     "scope-1",
		TokenBudget: 0,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Blocks)
	assert.Zero(t, res.TokensUsed)
}

func TestEngine_RankPrefersCorroboration(t *testing.T) {
	engine, store := newTestEngine(t, "")
	weak := insertBlock(t, store, "scope-1", schema.TypeKnowledge, schema.DimMarket,
		"pricing anchored low")
	strong := insertBlock(t, store, "scope-1", schema.TypeKnowledge, schema.DimMarket,
		"pricing anchored high")
	require.NoError(t, store.IncrementCorroboration(context.Background(), strong.ID))

	res, err := engine.RetrieveContext(context.Background(), Query{
		Text:        "pricing anchored",
		ScopeID:     "scope-1",
		TokenBudget: 1000,
	})
	require.NoError(t, err)

	require.Len(t, res.Blocks, 2)
	assert.Equal(t, strong.ID, res.Blocks[0].ID)
	assert.Equal(t, weak.ID, res.Blocks[1].ID)
}

func TestEngine_FallbackToDimensionOverview(t *testing.T) {
	engine, store := newTestEngine(t, "")
	b := insertBlock(t, store, "scope-1", schema.TypeKnowledge, schema.DimCustomer,
		"early adopters are solo founders shipping side projects")

	res, err := engine.RetrieveContext(context.Background(), Query{
		Text:        "give me the customer picture",
		ScopeID:     "scope-1",
		TokenBudget: 500,
	})
	require.NoError(t, err)

	assert.True(t, res.FellBack)
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, b.ID, res.Blocks[0].ID)
}

func TestEngine_EmptyResultIsValid(t *testing.T) {
	engine, _ := newTestEngine(t, "")

	res, err := engine.RetrieveContext(context.Background(), Query{
		Text:        "quarterly numbers",
		ScopeID:     "scope-1",
		TokenBudget: 500,
	})
	require.NoError(t, err)

	assert.Empty(t, res.Blocks)
	assert.Zero(t, res.TokensUsed)
	assert.False(t, res.FellBack)
}

func TestEngine_IntentOverride(t *testing.T) {
	engine, _ := newTestEngine(t, "")

	res, err := engine.RetrieveContext(context.Background(), Query{
		Text:        "what is the plan?",
		ScopeID:     "scope-1",
		TokenBudget: 500,
		Intent:      IntentContinuation,
	})
	require.NoError(t, err)
	assert.Equal(t, IntentContinuation, res.Intent)
}

func TestEngine_ScopesAreIsolated(t *testing.T) {
	engine, store := newTestEngine(t, "")
	insertBlock(t, store, "scope-a", schema.TypeKnowledge, schema.DimMarket,
		"pricing anchored at nineteen dollars")

	res, err := engine.RetrieveContext(context.Background(), Query{
		Text:        "pricing",
		ScopeID:     "scope-b",
		TokenBudget: 500,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Blocks)
}

func blockIDs(blocks []*schema.Block) []string {
	ids := make([]string, len(blocks))
	for i, b := range blocks {
		ids[i] = b.ID
	}
	return ids
}
