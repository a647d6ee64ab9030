package mcp

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ideagraph/internal/extraction"
	"github.com/fyrsmithlabs/ideagraph/internal/graphstore"
	"github.com/fyrsmithlabs/ideagraph/internal/ingest"
	"github.com/fyrsmithlabs/ideagraph/internal/retrieval"
	"github.com/fyrsmithlabs/ideagraph/internal/schema"
	"github.com/fyrsmithlabs/ideagraph/internal/session"
)

// fixedExtractor returns the same candidates for every call.
type fixedExtractor struct {
	candidates []schema.Candidate
}

func (f *fixedExtractor) Extract(_ context.Context, _ extraction.ExtractRequest) ([]schema.Candidate, error) {
	return f.candidates, nil
}

func newTestServer(t *testing.T, candidates []schema.Candidate) (*Server, *graphstore.Store) {
	t.Helper()

	store, err := graphstore.Open(filepath.Join(t.TempDir(), "graph.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pipeline, err := ingest.New(store, &fixedExtractor{candidates: candidates}, nil, ingest.Config{}, zap.NewNop())
	require.NoError(t, err)

	engine, err := retrieval.NewEngine(store, nil, retrieval.Config{}, zap.NewNop())
	require.NoError(t, err)

	sessions, err := session.NewManager(store, session.Config{}, zap.NewNop())
	require.NoError(t, err)

	srv, err := NewServer(DefaultConfig(), pipeline, engine, sessions, store)
	require.NoError(t, err)
	return srv, store
}

func TestServer_RequiresServices(t *testing.T) {
	_, err := NewServer(DefaultConfig(), nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestServer_IngestThenRetrieve(t *testing.T) {
	srv, _ := newTestServer(t, []schema.Candidate{
		{
			Type:       schema.TypeKnowledge,
			Dimension:  schema.DimMarket,
			Content:    "usage based pricing beats seats for developer tools",
			Confidence: 0.8,
		},
	})
	ctx := context.Background()

	ingested, err := srv.handleMemoryIngest(ctx, memoryIngestInput{
		ScopeID:    "scope-1",
		Text:       "we talked pricing",
		SourceKind: "conversation",
		SourceID:   "turn-1",
	})
	require.NoError(t, err)
	require.Len(t, ingested.Inserted, 1)
	assert.False(t, ingested.ExtractionSkipped)

	retrieved, err := srv.handleContextRetrieve(ctx, contextRetrieveInput{
		ScopeID:     "scope-1",
		Query:       "what did we decide about pricing?",
		TokenBudget: 500,
	})
	require.NoError(t, err)
	require.Len(t, retrieved.Blocks, 1)
	assert.Equal(t, ingested.Inserted[0], retrieved.Blocks[0].ID)
	assert.Equal(t, string(retrieval.IntentQuestion), retrieved.Intent)
}

func TestServer_BlockGet(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	a, err := schema.NewBlock("scope-1", schema.TypeKnowledge, schema.DimMarket, "pricing anchored at nineteen dollars", 0.9)
	require.NoError(t, err)
	require.NoError(t, store.InsertBlock(ctx, a))
	b, err := schema.NewBlock("scope-1", schema.TypeKnowledge, schema.DimMarket, "competitor charges twenty nine dollars", 0.9)
	require.NoError(t, err)
	require.NoError(t, store.InsertBlock(ctx, b))

	l, err := schema.NewLink(b.ID, a.ID, schema.LinkSupports, 0.8, "")
	require.NoError(t, err)
	require.NoError(t, store.CreateLink(ctx, l))

	out, err := srv.handleBlockGet(ctx, blockGetInput{BlockID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, a.ID, out.Block.ID)
	require.Len(t, out.Links, 1)
	assert.Equal(t, "supports", out.Links[0].LinkType)

	_, err = srv.handleBlockGet(ctx, blockGetInput{BlockID: "missing"})
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestServer_GraphTraverse(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	var ids []string
	for _, content := range []string{
		"pricing anchored at nineteen dollars",
		"competitor charges twenty nine dollars",
		"enterprise buyers expect custom quotes",
	} {
		b, err := schema.NewBlock("scope-1", schema.TypeKnowledge, schema.DimMarket, content, 0.9)
		require.NoError(t, err)
		require.NoError(t, store.InsertBlock(ctx, b))
		ids = append(ids, b.ID)
	}
	for i := 0; i < 2; i++ {
		l, err := schema.NewLink(ids[i], ids[i+1], schema.LinkSupports, 0.8, "")
		require.NoError(t, err)
		require.NoError(t, store.CreateLink(ctx, l))
	}

	out, err := srv.handleGraphTraverse(ctx, graphTraverseInput{
		SeedIDs: []string{ids[0]},
		MaxHops: 2,
	})
	require.NoError(t, err)
	assert.Len(t, out.Blocks, 2)
}

func TestServer_SessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()

	started, err := srv.handleSessionStart(ctx, sessionStartInput{ScopeID: "scope-1"})
	require.NoError(t, err)
	assert.Equal(t, "new", started.Status)

	updated, err := srv.handleSessionUpdate(ctx, sessionUpdateInput{
		SessionID:      started.SessionID,
		Focus:          []string{"pricing"},
		Summary:        "compared pricing models",
		ActiveEntities: map[string]string{"that one": "block-1"},
		Topic:          "pricing direction",
		StepInput:      "compare models",
		StepOutput:     "usage based looks right",
	})
	require.NoError(t, err)
	assert.Equal(t, "active", updated.Status)
	assert.Equal(t, 1, updated.TurnCount)
	require.NotEmpty(t, updated.ActiveReasoningChainID)

	got, err := srv.handleSessionGet(ctx, sessionGetInput{SessionID: started.SessionID})
	require.NoError(t, err)
	assert.Equal(t, []string{"pricing"}, got.CurrentFocus)

	closed, err := srv.handleSessionUpdate(ctx, sessionUpdateInput{
		SessionID: started.SessionID,
		Summary:   "wrapping up",
		Close:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "closed", closed.Status)

	_, err = srv.handleSessionUpdate(ctx, sessionUpdateInput{SessionID: started.SessionID})
	assert.ErrorIs(t, err, schema.ErrSessionClosed)
}

func TestServer_ChainFork(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()

	started, err := srv.handleSessionStart(ctx, sessionStartInput{ScopeID: "scope-1"})
	require.NoError(t, err)

	var updated sessionView
	for i := 0; i < 3; i++ {
		updated, err = srv.handleSessionUpdate(ctx, sessionUpdateInput{
			SessionID:  started.SessionID,
			Topic:      "pricing direction",
			StepInput:  "weigh pricing option",
			StepOutput: "partial conclusion",
		})
		require.NoError(t, err)
	}

	forked, err := srv.handleChainFork(ctx, chainForkInput{
		ChainID:   updated.ActiveReasoningChainID,
		SessionID: started.SessionID,
		Topic:     "flat pricing variant",
		AtStep:    3,
	})
	require.NoError(t, err)
	assert.Equal(t, updated.ActiveReasoningChainID, forked.ForkFromChainID)
	assert.Equal(t, 3, forked.ForkFromStep)

	_, err = srv.handleChainFork(ctx, chainForkInput{
		ChainID:   updated.ActiveReasoningChainID,
		SessionID: started.SessionID,
		AtStep:    9,
	})
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
}
