package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ideagraph/internal/schema"
)

func startChain(t *testing.T, m *Manager, scope, topic string) (*schema.SessionState, *schema.ReasoningChain) {
	t.Helper()
	ctx := context.Background()

	st, err := m.StartSession(ctx, scope)
	require.NoError(t, err)
	chain, err := m.StartChain(ctx, st.SessionID, topic)
	require.NoError(t, err)
	return st, chain
}

func step(turn int, summary string, refs ...string) schema.ChainStep {
	return schema.ChainStep{
		Turn:               turn,
		InputSummary:       summary,
		OutputSummary:      summary + " outcome",
		ReferencedBlockIDs: refs,
	}
}

func TestManager_StartChain(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	st, chain := startChain(t, m, "scope-1", "pricing direction")

	assert.Equal(t, schema.ChainActive, chain.Status)
	assert.Equal(t, "pricing direction", chain.Topic)
	assert.Equal(t, st.SessionID, chain.SessionID)

	got, err := m.GetSession(context.Background(), st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, chain.ID, got.ActiveReasoningChainID)
}

func TestManager_StartChainRequiresTopic(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	st, err := m.StartSession(ctx, "scope-1")
	require.NoError(t, err)

	_, err = m.StartChain(ctx, st.SessionID, "")
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
}

func TestManager_StartChainClosedSession(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	st, err := m.StartSession(ctx, "scope-1")
	require.NoError(t, err)
	_, err = m.CloseSession(ctx, st.SessionID)
	require.NoError(t, err)

	_, err = m.StartChain(ctx, st.SessionID, "pricing")
	assert.ErrorIs(t, err, schema.ErrSessionClosed)
}

func TestManager_AppendStep(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	_, chain := startChain(t, m, "scope-1", "pricing direction")
	ctx := context.Background()

	updated, err := m.AppendStep(ctx, chain.ID, step(1, "compare models", "block-a", "block-b"))
	require.NoError(t, err)
	updated, err = m.AppendStep(ctx, updated.ID, step(2, "check willingness to pay", "block-b", "block-c"))
	require.NoError(t, err)

	assert.Len(t, updated.Steps, 2)
	assert.Equal(t, []string{"block-a", "block-b", "block-c"}, updated.RelatedBlockIDs)
}

func TestManager_AppendStepConcludedChain(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	_, chain := startChain(t, m, "scope-1", "pricing direction")
	ctx := context.Background()

	_, err := m.AbandonChain(ctx, chain.ID)
	require.NoError(t, err)

	_, err = m.AppendStep(ctx, chain.ID, step(2, "late thought"))
	assert.ErrorIs(t, err, schema.ErrChainConcluded)
}

func TestManager_ConcludeChain(t *testing.T) {
	m, store := newTestManager(t, Config{})
	_, chain := startChain(t, m, "scope-1", "pricing direction")
	ctx := context.Background()

	decision, err := schema.NewBlock("scope-1", schema.TypeDecision, schema.DimMarket,
		"usage based pricing with a free tier", 0.85)
	require.NoError(t, err)
	require.NoError(t, store.InsertBlock(ctx, decision))

	concluded, err := m.ConcludeChain(ctx, chain.ID, decision.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChainConcluded, concluded.Status)
	assert.Equal(t, decision.ID, concluded.ConclusionBlockID)

	// Concluding twice fails.
	_, err = m.ConcludeChain(ctx, chain.ID, decision.ID)
	assert.ErrorIs(t, err, schema.ErrChainConcluded)
}

func TestManager_ConcludeChainMissingBlock(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	_, chain := startChain(t, m, "scope-1", "pricing direction")

	_, err := m.ConcludeChain(context.Background(), chain.ID, "no-such-block")
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestManager_ForkChain(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	st, parent := startChain(t, m, "scope-1", "pricing direction")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := m.AppendStep(ctx, parent.ID, step(i, "step"))
		require.NoError(t, err)
	}

	child, err := m.ForkChain(ctx, parent.ID, st.SessionID, "flat pricing variant", 3)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ForkFromChainID)
	assert.Equal(t, 3, child.ForkFromStep)
	assert.Empty(t, child.Steps)

	_, err = m.AppendStep(ctx, child.ID, step(4, "explore flat pricing"))
	require.NoError(t, err)

	// The fork shares the parent's first two steps and diverges at the
	// third.
	history, err := m.History(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 1, history[0].Turn)
	assert.Equal(t, 2, history[1].Turn)
	assert.Equal(t, "explore flat pricing", history[2].InputSummary)

	// The parent is untouched.
	gotParent, err := m.store.GetChain(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChainActive, gotParent.Status)
	assert.Len(t, gotParent.Steps, 3)

	// The session now points at the fork.
	gotSession, err := m.GetSession(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, child.ID, gotSession.ActiveReasoningChainID)
}

func TestManager_ForkChainStepOutOfRange(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	st, parent := startChain(t, m, "scope-1", "pricing direction")
	ctx := context.Background()

	_, err := m.AppendStep(ctx, parent.ID, step(1, "only step"))
	require.NoError(t, err)

	_, err = m.ForkChain(ctx, parent.ID, st.SessionID, "", 0)
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
	_, err = m.ForkChain(ctx, parent.ID, st.SessionID, "", 2)
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
}

func TestManager_ForkChainInheritsTopic(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	st, parent := startChain(t, m, "scope-1", "pricing direction")
	ctx := context.Background()

	_, err := m.AppendStep(ctx, parent.ID, step(1, "step"))
	require.NoError(t, err)

	child, err := m.ForkChain(ctx, parent.ID, st.SessionID, "", 1)
	require.NoError(t, err)
	assert.Equal(t, "pricing direction", child.Topic)
}

func TestManager_HistoryRootChain(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	_, chain := startChain(t, m, "scope-1", "pricing direction")
	ctx := context.Background()

	_, err := m.AppendStep(ctx, chain.ID, step(1, "first"))
	require.NoError(t, err)
	_, err = m.AppendStep(ctx, chain.ID, step(2, "second"))
	require.NoError(t, err)

	history, err := m.History(ctx, chain.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].InputSummary)
}

func TestManager_HistoryNestedForks(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	st, root := startChain(t, m, "scope-1", "pricing direction")
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := m.AppendStep(ctx, root.ID, step(i, "root step"))
		require.NoError(t, err)
	}

	mid, err := m.ForkChain(ctx, root.ID, st.SessionID, "variant a", 2)
	require.NoError(t, err)
	_, err = m.AppendStep(ctx, mid.ID, step(2, "mid step"))
	require.NoError(t, err)

	leaf, err := m.ForkChain(ctx, mid.ID, st.SessionID, "variant b", 1)
	require.NoError(t, err)
	_, err = m.AppendStep(ctx, leaf.ID, step(1, "leaf step"))
	require.NoError(t, err)

	// leaf forked at mid's step 1, so it shares nothing from mid itself,
	// only mid's inherited prefix: root step 1.
	history, err := m.History(ctx, leaf.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "root step", history[0].InputSummary)
	assert.Equal(t, "leaf step", history[1].InputSummary)
}

func TestManager_TouchStartsChainForFirstStep(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	st, err := m.StartSession(ctx, "scope-1")
	require.NoError(t, err)

	updated, err := m.Touch(ctx, st.SessionID, TurnUpdate{
		Topic: "pricing direction",
		Step:  stepPtr(step(1, "compare models")),
	})
	require.NoError(t, err)
	require.NotEmpty(t, updated.ActiveReasoningChainID)

	chain, err := m.store.GetChain(ctx, updated.ActiveReasoningChainID)
	require.NoError(t, err)
	assert.Equal(t, "pricing direction", chain.Topic)
	assert.Len(t, chain.Steps, 1)
}

func TestManager_TouchAppendsOnTopicMatch(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	st, err := m.StartSession(ctx, "scope-1")
	require.NoError(t, err)

	_, err = m.Touch(ctx, st.SessionID, TurnUpdate{
		Topic: "pricing direction",
		Step:  stepPtr(step(1, "compare models")),
	})
	require.NoError(t, err)

	updated, err := m.Touch(ctx, st.SessionID, TurnUpdate{
		Topic: "pricing tiers",
		Step:  stepPtr(step(2, "sketch tiers")),
	})
	require.NoError(t, err)

	chain, err := m.store.GetChain(ctx, updated.ActiveReasoningChainID)
	require.NoError(t, err)
	assert.Len(t, chain.Steps, 2)
}

func TestManager_TouchTopicShiftStartsNewChain(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	st, err := m.StartSession(ctx, "scope-1")
	require.NoError(t, err)

	first, err := m.Touch(ctx, st.SessionID, TurnUpdate{
		Topic: "pricing direction",
		Step:  stepPtr(step(1, "compare models")),
	})
	require.NoError(t, err)
	firstChainID := first.ActiveReasoningChainID

	second, err := m.Touch(ctx, st.SessionID, TurnUpdate{
		Topic: "onboarding friction",
		Step:  stepPtr(step(2, "walk the signup flow")),
	})
	require.NoError(t, err)

	assert.NotEqual(t, firstChainID, second.ActiveReasoningChainID)

	old, err := m.store.GetChain(ctx, firstChainID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChainConcluded, old.Status)

	current, err := m.store.GetChain(ctx, second.ActiveReasoningChainID)
	require.NoError(t, err)
	assert.Equal(t, "onboarding friction", current.Topic)
	assert.Len(t, current.Steps, 1)
}

func stepPtr(s schema.ChainStep) *schema.ChainStep { return &s }

func TestManager_ListChainsByScope(t *testing.T) {
	m, store := newTestManager(t, Config{})
	_, chain := startChain(t, m, "scope-1", "pricing direction")
	ctx := context.Background()

	_, err := m.AbandonChain(ctx, chain.ID)
	require.NoError(t, err)

	abandoned, err := store.ListChains(ctx, "scope-1", schema.ChainAbandoned)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, chain.ID, abandoned[0].ID)

	active, err := store.ListChains(ctx, "scope-1", schema.ChainActive)
	require.NoError(t, err)
	assert.Empty(t, active)
}
