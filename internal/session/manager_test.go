package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ideagraph/internal/graphstore"
	"github.com/fyrsmithlabs/ideagraph/internal/schema"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *graphstore.Store) {
	t.Helper()

	store, err := graphstore.Open(filepath.Join(t.TempDir(), "graph.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m, err := NewManager(store, cfg, zap.NewNop())
	require.NoError(t, err)
	return m, store
}

func TestManager_StartSession(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	st, err := m.StartSession(context.Background(), "scope-1")
	require.NoError(t, err)

	assert.NotEmpty(t, st.SessionID)
	assert.Equal(t, "scope-1", st.ScopeID)
	assert.Equal(t, schema.SessionNew, st.Status)
	assert.Zero(t, st.TurnCount)

	got, err := m.GetSession(context.Background(), st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, st.SessionID, got.SessionID)
}

func TestManager_StartSessionRequiresScope(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	_, err := m.StartSession(context.Background(), "")
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
}

func TestManager_Touch(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	st, err := m.StartSession(ctx, "scope-1")
	require.NoError(t, err)

	updated, err := m.Touch(ctx, st.SessionID, TurnUpdate{
		Focus:                  []string{"pricing"},
		LastInteractionSummary: "compared seat and usage pricing",
		PendingQuestions:       []string{"what does the beta cohort pay today?"},
		ActiveEntities:         map[string]string{"that one": "block-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.SessionActive, updated.Status)
	assert.Equal(t, 1, updated.TurnCount)
	assert.Equal(t, []string{"pricing"}, updated.CurrentFocus)
	assert.Equal(t, "compared seat and usage pricing", updated.LastInteractionSummary)
	assert.Equal(t, "block-1", updated.ActiveEntities["that one"])
}

func TestManager_TouchReplacesReferents(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	st, err := m.StartSession(ctx, "scope-1")
	require.NoError(t, err)

	_, err = m.Touch(ctx, st.SessionID, TurnUpdate{
		ActiveEntities: map[string]string{"that one": "block-1", "the decision": "block-2"},
	})
	require.NoError(t, err)

	updated, err := m.Touch(ctx, st.SessionID, TurnUpdate{
		ActiveEntities: map[string]string{"that one": "block-3"},
	})
	require.NoError(t, err)

	assert.Equal(t, "block-3", updated.ActiveEntities["that one"])
	assert.NotContains(t, updated.ActiveEntities, "the decision")
}

func TestManager_TouchKeepsUntouchedFields(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	st, err := m.StartSession(ctx, "scope-1")
	require.NoError(t, err)

	_, err = m.Touch(ctx, st.SessionID, TurnUpdate{
		Focus:                  []string{"pricing"},
		LastInteractionSummary: "first turn",
	})
	require.NoError(t, err)

	updated, err := m.Touch(ctx, st.SessionID, TurnUpdate{})
	require.NoError(t, err)

	assert.Equal(t, 2, updated.TurnCount)
	assert.Equal(t, []string{"pricing"}, updated.CurrentFocus)
	assert.Equal(t, "first turn", updated.LastInteractionSummary)
}

func TestManager_CloseSession(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	st, err := m.StartSession(ctx, "scope-1")
	require.NoError(t, err)

	closed, err := m.CloseSession(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionClosed, closed.Status)
	assert.False(t, closed.ClosedAt.IsZero())

	// Idempotent.
	again, err := m.CloseSession(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionClosed, again.Status)

	_, err = m.Touch(ctx, st.SessionID, TurnUpdate{})
	assert.ErrorIs(t, err, schema.ErrSessionClosed)
}

func TestManager_IdleSessionExpiresLazily(t *testing.T) {
	m, _ := newTestManager(t, Config{IdleTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	st, err := m.StartSession(ctx, "scope-1")
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	got, err := m.GetSession(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionClosed, got.Status)

	_, err = m.Touch(ctx, st.SessionID, TurnUpdate{})
	assert.ErrorIs(t, err, schema.ErrSessionClosed)
}

func TestManager_ResolveEntity(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	st, err := m.StartSession(ctx, "scope-1")
	require.NoError(t, err)

	_, err = m.Touch(ctx, st.SessionID, TurnUpdate{
		ActiveEntities: map[string]string{"that one": "block-1"},
	})
	require.NoError(t, err)

	id, err := m.ResolveEntity(ctx, st.SessionID, "that one")
	require.NoError(t, err)
	assert.Equal(t, "block-1", id)

	_, err = m.ResolveEntity(ctx, st.SessionID, "the other one")
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestManager_GetSessionUnknown(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	_, err := m.GetSession(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestManager_ConcurrentTurnsSerialize(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	st, err := m.StartSession(ctx, "scope-1")
	require.NoError(t, err)

	const turns = 10
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Touch(ctx, st.SessionID, TurnUpdate{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := m.GetSession(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, turns, got.TurnCount)
}
