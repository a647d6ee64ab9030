package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ideagraph/internal/schema"
)

// StartChain opens a reasoning chain for a session topic and marks it as
// the session's active chain.
func (m *Manager) StartChain(ctx context.Context, sessionID, topic string) (*schema.ReasoningChain, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: chain topic cannot be empty", schema.ErrSchemaViolation)
	}

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st.Status == schema.SessionClosed {
		return nil, fmt.Errorf("session %s: %w", sessionID, schema.ErrSessionClosed)
	}

	chain, err := m.startChainLocked(ctx, st, topic)
	if err != nil {
		return nil, err
	}
	if err := m.store.PutSessionState(ctx, st); err != nil {
		return nil, fmt.Errorf("attaching chain to session: %w", err)
	}
	return chain, nil
}

// startChainLocked creates and persists a chain and points the session
// at it. Callers hold the session lock and persist the session state.
func (m *Manager) startChainLocked(ctx context.Context, st *schema.SessionState, topic string) (*schema.ReasoningChain, error) {
	chain := schema.NewReasoningChain(st.SessionID, st.ScopeID, topic)
	if err := m.store.PutChain(ctx, chain); err != nil {
		return nil, fmt.Errorf("starting chain: %w", err)
	}
	st.ActiveReasoningChainID = chain.ID

	m.logger.Info("reasoning chain started",
		zap.String("chain_id", chain.ID),
		zap.String("session_id", st.SessionID),
		zap.String("topic", topic))
	return chain, nil
}

// AppendStep records one deliberation step on an active chain. Appending
// to a concluded or abandoned chain fails with ErrChainConcluded.
func (m *Manager) AppendStep(ctx context.Context, chainID string, step schema.ChainStep) (*schema.ReasoningChain, error) {
	chain, err := m.store.GetChain(ctx, chainID)
	if err != nil {
		return nil, err
	}

	lock := m.sessionLock(chain.SessionID)
	lock.Lock()
	defer lock.Unlock()
	return m.appendStepLocked(ctx, chainID, step)
}

func (m *Manager) appendStepLocked(ctx context.Context, chainID string, step schema.ChainStep) (*schema.ReasoningChain, error) {
	// Re-read under the lock in case a concurrent append landed first.
	chain, err := m.store.GetChain(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if chain.Status != schema.ChainActive {
		return nil, fmt.Errorf("chain %s is %s: %w", chainID, chain.Status, schema.ErrChainConcluded)
	}

	chain.Steps = append(chain.Steps, step)
	chain.RelatedBlockIDs = mergeIDs(chain.RelatedBlockIDs, step.ReferencedBlockIDs)
	chain.UpdatedAt = time.Now().UTC()

	if err := m.store.PutChain(ctx, chain); err != nil {
		return nil, fmt.Errorf("appending step: %w", err)
	}
	return chain, nil
}

// ConcludeChain closes a chain with the block holding its outcome.
func (m *Manager) ConcludeChain(ctx context.Context, chainID, conclusionBlockID string) (*schema.ReasoningChain, error) {
	if conclusionBlockID != "" {
		if _, err := m.store.GetBlock(ctx, conclusionBlockID); err != nil {
			return nil, fmt.Errorf("conclusion block: %w", err)
		}
	}
	return m.finish(ctx, chainID, schema.ChainConcluded, conclusionBlockID)
}

// AbandonChain closes a chain without an outcome.
func (m *Manager) AbandonChain(ctx context.Context, chainID string) (*schema.ReasoningChain, error) {
	return m.finish(ctx, chainID, schema.ChainAbandoned, "")
}

func (m *Manager) finish(ctx context.Context, chainID string, status schema.ChainStatus, conclusionBlockID string) (*schema.ReasoningChain, error) {
	chain, err := m.store.GetChain(ctx, chainID)
	if err != nil {
		return nil, err
	}

	lock := m.sessionLock(chain.SessionID)
	lock.Lock()
	defer lock.Unlock()
	return m.finishLocked(ctx, chainID, status, conclusionBlockID)
}

func (m *Manager) finishLocked(ctx context.Context, chainID string, status schema.ChainStatus, conclusionBlockID string) (*schema.ReasoningChain, error) {
	chain, err := m.store.GetChain(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if chain.Status != schema.ChainActive {
		return nil, fmt.Errorf("chain %s is %s: %w", chainID, chain.Status, schema.ErrChainConcluded)
	}

	chain.Status = status
	chain.ConclusionBlockID = conclusionBlockID
	chain.UpdatedAt = time.Now().UTC()

	if err := m.store.PutChain(ctx, chain); err != nil {
		return nil, fmt.Errorf("finishing chain: %w", err)
	}

	m.logger.Info("reasoning chain finished",
		zap.String("chain_id", chain.ID),
		zap.String("status", string(status)))
	return chain, nil
}

// routeStepLocked places a turn's step on the right chain. The active
// chain keeps it while the topic still matches; a material topic shift
// concludes the active chain and opens a fresh one. Callers hold the
// session lock and persist the session state afterwards.
func (m *Manager) routeStepLocked(ctx context.Context, st *schema.SessionState, topic string, step schema.ChainStep) error {
	if step.Turn == 0 {
		step.Turn = st.TurnCount
	}
	if st.ActiveReasoningChainID == "" {
		if topic == "" {
			topic = step.InputSummary
		}
		if _, err := m.startChainLocked(ctx, st, topic); err != nil {
			return err
		}
		_, err := m.appendStepLocked(ctx, st.ActiveReasoningChainID, step)
		return err
	}

	chain, err := m.store.GetChain(ctx, st.ActiveReasoningChainID)
	if err != nil {
		return err
	}

	if chain.Status == schema.ChainActive && (topic == "" || topicsOverlap(chain.Topic, topic)) {
		_, err := m.appendStepLocked(ctx, chain.ID, step)
		return err
	}

	if chain.Status == schema.ChainActive {
		if _, err := m.finishLocked(ctx, chain.ID, schema.ChainConcluded, ""); err != nil {
			return err
		}
	}
	if _, err := m.startChainLocked(ctx, st, topic); err != nil {
		return err
	}
	_, err = m.appendStepLocked(ctx, st.ActiveReasoningChainID, step)
	return err
}

// topicsOverlap reports whether two topic strings share any content
// keyword.
func topicsOverlap(a, b string) bool {
	return schema.Jaccard(schema.NormalizeKeywords(a), schema.NormalizeKeywords(b)) > 0
}

// ForkChain branches a new chain off an existing one. atStep is where
// the child diverges: forking at step 3 shares the parent's steps 1 and
// 2. Nothing is copied: the child records its fork point and reads the
// shared prefix through History. The parent keeps its own status and
// steps untouched, so both lines of reasoning can proceed.
func (m *Manager) ForkChain(ctx context.Context, parentChainID, sessionID, topic string, atStep int) (*schema.ReasoningChain, error) {
	parent, err := m.store.GetChain(ctx, parentChainID)
	if err != nil {
		return nil, err
	}
	if atStep < 1 || atStep > len(parent.Steps) {
		return nil, fmt.Errorf("%w: fork step %d outside chain of %d steps",
			schema.ErrSchemaViolation, atStep, len(parent.Steps))
	}
	if topic == "" {
		topic = parent.Topic
	}

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st.Status == schema.SessionClosed {
		return nil, fmt.Errorf("session %s: %w", sessionID, schema.ErrSessionClosed)
	}

	child := schema.NewReasoningChain(sessionID, parent.ScopeID, topic)
	child.ForkFromChainID = parent.ID
	child.ForkFromStep = atStep

	if err := m.store.PutChain(ctx, child); err != nil {
		return nil, fmt.Errorf("forking chain: %w", err)
	}

	st.ActiveReasoningChainID = child.ID
	if err := m.store.PutSessionState(ctx, st); err != nil {
		return nil, fmt.Errorf("attaching fork to session: %w", err)
	}

	m.logger.Info("reasoning chain forked",
		zap.String("parent_chain_id", parent.ID),
		zap.String("chain_id", child.ID),
		zap.Int("at_step", atStep))
	return child, nil
}

// History materializes a chain's full step sequence, walking fork
// lineage so shared prefixes are read from ancestors rather than stored
// twice.
func (m *Manager) History(ctx context.Context, chainID string) ([]schema.ChainStep, error) {
	var prefixes [][]schema.ChainStep
	seen := map[string]bool{}

	id := chainID
	truncate := -1
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("chain %s: fork lineage contains a cycle", chainID)
		}
		seen[id] = true

		chain, err := m.store.GetChain(ctx, id)
		if err != nil {
			return nil, err
		}

		steps := chain.Steps
		if truncate >= 0 && truncate < len(steps) {
			steps = steps[:truncate]
		}
		prefixes = append(prefixes, steps)

		id = chain.ForkFromChainID
		// Forking at step N shares the parent's first N-1 steps.
		truncate = chain.ForkFromStep - 1
	}

	var out []schema.ChainStep
	for i := len(prefixes) - 1; i >= 0; i-- {
		out = append(out, prefixes[i]...)
	}
	return out, nil
}

// mergeIDs appends ids not already present, preserving order.
func mergeIDs(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range incoming {
		if !seen[id] {
			seen[id] = true
			existing = append(existing, id)
		}
	}
	return existing
}
