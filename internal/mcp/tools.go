package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ideagraph/internal/graphstore"
	"github.com/fyrsmithlabs/ideagraph/internal/ingest"
	"github.com/fyrsmithlabs/ideagraph/internal/retrieval"
	"github.com/fyrsmithlabs/ideagraph/internal/schema"
	"github.com/fyrsmithlabs/ideagraph/internal/session"
)

// blockView is the wire shape of a block across all tool outputs.
type blockView struct {
	ID                 string  `json:"id"`
	ScopeID            string  `json:"scope_id"`
	Type               string  `json:"type"`
	Dimension          string  `json:"dimension"`
	Content            string  `json:"content"`
	Confidence         float64 `json:"confidence"`
	Status             string  `json:"status"`
	CorroborationCount int     `json:"corroboration_count"`
	TokenCount         int     `json:"token_count"`
	UpdatedAt          string  `json:"updated_at"`
}

func viewOf(b *schema.Block) blockView {
	return blockView{
		ID:                 b.ID,
		ScopeID:            b.ScopeID,
		Type:               string(b.PrimaryType),
		Dimension:          string(b.PrimaryDimension),
		Content:            b.Content,
		Confidence:         b.Confidence,
		Status:             string(b.Status),
		CorroborationCount: b.CorroborationCount,
		TokenCount:         b.TokenCount,
		UpdatedAt:          b.UpdatedAt.Format(time.RFC3339),
	}
}

func viewsOf(blocks []*schema.Block) []blockView {
	views := make([]blockView, len(blocks))
	for i, b := range blocks {
		views[i] = viewOf(b)
	}
	return views
}

type linkView struct {
	ID            string  `json:"id"`
	SourceBlockID string  `json:"source_block_id"`
	TargetBlockID string  `json:"target_block_id"`
	LinkType      string  `json:"link_type"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason,omitempty"`
}

func linkViewsOf(links []*schema.Link) []linkView {
	views := make([]linkView, len(links))
	for i, l := range links {
		views[i] = linkView{
			ID:            l.ID,
			SourceBlockID: l.SourceBlockID,
			TargetBlockID: l.TargetBlockID,
			LinkType:      string(l.LinkType),
			Confidence:    l.Confidence,
			Reason:        l.Reason,
		}
	}
	return views
}

type sessionView struct {
	SessionID              string            `json:"session_id"`
	ScopeID                string            `json:"scope_id"`
	Status                 string            `json:"status"`
	CurrentFocus           []string          `json:"current_focus,omitempty"`
	LastInteractionSummary string            `json:"last_interaction_summary,omitempty"`
	PendingQuestions       []string          `json:"pending_questions,omitempty"`
	ActiveEntities         map[string]string `json:"active_entities,omitempty"`
	ActiveReasoningChainID string            `json:"active_reasoning_chain_id,omitempty"`
	TurnCount              int               `json:"turn_count"`
}

func sessionViewOf(st *schema.SessionState) sessionView {
	return sessionView{
		SessionID:              st.SessionID,
		ScopeID:                st.ScopeID,
		Status:                 string(st.Status),
		CurrentFocus:           st.CurrentFocus,
		LastInteractionSummary: st.LastInteractionSummary,
		PendingQuestions:       st.PendingQuestions,
		ActiveEntities:         st.ActiveEntities,
		ActiveReasoningChainID: st.ActiveReasoningChainID,
		TurnCount:              st.TurnCount,
	}
}

// instrument wraps a tool handler with invocation metrics and logging.
func instrument[In, Out any](s *Server, name string, handler func(context.Context, In) (Out, error)) func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, Out, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		out, err := handler(ctx, args)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
		if err != nil {
			s.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
		}
		return nil, out, err
	}
}

type memoryIngestInput struct {
	ScopeID    string `json:"scope_id" jsonschema:"required,Idea or project scope that owns the extracted knowledge"`
	Text       string `json:"text" jsonschema:"required,Raw conversational or document text to extract knowledge units from"`
	SourceKind string `json:"source_kind,omitempty" jsonschema:"Where the text came from (conversation, document, agent)"`
	SourceID   string `json:"source_id,omitempty" jsonschema:"Identifier of the source, e.g. a session id or document id"`
}

type memoryIngestOutput struct {
	Inserted          []string `json:"inserted,omitempty" jsonschema:"Ids of newly created blocks"`
	Folded            []string `json:"folded,omitempty" jsonschema:"Ids of existing blocks that absorbed duplicate candidates"`
	Contested         []string `json:"contested,omitempty" jsonschema:"Ids of blocks marked contested by contradictions this turn"`
	Rejected          int      `json:"rejected" jsonschema:"Candidates dropped for schema violations"`
	LinksCreated      int      `json:"links_created" jsonschema:"Links created between blocks"`
	ExtractionSkipped bool     `json:"extraction_skipped" jsonschema:"True when extraction failed after retries and the turn was skipped"`
}

type contextRetrieveInput struct {
	ScopeID     string `json:"scope_id" jsonschema:"required,Scope to retrieve context from"`
	Query       string `json:"query" jsonschema:"required,The upcoming turn or question to assemble context for"`
	TokenBudget int    `json:"token_budget" jsonschema:"required,Hard ceiling on the token sum of returned blocks"`
	Intent      string `json:"intent,omitempty" jsonschema:"Override the heuristic intent classifier (question, continuation, reference, topic_explore)"`
}

type contextRetrieveOutput struct {
	Blocks     []blockView `json:"blocks" jsonschema:"Ranked blocks fitting the token budget"`
	TokensUsed int         `json:"tokens_used" jsonschema:"Token sum of the returned blocks"`
	Intent     string      `json:"intent" jsonschema:"Intent the query was routed with"`
	FellBack   bool        `json:"fell_back" jsonschema:"True when no keyword match was found and a dimension overview was returned"`
}

type blockGetInput struct {
	BlockID string `json:"block_id" jsonschema:"required,Block id to fetch"`
}

type blockGetOutput struct {
	Block blockView  `json:"block"`
	Links []linkView `json:"links,omitempty" jsonschema:"Links where this block is either endpoint"`
}

type graphTraverseInput struct {
	SeedIDs   []string `json:"seed_ids" jsonschema:"required,Block ids to walk outward from"`
	LinkTypes []string `json:"link_types,omitempty" jsonschema:"Link types to follow (default: all)"`
	Direction string   `json:"direction,omitempty" jsonschema:"out, in, or both (default both)"`
	MaxHops   int      `json:"max_hops,omitempty" jsonschema:"Hop limit, capped at 2"`
}

type graphTraverseOutput struct {
	Blocks []blockView `json:"blocks" jsonschema:"Blocks discovered beyond the seeds"`
}

type sessionStartInput struct {
	ScopeID string `json:"scope_id" jsonschema:"required,Scope the session works within"`
}

type sessionUpdateInput struct {
	SessionID        string            `json:"session_id" jsonschema:"required,Session to record the turn on"`
	Focus            []string          `json:"focus,omitempty" jsonschema:"Topics under discussion, most recent first"`
	Summary          string            `json:"summary,omitempty" jsonschema:"One or two sentence summary of the turn"`
	PendingQuestions []string          `json:"pending_questions,omitempty" jsonschema:"Open questions carried forward"`
	ActiveEntities   map[string]string `json:"active_entities,omitempty" jsonschema:"Referring expression to block id map, replaces the previous map"`
	Topic            string            `json:"topic,omitempty" jsonschema:"Deliberation topic for chain routing"`
	StepInput        string            `json:"step_input,omitempty" jsonschema:"Summary of this turn's input to the reasoning chain"`
	StepOutput       string            `json:"step_output,omitempty" jsonschema:"Summary of this turn's reasoning outcome"`
	StepBlockIDs     []string          `json:"step_block_ids,omitempty" jsonschema:"Blocks this turn's reasoning referenced"`
	Close            bool              `json:"close,omitempty" jsonschema:"Close the session after applying the update"`
}

type sessionGetInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Session id to fetch"`
}

type chainForkInput struct {
	ChainID   string `json:"chain_id" jsonschema:"required,Chain to fork"`
	SessionID string `json:"session_id" jsonschema:"required,Session the fork belongs to"`
	Topic     string `json:"topic,omitempty" jsonschema:"Topic of the fork (default: parent topic)"`
	AtStep    int    `json:"at_step" jsonschema:"required,Step at which the fork diverges; the fork shares earlier steps"`
}

type chainForkOutput struct {
	ChainID         string `json:"chain_id" jsonschema:"Id of the forked chain"`
	ForkFromChainID string `json:"fork_from_chain_id"`
	ForkFromStep    int    `json:"fork_from_step"`
	Topic           string `json:"topic"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_ingest",
		Description: "Extract structured knowledge units from raw text and merge them into the scope's memory graph, folding duplicates and flagging contradictions.",
	}, instrument(s, "memory_ingest", s.handleMemoryIngest))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "context_retrieve",
		Description: "Assemble a token-budgeted context package of relevant blocks for an upcoming turn. The budget is a hard ceiling; an empty result means nothing relevant is known.",
	}, instrument(s, "context_retrieve", s.handleContextRetrieve))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "block_get",
		Description: "Fetch a single block with all links touching it.",
	}, instrument(s, "block_get", s.handleBlockGet))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "graph_traverse",
		Description: "Walk the link graph outward from seed blocks, bounded to 2 hops.",
	}, instrument(s, "graph_traverse", s.handleGraphTraverse))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_start",
		Description: "Start a new conversational session in a scope.",
	}, instrument(s, "session_start", s.handleSessionStart))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_update",
		Description: "Record one turn on a session: focus, summary, referent map, and optionally a reasoning chain step. Set close to end the session.",
	}, instrument(s, "session_update", s.handleSessionUpdate))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_get",
		Description: "Fetch a session's continuity state: focus, pending questions, referents, and active reasoning chain.",
	}, instrument(s, "session_get", s.handleSessionGet))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "chain_fork",
		Description: "Fork a reasoning chain at a step to explore an alternative line without losing the original. The fork shares history up to the fork point; the parent is untouched.",
	}, instrument(s, "chain_fork", s.handleChainFork))
}

func (s *Server) handleMemoryIngest(ctx context.Context, args memoryIngestInput) (memoryIngestOutput, error) {
	res, err := s.pipeline.Ingest(ctx, ingest.Request{
		ScopeID: args.ScopeID,
		Text:    args.Text,
		Source: schema.SourceRef{
			SourceKind: args.SourceKind,
			SourceID:   args.SourceID,
		},
	})
	if err != nil {
		return memoryIngestOutput{}, err
	}
	return memoryIngestOutput{
		Inserted:          res.Inserted,
		Folded:            res.Folded,
		Contested:         res.Contested,
		Rejected:          res.Rejected,
		LinksCreated:      res.LinksCreated,
		ExtractionSkipped: res.ExtractionSkipped,
	}, nil
}

func (s *Server) handleContextRetrieve(ctx context.Context, args contextRetrieveInput) (contextRetrieveOutput, error) {
	res, err := s.engine.RetrieveContext(ctx, retrieval.Query{
		Text:        args.Query,
		ScopeID:     args.ScopeID,
		TokenBudget: args.TokenBudget,
		Intent:      retrieval.Intent(args.Intent),
	})
	if err != nil {
		return contextRetrieveOutput{}, err
	}
	return contextRetrieveOutput{
		Blocks:     viewsOf(res.Blocks),
		TokensUsed: res.TokensUsed,
		Intent:     string(res.Intent),
		FellBack:   res.FellBack,
	}, nil
}

func (s *Server) handleBlockGet(ctx context.Context, args blockGetInput) (blockGetOutput, error) {
	block, err := s.store.GetBlock(ctx, args.BlockID)
	if err != nil {
		return blockGetOutput{}, err
	}
	links, err := s.store.LinksFor(ctx, args.BlockID)
	if err != nil {
		return blockGetOutput{}, err
	}
	return blockGetOutput{Block: viewOf(block), Links: linkViewsOf(links)}, nil
}

func (s *Server) handleGraphTraverse(ctx context.Context, args graphTraverseInput) (graphTraverseOutput, error) {
	linkTypes := make([]schema.LinkType, 0, len(args.LinkTypes))
	for _, lt := range args.LinkTypes {
		linkTypes = append(linkTypes, schema.LinkType(lt))
	}
	if len(linkTypes) == 0 {
		linkTypes = schema.AllLinkTypes()
	}

	ids, err := s.store.Traverse(ctx, graphstore.TraverseRequest{
		SeedIDs:   args.SeedIDs,
		LinkTypes: linkTypes,
		Direction: graphstore.Direction(args.Direction),
		MaxHops:   args.MaxHops,
	})
	if err != nil {
		return graphTraverseOutput{}, err
	}

	blocks := make([]*schema.Block, 0, len(ids))
	for _, id := range ids {
		b, err := s.store.GetBlock(ctx, id)
		if err != nil {
			return graphTraverseOutput{}, err
		}
		blocks = append(blocks, b)
	}
	return graphTraverseOutput{Blocks: viewsOf(blocks)}, nil
}

func (s *Server) handleSessionStart(ctx context.Context, args sessionStartInput) (sessionView, error) {
	st, err := s.sessions.StartSession(ctx, args.ScopeID)
	if err != nil {
		return sessionView{}, err
	}
	return sessionViewOf(st), nil
}

func (s *Server) handleSessionUpdate(ctx context.Context, args sessionUpdateInput) (sessionView, error) {
	update := session.TurnUpdate{
		Focus:                  args.Focus,
		LastInteractionSummary: args.Summary,
		PendingQuestions:       args.PendingQuestions,
		ActiveEntities:         args.ActiveEntities,
		Topic:                  args.Topic,
	}
	if args.StepInput != "" || args.StepOutput != "" || len(args.StepBlockIDs) > 0 {
		update.Step = &schema.ChainStep{
			InputSummary:       args.StepInput,
			OutputSummary:      args.StepOutput,
			ReferencedBlockIDs: args.StepBlockIDs,
		}
	}

	st, err := s.sessions.Touch(ctx, args.SessionID, update)
	if err != nil {
		return sessionView{}, err
	}
	if args.Close {
		st, err = s.sessions.CloseSession(ctx, args.SessionID)
		if err != nil {
			return sessionView{}, err
		}
	}
	return sessionViewOf(st), nil
}

func (s *Server) handleSessionGet(ctx context.Context, args sessionGetInput) (sessionView, error) {
	st, err := s.sessions.GetSession(ctx, args.SessionID)
	if err != nil {
		return sessionView{}, err
	}
	return sessionViewOf(st), nil
}

func (s *Server) handleChainFork(ctx context.Context, args chainForkInput) (chainForkOutput, error) {
	chain, err := s.sessions.ForkChain(ctx, args.ChainID, args.SessionID, args.Topic, args.AtStep)
	if err != nil {
		return chainForkOutput{}, err
	}
	return chainForkOutput{
		ChainID:         chain.ID,
		ForkFromChainID: chain.ForkFromChainID,
		ForkFromStep:    chain.ForkFromStep,
		Topic:           chain.Topic,
	}, nil
}
