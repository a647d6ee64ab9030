// Package schema defines the canonical data model for the memory graph:
// blocks, links, session state, and reasoning chains, together with the
// closed type/dimension vocabularies and the pure functions (keyword
// normalization, token estimation, similarity) shared by ingestion and
// retrieval.
package schema

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors for memory graph operations.
var (
	// ErrSchemaViolation indicates a candidate or block failed vocabulary
	// or field validation. Always surfaced to the caller, never dropped.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrDanglingLink indicates a link referenced a block id that does not
	// exist in the same store. The whole write is rejected.
	ErrDanglingLink = errors.New("dangling link reference")

	// ErrNotFound indicates the requested block, session, or chain does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrSessionClosed indicates a turn arrived for a session that has
	// already transitioned to closed.
	ErrSessionClosed = errors.New("session closed")

	// ErrChainConcluded indicates an append was attempted on a reasoning
	// chain that is no longer active.
	ErrChainConcluded = errors.New("reasoning chain not active")
)

// BlockType classifies what kind of knowledge a block carries.
type BlockType string

const (
	TypeKnowledge   BlockType = "knowledge"
	TypeBelief      BlockType = "belief"
	TypeDecision    BlockType = "decision"
	TypeQuestion    BlockType = "question"
	TypeRequirement BlockType = "requirement"
	TypeAction      BlockType = "action"
	TypeEvaluation  BlockType = "evaluation"
)

// blockTypes is the closed vocabulary. The taxonomy is deliberately fixed;
// free-form tags live in Block.Keywords only.
var blockTypes = map[BlockType]bool{
	TypeKnowledge: true, TypeBelief: true, TypeDecision: true,
	TypeQuestion: true, TypeRequirement: true, TypeAction: true,
	TypeEvaluation: true,
}

// Valid reports whether t is in the canonical type vocabulary.
func (t BlockType) Valid() bool { return blockTypes[t] }

// Dimension classifies which aspect of an idea a block speaks to.
type Dimension string

const (
	DimProblem      Dimension = "problem"
	DimCustomer     Dimension = "customer"
	DimSolution     Dimension = "solution"
	DimMarket       Dimension = "market"
	DimExecution    Dimension = "execution"
	DimDistribution Dimension = "distribution"
)

var dimensions = map[Dimension]bool{
	DimProblem: true, DimCustomer: true, DimSolution: true,
	DimMarket: true, DimExecution: true, DimDistribution: true,
}

// Valid reports whether d is in the canonical dimension vocabulary.
func (d Dimension) Valid() bool { return dimensions[d] }

// BlockStatus is the lifecycle state of a block. Blocks are never deleted;
// status flips are the only form of retirement.
type BlockStatus string

const (
	StatusActive     BlockStatus = "active"
	StatusContested  BlockStatus = "contested"
	StatusSuperseded BlockStatus = "superseded"
	StatusArchived   BlockStatus = "archived"
)

var blockStatuses = map[BlockStatus]bool{
	StatusActive: true, StatusContested: true,
	StatusSuperseded: true, StatusArchived: true,
}

// Valid reports whether s is a known block status.
func (s BlockStatus) Valid() bool { return blockStatuses[s] }

// LinkType is the relationship a link asserts between two blocks.
type LinkType string

const (
	LinkSupports    LinkType = "supports"
	LinkContradicts LinkType = "contradicts"
	LinkDependsOn   LinkType = "depends_on"
	LinkSupersedes  LinkType = "supersedes"
	LinkEvidenceFor LinkType = "evidence_for"
	LinkElaborates  LinkType = "elaborates"
	LinkReferences  LinkType = "references"
)

var linkTypes = map[LinkType]bool{
	LinkSupports: true, LinkContradicts: true, LinkDependsOn: true,
	LinkSupersedes: true, LinkEvidenceFor: true, LinkElaborates: true,
	LinkReferences: true,
}

// Valid reports whether lt is a known link type.
func (lt LinkType) Valid() bool { return linkTypes[lt] }

// AllLinkTypes returns every known link type.
func AllLinkTypes() []LinkType {
	return []LinkType{
		LinkSupports, LinkContradicts, LinkDependsOn, LinkSupersedes,
		LinkEvidenceFor, LinkElaborates, LinkReferences,
	}
}

// SourceRef is a provenance pointer. Refs are append-only: folding a
// duplicate candidate into an existing block appends a ref, nothing is
// ever removed.
type SourceRef struct {
	// SourceKind names the origin (e.g. "conversation", "document", "agent").
	SourceKind string `json:"source_kind"`

	// SourceID identifies the origin record within its kind.
	SourceID string `json:"source_id"`

	// ObservedAt is when this source was attached.
	ObservedAt time.Time `json:"observed_at"`
}

// AnchorType identifies how a code reference anchors into a file.
type AnchorType string

const (
	AnchorFunction AnchorType = "function"
	AnchorTypeDecl AnchorType = "type"
	AnchorSection  AnchorType = "section"
)

// CodeAnchor is a semantic anchor into a source file. Anchors are
// identifier-based rather than line-based because line numbers are
// invalidated by unrelated edits.
type CodeAnchor struct {
	Type        AnchorType `json:"type"`
	Identifier  string     `json:"identifier"`
	ContentHash string     `json:"content_hash,omitempty"`
}

// CodeReference optionally ties a block to a location in a codebase.
// The engine only stores and returns it; synchronization (git hooks, CI)
// happens outside.
type CodeReference struct {
	FilePath     string     `json:"file_path"`
	Anchor       CodeAnchor `json:"anchor"`
	LastVerified time.Time  `json:"last_verified,omitempty"`
}

// Block is an atomic knowledge unit stored in the graph.
//
// Content, PrimaryType, and PrimaryDimension are immutable after insert.
// Correction is modeled as supersession: a new block plus a `supersedes`
// link, with the old block's status flipped to superseded. Status,
// Confidence, CorroborationCount, and SourceRefs are the only mutable
// fields.
type Block struct {
	// ID is the unique block identifier (UUID). Stable and immutable.
	ID string `json:"id"`

	// ScopeID identifies the idea/project graph this block belongs to.
	// Every operation takes the scope explicitly; there is no ambient
	// global graph.
	ScopeID string `json:"scope_id"`

	// PrimaryType is the block's canonical type classification.
	PrimaryType BlockType `json:"primary_type"`

	// PrimaryDimension is the block's canonical dimension classification.
	PrimaryDimension Dimension `json:"primary_dimension"`

	// Content is the atomic, self-contained statement this block carries.
	Content string `json:"content"`

	// Keywords is the normalized term set derived from Content at insert.
	// Immutable unless the block is superseded (the successor derives its
	// own set).
	Keywords []string `json:"keywords"`

	// TokenCount is the estimated LLM token cost of Content, computed at
	// insert and used for atomic budget accounting during retrieval.
	TokenCount int `json:"token_count"`

	// Confidence is a score from 0.0 to 1.0 indicating reliability.
	Confidence float64 `json:"confidence"`

	// Status is the lifecycle state (active, contested, superseded, archived).
	Status BlockStatus `json:"status"`

	// CorroborationCount is the number of independent sources agreeing
	// with this block. Duplicates fold into this counter instead of
	// inserting new rows.
	CorroborationCount int `json:"corroboration_count"`

	// SourceRefs are append-only provenance pointers.
	SourceRefs []SourceRef `json:"source_refs,omitempty"`

	// CodeReference optionally anchors this block to source code.
	CodeReference *CodeReference `json:"code_reference,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Link is a directed, typed edge between two existing blocks. Links never
// own their endpoints; cycles are representable because endpoints are ids,
// not references.
type Link struct {
	// ID is the unique link identifier (UUID).
	ID string `json:"id"`

	SourceBlockID string   `json:"source_block_id"`
	TargetBlockID string   `json:"target_block_id"`
	LinkType      LinkType `json:"link_type"`

	// Confidence is how strongly the relationship is asserted (0.0-1.0).
	Confidence float64 `json:"confidence"`

	// Reason is free-text justification recorded by the creator.
	Reason string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SessionStatus is the lifecycle state of a conversational session.
type SessionStatus string

const (
	SessionNew    SessionStatus = "new"
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// SessionState is the small structured record that replaces raw chat
// history: current focus, last-turn summary, open questions, and the
// referent map used to resolve expressions like "that one".
type SessionState struct {
	SessionID string        `json:"session_id"`
	ScopeID   string        `json:"scope_id"`
	Status    SessionStatus `json:"status"`

	// CurrentFocus is the ordered list of topics under discussion, most
	// recent first.
	CurrentFocus []string `json:"current_focus,omitempty"`

	// LastInteractionSummary is a one-or-two sentence summary of the most
	// recent turn.
	LastInteractionSummary string `json:"last_interaction_summary,omitempty"`

	// PendingQuestions are open questions carried across turns.
	PendingQuestions []string `json:"pending_questions,omitempty"`

	// ActiveEntities maps referring expressions to block ids, refreshed
	// from the blocks surfaced by the last retrieval.
	ActiveEntities map[string]string `json:"active_entities,omitempty"`

	// ActiveReasoningChainID is the chain currently being appended to,
	// if any.
	ActiveReasoningChainID string `json:"active_reasoning_chain_id,omitempty"`

	// TurnCount is the number of turns recorded on this session.
	TurnCount int `json:"turn_count"`

	CreatedAt     time.Time `json:"created_at"`
	LastTurnAt    time.Time `json:"last_turn_at"`
	ClosedAt      time.Time `json:"closed_at,omitzero"`
}

// ChainStatus is the lifecycle state of a reasoning chain.
type ChainStatus string

const (
	ChainActive    ChainStatus = "active"
	ChainConcluded ChainStatus = "concluded"
	ChainAbandoned ChainStatus = "abandoned"
)

var chainStatuses = map[ChainStatus]bool{
	ChainActive: true, ChainConcluded: true, ChainAbandoned: true,
}

// Valid reports whether s is a known chain status.
func (s ChainStatus) Valid() bool { return chainStatuses[s] }

// ChainStep is one turn's contribution to a reasoning chain.
type ChainStep struct {
	// Turn is the session turn number this step was recorded on.
	Turn int `json:"turn"`

	InputSummary  string `json:"input_summary"`
	OutputSummary string `json:"output_summary"`

	// ReferencedBlockIDs are the blocks this step reasoned over.
	ReferencedBlockIDs []string `json:"referenced_block_ids,omitempty"`
}

// ReasoningChain is an ordered sequence of deliberation steps on one
// topic. Chains are owned by the session that created them but are
// independently addressable so later sessions can cite concluded chains
// as evidence.
//
// Forking copies nothing: a child chain records ForkFromChainID and
// ForkFromStep and shares steps up to that point through the parent.
type ReasoningChain struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	ScopeID   string      `json:"scope_id"`
	Topic     string      `json:"topic"`
	Status    ChainStatus `json:"status"`

	Steps []ChainStep `json:"steps,omitempty"`

	// RelatedBlockIDs accumulates every block referenced by any step.
	RelatedBlockIDs []string `json:"related_block_ids,omitempty"`

	// ConclusionBlockID is set when the chain concludes into a stored
	// decision/evaluation block.
	ConclusionBlockID string `json:"conclusion_block_id,omitempty"`

	// ForkFromChainID / ForkFromStep record fork lineage. Zero values
	// mean the chain is a root.
	ForkFromChainID string `json:"fork_from_chain_id,omitempty"`
	ForkFromStep    int    `json:"fork_from_step,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBlock builds a block from validated candidate fields, deriving
// keywords and token count from content.
func NewBlock(scopeID string, typ BlockType, dim Dimension, content string, confidence float64) (*Block, error) {
	if scopeID == "" {
		return nil, fmt.Errorf("%w: scope id cannot be empty", ErrSchemaViolation)
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown block type %q", ErrSchemaViolation, typ)
	}
	if !dim.Valid() {
		return nil, fmt.Errorf("%w: unknown dimension %q", ErrSchemaViolation, dim)
	}
	if content == "" {
		return nil, fmt.Errorf("%w: content cannot be empty", ErrSchemaViolation)
	}
	if confidence < 0.0 || confidence > 1.0 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", ErrSchemaViolation, confidence)
	}

	now := time.Now().UTC()
	return &Block{
		ID:                 uuid.New().String(),
		ScopeID:            scopeID,
		PrimaryType:        typ,
		PrimaryDimension:   dim,
		Content:            content,
		Keywords:           NormalizeKeywords(content),
		TokenCount:         EstimateTokens(content),
		Confidence:         confidence,
		Status:             StatusActive,
		CorroborationCount: 1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// NewLink builds a link between two block ids. Referential integrity is
// enforced by the store at write time, not here.
func NewLink(sourceID, targetID string, lt LinkType, confidence float64, reason string) (*Link, error) {
	if sourceID == "" || targetID == "" {
		return nil, fmt.Errorf("%w: link endpoints cannot be empty", ErrSchemaViolation)
	}
	if sourceID == targetID {
		return nil, fmt.Errorf("%w: link cannot be self-referential", ErrSchemaViolation)
	}
	if !lt.Valid() {
		return nil, fmt.Errorf("%w: unknown link type %q", ErrSchemaViolation, lt)
	}
	if confidence < 0.0 || confidence > 1.0 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", ErrSchemaViolation, confidence)
	}

	return &Link{
		ID:            uuid.New().String(),
		SourceBlockID: sourceID,
		TargetBlockID: targetID,
		LinkType:      lt,
		Confidence:    confidence,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// NewSessionState creates the initial state for a session.
func NewSessionState(scopeID string) *SessionState {
	now := time.Now().UTC()
	return &SessionState{
		SessionID:      uuid.New().String(),
		ScopeID:        scopeID,
		Status:         SessionNew,
		ActiveEntities: make(map[string]string),
		CreatedAt:      now,
		LastTurnAt:     now,
	}
}

// NewReasoningChain creates an active chain for a session topic.
func NewReasoningChain(sessionID, scopeID, topic string) *ReasoningChain {
	now := time.Now().UTC()
	return &ReasoningChain{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ScopeID:   scopeID,
		Topic:     topic,
		Status:    ChainActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
