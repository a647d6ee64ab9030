// Package extraction defines the external model collaborators of the
// memory graph: the extraction model that proposes candidate blocks from
// raw text, and the judge that classifies near-neighbors as duplicate,
// contradictory, or independent.
//
// Everything a collaborator returns is untrusted input; the ingestion
// pipeline validates candidates against the schema before any write.
package extraction

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/ideagraph/internal/schema"
)

// ErrExtractionFailed wraps terminal extraction errors after retries are
// exhausted. The pipeline treats it as "skip this turn", never as fatal.
var ErrExtractionFailed = errors.New("extraction failed")

// ExtractRequest carries one turn's raw text into the extraction model.
type ExtractRequest struct {
	// ScopeID identifies the idea graph the text belongs to.
	ScopeID string

	// Text is the raw conversational or document text to extract from.
	Text string

	// Source is the provenance attached to every candidate that survives
	// validation.
	Source schema.SourceRef
}

// Extractor produces zero or more candidate blocks from raw text.
//
// Implementations may block on network for LLM latency; they must honor
// ctx cancellation. This is the only suspension point in the ingestion
// path.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) ([]schema.Candidate, error)
}

// Unconfigured is the Extractor used when no model credentials are set.
// Every call fails with ErrExtractionFailed, which the pipeline reports
// as a skipped turn rather than an error.
type Unconfigured struct{}

// Extract always fails: there is no model to call.
func (Unconfigured) Extract(context.Context, ExtractRequest) ([]schema.Candidate, error) {
	return nil, fmt.Errorf("no extraction model configured: %w", ErrExtractionFailed)
}

// Verdict classifies a candidate against its stored near-neighbors.
type Verdict string

const (
	// VerdictDuplicate: the candidate restates an existing block; fold it
	// into corroboration instead of inserting.
	VerdictDuplicate Verdict = "duplicate"

	// VerdictContradicts: the candidate asserts a claim incompatible with
	// an existing block; both become contested.
	VerdictContradicts Verdict = "contradicts"

	// VerdictIndependent: the candidate stands on its own.
	VerdictIndependent Verdict = "independent"
)

// Judgment is the judge's classification of a candidate, naming which
// stored block it duplicates or contradicts when applicable.
type Judgment struct {
	Verdict Verdict `json:"verdict"`

	// BlockID is the existing block the verdict is relative to. Empty for
	// VerdictIndependent.
	BlockID string `json:"block_id,omitempty"`
}

// Judge classifies a candidate against nearby existing blocks. It may be
// backed by the same model as the Extractor; the pipeline only persists
// its answer and never adjudicates content itself.
type Judge interface {
	Classify(ctx context.Context, candidate schema.Candidate, neighbors []*schema.Block) (Judgment, error)
}
