package schema

import "fmt"

// SuggestedLink is a link proposal attached to an extraction candidate.
// Target may name another candidate (by ordinal) or an existing block id;
// resolution happens in the ingestion pipeline.
type SuggestedLink struct {
	// TargetBlockID is an existing block id, when the extractor referenced
	// stored knowledge.
	TargetBlockID string `json:"target_block_id,omitempty"`

	// TargetCandidate is the zero-based index of another candidate in the
	// same extraction batch.
	TargetCandidate int `json:"target_candidate,omitempty"`

	LinkType   LinkType `json:"link_type"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason,omitempty"`
}

// Candidate is one knowledge unit proposed by the extraction model.
// Everything an extractor returns is untrusted until Validate passes.
type Candidate struct {
	Type       BlockType       `json:"type"`
	Dimension  Dimension       `json:"dimension"`
	Content    string          `json:"content"`
	Confidence float64         `json:"confidence"`
	Suggested  []SuggestedLink `json:"suggested_links,omitempty"`
}

// Validate checks the candidate against the closed vocabularies and field
// constraints. Returns an error wrapping ErrSchemaViolation on failure.
func (c *Candidate) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown block type %q", ErrSchemaViolation, c.Type)
	}
	if !c.Dimension.Valid() {
		return fmt.Errorf("%w: unknown dimension %q", ErrSchemaViolation, c.Dimension)
	}
	if c.Content == "" {
		return fmt.Errorf("%w: content cannot be empty", ErrSchemaViolation)
	}
	if c.Confidence < 0.0 || c.Confidence > 1.0 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrSchemaViolation, c.Confidence)
	}
	for i, sl := range c.Suggested {
		if !sl.LinkType.Valid() {
			return fmt.Errorf("%w: suggested link %d has unknown type %q", ErrSchemaViolation, i, sl.LinkType)
		}
		if sl.Confidence < 0.0 || sl.Confidence > 1.0 {
			return fmt.Errorf("%w: suggested link %d confidence %v outside [0,1]", ErrSchemaViolation, i, sl.Confidence)
		}
	}
	return nil
}

// Validate checks a block's invariants. Used by the store before insert.
func (b *Block) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("%w: block id cannot be empty", ErrSchemaViolation)
	}
	if b.ScopeID == "" {
		return fmt.Errorf("%w: scope id cannot be empty", ErrSchemaViolation)
	}
	if !b.PrimaryType.Valid() {
		return fmt.Errorf("%w: unknown block type %q", ErrSchemaViolation, b.PrimaryType)
	}
	if !b.PrimaryDimension.Valid() {
		return fmt.Errorf("%w: unknown dimension %q", ErrSchemaViolation, b.PrimaryDimension)
	}
	if b.Content == "" {
		return fmt.Errorf("%w: content cannot be empty", ErrSchemaViolation)
	}
	if !b.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrSchemaViolation, b.Status)
	}
	if b.Confidence < 0.0 || b.Confidence > 1.0 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrSchemaViolation, b.Confidence)
	}
	if b.CorroborationCount < 1 {
		return fmt.Errorf("%w: corroboration count must be >= 1", ErrSchemaViolation)
	}
	return nil
}

// Validate checks a link's field invariants (not referential integrity,
// which only the store can enforce).
func (l *Link) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("%w: link id cannot be empty", ErrSchemaViolation)
	}
	if l.SourceBlockID == "" || l.TargetBlockID == "" {
		return fmt.Errorf("%w: link endpoints cannot be empty", ErrSchemaViolation)
	}
	if l.SourceBlockID == l.TargetBlockID {
		return fmt.Errorf("%w: link cannot be self-referential", ErrSchemaViolation)
	}
	if !l.LinkType.Valid() {
		return fmt.Errorf("%w: unknown link type %q", ErrSchemaViolation, l.LinkType)
	}
	if l.Confidence < 0.0 || l.Confidence > 1.0 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrSchemaViolation, l.Confidence)
	}
	return nil
}
