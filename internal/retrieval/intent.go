// Package retrieval assembles token-budgeted context from the memory
// graph: intent-routed seed search over the keyword index, bounded graph
// expansion, composite ranking, and greedy budget fill.
package retrieval

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/ideagraph/internal/schema"
)

// Intent routes a query to a retrieval strategy.
type Intent string

const (
	// IntentQuestion is a direct factual question.
	IntentQuestion Intent = "question"

	// IntentContinuation resumes an ongoing line of reasoning; expansion
	// goes one hop deeper to follow the chain's referenced blocks.
	IntentContinuation Intent = "continuation"

	// IntentReference points back at something already surfaced
	// ("that one", "the second option").
	IntentReference Intent = "reference"

	// IntentTopicExplore is an open-ended browse of an area.
	IntentTopicExplore Intent = "topic_explore"
)

// intentPattern pairs a compiled regex with the intent it signals.
type intentPattern struct {
	intent Intent
	regex  *regexp.Regexp
}

// IntentClassifier classifies queries with pattern matching. An LLM
// router can override the result by setting Query.Intent explicitly;
// these heuristics are the zero-latency default.
type IntentClassifier struct {
	patterns []intentPattern
}

// NewIntentClassifier compiles the default heuristic patterns.
// Order matters: reference and continuation cues outrank the generic
// question shape ("what about that one?" is a reference, not a question).
func NewIntentClassifier() *IntentClassifier {
	return &IntentClassifier{
		patterns: []intentPattern{
			{IntentReference, regexp.MustCompile(`(?i)\b(that one|this one|those|the (first|second|third|last|previous) (one|option|point)|you (said|mentioned)|earlier)\b`)},
			{IntentContinuation, regexp.MustCompile(`(?i)^(and|also|then|next|so|continuing|back to|keep going|go on|what about)\b`)},
			{IntentContinuation, regexp.MustCompile(`(?i)\b(as (we|i) (discussed|said)|where (we|i) left off|pick(ing)? up)\b`)},
			{IntentQuestion, regexp.MustCompile(`(?i)^(what|why|how|when|where|who|which|does|do|did|is|are|was|were|can|could|should|would|will)\b`)},
			{IntentQuestion, regexp.MustCompile(`\?\s*$`)},
			{IntentTopicExplore, regexp.MustCompile(`(?i)^(tell me about|explore|overview of|summarize|walk me through|show me)\b`)},
		},
	}
}

// Classify returns the first matching intent, defaulting to topic
// exploration when nothing matches.
func (c *IntentClassifier) Classify(query string) Intent {
	trimmed := strings.TrimSpace(query)
	for _, p := range c.patterns {
		if p.regex.MatchString(trimmed) {
			return p.intent
		}
	}
	return IntentTopicExplore
}

// dimensionCues maps strong topic terms to the dimension they imply.
// Used to narrow seed search and to pick the fallback overview dimension.
var dimensionCues = map[string]schema.Dimension{
	"market":       schema.DimMarket,
	"tam":          schema.DimMarket,
	"competitor":   schema.DimMarket,
	"competitors":  schema.DimMarket,
	"pricing":      schema.DimMarket,
	"monetization": schema.DimMarket,
	"revenue":      schema.DimMarket,
	"customer":     schema.DimCustomer,
	"customers":    schema.DimCustomer,
	"user":         schema.DimCustomer,
	"users":        schema.DimCustomer,
	"persona":      schema.DimCustomer,
	"segment":      schema.DimCustomer,
	"problem":      schema.DimProblem,
	"pain":         schema.DimProblem,
	"friction":     schema.DimProblem,
	"churn":        schema.DimProblem,
	"solution":     schema.DimSolution,
	"feature":      schema.DimSolution,
	"features":     schema.DimSolution,
	"architecture": schema.DimSolution,
	"product":      schema.DimSolution,
	"execution":    schema.DimExecution,
	"roadmap":      schema.DimExecution,
	"launch":       schema.DimExecution,
	"hiring":       schema.DimExecution,
	"milestone":    schema.DimExecution,
	"distribution": schema.DimDistribution,
	"channel":      schema.DimDistribution,
	"channels":     schema.DimDistribution,
	"marketing":    schema.DimDistribution,
	"growth":       schema.DimDistribution,
}

// DimensionHint infers the dimension a term set points at, if any.
// The first cue found wins; terms arrive in query order.
func DimensionHint(terms []string) (schema.Dimension, bool) {
	for _, t := range terms {
		if dim, ok := dimensionCues[t]; ok {
			return dim, true
		}
	}
	return "", false
}
