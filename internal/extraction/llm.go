package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/ideagraph/internal/schema"
)

const (
	defaultModel       = "claude-3-5-haiku-latest"
	defaultBaseURL     = "https://api.anthropic.com"
	defaultTimeout     = 30 * time.Second
	defaultMaxRetries  = 2
	defaultRateLimit   = 5 // requests per second
	defaultBurst       = 10
	defaultBaseBackoff = 500 * time.Millisecond
)

// Config configures the LLM collaborator client.
type Config struct {
	// APIKey authenticates against the Anthropic API. Required.
	APIKey string

	// Model overrides the default model.
	Model string

	// BaseURL overrides the API endpoint (used in tests).
	BaseURL string

	// Timeout is the per-attempt HTTP timeout.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int
}

// Client implements both Extractor and Judge against the Anthropic API.
// One collaborator, two prompts.
type Client struct {
	model      string
	apiKey     string `json:"-"` // Never serialize API keys
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

// NewClient creates an LLM collaborator client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	return &Client{
		model:      model,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		maxRetries: maxRetries,
		logger:     logger,
	}, nil
}

// Extract implements Extractor. Output is parsed tolerantly: a response
// that is not valid JSON yields zero candidates and an error, and any
// candidate that later fails schema validation is the pipeline's to
// reject.
func (c *Client) Extract(ctx context.Context, req ExtractRequest) ([]schema.Candidate, error) {
	prompt := buildExtractPrompt(req.Text)

	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	candidates, err := ParseCandidates(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	c.logger.Debug("extraction completed",
		zap.String("scope_id", req.ScopeID),
		zap.Int("candidates", len(candidates)))
	return candidates, nil
}

// Classify implements Judge.
func (c *Client) Classify(ctx context.Context, candidate schema.Candidate, neighbors []*schema.Block) (Judgment, error) {
	if len(neighbors) == 0 {
		return Judgment{Verdict: VerdictIndependent}, nil
	}

	raw, err := c.complete(ctx, buildJudgePrompt(candidate, neighbors))
	if err != nil {
		return Judgment{}, fmt.Errorf("judge call: %w", err)
	}

	j, err := ParseJudgment(raw)
	if err != nil {
		return Judgment{}, fmt.Errorf("judge response: %w", err)
	}
	return j, nil
}

// complete sends one prompt and returns the text of the first content
// part, retrying transient failures with exponential backoff.
func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	req := anthropicRequest{
		Model:       c.model,
		MaxTokens:   2048,
		Temperature: 0.2, // low temperature for consistent structured output
		Messages: []anthropicMessage{
			{Role: "user", Content: prompt},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		response, err := c.doRequest(ctx, req)
		if err == nil {
			return response, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			return "", err
		}
		c.logger.Warn("llm request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, req anthropicRequest) (string, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("API request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &retryableError{err: fmt.Errorf("rate limited (429)")}
	}
	if resp.StatusCode >= 500 {
		return "", &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		var errResp anthropicError
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var claudeResp anthropicResponse
	if err := json.Unmarshal(body, &claudeResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(claudeResp.Content) == 0 {
		return "", fmt.Errorf("empty response from API")
	}
	return claudeResp.Content[0].Text, nil
}

// Anthropic API request/response types.

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// retryableError marks errors worth retrying (network, 429, 5xx).
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// stripCodeFence removes a surrounding markdown code fence, which models
// emit even when told not to.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// ParseCandidates parses the extraction model's JSON array output.
func ParseCandidates(raw string) ([]schema.Candidate, error) {
	cleaned := stripCodeFence(raw)
	if cleaned == "" {
		return []schema.Candidate{}, nil
	}

	var candidates []schema.Candidate
	if err := json.Unmarshal([]byte(cleaned), &candidates); err != nil {
		return nil, fmt.Errorf("parsing candidates: %w", err)
	}
	return candidates, nil
}

// ParseJudgment parses the judge's JSON object output. Unknown verdicts
// degrade to independent: a confused judge must never contest blocks.
func ParseJudgment(raw string) (Judgment, error) {
	cleaned := stripCodeFence(raw)

	var j Judgment
	if err := json.Unmarshal([]byte(cleaned), &j); err != nil {
		return Judgment{}, fmt.Errorf("parsing judgment: %w", err)
	}
	switch j.Verdict {
	case VerdictDuplicate, VerdictContradicts:
		if j.BlockID == "" {
			return Judgment{Verdict: VerdictIndependent}, nil
		}
	default:
		j = Judgment{Verdict: VerdictIndependent}
	}
	return j, nil
}

func buildExtractPrompt(text string) string {
	var b strings.Builder
	b.WriteString(`Extract atomic, self-contained knowledge units from the text below.

Return ONLY a JSON array. Each element:
{"type": "...", "dimension": "...", "content": "...", "confidence": 0.0-1.0}

Allowed types: knowledge, belief, decision, question, requirement, action, evaluation.
Allowed dimensions: problem, customer, solution, market, execution, distribution.

Rules:
- Each content string must stand alone without the surrounding conversation.
- Do not invent facts that are not in the text.
- Return [] if nothing worth keeping is present.

Text:
`)
	b.WriteString(text)
	return b.String()
}

func buildJudgePrompt(candidate schema.Candidate, neighbors []*schema.Block) string {
	var b strings.Builder
	b.WriteString(`Classify the NEW claim against the STORED claims.

Return ONLY a JSON object: {"verdict": "duplicate"|"contradicts"|"independent", "block_id": "..."}
- "duplicate": the new claim restates a stored claim. block_id = that claim's id.
- "contradicts": the new claim is incompatible with a stored claim. block_id = that claim's id.
- "independent": neither. Omit block_id.

NEW claim: `)
	b.WriteString(candidate.Content)
	b.WriteString("\n\nSTORED claims:\n")
	for _, n := range neighbors {
		fmt.Fprintf(&b, "- id=%s: %s\n", n.ID, n.Content)
	}
	return b.String()
}
