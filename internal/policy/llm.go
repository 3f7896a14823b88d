package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arclab-ai/arc/pkg/schema"
)

const defaultLLMTimeout = 60 * time.Second

// LLMConfig configures the chat-completions endpoint used for gate decisions.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// LLMClient asks a chat-completions endpoint to answer a gate. The model is
// instructed to reply with a single JSON object {"action", "reason"}; the
// reply is validated against a JSON Schema whose action enum is the gate's
// allowed set, so an out-of-vocabulary action can never reach the engine.
type LLMClient struct {
	cfg    LLMConfig
	client *http.Client

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewLLMClient creates a client. Returns nil when no base URL is configured
// so callers can treat "no LLM" uniformly.
func NewLLMClient(cfg LLMConfig) *LLMClient {
	if cfg.BaseURL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLLMTimeout
	}
	return &LLMClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		schemas: make(map[string]*jsonschema.Schema),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Decide sends the gate question and returns the validated decision.
func (c *LLMClient) Decide(ctx context.Context, req Request, allowed []schema.GateAction) (*Decision, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(allowed)},
			{Role: "user", Content: userPrompt(req)},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDecision, "llm request failed").WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDecision, "read llm response").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeDecision, "llm returned status %d", resp.StatusCode).
			WithDetails(map[string]any{"body": string(raw)})
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, schema.NewError(schema.ErrCodeDecision, "unmarshal llm response").WithCause(err)
	}
	if len(chat.Choices) == 0 {
		return nil, schema.NewError(schema.ErrCodeDecision, "llm returned no choices")
	}

	return c.parseDecision(chat.Choices[0].Message.Content, allowed)
}

// parseDecision validates the model output against the per-gate schema and
// converts it into a Decision.
func (c *LLMClient) parseDecision(content string, allowed []schema.GateAction) (*Decision, error) {
	content = strings.TrimSpace(content)
	// Models occasionally wrap JSON in a code fence despite instructions.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(content))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDecision, "llm reply is not valid JSON").WithCause(err)
	}

	compiled, err := c.schemaFor(allowed)
	if err != nil {
		return nil, err
	}
	if err := compiled.Validate(doc); err != nil {
		return nil, toArcError(err)
	}

	var out struct {
		Action string `json:"action"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeDecision, "decode llm decision").WithCause(err)
	}

	return &Decision{
		Action: schema.GateAction(out.Action),
		Reason: out.Reason,
		Source: SourceLLM,
	}, nil
}

// schemaFor compiles (or returns from cache) the decision schema for an
// action set. The enum pins the action to exactly the gate's options.
func (c *LLMClient) schemaFor(allowed []schema.GateAction) (*jsonschema.Schema, error) {
	key := actionsKey(allowed)

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.schemas[key]; ok {
		return cached, nil
	}

	enum := make([]string, len(allowed))
	for i, a := range allowed {
		enum[i] = string(a)
	}
	schemaDoc := map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type":    "object",
		"required": []any{"action", "reason"},
		"properties": map[string]any{
			"action": map[string]any{"type": "string", "enum": toAnySlice(enum)},
			"reason": map[string]any{"type": "string", "minLength": 1},
		},
		"additionalProperties": false,
	}
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("marshal decision schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal decision schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	url := "arc://schemas/decision/" + key
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add decision schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}

	c.schemas[key] = compiled
	return compiled, nil
}

func actionsKey(allowed []schema.GateAction) string {
	parts := make([]string, len(allowed))
	for i, a := range allowed {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func systemPrompt(allowed []schema.GateAction) string {
	enum := make([]string, len(allowed))
	for i, a := range allowed {
		enum[i] = string(a)
	}
	return "You are the decision policy of a research workflow engine. " +
		"Reply with a single JSON object and nothing else: " +
		`{"action": <one of ` + strings.Join(enum, ", ") + `>, "reason": <short string>}`
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Gate: %s\n", req.Step)
	if req.State != nil {
		fmt.Fprintf(&b, "Goal: %s\n", req.State.Goal)
		if req.State.Plan != nil {
			fmt.Fprintf(&b, "Plan: %s (%d groups, %d experiments)\n",
				req.State.Plan.Summary, len(req.State.Plan.Groups), req.State.Plan.ExperimentCount())
		}
		if req.State.Analysis != nil {
			fmt.Fprintf(&b, "Analysis: %s\n", req.State.Analysis.Summary)
			for _, r := range req.State.Analysis.Recommendations {
				fmt.Fprintf(&b, "- recommendation: %s\n", r)
			}
		}
		fmt.Fprintf(&b, "Ablation round: %d of %d\n", req.State.AblationRound, schema.MaxAblationRounds)
	}
	fmt.Fprintf(&b, "Runs: %d completed, %d failed\n", req.CompletedRuns, req.FailedRuns)
	return b.String()
}

// toArcError converts a jsonschema.ValidationError into an ArcError with the
// leaf violations listed for debugging.
func toArcError(err error) *schema.ArcError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "llm decision rejected: %s", violations[0]).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
