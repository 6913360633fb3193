// Package planner talks to the LLM that turns free-form chat into
// structured tool plans.
//
// The model is a black box behind an OpenAI-compatible chat completions
// endpoint (a local Ollama by default). The client only carries raw
// model output back; plan.Validator decides whether that output is a
// plan at all. Nothing here executes anything.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tallow/seneschal/internal/config"
	"github.com/tallow/seneschal/internal/httpkit"
)

// DefaultBaseURL targets a local Ollama's OpenAI-compatible surface.
const DefaultBaseURL = "http://localhost:11434/v1"

// ToolSpec describes one tool the model may plan with. The domain and
// risk shown to the model match the supervisor's registry, so the model
// cannot learn a softer classification than the one that gets enforced.
type ToolSpec struct {
	Name        string
	Domain      string
	Risk        string
	Description string // includes the expected args, e.g. `args: {"text": string}`
}

// Request is one planning call.
type Request struct {
	// UserText is the inbound chat message verbatim.
	UserText string
	// Context is an optional situational note prepended for the model,
	// such as the current date or a recent trigger summary.
	Context string
	// Tools is the catalog the model may use. An empty catalog still
	// produces a reply-only plan.
	Tools []ToolSpec
}

// Client speaks the OpenAI-compatible chat completions API.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a planner client. baseURL should include the /v1 suffix;
// apiKey may be empty for unauthenticated local endpoints.
func New(baseURL, apiKey, model string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "planner")
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: httpkit.NewClient(
			// Small local models need time to think.
			httpkit.WithTimeout(3*time.Minute),
			httpkit.WithRetry(2*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	Stream         bool            `json:"stream"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Plan asks the model for a tool plan for one inbound message and
// returns the raw completion text. Callers must validate it with
// plan.Validator before anything acts on it; a malformed completion is
// the model's failure, not a partial plan.
func (c *Client) Plan(ctx context.Context, req Request) (string, error) {
	messages := []chatMessage{{Role: "system", Content: buildPrompt(req.Tools)}}
	if req.Context != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.Context})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.UserText})

	body, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       messages,
		Temperature:    0.1,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("planner request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return "", fmt.Errorf("planner API error %d: %s", resp.StatusCode, msg)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("planner returned no choices")
	}
	choice := chat.Choices[0]
	if choice.FinishReason == "length" {
		c.logger.Warn("completion truncated at token limit", "model", c.model)
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return "", fmt.Errorf("planner returned empty completion")
	}

	c.logger.Debug("plan completion received",
		"model", c.model,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"bytes", len(content),
	)
	c.logger.Log(ctx, config.LevelTrace, "raw completion", "content", content)
	return content, nil
}

// Ping checks that the endpoint answers its model listing route.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("planner unreachable: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("planner API error %d", resp.StatusCode)
	}
	return nil
}

// buildPrompt renders the system prompt with the tool catalog. The
// output format mirrors the plan schema exactly.
func buildPrompt(tools []ToolSpec) string {
	var b strings.Builder
	b.WriteString(`You are the planning engine of a personal chat assistant.
Turn the user's message into a plan of tool calls.

Answer with one JSON object and nothing else, in this shape:

{
  "reply": "short conversational reply to the user",
  "steps": [
    {"tool": "...", "domain": "...", "risk": "low", "args": {}, "required_evidence": []}
  ]
}

Rules:
- Use only the tools listed below, copying their domain and risk exactly.
- "steps" may be empty when no action is needed; answer in "reply" instead.
- Never guess argument values. If something needed is unknown, ask for it
  in "reply" and emit no step that would need it.
- For a step the user has not clearly asked for, or that contacts someone,
  add "user_confirmed:<subject>" to its required_evidence.
- When a step targets a named person, add "contact_known:<name>".
`)
	if len(tools) == 0 {
		b.WriteString("\nNo tools are available. Every plan must have empty steps.\n")
		return b.String()
	}
	b.WriteString("\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s (domain %s, risk %s): %s\n", t.Name, t.Domain, t.Risk, t.Description)
	}
	return b.String()
}
