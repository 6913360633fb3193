// Package plan defines the structured contract between the planner and
// the action supervisor. The planner is a non-deterministic black box;
// nothing it produces is executed unless it parses as JSON, validates
// against the plan schema, and survives the supervisor's gates. A
// schema violation rejects the whole plan.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Risk classifies a tool call. High-risk calls additionally require an
// active autonomy window for their domain.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Rank orders risks, higher meaning riskier. Unknown values rank above
// high so a malformed risk is treated as the most dangerous case.
func (r Risk) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// ToolCall is one step of a plan.
type ToolCall struct {
	// ID keys the audit log for replay exclusion. Assigned
	// deterministically from the plan id and step index when the
	// planner omits it.
	ID string `json:"id,omitempty"`

	Tool   string         `json:"tool"`
	Domain string         `json:"domain"`
	Risk   Risk           `json:"risk"`
	Args   map[string]any `json:"args"`

	// RequiredEvidence lists checks that must verify before execution,
	// e.g. "entity_exists:<ref>", "user_confirmed", "contact_known:<name>".
	RequiredEvidence []string `json:"required_evidence,omitempty"`
}

// Plan is an ordered sequence of tool calls, possibly with a plain-text
// reply for the user. A plan with no steps is a pure reply.
type Plan struct {
	ID    string     `json:"plan_id,omitempty"`
	Reply string     `json:"reply,omitempty"`
	Steps []ToolCall `json:"steps"`

	// Origin records what produced the plan (a chat command, a
	// trigger). Set by the caller, never by the planner.
	Origin string `json:"-"`
}

// schemaJSON is the strict shape a planner response must satisfy.
const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["steps"],
	"additionalProperties": false,
	"properties": {
		"plan_id": {"type": "string"},
		"reply": {"type": "string"},
		"steps": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tool", "domain", "risk", "args"],
				"additionalProperties": false,
				"properties": {
					"id": {"type": "string"},
					"tool": {"type": "string", "minLength": 1},
					"domain": {"type": "string", "minLength": 1},
					"risk": {"enum": ["low", "medium", "high"]},
					"args": {"type": "object"},
					"required_evidence": {
						"type": "array",
						"items": {"type": "string", "minLength": 1}
					}
				}
			}
		}
	}
}`

// ValidationError reports why a planner response was rejected. The raw
// response is kept for trace logging, never executed.
type ValidationError struct {
	Message string
	Raw     string
}

func (e *ValidationError) Error() string {
	return "plan validation: " + e.Message
}

// Validator parses and validates raw planner output.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the plan schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Parse extracts the JSON object from a raw planner response (models
// like to wrap it in code fences), validates it against the schema,
// and returns the plan with ids filled in. Any failure is a
// *ValidationError.
func (v *Validator) Parse(raw string) (*Plan, error) {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return nil, &ValidationError{Message: "response contains no JSON object", Raw: raw}
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: raw}
	}
	if err := v.schema.Validate(parsed); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("schema: %s", err), Raw: raw}
	}

	var p Plan
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("decode: %s", err), Raw: raw}
	}

	if p.ID == "" {
		p.ID = newPlanID()
	}
	for i := range p.Steps {
		if p.Steps[i].ID == "" {
			// Deterministic within the plan so a replay of the same
			// plan carries the same call ids.
			p.Steps[i].ID = fmt.Sprintf("%s:%d", p.ID, i)
		}
	}
	return &p, nil
}

// extractJSON finds the JSON object in a response: first a ```json
// fence, then the first balanced top-level object.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			if candidate := balancedObject(text[i:]); candidate != "" {
				return candidate
			}
		}
	}
	return ""
}

// balancedObject returns the balanced {...} prefix of s, respecting
// strings and escapes, or "" if unbalanced.
func balancedObject(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				candidate := s[:i+1]
				if json.Valid([]byte(candidate)) {
					return candidate
				}
				return ""
			}
		}
	}
	return ""
}

func newPlanID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
