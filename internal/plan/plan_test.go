package plan

import (
	"errors"
	"testing"
)

func newTestValidator(t *testing.T) *Validator {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v
}

func TestParseWellFormedPlan(t *testing.T) {
	v := newTestValidator(t)

	raw := `{
		"plan_id": "p1",
		"reply": "Sending it now.",
		"steps": [
			{
				"id": "c1",
				"tool": "message.send",
				"domain": "message",
				"risk": "low",
				"args": {"to": "dana", "text": "running late"},
				"required_evidence": ["contact_known:dana"]
			},
			{
				"tool": "calendar.create_event",
				"domain": "calendar",
				"risk": "high",
				"args": {"title": "Dinner", "start": "2026-03-14T19:00:00Z"}
			}
		]
	}`

	p, err := v.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ID != "p1" {
		t.Errorf("plan id = %q", p.ID)
	}
	if p.Reply != "Sending it now." {
		t.Errorf("reply = %q", p.Reply)
	}
	if len(p.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(p.Steps))
	}
	if p.Steps[0].ID != "c1" {
		t.Errorf("explicit call id lost: %q", p.Steps[0].ID)
	}
	// Omitted ids are assigned deterministically from plan id + index.
	if p.Steps[1].ID != "p1:1" {
		t.Errorf("assigned call id = %q, want p1:1", p.Steps[1].ID)
	}
	if p.Steps[1].Risk != RiskHigh {
		t.Errorf("risk = %s", p.Steps[1].Risk)
	}
	if p.Steps[0].Args["to"] != "dana" {
		t.Errorf("args = %v", p.Steps[0].Args)
	}
	if len(p.Steps[0].RequiredEvidence) != 1 || p.Steps[0].RequiredEvidence[0] != "contact_known:dana" {
		t.Errorf("evidence = %v", p.Steps[0].RequiredEvidence)
	}
}

func TestParseFencedResponse(t *testing.T) {
	v := newTestValidator(t)

	raw := "Here's the plan:\n```json\n{\"steps\": []}\n```\nLet me know."
	p, err := v.Parse(raw)
	if err != nil {
		t.Fatalf("parse fenced: %v", err)
	}
	if len(p.Steps) != 0 {
		t.Errorf("steps = %d, want 0", len(p.Steps))
	}
	if p.ID == "" {
		t.Error("missing plan id was not assigned")
	}
}

func TestParseEmbeddedObject(t *testing.T) {
	v := newTestValidator(t)

	raw := `Sure thing. {"steps": [{"tool": "task.add", "domain": "task", "risk": "low", "args": {"title": "buy milk"}}]} Done.`
	p, err := v.Parse(raw)
	if err != nil {
		t.Fatalf("parse embedded: %v", err)
	}
	if len(p.Steps) != 1 || p.Steps[0].Tool != "task.add" {
		t.Errorf("steps = %+v", p.Steps)
	}
}

func TestParseRejections(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name string
		raw  string
	}{
		{"no json at all", "I could not come up with a plan, sorry."},
		{"missing steps", `{"reply": "hi"}`},
		{"unknown risk", `{"steps": [{"tool": "t", "domain": "d", "risk": "extreme", "args": {}}]}`},
		{"missing domain", `{"steps": [{"tool": "t", "risk": "low", "args": {}}]}`},
		{"empty tool name", `{"steps": [{"tool": "", "domain": "d", "risk": "low", "args": {}}]}`},
		{"args not an object", `{"steps": [{"tool": "t", "domain": "d", "risk": "low", "args": "go"}]}`},
		{"extra top-level field", `{"steps": [], "mood": "helpful"}`},
		{"truncated json", `{"steps": [{"tool": "t",`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Parse(tt.raw)
			if err == nil {
				t.Fatal("accepted")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error type = %T, want *ValidationError", err)
			}
			if verr != nil && verr.Raw == "" {
				t.Error("raw response not carried in error")
			}
		})
	}
}

func TestExtractJSONBalancing(t *testing.T) {
	// A brace inside a string must not end the object early.
	raw := `{"steps": [{"tool": "message.send", "domain": "message", "risk": "low", "args": {"text": "use {curly} braces"}}]}`
	v := newTestValidator(t)

	p, err := v.Parse("note " + raw + " trailing")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Steps[0].Args["text"] != "use {curly} braces" {
		t.Errorf("args text = %v", p.Steps[0].Args["text"])
	}
}
