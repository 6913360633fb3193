package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tallow/seneschal/internal/autonomy"
	"github.com/tallow/seneschal/internal/plan"
)

func setupSupervisor(t *testing.T) (*Supervisor, *AuditStore, *autonomy.Manager) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	audit, err := NewAuditStore(db)
	if err != nil {
		t.Fatalf("audit store: %v", err)
	}
	windows, err := autonomy.NewManager(db)
	if err != nil {
		t.Fatalf("autonomy: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(audit, windows, nil, logger)
	s.CallTimeout = time.Second
	s.RetryDelay = time.Millisecond
	return s, audit, windows
}

// okTool registers a low-risk message tool that counts invocations.
func okTool(s *Supervisor, name, domain string, calls *int) {
	s.RegisterTool(Tool{
		Name:   name,
		Domain: domain,
		Risk:   plan.RiskLow,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			*calls++
			return "done", nil
		},
	})
}

func singleCallPlan(id, tool string, risk plan.Risk, evidence ...string) *plan.Plan {
	return &plan.Plan{
		ID: "plan-" + id,
		Steps: []plan.ToolCall{{
			ID:               "call-" + id,
			Tool:             tool,
			Domain:           "ignored-by-registry",
			Risk:             risk,
			Args:             map[string]any{"k": "v"},
			RequiredEvidence: evidence,
		}},
	}
}

func TestEmptyPlanIsFullyApplied(t *testing.T) {
	s, _, _ := setupSupervisor(t)

	out, err := s.Execute(context.Background(), &plan.Plan{ID: "p", Reply: "just a reply"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusFullyApplied || out.Executed != 0 || out.Denial != nil {
		t.Errorf("outcome = %+v", out)
	}
}

func TestLowRiskCallExecutes(t *testing.T) {
	s, audit, _ := setupSupervisor(t)
	calls := 0
	okTool(s, "message.send", "message", &calls)
	s.EnableDomain("message")

	out, err := s.Execute(context.Background(), singleCallPlan("1", "message.send", plan.RiskLow))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusFullyApplied || out.Executed != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if calls != 1 {
		t.Errorf("adapter called %d times", calls)
	}

	entries, err := audit.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Status != AuditOK || entries[0].CallID != "call-1" {
		t.Errorf("audit = %+v", entries)
	}
	if entries[0].Domain != "message" {
		t.Errorf("audited domain = %s, want registry domain", entries[0].Domain)
	}
}

func TestDisabledDomainDenied(t *testing.T) {
	s, audit, _ := setupSupervisor(t)
	calls := 0
	okTool(s, "message.send", "message", &calls)
	// message domain never enabled.

	out, err := s.Execute(context.Background(), singleCallPlan("1", "message.send", plan.RiskLow))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", out.Status)
	}
	if out.Denial == nil || out.Denial.Kind != DenialPermission {
		t.Fatalf("denial = %+v", out.Denial)
	}
	if calls != 0 {
		t.Error("adapter ran despite denial")
	}

	entries, _ := audit.Recent(10)
	if len(entries) != 1 || entries[0].Status != AuditDenied {
		t.Errorf("audit = %+v", entries)
	}
}

func TestHighRiskRequiresAutonomyWindow(t *testing.T) {
	s, _, windows := setupSupervisor(t)
	calls := 0
	s.RegisterTool(Tool{
		Name:   "calendar.create_event",
		Domain: "calendar",
		Risk:   plan.RiskHigh,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			calls++
			return "created", nil
		},
	})
	s.EnableDomain("calendar")

	p := singleCallPlan("1", "calendar.create_event", plan.RiskHigh)
	out, err := s.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusRejected || out.Denial == nil || out.Denial.Kind != DenialPermission {
		t.Fatalf("no window: outcome = %+v", out)
	}
	if out.Denial.Domain != "calendar" {
		t.Errorf("denial domain = %s", out.Denial.Domain)
	}
	if calls != 0 {
		t.Error("high-risk call ran without a window")
	}

	if _, err := windows.Grant("calendar", 2*time.Hour, time.Now()); err != nil {
		t.Fatal(err)
	}
	out, err = s.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("execute with window: %v", err)
	}
	if out.Status != StatusFullyApplied || calls != 1 {
		t.Errorf("with window: outcome = %+v, calls = %d", out, calls)
	}
}

func TestExpiredWindowDeniedAtBoundary(t *testing.T) {
	s, _, windows := setupSupervisor(t)
	calls := 0
	s.RegisterTool(Tool{
		Name:   "calendar.create_event",
		Domain: "calendar",
		Risk:   plan.RiskHigh,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			calls++
			return "created", nil
		},
	})
	s.EnableDomain("calendar")

	// Granted two hours at 10:00, evaluated at 12:01.
	granted := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	if _, err := windows.Grant("calendar", 2*time.Hour, granted); err != nil {
		t.Fatal(err)
	}
	s.nowFunc = func() time.Time { return granted.Add(2*time.Hour + time.Minute) }

	out, err := s.Execute(context.Background(), singleCallPlan("1", "calendar.create_event", plan.RiskHigh))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusRejected || out.Denial == nil || out.Denial.Kind != DenialPermission {
		t.Fatalf("outcome = %+v", out)
	}
	if calls != 0 {
		t.Error("call ran against an expired window")
	}
}

func TestRegistryRiskFloorWins(t *testing.T) {
	s, _, _ := setupSupervisor(t)
	calls := 0
	s.RegisterTool(Tool{
		Name:   "calendar.create_event",
		Domain: "calendar",
		Risk:   plan.RiskHigh,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			calls++
			return "created", nil
		},
	})
	s.EnableDomain("calendar")

	// The plan understates the risk; the registered floor still demands
	// an autonomy window.
	out, err := s.Execute(context.Background(), singleCallPlan("1", "calendar.create_event", plan.RiskLow))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusRejected || out.Denial == nil || out.Denial.Kind != DenialPermission {
		t.Fatalf("outcome = %+v", out)
	}
	if calls != 0 {
		t.Error("understated risk bypassed the window check")
	}
}

func TestEvidenceGates(t *testing.T) {
	s, _, _ := setupSupervisor(t)
	calls := 0
	okTool(s, "message.send", "message", &calls)
	s.EnableDomain("message")

	confirmed := false
	s.RegisterEvidence("user_confirmed", func(ctx context.Context, ref string) (bool, error) {
		return confirmed, nil
	})

	p := singleCallPlan("1", "message.send", plan.RiskLow, "user_confirmed")
	out, err := s.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusRejected || out.Denial == nil || out.Denial.Kind != DenialEvidence {
		t.Fatalf("unconfirmed: outcome = %+v", out)
	}
	if out.Denial.Detail != "user_confirmed" {
		t.Errorf("denial detail = %q", out.Denial.Detail)
	}

	confirmed = true
	out, err = s.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("execute confirmed: %v", err)
	}
	if out.Status != StatusFullyApplied || calls != 1 {
		t.Errorf("confirmed: outcome = %+v, calls = %d", out, calls)
	}
}

func TestUnknownEvidenceItemBlocks(t *testing.T) {
	s, _, _ := setupSupervisor(t)
	calls := 0
	okTool(s, "message.send", "message", &calls)
	s.EnableDomain("message")

	out, err := s.Execute(context.Background(),
		singleCallPlan("1", "message.send", plan.RiskLow, "vibes_check:good"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusRejected || out.Denial == nil || out.Denial.Kind != DenialEvidence {
		t.Fatalf("outcome = %+v", out)
	}
	if calls != 0 {
		t.Error("unverifiable evidence did not block")
	}
}

func TestEvidenceRefParsing(t *testing.T) {
	s, _, _ := setupSupervisor(t)
	calls := 0
	okTool(s, "message.send", "message", &calls)
	s.EnableDomain("message")

	var gotRef string
	s.RegisterEvidence("contact_known", func(ctx context.Context, ref string) (bool, error) {
		gotRef = ref
		return ref == "dana", nil
	})

	out, err := s.Execute(context.Background(),
		singleCallPlan("1", "message.send", plan.RiskLow, "contact_known:dana"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusFullyApplied {
		t.Errorf("outcome = %+v", out)
	}
	if gotRef != "dana" {
		t.Errorf("checker ref = %q", gotRef)
	}
}

func TestFailFastKeepsPriorSuccesses(t *testing.T) {
	s, audit, _ := setupSupervisor(t)
	first, third := 0, 0
	okTool(s, "task.add", "task", &first)
	s.RegisterTool(Tool{
		Name:   "task.fail",
		Domain: "task",
		Risk:   plan.RiskLow,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("boom")
		},
	})
	okTool(s, "task.never", "task", &third)
	s.EnableDomain("task")

	p := &plan.Plan{
		ID: "p1",
		Steps: []plan.ToolCall{
			{ID: "c1", Tool: "task.add", Domain: "task", Risk: plan.RiskLow},
			{ID: "c2", Tool: "task.fail", Domain: "task", Risk: plan.RiskLow},
			{ID: "c3", Tool: "task.never", Domain: "task", Risk: plan.RiskLow},
		},
	}

	out, err := s.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusPartiallyApplied {
		t.Errorf("status = %s, want partially_applied", out.Status)
	}
	if out.Executed != 1 {
		t.Errorf("executed = %d, want 1", out.Executed)
	}
	if out.Denial == nil || out.Denial.Kind != DenialExecution || out.Denial.CallID != "c2" {
		t.Errorf("denial = %+v", out.Denial)
	}
	if first != 1 {
		t.Errorf("first adapter calls = %d", first)
	}
	if third != 0 {
		t.Error("call after the failure still ran")
	}

	ok, _ := audit.WasExecutedOK("c1")
	if !ok {
		t.Error("c1 not recorded ok")
	}
	ok, _ = audit.WasExecutedOK("c2")
	if ok {
		t.Error("failed c2 recorded ok")
	}
}

func TestReplaySkipsAppliedCalls(t *testing.T) {
	s, _, _ := setupSupervisor(t)
	calls := 0
	okTool(s, "message.send", "message", &calls)
	s.EnableDomain("message")

	p := singleCallPlan("1", "message.send", plan.RiskLow)
	if _, err := s.Execute(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}

	out, err := s.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if out.Status != StatusFullyApplied || out.Executed != 1 {
		t.Errorf("replay outcome = %+v", out)
	}
	if calls != 1 {
		t.Errorf("replay re-executed the call: %d invocations", calls)
	}
}

func TestDeniedCallRunsAfterRegrant(t *testing.T) {
	s, _, windows := setupSupervisor(t)
	calls := 0
	s.RegisterTool(Tool{
		Name:   "calendar.create_event",
		Domain: "calendar",
		Risk:   plan.RiskHigh,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			calls++
			return "created", nil
		},
	})
	s.EnableDomain("calendar")

	p := singleCallPlan("1", "calendar.create_event", plan.RiskHigh)
	out, _ := s.Execute(context.Background(), p)
	if out.Status != StatusRejected {
		t.Fatalf("first run = %+v", out)
	}

	// A denied call is not sticky; after a grant the replay executes.
	if _, err := windows.Grant("calendar", time.Hour, time.Now()); err != nil {
		t.Fatal(err)
	}
	out, err := s.Execute(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFullyApplied || calls != 1 {
		t.Errorf("after grant: outcome = %+v, calls = %d", out, calls)
	}
}

func TestSingleRetryThenSuccess(t *testing.T) {
	s, _, _ := setupSupervisor(t)
	attempts := 0
	s.RegisterTool(Tool{
		Name:   "message.send",
		Domain: "message",
		Risk:   plan.RiskLow,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			attempts++
			if attempts == 1 {
				return "", errors.New("transient")
			}
			return "sent", nil
		},
	})
	s.EnableDomain("message")

	out, err := s.Execute(context.Background(), singleCallPlan("1", "message.send", plan.RiskLow))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusFullyApplied {
		t.Errorf("outcome = %+v", out)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestUnknownToolRejectsWholePlanUpfront(t *testing.T) {
	s, _, _ := setupSupervisor(t)
	calls := 0
	okTool(s, "message.send", "message", &calls)
	s.EnableDomain("message")

	p := &plan.Plan{
		ID: "p1",
		Steps: []plan.ToolCall{
			{ID: "c1", Tool: "message.send", Risk: plan.RiskLow},
			{ID: "c2", Tool: "rocket.launch", Risk: plan.RiskLow},
		},
	}
	out, err := s.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusRejected || out.Denial == nil || out.Denial.Kind != DenialValidation {
		t.Fatalf("outcome = %+v", out)
	}
	if calls != 0 {
		t.Error("known call ran before the unknown tool was noticed")
	}
}
