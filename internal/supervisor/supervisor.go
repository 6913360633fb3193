// Package supervisor executes planner-produced plans behind permission
// and evidence gates. Processing is strictly sequential and fail-fast:
// the first gate failure aborts the remaining calls, prior successes
// stand, and every outcome lands in the audit log keyed by call id so
// a replayed plan never re-executes work that already succeeded.
//
// The tool registry, not the plan, is authoritative for a call's
// domain and minimum risk: a plan may declare a higher risk than the
// registered floor but never a lower one.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tallow/seneschal/internal/events"
	"github.com/tallow/seneschal/internal/plan"
)

// Default bounds for a single tool call.
const (
	DefaultCallTimeout = 30 * time.Second
	DefaultRetryDelay  = 2 * time.Second
)

// Adapter executes one tool call and returns a short human-readable
// result for the audit log.
type Adapter func(ctx context.Context, args map[string]any) (string, error)

// Tool is a registered adapter with its authoritative domain and risk
// floor.
type Tool struct {
	Name    string
	Domain  string
	Risk    plan.Risk
	Execute Adapter
}

// EvidenceChecker verifies one evidence item. ref is the part after
// the colon ("entity_exists:evt_123" yields "evt_123"), empty for bare
// items like "user_confirmed".
type EvidenceChecker func(ctx context.Context, ref string) (bool, error)

// PlanStatus summarizes how far a plan got.
type PlanStatus string

const (
	StatusFullyApplied     PlanStatus = "fully_applied"
	StatusPartiallyApplied PlanStatus = "partially_applied"
	StatusRejected         PlanStatus = "rejected"
)

// DenialKind names which gate stopped the plan.
type DenialKind string

const (
	DenialValidation DenialKind = "plan_invalid"
	DenialPermission DenialKind = "permission_denied"
	DenialEvidence   DenialKind = "evidence_missing"
	DenialExecution  DenialKind = "execution_failed"
)

// Denial is the structured reason a plan stopped early. It is always
// surfaced to the user; autonomy is deny-by-default and explainable.
type Denial struct {
	Kind   DenialKind
	CallID string
	Tool   string
	Domain string
	Detail string
}

// Message renders the denial for a chat reply.
func (d *Denial) Message() string {
	switch d.Kind {
	case DenialValidation:
		return fmt.Sprintf("I can't run that plan: %s.", d.Detail)
	case DenialPermission:
		return fmt.Sprintf("I'm not allowed to use %s right now: %s.", d.Tool, d.Detail)
	case DenialEvidence:
		return fmt.Sprintf("I held off on %s because I couldn't verify: %s.", d.Tool, d.Detail)
	case DenialExecution:
		return fmt.Sprintf("Running %s failed: %s.", d.Tool, d.Detail)
	default:
		return fmt.Sprintf("I stopped at %s: %s.", d.Tool, d.Detail)
	}
}

// Outcome is the result of executing a plan.
type Outcome struct {
	Status PlanStatus
	// Executed counts calls that were applied, including replayed
	// calls skipped because they already succeeded.
	Executed int
	// Denial is set unless the plan fully applied.
	Denial *Denial
}

// WindowChecker is the autonomy surface. Satisfied by autonomy.Manager.
type WindowChecker interface {
	IsActive(domain string, now time.Time) (bool, error)
}

// Supervisor gates and executes plans. Register tools, evidence
// checkers, and enabled domains during startup; Execute is safe for
// concurrent use afterwards.
type Supervisor struct {
	audit    *AuditStore
	windows  WindowChecker
	bus      *events.Bus
	log      *slog.Logger
	tools    map[string]Tool
	evidence map[string]EvidenceChecker
	enabled  map[string]bool

	// CallTimeout bounds one adapter invocation; RetryDelay is the
	// backoff before the single retry of a failed call.
	CallTimeout time.Duration
	RetryDelay  time.Duration

	nowFunc func() time.Time // injectable for testing; defaults to time.Now
}

// New creates a supervisor. bus may be nil; a nil logger falls back to
// slog.Default().
func New(audit *AuditStore, windows WindowChecker, bus *events.Bus, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		audit:       audit,
		windows:     windows,
		bus:         bus,
		log:         logger.With("component", "supervisor"),
		tools:       make(map[string]Tool),
		evidence:    make(map[string]EvidenceChecker),
		enabled:     make(map[string]bool),
		CallTimeout: DefaultCallTimeout,
		RetryDelay:  DefaultRetryDelay,
		nowFunc:     time.Now,
	}
}

// RegisterTool adds a tool adapter. Tools for disabled domains may be
// registered; the permission gate rejects their calls.
func (s *Supervisor) RegisterTool(t Tool) {
	s.tools[t.Name] = t
}

// RegisterEvidence adds a checker for an evidence item name.
func (s *Supervisor) RegisterEvidence(name string, check EvidenceChecker) {
	s.evidence[name] = check
}

// EnableDomain marks an integration domain as enabled.
func (s *Supervisor) EnableDomain(domain string) {
	s.enabled[domain] = true
}

// Execute runs the plan's calls in order. A plan with no steps is a
// pure reply and trivially fully applied. The returned error is
// reserved for infrastructure failures (audit storage); gate denials
// and tool failures are reported through the Outcome.
func (s *Supervisor) Execute(ctx context.Context, p *plan.Plan) (Outcome, error) {
	if p == nil || len(p.Steps) == 0 {
		return Outcome{Status: StatusFullyApplied}, nil
	}

	// Unknown tools reject the plan before any execution.
	for _, call := range p.Steps {
		if _, ok := s.tools[call.Tool]; !ok {
			denial := &Denial{
				Kind:   DenialValidation,
				CallID: call.ID,
				Tool:   call.Tool,
				Detail: fmt.Sprintf("unknown tool %q", call.Tool),
			}
			s.log.Warn("plan rejected", "plan_id", p.ID, "reason", denial.Detail)
			return Outcome{Status: StatusRejected, Denial: denial}, nil
		}
	}

	executed := 0
	for _, call := range p.Steps {
		tool := s.tools[call.Tool]
		domain := tool.Domain
		risk := call.Risk
		if tool.Risk.Rank() > risk.Rank() {
			risk = tool.Risk
		}

		done, err := s.audit.WasExecutedOK(call.ID)
		if err != nil {
			return s.abort(executed, nil), err
		}
		if done {
			s.log.Debug("call already applied, skipping",
				"plan_id", p.ID, "call_id", call.ID, "tool", call.Tool)
			executed++
			continue
		}

		if denial := s.checkPermission(tool, call, risk); denial != nil {
			s.recordGate(p, call, domain, risk, denial)
			s.publishOutcome(p, StatusForAbort(executed), executed, denial)
			return s.abort(executed, denial), nil
		}
		if denial := s.checkEvidence(ctx, tool, call); denial != nil {
			s.recordGate(p, call, domain, risk, denial)
			s.publishOutcome(p, StatusForAbort(executed), executed, denial)
			return s.abort(executed, denial), nil
		}

		detail, err := s.run(ctx, tool, call)
		if err != nil {
			denial := &Denial{
				Kind:   DenialExecution,
				CallID: call.ID,
				Tool:   call.Tool,
				Domain: domain,
				Detail: err.Error(),
			}
			if aerr := s.audit.Record(s.entry(p, call, domain, risk, AuditFailed, err.Error())); aerr != nil {
				return s.abort(executed, denial), aerr
			}
			s.log.Warn("tool call failed",
				"plan_id", p.ID, "call_id", call.ID, "tool", call.Tool, "error", err)
			s.publishOutcome(p, StatusForAbort(executed), executed, denial)
			return s.abort(executed, denial), nil
		}

		if err := s.audit.Record(s.entry(p, call, domain, risk, AuditOK, detail)); err != nil {
			return s.abort(executed, nil), err
		}
		executed++
		s.log.Info("tool call applied",
			"plan_id", p.ID, "call_id", call.ID, "tool", call.Tool, "domain", domain, "risk", string(risk))
	}

	s.publishOutcome(p, StatusFullyApplied, executed, nil)
	return Outcome{Status: StatusFullyApplied, Executed: executed}, nil
}

// StatusForAbort maps how many calls already applied onto the plan
// status reported for an aborted plan.
func StatusForAbort(executed int) PlanStatus {
	if executed > 0 {
		return StatusPartiallyApplied
	}
	return StatusRejected
}

func (s *Supervisor) abort(executed int, denial *Denial) Outcome {
	return Outcome{Status: StatusForAbort(executed), Executed: executed, Denial: denial}
}

func (s *Supervisor) checkPermission(tool Tool, call plan.ToolCall, risk plan.Risk) *Denial {
	if !s.enabled[tool.Domain] {
		return &Denial{
			Kind:   DenialPermission,
			CallID: call.ID,
			Tool:   call.Tool,
			Domain: tool.Domain,
			Detail: fmt.Sprintf("the %s integration is not enabled", tool.Domain),
		}
	}
	if risk == plan.RiskHigh || risk.Rank() > plan.RiskHigh.Rank() {
		active, err := s.windows.IsActive(tool.Domain, s.nowFunc())
		if err != nil {
			return &Denial{
				Kind:   DenialPermission,
				CallID: call.ID,
				Tool:   call.Tool,
				Domain: tool.Domain,
				Detail: fmt.Sprintf("autonomy check failed: %s", err),
			}
		}
		if !active {
			return &Denial{
				Kind:   DenialPermission,
				CallID: call.ID,
				Tool:   call.Tool,
				Domain: tool.Domain,
				Detail: fmt.Sprintf("no active autonomy window for %s (say \"autonomy on 2 hours for %s\" to open one)", tool.Domain, tool.Domain),
			}
		}
	}
	return nil
}

func (s *Supervisor) checkEvidence(ctx context.Context, tool Tool, call plan.ToolCall) *Denial {
	for _, item := range call.RequiredEvidence {
		name, ref := item, ""
		if idx := strings.IndexByte(item, ':'); idx >= 0 {
			name, ref = item[:idx], item[idx+1:]
		}
		check, ok := s.evidence[name]
		if !ok {
			return &Denial{
				Kind:   DenialEvidence,
				CallID: call.ID,
				Tool:   call.Tool,
				Domain: tool.Domain,
				Detail: fmt.Sprintf("%q is not a verifiable evidence item", item),
			}
		}
		verified, err := check(ctx, ref)
		if err != nil {
			return &Denial{
				Kind:   DenialEvidence,
				CallID: call.ID,
				Tool:   call.Tool,
				Domain: tool.Domain,
				Detail: fmt.Sprintf("checking %q failed: %s", item, err),
			}
		}
		if !verified {
			return &Denial{
				Kind:   DenialEvidence,
				CallID: call.ID,
				Tool:   call.Tool,
				Domain: tool.Domain,
				Detail: item,
			}
		}
	}
	return nil
}

// run executes one call with a bounded timeout and a single retry.
func (s *Supervisor) run(ctx context.Context, tool Tool, call plan.ToolCall) (string, error) {
	detail, err := s.runOnce(ctx, tool, call)
	if err == nil || ctx.Err() != nil {
		return detail, err
	}
	s.log.Warn("tool call failed, retrying once",
		"tool", tool.Name, "call_id", call.ID, "error", err)
	select {
	case <-time.After(s.RetryDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return s.runOnce(ctx, tool, call)
}

func (s *Supervisor) runOnce(ctx context.Context, tool Tool, call plan.ToolCall) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.CallTimeout)
	defer cancel()
	return tool.Execute(cctx, call.Args)
}

func (s *Supervisor) entry(p *plan.Plan, call plan.ToolCall, domain string, risk plan.Risk, status, detail string) AuditEntry {
	return AuditEntry{
		CallID:     call.ID,
		PlanID:     p.ID,
		Tool:       call.Tool,
		Domain:     domain,
		Risk:       string(risk),
		ArgsJSON:   marshalArgs(call.Args),
		Status:     status,
		Detail:     detail,
		ExecutedAt: s.nowFunc(),
	}
}

func (s *Supervisor) recordGate(p *plan.Plan, call plan.ToolCall, domain string, risk plan.Risk, denial *Denial) {
	if err := s.audit.Record(s.entry(p, call, domain, risk, AuditDenied, denial.Detail)); err != nil {
		s.log.Warn("audit write failed", "call_id", call.ID, "error", err)
	}
	s.log.Info("tool call denied",
		"plan_id", p.ID, "call_id", call.ID, "tool", call.Tool,
		"kind", string(denial.Kind), "detail", denial.Detail)
}

func (s *Supervisor) publishOutcome(p *plan.Plan, status PlanStatus, executed int, denial *Denial) {
	data := map[string]any{
		"plan_id":  p.ID,
		"status":   string(status),
		"executed": executed,
	}
	if denial != nil {
		data["denial_kind"] = string(denial.Kind)
		data["denial_tool"] = denial.Tool
	}
	s.bus.Publish(events.Event{
		Timestamp: s.nowFunc(),
		Source:    events.SourceSupervisor,
		Kind:      events.KindPlanExecuted,
		Data:      data,
	})
}

func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
