// Package policy decides whether a proposed tool call may run. Every
// call is checked in a fixed order: scope, forbidden patterns, call
// rate, throughput clamping and finally risk. The first rule that
// blocks wins, so a forbidden command is blocked even when it would
// also have been clamped or sent for approval.
package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/talon/internal/engagement"
	"github.com/nugget/talon/internal/tools"
)

// Verdict is the outcome of validation.
type Verdict string

const (
	Allow         Verdict = "allow"
	Block         Verdict = "block"
	NeedsApproval Verdict = "needs_approval"
	Modify        Verdict = "modify"
)

// Risk grades how much a call can change target state.
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "risk(" + strconv.Itoa(int(r)) + ")"
	}
}

// Decision is the policy result for one call. Args is set when the
// arguments were clamped; the caller executes with Args in that case.
type Decision struct {
	Verdict Verdict
	Reason  string
	Args    map[string]any
	Risk    Risk
	Targets []string
}

// Apply returns call with the decision's replacement arguments, if any.
func (d Decision) Apply(call tools.Call) tools.Call {
	if d.Args == nil {
		return call
	}
	return call.WithArgs(d.Args)
}

// Config holds the policy rules.
type Config struct {
	MaxRate               int
	ForbiddenPatterns     []string
	ApprovalTools         []string
	ApprovalPatterns      []string
	SessionCallsPerMinute int
}

// Engine validates calls against one engagement's scope.
type Engine struct {
	scope            *engagement.ScopeSet
	catalog          *tools.Catalog
	forbidden        []*regexp.Regexp
	approvalPatterns []*regexp.Regexp
	approvalTools    map[tools.ID]bool
	maxRate          int
	perMinute        int
	dest             *DestinationLimiter
	logger           *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// NewEngine compiles cfg. Empty pattern and tool lists fall back to
// the defaults.
func NewEngine(scope *engagement.ScopeSet, catalog *tools.Catalog, cfg Config, logger *slog.Logger) (*Engine, error) {
	if scope == nil {
		return nil, fmt.Errorf("policy engine requires a scope")
	}
	if logger == nil {
		logger = slog.Default()
	}

	forbiddenSrc := cfg.ForbiddenPatterns
	if len(forbiddenSrc) == 0 {
		forbiddenSrc = DefaultForbiddenPatterns()
	}
	forbidden, err := compileAll(forbiddenSrc)
	if err != nil {
		return nil, fmt.Errorf("forbidden patterns: %w", err)
	}

	approvalSrc := cfg.ApprovalPatterns
	if len(approvalSrc) == 0 {
		approvalSrc = DefaultApprovalPatterns()
	}
	approval, err := compileAll(approvalSrc)
	if err != nil {
		return nil, fmt.Errorf("approval patterns: %w", err)
	}

	toolNames := cfg.ApprovalTools
	if len(toolNames) == 0 {
		toolNames = DefaultApprovalTools()
	}
	approvalTools := make(map[tools.ID]bool, len(toolNames))
	for _, name := range toolNames {
		id := tools.ID(name)
		if _, ok := catalog.Lookup(id); !ok {
			return nil, fmt.Errorf("approval tool %q is not in the catalog", name)
		}
		approvalTools[id] = true
	}

	return &Engine{
		scope:            scope,
		catalog:          catalog,
		forbidden:        forbidden,
		approvalPatterns: approval,
		approvalTools:    approvalTools,
		maxRate:          cfg.MaxRate,
		perMinute:        cfg.SessionCallsPerMinute,
		logger:           logger,
		limiters:         make(map[string]*rate.Limiter),
		now:              time.Now,
	}, nil
}

// SetDestinationLimiter installs a limiter shared with other engines.
func (e *Engine) SetDestinationLimiter(d *DestinationLimiter) {
	e.dest = d
}

// Validate produces the decision for call. It never executes anything.
func (e *Engine) Validate(call tools.Call) Decision {
	spec, ok := e.catalog.Lookup(call.Tool)
	if !ok {
		return Decision{Verdict: Block, Reason: fmt.Sprintf("tool %q is not in the catalog", call.Tool), Risk: RiskHigh}
	}

	targets, err := extractTargets(call)
	if err != nil {
		return e.block(call, err.Error(), nil)
	}

	// 1. Scope.
	for _, t := range targets {
		if ok, why := e.scope.Check(t); !ok {
			return e.block(call, "out of scope: "+why, targets)
		}
	}

	// 2. Forbidden patterns, then the passive-only constraint.
	flat := flatten(call)
	for _, re := range e.forbidden {
		if re.MatchString(flat) {
			return e.block(call, fmt.Sprintf("forbidden pattern %q", strings.TrimPrefix(re.String(), "(?i)")), targets)
		}
	}
	if e.scope.PassiveOnly() && isActive(spec, call) {
		return e.block(call, "scope is passive-only; active tooling is not permitted", targets)
	}

	// 3. Call rate.
	if spec.Kind != tools.KindControl {
		now := e.now()
		if !e.sessionAllow(call.SessionID, now) {
			return e.block(call, fmt.Sprintf("session call rate exceeded (%d per minute)", e.perMinute), targets)
		}
		for _, t := range targets {
			if !e.dest.AllowAt(t, now) {
				return e.block(call, fmt.Sprintf("destination %s is being throttled", t), targets)
			}
		}
	}

	// 4. Throughput clamp.
	d := Decision{Verdict: Allow, Targets: targets, Risk: baseRisk(spec)}
	if args, why, clamped := e.clamp(call); clamped {
		d.Verdict = Modify
		d.Reason = why
		d.Args = args
	}

	// 5. Risk.
	if e.approvalTools[call.Tool] {
		d.Verdict = NeedsApproval
		d.Reason = joinReason(d.Reason, fmt.Sprintf("%s always requires operator approval", call.Tool))
		if d.Risk < RiskHigh {
			d.Risk = RiskHigh
		}
	} else if call.Tool == tools.ExecuteCommand {
		cmd := call.String("command")
		for _, re := range e.approvalPatterns {
			if re.MatchString(cmd) {
				d.Verdict = NeedsApproval
				d.Reason = joinReason(d.Reason, fmt.Sprintf("command matches irreversible action %q", strings.TrimPrefix(re.String(), "(?i)")))
				d.Risk = RiskHigh
				break
			}
		}
	}

	e.logger.Debug("policy decision",
		"correlation_id", call.ID,
		"tool", call.Tool,
		"verdict", d.Verdict,
		"risk", d.Risk.String(),
		"reason", d.Reason,
	)
	return d
}

func (e *Engine) block(call tools.Call, reason string, targets []string) Decision {
	e.logger.Info("policy blocked call",
		"correlation_id", call.ID,
		"tool", call.Tool,
		"reason", reason,
	)
	return Decision{Verdict: Block, Reason: reason, Targets: targets, Risk: RiskHigh}
}

func (e *Engine) sessionAllow(sessionID string, now time.Time) bool {
	if e.perMinute <= 0 {
		return true
	}
	if sessionID == "" {
		sessionID = "default"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[sessionID]
	if !ok {
		l = newMinuteLimiter(e.perMinute)
		e.limiters[sessionID] = l
	}
	return l.AllowN(now, 1)
}

// clamp lowers throughput arguments above the configured ceiling and
// returns the replacement arguments.
func (e *Engine) clamp(call tools.Call) (map[string]any, string, bool) {
	if e.maxRate <= 0 {
		return nil, "", false
	}

	var args map[string]any
	var reasons []string
	set := func(k string, v any) {
		if args == nil {
			args = copyArgs(call.Args)
		}
		args[k] = v
	}

	if r, ok := call.Int("rate"); ok && r > e.maxRate {
		set("rate", e.maxRate)
		reasons = append(reasons, fmt.Sprintf("rate clamped from %d to %d", r, e.maxRate))
	}

	if key, ok := rateTextArgs[call.Tool]; ok {
		var from []string
		clamped := rateFlags.ReplaceAllStringFunc(call.String(key), func(m string) string {
			sub := rateFlags.FindStringSubmatch(m)
			n, err := strconv.Atoi(sub[4])
			if err != nil || n <= e.maxRate {
				return m
			}
			from = append(from, sub[2]+" "+sub[4])
			return sub[1] + sub[2] + sub[3] + strconv.Itoa(e.maxRate)
		})
		if len(from) > 0 {
			set(key, clamped)
			reasons = append(reasons, fmt.Sprintf("rate clamped to %d (was %s)", e.maxRate, strings.Join(from, ", ")))
		}
	}

	if args == nil {
		return nil, "", false
	}
	return args, strings.Join(reasons, "; "), true
}

// rateTextArgs names the free-form argument of each tool that can carry
// throughput flags.
var rateTextArgs = map[tools.ID]string{
	tools.ExecuteCommand: "command",
	tools.PortScan:       "flags",
}

func baseRisk(spec tools.Spec) Risk {
	switch {
	case spec.ID == tools.ExploitRun:
		return RiskCritical
	case spec.Active:
		return RiskMedium
	default:
		return RiskLow
	}
}

func isActive(spec tools.Spec, call tools.Call) bool {
	if spec.Active {
		// A new local shell sends nothing to a target.
		return !(spec.ID == tools.ConnectSession && isLocal(call.String("host")))
	}
	if spec.ID != tools.ExecuteCommand {
		return false
	}
	for _, tok := range tokenize(call.String("command")) {
		base := tok[strings.LastIndex(tok, "/")+1:]
		for _, b := range activeBinaries {
			if base == b {
				return true
			}
		}
	}
	return false
}

func isLocal(host string) bool {
	return strings.EqualFold(strings.TrimSpace(host), "local")
}

// flatten joins the rendered command and the argument values that
// reach a shell, so patterns see exactly what would run. Free text
// that is only recorded (findings, rationale, file content) is left
// out.
func flatten(call tools.Call) string {
	var parts []string
	if cmd, err := tools.BuildCommand(call); err == nil {
		parts = append(parts, cmd)
	}
	if call.Tool == tools.RecordFinding || call.Tool == tools.RequestApproval {
		return strings.Join(parts, "\n")
	}
	for k, v := range call.Args {
		if k == "content" || k == "rationale" {
			continue
		}
		switch x := v.(type) {
		case string:
			parts = append(parts, x)
		case []string:
			parts = append(parts, x...)
		}
	}
	return strings.Join(parts, "\n")
}

func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func joinReason(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
