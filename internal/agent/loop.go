// Package agent runs the engagement loop. Each iteration asks the model
// for the next action, validates it against policy, executes it in an
// execution session, compresses the result into memory and checkpoints
// the engagement. A run ends completed, exhausted (iteration cap) or
// aborted, and every session is closed on the way out.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/talon/internal/audit"
	"github.com/nugget/talon/internal/checkpoint"
	"github.com/nugget/talon/internal/compress"
	"github.com/nugget/talon/internal/engagement"
	"github.com/nugget/talon/internal/events"
	"github.com/nugget/talon/internal/llm"
	"github.com/nugget/talon/internal/memory"
	"github.com/nugget/talon/internal/policy"
	"github.com/nugget/talon/internal/prompts"
	"github.com/nugget/talon/internal/report"
	"github.com/nugget/talon/internal/session"
	"github.com/nugget/talon/internal/tools"
	"github.com/nugget/talon/internal/usage"
)

// Validator decides whether a call may run.
type Validator interface {
	Validate(call tools.Call) policy.Decision
}

// Approver asks the operator about a call.
type Approver interface {
	Request(ctx context.Context, call tools.Call, reason, risk string) bool
}

// AuditLog receives one record per validated call.
type AuditLog interface {
	Append(ctx context.Context, r audit.Record) (int64, error)
}

// UsageLedger records model token usage.
type UsageLedger interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Deps are the collaborators of one engagement run. Audit, Usage,
// Events and Metrics are optional.
type Deps struct {
	LLM          llm.Client
	Catalog      *tools.Catalog
	Policy       Validator
	Approval     Approver
	Sessions     *session.Multiplexer
	Compressor   *compress.Compressor
	Memory       *memory.Manager
	Checkpointer *checkpoint.Checkpointer
	Audit        AuditLog
	Usage        UsageLedger
	Events       *events.Bus
	Metrics      *Metrics
	Logger       *slog.Logger
}

// Config bounds a run.
type Config struct {
	Model              string
	MaxIterations      int
	MaxProtocolRetries int
	// PressureRatio is the share of the active memory budget at which
	// a compaction pass runs before the model is called.
	PressureRatio  float64
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// CompletionMarkers end the engagement when they appear in a text
	// reply; PhaseMarkers advance it to the next phase.
	CompletionMarkers []string
	PhaseMarkers      []string
	// ReportDir receives the final or partial report. Empty disables
	// report writing.
	ReportDir string
}

// DefaultConfig returns the standard loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:      200,
		MaxProtocolRetries: 3,
		PressureRatio:      0.92,
		DefaultTimeout:     5 * time.Minute,
		MaxTimeout:         time.Hour,
		CompletionMarkers:  []string{prompts.EngagementCompleteMarker},
		PhaseMarkers:       []string{prompts.PhaseCompleteMarker},
	}
}

// Outcome summarizes a finished run.
type Outcome struct {
	Status     engagement.Status `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	Iterations int               `json:"iterations"`
	Findings   int               `json:"findings"`
	ReportPath string            `json:"report_path,omitempty"`
}

// Loop drives one engagement.
type Loop struct {
	deps  Deps
	cfg   Config
	log   *slog.Logger
	defs  []map[string]any
	names []string

	protocolErrors int
	// corrective holds transient messages for the next request only.
	corrective []llm.Message
}

// NewLoop returns a loop. Zero config values take their defaults.
func NewLoop(deps Deps, cfg Config) *Loop {
	d := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = d.MaxIterations
	}
	if cfg.MaxProtocolRetries <= 0 {
		cfg.MaxProtocolRetries = d.MaxProtocolRetries
	}
	if cfg.PressureRatio <= 0 || cfg.PressureRatio > 1 {
		cfg.PressureRatio = d.PressureRatio
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = d.DefaultTimeout
	}
	if len(cfg.CompletionMarkers) == 0 {
		cfg.CompletionMarkers = d.CompletionMarkers
	}
	if len(cfg.PhaseMarkers) == 0 {
		cfg.PhaseMarkers = d.PhaseMarkers
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	names := make([]string, 0)
	for _, s := range deps.Catalog.Specs() {
		names = append(names, string(s.ID))
	}
	return &Loop{
		deps:  deps,
		cfg:   cfg,
		log:   logger,
		defs:  deps.Catalog.Definitions(),
		names: names,
	}
}

// Run drives e until it reaches a terminal state. An engagement with a
// non-zero iteration count is treated as resumed from a checkpoint.
// Exhaustion is not an error; an aborted run returns the outcome and an
// error wrapping ErrLoopAborted.
func (l *Loop) Run(ctx context.Context, e *engagement.Engagement) (*Outcome, error) {
	if e.Status.Terminal() {
		return nil, fmt.Errorf("engagement %s is already %s", e.ID, e.Status)
	}
	if _, err := e.ScopeSet(); err != nil {
		return nil, fmt.Errorf("engagement %s scope: %w", e.ID, err)
	}
	l.log = l.log.With("engagement", e.ID)
	resumed := e.Iteration > 0
	e.Status = engagement.StatusRunning
	e.CatalogVersion = l.deps.Catalog.Version()

	l.deps.Memory.OnCompact(func(r memory.CompactResult) {
		l.deps.Metrics.compaction(r)
		l.deps.Events.Emit(events.SourceMemory, events.KindCompaction, map[string]any{
			"engagement_id": e.ID,
			"condensed":     r.Condensed,
			"archived":      r.Archived,
			"fallback":      r.Fallback,
			"duration_ms":   r.Duration.Milliseconds(),
		})
	})

	l.log.Info("engagement started",
		"name", e.Name,
		"phase", e.Phase,
		"iteration", e.Iteration,
		"resumed", resumed,
		"model", l.cfg.Model,
		"max_iterations", l.cfg.MaxIterations,
	)
	l.deps.Events.Emit(events.SourceLoop, events.KindEngagementStart, map[string]any{
		"engagement_id": e.ID,
		"name":          e.Name,
		"phase":         e.Phase.String(),
		"resumed":       resumed,
	})

	if l.deps.Sessions.Active() == "" {
		if _, err := l.deps.Sessions.Create(ctx, session.Target{Kind: session.KindLocal}); err != nil {
			return l.finish(ctx, e, engagement.StatusAborted, "no viable session: "+err.Error())
		}
	}

	kickoff := prompts.Kickoff(e.Phase.String())
	if resumed {
		kickoff = prompts.Resume(e.Iteration, e.Phase.String())
	}
	l.remember(ctx, e, memory.KindOperator, kickoff, "", nil)
	l.checkpoint(ctx, checkpoint.TriggerStart, e)

	for {
		if err := ctx.Err(); err != nil {
			return l.finish(ctx, e, engagement.StatusAborted, "cancelled: "+err.Error())
		}
		if e.Iteration >= l.cfg.MaxIterations {
			return l.finish(ctx, e, engagement.StatusExhausted, fmt.Sprintf("iteration limit of %d reached", l.cfg.MaxIterations))
		}

		e.Iteration++
		status, reason := l.iterate(ctx, e)
		if status != "" {
			return l.finish(ctx, e, status, reason)
		}
		l.checkpoint(ctx, checkpoint.TriggerIteration, e)
	}
}

// iterate runs one model turn. A non-empty status ends the run.
func (l *Loop) iterate(ctx context.Context, e *engagement.Engagement) (engagement.Status, string) {
	log := l.log.With("iteration", e.Iteration)
	l.deps.Metrics.iteration()
	l.deps.Events.Emit(events.SourceLoop, events.KindIteration, map[string]any{
		"engagement_id": e.ID,
		"iteration":     e.Iteration,
		"phase":         e.Phase.String(),
	})

	if p := l.deps.Memory.Pressure(); p >= l.cfg.PressureRatio {
		log.Debug("memory pressure; compacting", "pressure", fmt.Sprintf("%.2f", p))
		if _, err := l.deps.Memory.Compact(ctx); err != nil {
			log.Warn("compaction failed", "error", err)
		}
	}

	msgs := l.buildMessages(ctx, e)
	l.corrective = nil

	start := time.Now()
	resp, err := l.deps.LLM.Chat(ctx, l.cfg.Model, msgs, l.defs)
	if err != nil {
		if ctx.Err() != nil {
			return engagement.StatusAborted, "cancelled: " + ctx.Err().Error()
		}
		log.Warn("model request failed", "error", err)
		return l.protocolFailure(e, fmt.Sprintf("the model request failed (%v)", err))
	}

	log.Debug("model responded",
		"tool_calls", len(resp.Message.ToolCalls),
		"content_len", len(resp.Message.Content),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	l.deps.Metrics.usage(resp.InputTokens, resp.OutputTokens)
	l.recordUsage(ctx, e, resp.Model, resp.InputTokens, resp.OutputTokens, time.Since(start))
	l.deps.Events.Emit(events.SourceLoop, events.KindModelResponse, map[string]any{
		"engagement_id": e.ID,
		"iteration":     e.Iteration,
		"model":         resp.Model,
		"tokens_in":     resp.InputTokens,
		"tokens_out":    resp.OutputTokens,
		"tool_calls":    len(resp.Message.ToolCalls),
	})

	if !resp.HasToolCalls() {
		return l.handleText(ctx, e, resp.Message.Content)
	}

	first := resp.Message.ToolCalls[0]
	call, err := l.deps.Catalog.Parse(first.Function.Name, first.Function.Arguments)
	if err != nil {
		if tools.IsProtocolError(err) {
			log.Info("unusable tool call", "tool", first.Function.Name, "error", err)
			return l.protocolFailure(e, err.Error())
		}
		return l.protocolFailure(e, fmt.Sprintf("%s: %v", errProtocol, err))
	}
	l.protocolErrors = 0

	if note := strings.TrimSpace(resp.Message.Content); note != "" {
		l.remember(ctx, e, memory.KindNote, note, call.ID, nil)
	}
	for _, extra := range resp.Message.ToolCalls[1:] {
		log.Info("declined extra tool call", "tool", extra.Function.Name)
		l.remember(ctx, e, memory.KindResult, fmt.Sprintf("[%s] %s", extra.Function.Name, prompts.DeclinedExtraCall), "", nil)
	}

	return l.execute(ctx, e, call)
}

// protocolFailure counts an unusable reply and queues a corrective
// message, aborting once the retry budget is spent.
func (l *Loop) protocolFailure(e *engagement.Engagement, problem string) (engagement.Status, string) {
	l.protocolErrors++
	l.deps.Metrics.protocolError()
	if l.protocolErrors > l.cfg.MaxProtocolRetries {
		return engagement.StatusAborted, fmt.Sprintf("%s: %d consecutive unusable replies, last: %s", errProtocol, l.protocolErrors, problem)
	}
	l.corrective = append(l.corrective, llm.Message{
		Role:    llm.RoleUser,
		Content: prompts.Corrective(problem, l.names),
	})
	return "", ""
}

// handleText checks a text reply for completion markers.
func (l *Loop) handleText(ctx context.Context, e *engagement.Engagement, content string) (engagement.Status, string) {
	text := strings.TrimSpace(content)
	if text == "" {
		return l.protocolFailure(e, "the reply was empty")
	}
	l.protocolErrors = 0
	l.remember(ctx, e, memory.KindNote, text, "", nil)

	if containsAny(text, l.cfg.CompletionMarkers) {
		return engagement.StatusCompleted, ""
	}
	if !containsAny(text, l.cfg.PhaseMarkers) {
		return "", ""
	}

	from := e.Phase
	next, ok := from.Next()
	if !ok {
		return engagement.StatusCompleted, "final phase complete"
	}
	if err := e.Advance(next); err != nil {
		l.log.Error("phase advance failed", "from", from, "to", next, "error", err)
		return "", ""
	}
	l.log.Info("phase advanced", "from", from, "to", next)
	l.deps.Events.Emit(events.SourceLoop, events.KindPhase, map[string]any{
		"engagement_id": e.ID,
		"from":          from.String(),
		"to":            next.String(),
	})
	l.remember(ctx, e, memory.KindOperator, prompts.PhaseAdvanced(next.String()), "", nil)
	l.checkpoint(ctx, checkpoint.TriggerPhase, e)
	return "", ""
}

// finish records the terminal state, closes every session, flushes
// memory, checkpoints and writes the report. Cleanup runs even when ctx
// is already cancelled.
func (l *Loop) finish(ctx context.Context, e *engagement.Engagement, status engagement.Status, reason string) (*Outcome, error) {
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	e.Status = status
	if err := l.deps.Sessions.CloseAll(); err != nil {
		l.log.Warn("closing sessions", "error", err)
	}
	l.deps.Memory.Flush(cleanup)
	l.checkpoint(cleanup, checkpoint.TriggerTerminal, e)

	out := &Outcome{
		Status:     status,
		Reason:     reason,
		Iterations: e.Iteration,
		Findings:   len(e.CurrentFindings()),
	}
	if l.cfg.ReportDir != "" {
		path, err := report.Write(l.cfg.ReportDir, report.Input{
			Engagement: e,
			Sessions:   l.deps.Sessions.List(),
			Reason:     reason,
		})
		if err != nil {
			l.log.Error("report failed", "error", err)
		} else {
			out.ReportPath = path
		}
	}

	l.deps.Metrics.outcome(string(status))
	l.deps.Events.Emit(events.SourceLoop, events.KindEngagementEnd, map[string]any{
		"engagement_id": e.ID,
		"status":        string(status),
		"iterations":    e.Iteration,
		"findings":      out.Findings,
		"reason":        reason,
	})

	attrs := []any{"status", status, "iterations", e.Iteration, "findings", out.Findings, "report", out.ReportPath}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	if status == engagement.StatusAborted {
		l.log.Error("engagement aborted", attrs...)
		return out, fmt.Errorf("%w: %s", ErrLoopAborted, reason)
	}
	l.log.Info("engagement finished", attrs...)
	return out, nil
}

func (l *Loop) checkpoint(ctx context.Context, trigger checkpoint.Trigger, e *engagement.Engagement) {
	// Failures are logged and left pending by the checkpointer.
	_ = l.deps.Checkpointer.Checkpoint(ctx, trigger, e, l.deps.Memory.State(), l.deps.Sessions.List())
}

// remember appends an entry keyed by the current phase and the targets
// it concerns.
func (l *Loop) remember(ctx context.Context, e *engagement.Engagement, kind memory.Kind, content, correlationID string, targets []string) {
	entry := memory.NewEntry(kind, content, correlationID)
	entry.Key = memory.SimilarityKey(e.Phase.String(), targets)
	if err := l.deps.Memory.Append(ctx, entry); err != nil {
		l.log.Warn("memory append", "kind", kind, "error", err)
	}
}

func (l *Loop) recordUsage(ctx context.Context, e *engagement.Engagement, model string, in, out int, elapsed time.Duration) {
	if l.deps.Usage == nil {
		return
	}
	if model == "" {
		model = l.cfg.Model
	}
	err := l.deps.Usage.Record(ctx, usage.Record{
		EngagementID: e.ID,
		Iteration:    e.Iteration,
		Model:        model,
		Purpose:      usage.PurposeReasoning,
		InputTokens:  in,
		OutputTokens: out,
		Duration:     elapsed,
	})
	if err != nil {
		l.log.Warn("usage record failed", "error", err)
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}
