package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/talon/internal/audit"
	"github.com/nugget/talon/internal/engagement"
	"github.com/nugget/talon/internal/events"
	"github.com/nugget/talon/internal/memory"
	"github.com/nugget/talon/internal/policy"
	"github.com/nugget/talon/internal/prompts"
	"github.com/nugget/talon/internal/session"
	"github.com/nugget/talon/internal/tools"
)

// previewChars bounds argument previews in memory, history and audit.
const previewChars = 300

// execute takes one parsed call through policy, approval, execution and
// compression, then records it in memory, history and the audit log.
// Every call produces exactly one result.
func (l *Loop) execute(ctx context.Context, e *engagement.Engagement, call tools.Call) (engagement.Status, string) {
	spec, _ := l.deps.Catalog.Lookup(call.Tool)
	if spec.Kind == tools.KindCommand && call.SessionID == "" {
		call = call.InSession(l.deps.Sessions.Active())
	}
	log := l.log.With("iteration", e.Iteration, "correlation_id", call.ID, "tool", call.Tool)
	start := time.Now()

	action := call.Preview(previewChars)
	if call.Rationale != "" {
		action += "\nrationale: " + call.Rationale
	}
	dec := l.deps.Policy.Validate(call)
	l.remember(ctx, e, memory.KindAction, action, call.ID, dec.Targets)
	l.deps.Metrics.verdict(string(dec.Verdict))
	l.deps.Events.Emit(events.SourceLoop, events.KindToolCall, map[string]any{
		"engagement_id":  e.ID,
		"correlation_id": call.ID,
		"tool":           string(call.Tool),
		"verdict":        string(dec.Verdict),
		"reason":         dec.Reason,
	})

	res := tools.NewResult(call, tools.StatusOK)
	var feedback []string
	switch dec.Verdict {
	case policy.Block:
		res.Status = tools.StatusBlocked
		feedback = append(feedback, prompts.Blocked(dec.Reason))
	case policy.Modify:
		call = dec.Apply(call)
		feedback = append(feedback, prompts.Modified(dec.Reason))
	case policy.NeedsApproval:
		call = dec.Apply(call)
		approved := l.deps.Approval.Request(ctx, call, dec.Reason, dec.Risk.String())
		l.approvalEvent(e, call, approved)
		if !approved {
			res.Status = tools.StatusDenied
			feedback = append(feedback, prompts.ApprovalDenied(dec.Reason))
		}
	}

	var abort string
	if res.Status == tools.StatusOK {
		abort = l.dispatch(ctx, e, spec, call, res, &feedback)
	}
	res.Duration = time.Since(start)

	digest := l.deps.Compressor.Compress(string(call.Tool), call.ID, res.ExitCode, string(res.Status), res.Raw)
	res.Raw = ""
	text := digest.Render()
	if len(feedback) > 0 {
		text += "\n" + strings.Join(feedback, "\n")
	}
	res.Digest = text
	l.remember(ctx, e, memory.KindResult, text, call.ID, dec.Targets)

	e.RecordCommand(engagement.HistoryEntry{
		CorrelationID: call.ID,
		Iteration:     e.Iteration,
		Tool:          string(call.Tool),
		SessionID:     call.SessionID,
		ArgsPreview:   call.Preview(previewChars),
		Targets:       dec.Targets,
		Verdict:       string(dec.Verdict),
		Status:        string(res.Status),
		ExitCode:      res.ExitCode,
		Duration:      res.Duration,
		Digest:        digest.Render(),
	})
	l.audit(ctx, e, call, dec, res)

	l.deps.Metrics.tool(string(call.Tool), string(res.Status), res.Duration)
	l.deps.Events.Emit(events.SourceLoop, events.KindToolDone, map[string]any{
		"engagement_id":  e.ID,
		"correlation_id": call.ID,
		"tool":           string(call.Tool),
		"status":         string(res.Status),
		"exit_code":      res.ExitCode,
		"duration_ms":    res.Duration.Milliseconds(),
	})
	log.Info("tool call finished",
		"verdict", dec.Verdict,
		"status", res.Status,
		"exit_code", res.ExitCode,
		"elapsed", res.Duration.Round(time.Millisecond),
		"format", digest.Format,
	)

	if ctx.Err() != nil {
		return engagement.StatusAborted, "cancelled: " + ctx.Err().Error()
	}
	if abort != "" {
		return engagement.StatusAborted, abort
	}
	return "", ""
}

// dispatch carries out a permitted call, filling res. It returns a
// non-empty reason when the engagement cannot continue.
func (l *Loop) dispatch(ctx context.Context, e *engagement.Engagement, spec tools.Spec, call tools.Call, res *tools.Result, feedback *[]string) string {
	fail := func(msg string) {
		res.Status = tools.StatusError
		*feedback = append(*feedback, msg)
	}

	switch spec.Kind {
	case tools.KindCommand:
		cmd, err := tools.BuildCommand(call)
		if err != nil {
			fail(err.Error())
			return ""
		}
		timeout := tools.Timeout(call, l.cfg.DefaultTimeout, l.cfg.MaxTimeout)
		out, err := l.deps.Sessions.Execute(ctx, call.SessionID, cmd, timeout)
		switch {
		case err == nil:
			fillResult(res, out)
		case ctx.Err() != nil:
			fail("cancelled")
		case errors.Is(err, session.ErrSessionLost), errors.Is(err, session.ErrNoViableSession):
			active, ferr := l.deps.Sessions.Fallback(ctx)
			if ferr != nil {
				fail("no viable session remains")
				return "no viable session remains"
			}
			lost := call.SessionID
			if lost == "" {
				lost = "(none)"
			}
			l.log.Warn("session lost; fell back", "lost", lost, "active", active, "error", err)
			l.deps.Events.Emit(events.SourceSession, events.KindSessionLost, map[string]any{
				"engagement_id": e.ID,
				"lost":          lost,
				"active":        active,
			})
			fail(prompts.SessionLost(lost, active))
		default:
			fail(err.Error())
		}

	case tools.KindSession:
		switch call.Tool {
		case tools.ConnectSession:
			t := sessionTarget(call)
			id, err := l.deps.Sessions.Create(ctx, t)
			if err != nil {
				fail(err.Error())
				return ""
			}
			res.Raw = fmt.Sprintf("session %s opened to %s; the active session is %s.", id, t.Descriptor(), l.deps.Sessions.Active())
		case tools.SwitchSession:
			id := call.String("session_id")
			if err := l.deps.Sessions.Switch(id); err != nil {
				fail(err.Error())
				return ""
			}
			res.Raw = fmt.Sprintf("the active session is now %s.", id)
		}

	case tools.KindControl:
		switch call.Tool {
		case tools.RecordFinding:
			f, err := e.AddFinding(engagement.Finding{
				Severity: engagement.Severity(strings.ToLower(call.String("severity"))),
				Title:    call.String("title"),
				Target:   call.String("target"),
				Detail:   call.String("detail"),
				Evidence: call.Strings("evidence"),
			})
			if err != nil {
				fail(err.Error())
				return ""
			}
			res.Raw = prompts.FindingRecorded(f.ID, f.Supersedes != "")
			l.deps.Metrics.finding(string(f.Severity))
			l.deps.Events.Emit(events.SourceLoop, events.KindFinding, map[string]any{
				"engagement_id": e.ID,
				"finding_id":    f.ID,
				"severity":      string(f.Severity),
				"title":         f.Title,
				"target":        f.Target,
				"supersedes":    f.Supersedes,
			})
		case tools.RequestApproval:
			approved := l.deps.Approval.Request(ctx, call, call.String("reason"), "operator consultation")
			l.approvalEvent(e, call, approved)
			if !approved {
				res.Status = tools.StatusDenied
				*feedback = append(*feedback, prompts.ApprovalDenied("not approved"))
				return ""
			}
			res.Raw = prompts.ApprovalGranted
		}
	}
	return ""
}

func (l *Loop) approvalEvent(e *engagement.Engagement, call tools.Call, approved bool) {
	l.deps.Events.Emit(events.SourceLoop, events.KindApproval, map[string]any{
		"engagement_id":  e.ID,
		"correlation_id": call.ID,
		"tool":           string(call.Tool),
		"approved":       approved,
	})
}

func (l *Loop) audit(ctx context.Context, e *engagement.Engagement, call tools.Call, dec policy.Decision, res *tools.Result) {
	if l.deps.Audit == nil {
		return
	}
	_, err := l.deps.Audit.Append(ctx, audit.Record{
		EngagementID:  e.ID,
		Iteration:     e.Iteration,
		CorrelationID: call.ID,
		Tool:          string(call.Tool),
		SessionID:     call.SessionID,
		ArgsPreview:   call.Preview(previewChars),
		Targets:       dec.Targets,
		Verdict:       string(dec.Verdict),
		Reason:        dec.Reason,
		Risk:          dec.Risk.String(),
		Outcome:       string(res.Status),
		ExitCode:      res.ExitCode,
		Duration:      res.Duration,
	})
	if err != nil {
		l.log.Error("audit append failed", "correlation_id", call.ID, "error", err)
	}
}

// fillResult copies raw session output into res. Stderr follows stdout
// under a marker so the compressor sees one stream.
func fillResult(res *tools.Result, out *session.ExecResult) {
	res.ExitCode = out.ExitCode
	raw := out.Stdout
	if strings.TrimSpace(out.Stderr) != "" {
		if raw != "" && !strings.HasSuffix(raw, "\n") {
			raw += "\n"
		}
		raw += "[stderr]\n" + out.Stderr
	}
	if out.Truncated {
		raw += "\n[output capped]"
	}
	res.Raw = raw

	switch {
	case out.TimedOut:
		res.Status = tools.StatusTimedOut
	case out.ExitCode != 0:
		res.Status = tools.StatusFailed
	default:
		res.Status = tools.StatusOK
	}
}

func sessionTarget(call tools.Call) session.Target {
	host := strings.TrimSpace(call.String("host"))
	if strings.EqualFold(host, "local") {
		return session.Target{Kind: session.KindLocal}
	}
	port, _ := call.Int("port")
	return session.Target{
		Kind:     session.KindRemote,
		Host:     host,
		Port:     port,
		User:     call.String("user"),
		Password: call.String("password"),
		KeyFile:  call.String("key_file"),
	}
}
