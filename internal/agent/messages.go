package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/talon/internal/engagement"
	"github.com/nugget/talon/internal/llm"
	"github.com/nugget/talon/internal/memory"
	"github.com/nugget/talon/internal/prompts"
)

// buildMessages assembles one model request: the system directive, the
// current engagement state, the memory context and any corrective
// messages queued by the previous turn.
func (l *Loop) buildMessages(ctx context.Context, e *engagement.Engagement) []llm.Message {
	msgs := []llm.Message{
		{
			Role:    llm.RoleSystem,
			Content: prompts.SystemDirective(e.Name, e.Objective, engagement.PhaseNames(), e.Scope.PassiveOnly),
		},
		{
			Role:    llm.RoleUser,
			Content: l.stateSummary(e),
		},
	}
	for _, entry := range l.deps.Memory.Context(ctx, recallQuery(e)) {
		msgs = append(msgs, entryMessage(entry))
	}
	return append(msgs, l.corrective...)
}

func (l *Loop) stateSummary(e *engagement.Engagement) string {
	var sb strings.Builder
	sb.WriteString("## Current state\n\n")
	sb.WriteString(e.Summary())
	fmt.Fprintf(&sb, "Iteration: %d of %d\n", e.Iteration, l.cfg.MaxIterations)

	infos := l.deps.Sessions.List()
	if len(infos) > 0 {
		sb.WriteString("Sessions:\n")
		for _, s := range infos {
			mark := ""
			if s.Active {
				mark = " (active)"
			}
			fmt.Fprintf(&sb, "- %s %s %s%s\n", s.ID, s.Descriptor, s.State, mark)
		}
	}
	return sb.String()
}

// recallQuery is the archive search for the current turn: the phase
// plus the targets of the most recent action, or its argument preview
// when it named none.
func recallQuery(e *engagement.Engagement) string {
	n := len(e.History)
	if n == 0 {
		return memory.SimilarityKey(e.Phase.String(), nil)
	}
	last := e.History[n-1]
	if len(last.Targets) > 0 {
		return memory.SimilarityKey(e.Phase.String(), last.Targets)
	}
	return e.Phase.String() + " " + last.ArgsPreview
}

// entryMessage renders a memory entry in the role that produced it.
func entryMessage(entry memory.Entry) llm.Message {
	switch entry.Kind {
	case memory.KindNote:
		return llm.Message{Role: llm.RoleAssistant, Content: entry.Content}
	case memory.KindAction:
		return llm.Message{Role: llm.RoleAssistant, Content: "Action " + entry.CorrelationID + ": " + entry.Content}
	case memory.KindSummary:
		return llm.Message{Role: llm.RoleUser, Content: "Summary of earlier work:\n" + entry.Content}
	default:
		return llm.Message{Role: llm.RoleUser, Content: entry.Content}
	}
}
