package prompts

import (
	"fmt"
	"strings"
)

// Messages fed back to the model in place of a tool result. Every
// proposed tool call gets exactly one of these or a digest.

// DeclinedExtraCall answers tool calls beyond the first in one reply.
const DeclinedExtraCall = "declined: one action per turn. Propose this action again next turn if it is still needed."

// Blocked reports a policy block.
func Blocked(reason string) string {
	return fmt.Sprintf("blocked by policy: %s. Choose a different action.", reason)
}

// Modified reports that arguments were clamped before execution.
func Modified(reason string) string {
	return fmt.Sprintf("note: arguments were adjusted before execution (%s).", reason)
}

// ApprovalDenied reports an operator refusal or an unanswered request.
func ApprovalDenied(reason string) string {
	return fmt.Sprintf("declined by operator (%s); propose an alternative.", reason)
}

// ApprovalGranted answers a request_approval call the operator accepted.
const ApprovalGranted = "approved by operator."

const correctiveTemplate = `Your last reply could not be used: %s.
Call exactly one of the available tools (%s) with the arguments its schema requires, or reply with plain text.`

// Corrective re-prompts after an unknown tool or invalid arguments.
func Corrective(problem string, toolNames []string) string {
	return fmt.Sprintf(correctiveTemplate, problem, strings.Join(toolNames, ", "))
}

// SessionLost tells the model its session dropped and which one is
// active now.
func SessionLost(lost, active string) string {
	return fmt.Sprintf("session %s was lost; commands now run in session %s.", lost, active)
}

// FindingRecorded acknowledges record_finding.
func FindingRecorded(id string, superseded bool) string {
	if superseded {
		return fmt.Sprintf("finding %s recorded; it supersedes an earlier finding for the same target and title.", id)
	}
	return fmt.Sprintf("finding %s recorded.", id)
}

// PhaseAdvanced confirms a phase transition.
func PhaseAdvanced(phase string) string {
	return fmt.Sprintf("Phase complete. The engagement is now in the %s phase. Continue.", phase)
}
