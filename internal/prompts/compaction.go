package prompts

import "fmt"

// compactionTemplate asks the summary model to condense the oldest
// memory entries. The single format verb is the entry text.
const compactionTemplate = `Summarize these engagement notes for an operator who will continue the work. Keep:
1. Hosts, ports, services and versions discovered
2. Credentials, sessions and access obtained
3. Findings and the evidence behind them
4. Actions that failed or were blocked, and why
5. Open leads not yet followed

Drop raw tool output, repetition and reasoning that led nowhere. Keep correlation ids that findings refer to. Use terse bullet points, under 300 words.

Notes:
%s

Summary:`

// CompactionPrompt returns the summarization prompt for entries, which
// the caller formats one per line.
func CompactionPrompt(entries string) string {
	return fmt.Sprintf(compactionTemplate, entries)
}
