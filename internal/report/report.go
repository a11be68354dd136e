// Package report renders an engagement as a plain structured document:
// Markdown for operators and version control, and an HTML rendering of
// the same text. A report written before the engagement reached a
// terminal state is marked partial.
package report

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/talon/internal/engagement"
	"github.com/nugget/talon/internal/session"
)

// maxEvidenceLines bounds each evidence excerpt.
const maxEvidenceLines = 20

// Input is everything a report is built from.
type Input struct {
	Engagement *engagement.Engagement
	Sessions   []session.Info
	// Reason explains a non-completed terminal state.
	Reason string
	At     time.Time
}

// Markdown renders the report.
func Markdown(in Input) string {
	e := in.Engagement
	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var b strings.Builder
	title := "Engagement report"
	if e.Status != engagement.StatusCompleted {
		title = "Partial engagement report"
	}
	fmt.Fprintf(&b, "# %s: %s\n\n", title, e.Name)

	fmt.Fprintf(&b, "- **Engagement:** `%s`\n", e.ID)
	fmt.Fprintf(&b, "- **Status:** %s\n", e.Status)
	if in.Reason != "" {
		fmt.Fprintf(&b, "- **Reason:** %s\n", in.Reason)
	}
	fmt.Fprintf(&b, "- **Phase reached:** %s\n", e.Phase)
	fmt.Fprintf(&b, "- **Iterations:** %d\n", e.Iteration)
	fmt.Fprintf(&b, "- **Started:** %s\n", e.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Generated:** %s\n\n", at.Format(time.RFC3339))

	if e.Objective != "" {
		fmt.Fprintf(&b, "## Objective\n\n%s\n\n", e.Objective)
	}

	b.WriteString("## Scope\n\n")
	for _, t := range e.Scope.Targets {
		fmt.Fprintf(&b, "- `%s`\n", t)
	}
	for _, x := range e.Scope.Exclusions {
		fmt.Fprintf(&b, "- excluded: `%s`\n", x)
	}
	if e.Scope.PassiveOnly {
		b.WriteString("- passive only\n")
	}
	b.WriteString("\n")

	writeFindings(&b, e)
	writeHistory(&b, e)
	writeSessions(&b, in.Sessions)
	return b.String()
}

func writeFindings(b *strings.Builder, e *engagement.Engagement) {
	current := e.CurrentFindings()
	b.WriteString("## Findings\n\n")
	if len(current) == 0 {
		b.WriteString("No findings recorded.\n\n")
		return
	}

	counts := make(map[engagement.Severity]int)
	for _, f := range current {
		counts[f.Severity]++
	}
	var parts []string
	for _, s := range engagement.Severities() {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", s, counts[s]))
		}
	}
	fmt.Fprintf(b, "%d current (%s).\n\n", len(current), strings.Join(parts, ", "))

	for i, f := range current {
		fmt.Fprintf(b, "### %d. [%s] %s\n\n", i+1, strings.ToUpper(string(f.Severity)), f.Title)
		fmt.Fprintf(b, "- **Target:** `%s`\n", f.Target)
		fmt.Fprintf(b, "- **Phase:** %s\n", f.Phase)
		fmt.Fprintf(b, "- **Discovered:** %s\n", f.DiscoveredAt.Format(time.RFC3339))
		if f.Supersedes != "" {
			fmt.Fprintf(b, "- **Supersedes:** `%s`\n", f.Supersedes)
		}
		b.WriteString("\n")
		if f.Detail != "" {
			fmt.Fprintf(b, "%s\n\n", f.Detail)
		}
		for _, id := range f.Evidence {
			digest, ok := e.LookupDigest(id)
			if !ok {
				fmt.Fprintf(b, "Evidence `%s` (no longer retained)\n\n", id)
				continue
			}
			fmt.Fprintf(b, "Evidence `%s`:\n\n```\n%s\n```\n\n", id, excerpt(digest, maxEvidenceLines))
		}
	}

	if superseded := len(e.Findings) - len(current); superseded > 0 {
		fmt.Fprintf(b, "%d earlier finding(s) were superseded and are kept in the engagement record.\n\n", superseded)
	}
}

func writeHistory(b *strings.Builder, e *engagement.Engagement) {
	b.WriteString("## Recent actions\n\n")
	if len(e.History) == 0 {
		b.WriteString("No actions recorded.\n\n")
		return
	}
	b.WriteString("| # | Tool | Verdict | Status | Exit | Duration | Arguments |\n")
	b.WriteString("|---|------|---------|--------|------|----------|-----------|\n")
	for _, h := range e.History {
		fmt.Fprintf(b, "| %d | %s | %s | %s | %d | %s | `%s` |\n",
			h.Iteration, h.Tool, h.Verdict, h.Status, h.ExitCode,
			h.Duration.Round(time.Millisecond), cell(h.ArgsPreview))
	}
	b.WriteString("\n")
}

func writeSessions(b *strings.Builder, sessions []session.Info) {
	if len(sessions) == 0 {
		return
	}
	b.WriteString("## Sessions\n\n")
	b.WriteString("| Id | Kind | Endpoint | State |\n")
	b.WriteString("|----|------|----------|-------|\n")
	for _, s := range sessions {
		fmt.Fprintf(b, "| %s | %s | %s | %s |\n", s.ID, s.Kind, cell(s.Descriptor), s.State)
	}
	b.WriteString("\n")
}

// cell makes s safe inside a table cell and inline code span.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "`", "'")
	return strings.ReplaceAll(s, "\n", " ")
}

func excerpt(s string, lines int) string {
	parts := strings.Split(s, "\n")
	if len(parts) <= lines {
		return s
	}
	return strings.Join(parts[:lines], "\n") + fmt.Sprintf("\n[... %d more lines ...]", len(parts)-lines)
}

// HTML renders Markdown as a standalone HTML document.
func HTML(md string) (string, error) {
	conv := goldmark.New(goldmark.WithExtensions(extension.Table))
	var buf bytes.Buffer
	if err := conv.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Talon report</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>
`, buf.String()), nil
}

// Write renders the report into dir as <id>.md and <id>.html and
// returns the Markdown path.
func Write(dir string, in Input) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	md := Markdown(in)
	html, err := HTML(md)
	if err != nil {
		return "", err
	}

	base := filepath.Join(dir, in.Engagement.ID)
	if err := os.WriteFile(base+".md", []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := os.WriteFile(base+".html", []byte(html), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return base + ".md", nil
}
