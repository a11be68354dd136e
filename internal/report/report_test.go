package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/talon/internal/engagement"
	"github.com/nugget/talon/internal/session"
)

func testEngagement(t *testing.T) *engagement.Engagement {
	t.Helper()
	e, err := engagement.New("lab", "find exposed services", engagement.Scope{
		Targets:    []string{"10.10.10.0/24"},
		Exclusions: []string{"10.10.10.1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	e.RecordCommand(engagement.HistoryEntry{
		CorrelationID: "c-1",
		Iteration:     1,
		Tool:          "port_scan",
		ArgsPreview:   `port_scan target="10.10.10.5"`,
		Verdict:       "allow",
		Status:        "ok",
		Duration:      2 * time.Second,
		Digest:        "host 10.10.10.5: 1 open\n  22/tcp open ssh OpenSSH 8.9p1",
	})
	return e
}

func TestMarkdown_PartialWithFindings(t *testing.T) {
	e := testEngagement(t)
	if _, err := e.AddFinding(engagement.Finding{Severity: "medium", Title: "SSH exposed", Target: "10.10.10.5:22", Evidence: []string{"c-1", "c-gone"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddFinding(engagement.Finding{Severity: "high", Title: "SSH exposed", Target: "10.10.10.5:22", Detail: "Password auth enabled."}); err != nil {
		t.Fatal(err)
	}
	e.Status = engagement.StatusExhausted
	e.Iteration = 5

	md := Markdown(Input{
		Engagement: e,
		Sessions:   []session.Info{{ID: "s-1", Kind: session.KindLocal, Descriptor: "local:/bin/sh", State: session.StateClosed}},
		Reason:     "iteration limit reached",
	})

	for _, want := range []string{
		"# Partial engagement report: lab",
		"- **Status:** exhausted",
		"- **Reason:** iteration limit reached",
		"excluded: `10.10.10.1`",
		"1 current (high: 1)",
		"[HIGH] SSH exposed",
		"**Supersedes:**",
		"Password auth enabled.",
		"1 earlier finding(s) were superseded",
		"| 1 | port_scan | allow | ok | 0 | 2s |",
		"| s-1 | local | local:/bin/sh | closed |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q\n%s", want, md)
		}
	}
	if strings.Contains(md, "[MEDIUM]") {
		t.Error("superseded finding listed as current")
	}
}

func TestMarkdown_EvidenceDigest(t *testing.T) {
	e := testEngagement(t)
	e.AddFinding(engagement.Finding{Severity: "info", Title: "SSH banner", Target: "10.10.10.5", Evidence: []string{"c-1", "c-gone"}})
	e.Status = engagement.StatusCompleted

	md := Markdown(Input{Engagement: e})
	if !strings.HasPrefix(md, "# Engagement report: lab") {
		t.Errorf("completed report titled as partial:\n%s", md)
	}
	if !strings.Contains(md, "22/tcp open ssh OpenSSH 8.9p1") {
		t.Error("evidence digest not included")
	}
	if !strings.Contains(md, "`c-gone` (no longer retained)") {
		t.Error("missing evidence not noted")
	}
}

func TestMarkdown_Empty(t *testing.T) {
	e, _ := engagement.New("empty", "", engagement.Scope{Targets: []string{"example.com"}, PassiveOnly: true})
	md := Markdown(Input{Engagement: e})
	for _, want := range []string{"No findings recorded.", "No actions recorded.", "passive only"} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestCell(t *testing.T) {
	if got := cell("a|b`c\nd"); got != `a\|b'c d` {
		t.Errorf("cell = %q", got)
	}
}

func TestWrite(t *testing.T) {
	e := testEngagement(t)
	dir := filepath.Join(t.TempDir(), "reports")

	path, err := Write(dir, Input{Engagement: e})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Base(path) != e.ID+".md" {
		t.Errorf("path = %s", path)
	}
	html, err := os.ReadFile(filepath.Join(dir, e.ID+".html"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"<h1>Partial engagement report: lab</h1>", "<table>", "<td>port_scan</td>"} {
		if !strings.Contains(string(html), want) {
			t.Errorf("html missing %q", want)
		}
	}
}
