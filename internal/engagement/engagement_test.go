package engagement

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestEngagement(t *testing.T) *Engagement {
	t.Helper()
	e, err := New("lab", "map the lab", Scope{Targets: []string{"10.10.10.0/24", "lab.example"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNew_RequiresScope(t *testing.T) {
	if _, err := New("empty", "", Scope{}); err == nil {
		t.Fatal("expected error for empty scope")
	}
	if _, err := New("bad", "", Scope{Targets: []string{"not a host!"}}); err == nil {
		t.Fatal("expected error for unparseable scope target")
	}
}

func TestPhase_ForwardOnly(t *testing.T) {
	e := newTestEngagement(t)
	if e.Phase != PhasePlanning {
		t.Fatalf("initial phase = %s", e.Phase)
	}
	if err := e.Advance(PhaseScanning); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := e.Advance(PhaseRecon); err == nil {
		t.Error("expected error moving backwards")
	}
	if e.Phase != PhaseScanning {
		t.Errorf("phase = %s, want scanning", e.Phase)
	}
	next, ok := PhaseCleanup.Next()
	if ok || next != PhaseCleanup {
		t.Errorf("Cleanup.Next() = %s, %v", next, ok)
	}
}

func TestPhase_TextRoundTrip(t *testing.T) {
	data, err := json.Marshal(PhaseVulnAssessment)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"vuln-assessment"` {
		t.Errorf("marshal = %s", data)
	}
	var p Phase
	if err := json.Unmarshal([]byte(`"Post-Exploitation"`), &p); err != nil {
		t.Fatal(err)
	}
	if p != PhasePostExploitation {
		t.Errorf("unmarshal = %s", p)
	}
}

func TestAddFinding_Supersedes(t *testing.T) {
	e := newTestEngagement(t)

	first, err := e.AddFinding(Finding{Severity: "medium", Title: "Open SMB", Target: "10.10.10.5"})
	if err != nil {
		t.Fatalf("AddFinding: %v", err)
	}
	if first.ID == "" || first.Supersedes != "" {
		t.Errorf("first = %+v", first)
	}

	second, err := e.AddFinding(Finding{Severity: "HIGH", Title: "open smb", Target: "10.10.10.5"})
	if err != nil {
		t.Fatalf("AddFinding: %v", err)
	}
	if second.Supersedes != first.ID {
		t.Errorf("Supersedes = %q, want %q", second.Supersedes, first.ID)
	}
	if second.Severity != SeverityHigh {
		t.Errorf("severity = %q", second.Severity)
	}

	if len(e.Findings) != 2 {
		t.Fatalf("len(Findings) = %d, want 2 (append-only)", len(e.Findings))
	}
	current := e.CurrentFindings()
	if len(current) != 1 || current[0].ID != second.ID {
		t.Errorf("CurrentFindings = %+v", current)
	}
}

func TestAddFinding_Validation(t *testing.T) {
	e := newTestEngagement(t)
	tests := []Finding{
		{Severity: "high", Target: "10.10.10.5"},
		{Severity: "high", Title: "x"},
		{Severity: "severe", Title: "x", Target: "10.10.10.5"},
	}
	for _, f := range tests {
		if _, err := e.AddFinding(f); err == nil {
			t.Errorf("AddFinding(%+v) should fail", f)
		}
	}
	if len(e.Findings) != 0 {
		t.Errorf("invalid findings were recorded")
	}
}

func TestCurrentFindings_SeverityOrder(t *testing.T) {
	e := newTestEngagement(t)
	e.AddFinding(Finding{Severity: "low", Title: "banner", Target: "10.10.10.1"})
	e.AddFinding(Finding{Severity: "critical", Title: "rce", Target: "10.10.10.2"})
	e.AddFinding(Finding{Severity: "medium", Title: "tls", Target: "10.10.10.3"})

	got := e.CurrentFindings()
	want := []Severity{SeverityCritical, SeverityMedium, SeverityLow}
	for i, f := range got {
		if f.Severity != want[i] {
			t.Errorf("finding %d severity = %s, want %s", i, f.Severity, want[i])
		}
	}
}

func TestRecordCommand_BoundedHistory(t *testing.T) {
	e := newTestEngagement(t)
	e.HistoryLimit = 3
	for i := 0; i < 5; i++ {
		e.RecordCommand(HistoryEntry{CorrelationID: string(rune('a' + i)), Digest: "out"})
	}
	if len(e.History) != 3 {
		t.Fatalf("len(History) = %d, want 3", len(e.History))
	}
	if e.History[0].CorrelationID != "c" {
		t.Errorf("oldest retained = %q, want c", e.History[0].CorrelationID)
	}
	if _, ok := e.LookupDigest("a"); ok {
		t.Error("evicted digest should not be found")
	}
	if d, ok := e.LookupDigest("e"); !ok || d != "out" {
		t.Errorf("LookupDigest(e) = %q, %v", d, ok)
	}
}

func TestSnapshot_IsIndependent(t *testing.T) {
	e := newTestEngagement(t)
	e.AddFinding(Finding{Severity: "info", Title: "a", Target: "10.10.10.1", Evidence: []string{"c1"}})
	snap := e.Snapshot()

	e.Findings[0].Evidence[0] = "mutated"
	e.Scope.Targets[0] = "192.0.2.0/24"
	e.RecordCommand(HistoryEntry{CorrelationID: "x"})

	if snap.Findings[0].Evidence[0] != "c1" {
		t.Error("snapshot evidence aliased")
	}
	if snap.Scope.Targets[0] != "10.10.10.0/24" {
		t.Error("snapshot scope aliased")
	}
	if len(snap.History) != 0 {
		t.Error("snapshot history aliased")
	}
}

func TestSummary(t *testing.T) {
	e := newTestEngagement(t)
	e.AddFinding(Finding{Severity: "high", Title: "weak ssh", Target: "10.10.10.9"})
	s := e.Summary()
	for _, want := range []string{"Phase: planning", "10.10.10.0/24", "[high] weak ssh @ 10.10.10.9"} {
		if !strings.Contains(s, want) {
			t.Errorf("Summary missing %q:\n%s", want, s)
		}
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eng.yaml")
	os.WriteFile(path, []byte(`name: acme
objective: find exposed services
phase: recon
history_limit: 10
scope:
  targets: [203.0.113.0/28, acme.example]
  exclusions: [203.0.113.1]
`), 0600)

	e, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if e.Name != "acme" || e.Phase != PhaseRecon || e.HistoryLimit != 10 {
		t.Errorf("loaded = %+v", e)
	}
	set, err := e.ScopeSet()
	if err != nil {
		t.Fatal(err)
	}
	if set.Contains("203.0.113.1") {
		t.Error("exclusion not applied")
	}
	if !set.Contains("www.acme.example") {
		t.Error("subdomain should be in scope")
	}
}

func TestLoadFile_MissingName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eng.yaml")
	os.WriteFile(path, []byte("scope:\n  targets: [10.0.0.1]\n"), 0600)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for missing name")
	}
}
