// Package engagement defines the root aggregate of a Talon run: the
// authorized scope, the current phase, recorded findings and the
// bounded command history. An Engagement is owned by exactly one
// orchestrator loop and is not safe for concurrent mutation; other
// readers (the checkpoint store, the operator surface) work from a
// [Engagement.Snapshot].
package engagement

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Phase is a step in the ordered engagement lifecycle.
type Phase int

const (
	PhasePlanning Phase = iota
	PhaseRecon
	PhaseScanning
	PhaseVulnAssessment
	PhaseExploitation
	PhasePostExploitation
	PhaseReporting
	PhaseCleanup
)

var phaseNames = []string{
	"planning",
	"recon",
	"scanning",
	"vuln-assessment",
	"exploitation",
	"post-exploitation",
	"reporting",
	"cleanup",
}

// PhaseNames lists the phases in order.
func PhaseNames() []string {
	return append([]string(nil), phaseNames...)
}

// String returns the canonical phase name.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p >= PhasePlanning && p <= PhaseCleanup
}

// Next returns the phase after p and false when p is the last phase.
func (p Phase) Next() (Phase, bool) {
	if p >= PhaseCleanup {
		return p, false
	}
	return p + 1, true
}

// ParsePhase converts a case-insensitive phase name.
func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range phaseNames {
		if s == name {
			return Phase(i), nil
		}
	}
	return PhasePlanning, fmt.Errorf("unknown phase %q", s)
}

// MarshalText encodes the phase by name so checkpoints stay readable.
func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid phase %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	parsed, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status is the run state of an engagement.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusExhausted Status = "exhausted"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExhausted || s == StatusAborted
}

// DefaultHistoryLimit bounds the command-history tail.
const DefaultHistoryLimit = 50

// HistoryEntry records one validated action attempt and its outcome.
// Digest is the bounded compressed output; raw tool output is never
// retained.
type HistoryEntry struct {
	CorrelationID string        `json:"correlation_id"`
	Iteration     int           `json:"iteration"`
	Tool          string        `json:"tool"`
	SessionID     string        `json:"session_id,omitempty"`
	ArgsPreview   string        `json:"args_preview"`
	Targets       []string      `json:"targets,omitempty"`
	Verdict       string        `json:"verdict"`
	Status        string        `json:"status"`
	ExitCode      int           `json:"exit_code"`
	Duration      time.Duration `json:"duration"`
	Digest        string        `json:"digest,omitempty"`
	At            time.Time     `json:"at"`
}

// Engagement is one bounded run of the orchestration loop against an
// authorized scope.
type Engagement struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Objective      string         `json:"objective,omitempty"`
	Scope          Scope          `json:"scope"`
	Phase          Phase          `json:"phase"`
	Status         Status         `json:"status"`
	Iteration      int            `json:"iteration"`
	Findings       []Finding      `json:"findings"`
	History        []HistoryEntry `json:"history"`
	HistoryLimit   int            `json:"history_limit"`
	CatalogVersion string         `json:"catalog_version,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	scope *ScopeSet
}

// New creates an engagement in the planning phase. The scope is
// compiled immediately so an unusable scope fails before any action
// is proposed.
func New(name, objective string, scope Scope) (*Engagement, error) {
	set, err := scope.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile scope: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now().UTC()
	return &Engagement{
		ID:           id.String(),
		Name:         name,
		Objective:    objective,
		Scope:        scope,
		Phase:        PhasePlanning,
		Status:       StatusRunning,
		HistoryLimit: DefaultHistoryLimit,
		CreatedAt:    now,
		UpdatedAt:    now,
		scope:        set,
	}, nil
}

// ScopeSet returns the compiled scope, compiling it on first use after
// the engagement was restored from a checkpoint.
func (e *Engagement) ScopeSet() (*ScopeSet, error) {
	if e.scope == nil {
		set, err := e.Scope.Compile()
		if err != nil {
			return nil, err
		}
		e.scope = set
	}
	return e.scope, nil
}

// Advance moves the engagement forward. Phases never move back.
func (e *Engagement) Advance(to Phase) error {
	if !to.Valid() {
		return fmt.Errorf("invalid phase %d", int(to))
	}
	if to < e.Phase {
		return fmt.Errorf("cannot move from %s back to %s", e.Phase, to)
	}
	e.Phase = to
	e.touch()
	return nil
}

// RecordCommand appends to the command history, keeping only the most
// recent HistoryLimit entries.
func (e *Engagement) RecordCommand(h HistoryEntry) {
	if h.At.IsZero() {
		h.At = time.Now().UTC()
	}
	h.Targets = append([]string(nil), h.Targets...)
	e.History = append(e.History, h)
	limit := e.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if over := len(e.History) - limit; over > 0 {
		e.History = append([]HistoryEntry(nil), e.History[over:]...)
	}
	e.touch()
}

// LookupDigest returns the retained digest for a correlation id.
func (e *Engagement) LookupDigest(correlationID string) (string, bool) {
	for i := len(e.History) - 1; i >= 0; i-- {
		if e.History[i].CorrelationID == correlationID {
			return e.History[i].Digest, true
		}
	}
	return "", false
}

// Snapshot returns a deep copy safe to hand to another goroutine.
func (e *Engagement) Snapshot() *Engagement {
	cp := *e
	cp.Scope = e.Scope.clone()
	cp.Findings = make([]Finding, len(e.Findings))
	for i, f := range e.Findings {
		cp.Findings[i] = f.clone()
	}
	cp.History = append([]HistoryEntry(nil), e.History...)
	return &cp
}

// Summary is a short multi-line state description included in every
// model request.
func (e *Engagement) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Engagement: %s (%s)\n", e.Name, e.ID)
	if e.Objective != "" {
		fmt.Fprintf(&sb, "Objective: %s\n", e.Objective)
	}
	fmt.Fprintf(&sb, "Phase: %s\n", e.Phase)
	fmt.Fprintf(&sb, "Scope: %s\n", strings.Join(e.Scope.Targets, ", "))
	if len(e.Scope.Exclusions) > 0 {
		fmt.Fprintf(&sb, "Excluded: %s\n", strings.Join(e.Scope.Exclusions, ", "))
	}
	if e.Scope.PassiveOnly {
		sb.WriteString("Constraint: passive-only (no scanning or exploitation)\n")
	}
	current := e.CurrentFindings()
	fmt.Fprintf(&sb, "Findings: %d recorded, %d current\n", len(e.Findings), len(current))
	for _, f := range current {
		fmt.Fprintf(&sb, "- [%s] %s @ %s\n", f.Severity, f.Title, f.Target)
	}
	return sb.String()
}

func (e *Engagement) touch() {
	e.UpdatedAt = time.Now().UTC()
}
