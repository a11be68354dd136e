package engagement

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities lists every severity, most severe first.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// Rank orders severities, critical highest. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// ParseSeverity converts a case-insensitive severity name.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q (valid: critical, high, medium, low, info)", s)
	}
	return sev, nil
}

// Finding is an immutable record of something discovered during the
// engagement. A later finding with the same target and title
// supersedes it; nothing is ever edited or removed.
type Finding struct {
	ID           string    `json:"id"`
	Severity     Severity  `json:"severity"`
	Title        string    `json:"title"`
	Target       string    `json:"target"`
	Phase        Phase     `json:"phase"`
	Evidence     []string  `json:"evidence,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Supersedes   string    `json:"supersedes,omitempty"`
}

func (f Finding) clone() Finding {
	f.Evidence = append([]string(nil), f.Evidence...)
	return f
}

func (f Finding) key() string {
	return strings.ToLower(strings.TrimSpace(f.Target)) + "\x00" + strings.ToLower(strings.TrimSpace(f.Title))
}

// AddFinding validates and appends a finding. ID, phase and discovery
// time are assigned here. If a finding with the same target and title
// already exists, the new one records which finding it supersedes.
func (e *Engagement) AddFinding(f Finding) (Finding, error) {
	if strings.TrimSpace(f.Title) == "" {
		return Finding{}, fmt.Errorf("finding title is required")
	}
	if strings.TrimSpace(f.Target) == "" {
		return Finding{}, fmt.Errorf("finding target is required")
	}
	sev, err := ParseSeverity(string(f.Severity))
	if err != nil {
		return Finding{}, err
	}
	f.Severity = sev

	id, err := uuid.NewV7()
	if err != nil {
		return Finding{}, fmt.Errorf("generate id: %w", err)
	}
	f.ID = id.String()
	f.Phase = e.Phase
	f.DiscoveredAt = time.Now().UTC()
	f.Supersedes = ""

	k := f.key()
	for i := len(e.Findings) - 1; i >= 0; i-- {
		if e.Findings[i].key() == k {
			f.Supersedes = e.Findings[i].ID
			break
		}
	}

	f = f.clone()
	e.Findings = append(e.Findings, f)
	e.touch()
	return f, nil
}

// CurrentFindings returns the latest finding for each target and
// title, ordered by severity then discovery time.
func (e *Engagement) CurrentFindings() []Finding {
	latest := make(map[string]int, len(e.Findings))
	for i, f := range e.Findings {
		latest[f.key()] = i
	}
	out := make([]Finding, 0, len(latest))
	for i, f := range e.Findings {
		if latest[f.key()] == i {
			out = append(out, f.clone())
		}
	}
	sortFindings(out)
	return out
}

func sortFindings(fs []Finding) {
	// insertion sort: finding lists are short and the order must be stable
	for i := 1; i < len(fs); i++ {
		for j := i; j > 0 && less(fs[j], fs[j-1]); j-- {
			fs[j], fs[j-1] = fs[j-1], fs[j]
		}
	}
}

func less(a, b Finding) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	return a.DiscoveredAt.Before(b.DiscoveredAt)
}
