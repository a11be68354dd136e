// Package checkpoint persists engagement state so a run can survive a
// crash and be resumed. Each engagement has one record, replaced
// atomically on every save.
package checkpoint

import (
	"errors"
	"time"

	"github.com/nugget/talon/internal/engagement"
	"github.com/nugget/talon/internal/memory"
	"github.com/nugget/talon/internal/session"
)

// RecordVersion is the on-disk format revision.
const RecordVersion = 1

// ErrNotFound is returned when no record exists for an engagement id.
var ErrNotFound = errors.New("checkpoint not found")

// Trigger describes what caused a checkpoint.
type Trigger string

const (
	TriggerIteration Trigger = "iteration" // end of a loop iteration
	TriggerPhase     Trigger = "phase"     // phase transition
	TriggerTerminal  Trigger = "terminal"  // run ended
	TriggerStart     Trigger = "start"     // engagement created or resumed
)

// Record is the persisted state of one engagement.
type Record struct {
	Version    int                    `json:"version"`
	Trigger    Trigger                `json:"trigger"`
	SavedAt    time.Time              `json:"saved_at"`
	Engagement *engagement.Engagement `json:"engagement"`
	Memory     memory.State           `json:"memory"`
	// Sessions describes the sessions open at save time. Sessions are
	// not restorable; this is for operator status only.
	Sessions []session.Info `json:"sessions,omitempty"`
}

// Summary is a short description of a stored record.
type Summary struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Phase     engagement.Phase  `json:"phase"`
	Status    engagement.Status `json:"status"`
	Iteration int               `json:"iteration"`
	Findings  int               `json:"findings"`
	SavedAt   time.Time         `json:"saved_at"`
}

func (r *Record) summary() Summary {
	e := r.Engagement
	return Summary{
		ID:        e.ID,
		Name:      e.Name,
		Phase:     e.Phase,
		Status:    e.Status,
		Iteration: e.Iteration,
		Findings:  len(e.CurrentFindings()),
		SavedAt:   r.SavedAt,
	}
}
