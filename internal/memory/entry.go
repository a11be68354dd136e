// Package memory keeps the engagement's working context within a token
// budget. Entries live in three tiers: active (recent, verbatim),
// summarized (condensed batches of old active entries) and archived
// (durable SQLite storage, retrieved by relevance on demand).
package memory

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a memory entry.
type Kind string

const (
	// KindNote is model reasoning or a plain-text reply.
	KindNote Kind = "note"
	// KindAction records a proposed tool call.
	KindAction Kind = "action"
	// KindResult is a compressed tool result or policy feedback.
	KindResult Kind = "result"
	// KindSummary condenses a batch of older entries.
	KindSummary Kind = "summary"
	// KindOperator is a message from the operator or the loop itself.
	KindOperator Kind = "operator"
)

// Entry is one unit of memory.
type Entry struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Content       string    `json:"content"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Key           string    `json:"key,omitempty"` // phase and targets; recall matches it first
	Tokens        int       `json:"tokens"`
	At            time.Time `json:"at"`
	// Covers is the number of entries a summary condenses.
	Covers int `json:"covers,omitempty"`
}

// NewEntry returns an entry with an id, timestamp and token estimate.
func NewEntry(kind Kind, content, correlationID string) Entry {
	id, _ := uuid.NewV7()
	return Entry{
		ID:            id.String(),
		Kind:          kind,
		Content:       content,
		CorrelationID: correlationID,
		Tokens:        EstimateTokens(content),
		At:            time.Now(),
	}
}

// SimilarityKey builds an entry key from a phase and the targets an
// entry concerns. Terms are lower-cased and deduplicated.
func SimilarityKey(phase string, targets []string) string {
	return joinTerms(append([]string{phase}, targets...))
}

// mergeKeys returns the union of the keys of entries, in first-seen
// order.
func mergeKeys(entries []Entry) string {
	var terms []string
	for _, e := range entries {
		terms = append(terms, strings.Fields(e.Key)...)
	}
	return joinTerms(terms)
}

func joinTerms(terms []string) string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return strings.Join(out, " ")
}

// EstimateTokens approximates the token count of text at four
// characters per token, rounding up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// clipToTokens shortens content so its estimate fits within budget.
func clipToTokens(content string, budget int) string {
	const marker = "\n[... clipped to fit memory ...]"
	limit := budget*4 - len(marker)
	if limit <= 0 {
		return ""
	}
	if len(content) <= budget*4 {
		return content
	}
	cut := limit
	for cut > 0 && content[cut]&0xC0 == 0x80 {
		cut--
	}
	return strings.TrimRight(content[:cut], " \n") + marker
}

func sumTokens(entries []Entry) int {
	n := 0
	for _, e := range entries {
		n += e.Tokens
	}
	return n
}
