package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Config sizes the memory tiers, in estimated tokens.
type Config struct {
	// ActiveBudget bounds the active tier. It is never exceeded after
	// Append returns.
	ActiveBudget int
	// SummarizedBudget bounds the summarized tier; the oldest
	// summaries overflow to the archive.
	SummarizedBudget int
	// CompactBatch is the minimum number of active entries condensed by
	// one compaction pass.
	CompactBatch int
	// ArchiveRetrieve is how many archived entries Context recalls.
	ArchiveRetrieve int
}

// DefaultConfig returns the standard tier sizes.
func DefaultConfig() Config {
	return Config{
		ActiveBudget:     6000,
		SummarizedBudget: 2000,
		CompactBatch:     8,
		ArchiveRetrieve:  5,
	}
}

// CompactResult describes one compaction pass.
type CompactResult struct {
	Condensed int
	Archived  int
	// Fallback is set when the model summarizer failed and the
	// extractive summary was used instead.
	Fallback bool
	Duration time.Duration
}

// State is the persisted form of the working tiers.
type State struct {
	Active     []Entry `json:"active"`
	Summarized []Entry `json:"summarized"`
}

// Manager owns an engagement's memory. It is safe for concurrent use,
// though the loop is its only writer.
type Manager struct {
	engagementID string
	cfg          Config
	summarizer   Summarizer
	fallback     Summarizer
	archive      Archive
	logger       *slog.Logger
	onCompact    func(CompactResult)

	mu         sync.Mutex
	active     []Entry
	summarized []Entry
}

// NewManager returns an empty manager. summarizer may be nil, in which
// case only the extractive summary is used; archive may be nil, in
// which case overflowing summaries are dropped.
func NewManager(engagementID string, cfg Config, summarizer Summarizer, archive Archive, logger *slog.Logger) *Manager {
	d := DefaultConfig()
	if cfg.ActiveBudget <= 0 {
		cfg.ActiveBudget = d.ActiveBudget
	}
	if cfg.SummarizedBudget <= 0 {
		cfg.SummarizedBudget = d.SummarizedBudget
	}
	if cfg.CompactBatch <= 0 {
		cfg.CompactBatch = d.CompactBatch
	}
	if cfg.ArchiveRetrieve < 0 {
		cfg.ArchiveRetrieve = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	fallback := &SimpleSummarizer{}
	if summarizer == nil {
		summarizer = fallback
	}
	return &Manager{
		engagementID: engagementID,
		cfg:          cfg,
		summarizer:   summarizer,
		fallback:     fallback,
		archive:      archive,
		logger:       logger.With("engagement", engagementID),
	}
}

// OnCompact registers fn to be called after every compaction pass.
func (m *Manager) OnCompact(fn func(CompactResult)) {
	m.mu.Lock()
	m.onCompact = fn
	m.mu.Unlock()
}

// Append adds an entry to the active tier. If that pushes the tier over
// budget, a compaction pass runs before Append returns. An entry larger
// than the whole budget is clipped.
func (m *Manager) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		key := e.Key
		e = NewEntry(e.Kind, e.Content, e.CorrelationID)
		e.Key = key
	}
	if e.Tokens > m.cfg.ActiveBudget/2 {
		e.Content = clipToTokens(e.Content, m.cfg.ActiveBudget/2)
		e.Tokens = EstimateTokens(e.Content)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = append(m.active, e)
	if sumTokens(m.active) <= m.cfg.ActiveBudget {
		return nil
	}
	_, err := m.compactLocked(ctx, false)
	return err
}

// Compact runs one compaction pass regardless of pressure. The loop
// calls it when usage crosses its soft threshold.
func (m *Manager) Compact(ctx context.Context) (CompactResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compactLocked(ctx, true)
}

// compactLocked condenses the oldest CompactBatch active entries, or
// more until the tier is under budget. The newest entry always stays
// active. Must be called with m.mu held.
func (m *Manager) compactLocked(ctx context.Context, soft bool) (CompactResult, error) {
	start := time.Now()
	var res CompactResult

	if len(m.active) < 2 {
		return res, nil
	}
	n := min(m.cfg.CompactBatch, len(m.active)-1)
	for n < len(m.active)-1 && sumTokens(m.active[n:]) > m.cfg.ActiveBudget {
		n++
	}
	batch := append([]Entry(nil), m.active[:n]...)

	text, err := m.summarizer.Summarize(ctx, batch)
	if err != nil {
		m.logger.Warn("model summarizer failed; using extractive summary", "error", err, "entries", len(batch))
		res.Fallback = true
		text, err = m.fallback.Summarize(ctx, batch)
		if err != nil {
			return res, fmt.Errorf("summarize: %w", err)
		}
	}

	summary := NewEntry(KindSummary, formatSummary(batch, text), "")
	summary.Covers = len(batch)
	summary.Key = mergeKeys(batch)
	if summary.Tokens > m.cfg.SummarizedBudget {
		summary.Content = clipToTokens(summary.Content, m.cfg.SummarizedBudget)
		summary.Tokens = EstimateTokens(summary.Content)
	}

	m.active = append(m.active[:0:0], m.active[n:]...)
	m.summarized = append(m.summarized, summary)
	res.Condensed = len(batch)

	// Condensed originals stay searchable.
	m.store(ctx, ArchiveReasonCompaction, batch)

	cut := 0
	for cut < len(m.summarized)-1 && sumTokens(m.summarized[cut:]) > m.cfg.SummarizedBudget {
		cut++
	}
	if cut > 0 {
		overflow := append([]Entry(nil), m.summarized[:cut]...)
		m.summarized = append(m.summarized[:0:0], m.summarized[cut:]...)
		m.store(ctx, ArchiveReasonOverflow, overflow)
		res.Archived = len(overflow)
	}

	res.Duration = time.Since(start)
	m.logger.Info("memory compacted",
		"condensed", res.Condensed,
		"archived", res.Archived,
		"fallback", res.Fallback,
		"soft", soft,
		"active_tokens", sumTokens(m.active),
		"summarized_tokens", sumTokens(m.summarized),
		"elapsed", res.Duration.Round(time.Millisecond),
	)
	if m.onCompact != nil {
		m.onCompact(res)
	}
	return res, nil
}

func (m *Manager) store(ctx context.Context, reason ArchiveReason, entries []Entry) {
	if m.archive == nil {
		return
	}
	if err := m.archive.Store(ctx, m.engagementID, reason, entries); err != nil {
		m.logger.Warn("archive store failed", "reason", reason, "entries", len(entries), "error", err)
	}
}

func formatSummary(batch []Entry, text string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Summary of %d entries, %s to %s]\n",
		len(batch),
		batch[0].At.Format("15:04:05"),
		batch[len(batch)-1].At.Format("15:04:05"))
	sb.WriteString(text)
	return sb.String()
}

// Context returns the model's working context: archived entries
// relevant to query, then every summary, then every active entry.
// Archive failures are logged and skipped.
func (m *Manager) Context(ctx context.Context, query string) []Entry {
	m.mu.Lock()
	out := make([]Entry, 0, m.cfg.ArchiveRetrieve+len(m.summarized)+len(m.active))
	summarized := append([]Entry(nil), m.summarized...)
	active := append([]Entry(nil), m.active...)
	m.mu.Unlock()

	if m.archive != nil && m.cfg.ArchiveRetrieve > 0 && strings.TrimSpace(query) != "" {
		recalled, err := m.archive.Search(ctx, m.engagementID, query, m.cfg.ArchiveRetrieve)
		if err != nil {
			m.logger.Warn("archive search failed", "error", err)
		}
		out = append(out, recalled...)
	}
	out = append(out, summarized...)
	return append(out, active...)
}

// Usage reports active-tier tokens and the active budget.
func (m *Manager) Usage() (used, budget int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sumTokens(m.active), m.cfg.ActiveBudget
}

// Pressure is active usage as a fraction of the budget.
func (m *Manager) Pressure() float64 {
	used, budget := m.Usage()
	return float64(used) / float64(budget)
}

// State returns a copy of the working tiers for persistence.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Active:     append([]Entry(nil), m.active...),
		Summarized: append([]Entry(nil), m.summarized...),
	}
}

// Restore replaces the working tiers with s, compacting if the restored
// active tier no longer fits the configured budget.
func (m *Manager) Restore(ctx context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = append([]Entry(nil), s.Active...)
	m.summarized = append([]Entry(nil), s.Summarized...)
	if sumTokens(m.active) > m.cfg.ActiveBudget {
		_, err := m.compactLocked(ctx, false)
		return err
	}
	return nil
}

// Flush archives every working entry. Called when an engagement ends so
// the full record stays searchable.
func (m *Manager) Flush(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(ctx, ArchiveReasonShutdown, append(append([]Entry(nil), m.summarized...), m.active...))
}
