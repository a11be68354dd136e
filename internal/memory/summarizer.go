package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/talon/internal/prompts"
)

// Summarizer condenses a batch of entries into one summary text.
type Summarizer interface {
	Summarize(ctx context.Context, entries []Entry) (string, error)
}

// LLMSummarizer asks a model for the summary.
type LLMSummarizer struct {
	llmFunc func(ctx context.Context, prompt string) (string, error)
}

// NewLLMSummarizer returns a summarizer that sends the compaction
// prompt through llmFunc.
func NewLLMSummarizer(llmFunc func(ctx context.Context, prompt string) (string, error)) *LLMSummarizer {
	return &LLMSummarizer{llmFunc: llmFunc}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, entries []Entry) (string, error) {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(formatLine(e))
		sb.WriteByte('\n')
	}
	out, err := s.llmFunc(ctx, prompts.CompactionPrompt(sb.String()))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty summary")
	}
	return out, nil
}

// SimpleSummarizer builds an extractive summary without a model. It is
// the fallback when the model summarizer fails.
type SimpleSummarizer struct {
	// LineChars bounds each kept line. Zero means 160.
	LineChars int
}

// Summarize implements Summarizer.
func (s *SimpleSummarizer) Summarize(_ context.Context, entries []Entry) (string, error) {
	width := s.LineChars
	if width <= 0 {
		width = 160
	}

	var actions, results, notes []string
	for _, e := range entries {
		line := firstLine(e.Content, width)
		switch e.Kind {
		case KindAction:
			actions = append(actions, "- "+line)
		case KindResult:
			results = append(results, "- "+line)
		case KindSummary:
			notes = append(notes, "- (earlier) "+line)
		default:
			notes = append(notes, "- "+line)
		}
	}

	var sb strings.Builder
	section := func(title string, lines []string, limit int) {
		if len(lines) == 0 {
			return
		}
		sb.WriteString(title + ":\n")
		for _, l := range lines[:min(limit, len(lines))] {
			sb.WriteString(l + "\n")
		}
		if len(lines) > limit {
			fmt.Fprintf(&sb, "- ... %d more\n", len(lines)-limit)
		}
	}
	section("Actions taken", actions, 10)
	section("Results", results, 10)
	section("Notes", notes, 5)
	if sb.Len() == 0 {
		return "No activity.", nil
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

func formatLine(e Entry) string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("[%s %s] %s", e.Kind, e.CorrelationID, e.Content)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Content)
}

func firstLine(s string, width int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > width {
		s = s[:width] + "..."
	}
	return s
}
