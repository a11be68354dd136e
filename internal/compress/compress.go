// Package compress turns raw tool output into a bounded digest. Small
// output passes through unchanged; output from recognized scanners is
// reduced to a structured summary; everything else keeps its first and
// last lines around a marker recording how much was dropped.
//
// Compression is idempotent: a digest's text is itself within bounds,
// so compressing it again returns it unchanged.
package compress

import (
	"fmt"
	"log/slog"
	"strings"
)

// Format records how a digest was produced.
type Format string

const (
	FormatPassthrough Format = "passthrough"
	FormatTruncated   Format = "truncated"
	FormatNmap        Format = "nmap"
	FormatNuclei      Format = "nuclei"
)

// Digest is the bounded form of a tool result, the only form retained
// in memory and history.
type Digest struct {
	CorrelationID string `json:"correlation_id"`
	Tool          string `json:"tool"`
	ExitCode      int    `json:"exit_code"`
	Status        string `json:"status"`
	Format        Format `json:"format"`
	Text          string `json:"text"`
	TotalLines    int    `json:"total_lines"`
	Truncated     bool   `json:"truncated,omitempty"`
}

// Render formats the digest for the model: a header carrying the
// correlation id and exit status, then the text.
func (d Digest) Render() string {
	head := fmt.Sprintf("[%s id=%s exit=%d status=%s format=%s]", d.Tool, d.CorrelationID, d.ExitCode, d.Status, d.Format)
	if d.Text == "" {
		return head + "\n(no output)"
	}
	return head + "\n" + d.Text
}

// Config bounds digests.
type Config struct {
	// PassthroughChars is the size below which output is kept verbatim.
	PassthroughChars int
	// MaxLines bounds the number of lines in a digest.
	MaxLines int
	// MaxLineChars bounds the length of each digest line.
	MaxLineChars int
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{PassthroughChars: 2000, MaxLines: 200, MaxLineChars: 256}
}

// Parser extracts a structured summary from raw output. ok is false
// when the output is not in the parser's format.
type Parser func(raw string) (summary string, ok bool)

// Compressor produces digests. It holds no per-call state and is safe
// for concurrent use.
type Compressor struct {
	cfg     Config
	parsers map[string]namedParser
	logger  *slog.Logger
}

type namedParser struct {
	format Format
	parse  Parser
}

// New returns a compressor with the nmap and nuclei parsers registered
// for the port_scan and template_vuln_scan tools.
func New(cfg Config, logger *slog.Logger) *Compressor {
	d := DefaultConfig()
	if cfg.PassthroughChars <= 0 {
		cfg.PassthroughChars = d.PassthroughChars
	}
	if cfg.MaxLines < 3 {
		cfg.MaxLines = 3
	}
	if cfg.MaxLineChars < 32 {
		cfg.MaxLineChars = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Compressor{cfg: cfg, parsers: make(map[string]namedParser), logger: logger}
	c.Register("port_scan", FormatNmap, ParseNmapXML)
	c.Register("template_vuln_scan", FormatNuclei, ParseNucleiJSONL)
	return c
}

// Register installs a structured parser for tool.
func (c *Compressor) Register(tool string, format Format, p Parser) {
	c.parsers[tool] = namedParser{format: format, parse: p}
}

// Compress builds the digest for one tool result. Output that already
// fits passes through unchanged. Larger output from recognized tools is
// parsed into a structured summary, falling back to line truncation
// when it is not in the expected format.
func (c *Compressor) Compress(tool, correlationID string, exitCode int, status, raw string) Digest {
	d := Digest{
		CorrelationID: correlationID,
		Tool:          tool,
		ExitCode:      exitCode,
		Status:        status,
		TotalLines:    countLines(raw),
	}

	if c.Bounded(raw) {
		d.Format = FormatPassthrough
		d.Text = raw
		return d
	}

	if np, ok := c.parsers[tool]; ok {
		if summary, ok := np.parse(raw); ok {
			d.Format = np.format
			d.Text, d.Truncated = c.bound(summary)
			d.Truncated = d.Truncated || len(summary) < len(raw)
			return d
		}
		c.logger.Debug("structured parse failed; truncating", "tool", tool, "correlation_id", correlationID)
	}

	d.Format = FormatTruncated
	d.Text, d.Truncated = c.bound(raw)
	return d
}

// Bounded reports whether raw already fits: under the passthrough size
// or within both the line and line-length bounds.
func (c *Compressor) Bounded(raw string) bool {
	if len(raw) <= c.cfg.PassthroughChars {
		return true
	}
	lines := splitLines(raw)
	if len(lines) > c.cfg.MaxLines {
		return false
	}
	for _, l := range lines {
		if len(l) > c.cfg.MaxLineChars {
			return false
		}
	}
	return true
}

// bound applies head/tail truncation and per-line clipping.
func (c *Compressor) bound(s string) (string, bool) {
	if c.Bounded(s) {
		return s, false
	}
	lines := splitLines(s)
	total := len(lines)
	if total > c.cfg.MaxLines {
		keep := c.cfg.MaxLines - 1
		head := keep / 2
		tail := keep - head
		marker := fmt.Sprintf("[... %d of %d lines omitted ...]", total-keep, total)
		out := make([]string, 0, c.cfg.MaxLines)
		out = append(out, lines[:head]...)
		out = append(out, marker)
		out = append(out, lines[total-tail:]...)
		lines = out
	}
	for i, l := range lines {
		lines[i] = clipLine(l, c.cfg.MaxLineChars)
	}
	return strings.Join(lines, "\n"), true
}

func clipLine(l string, limit int) string {
	if len(l) <= limit {
		return l
	}
	const more = " [...]"
	cut := limit - len(more)
	// Don't split a multi-byte rune.
	for cut > 0 && cut < len(l) && l[cut]&0xC0 == 0x80 {
		cut--
	}
	return l[:cut] + more
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func countLines(s string) int {
	return len(splitLines(s))
}
