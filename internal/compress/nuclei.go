package compress

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/talon/internal/engagement"
	"github.com/tidwall/gjson"
)

type nucleiHit struct {
	severity engagement.Severity
	template string
	name     string
	matched  string
	extra    []string
}

// ParseNucleiJSONL summarizes nuclei -jsonl output, one line per
// match ordered by severity. Non-JSON lines (banners, progress) are
// skipped; output with no parseable match is not nuclei output.
func ParseNucleiJSONL(raw string) (string, bool) {
	var hits []nucleiHit
	counts := make(map[engagement.Severity]int)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' || !gjson.Valid(line) {
			continue
		}
		r := gjson.Parse(line)
		tmpl := r.Get("template-id").String()
		if tmpl == "" {
			continue
		}
		sev, err := engagement.ParseSeverity(r.Get("info.severity").String())
		if err != nil {
			sev = engagement.SeverityInfo
		}
		matched := r.Get("matched-at").String()
		if matched == "" {
			matched = r.Get("host").String()
		}
		h := nucleiHit{
			severity: sev,
			template: tmpl,
			name:     r.Get("info.name").String(),
			matched:  matched,
		}
		for _, e := range r.Get("extracted-results").Array() {
			h.extra = append(h.extra, e.String())
		}
		hits = append(hits, h)
		counts[sev]++
	}
	if len(hits) == 0 {
		return "", false
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].severity.Rank() > hits[j].severity.Rank()
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%d matches:", len(hits))
	for _, s := range engagement.Severities() {
		if n := counts[s]; n > 0 {
			fmt.Fprintf(&b, " %s=%d", s, n)
		}
	}
	b.WriteByte('\n')
	for _, h := range hits {
		fmt.Fprintf(&b, "[%s] %s %s", h.severity, h.template, h.matched)
		if h.name != "" {
			b.WriteString(" - " + h.name)
		}
		if len(h.extra) > 0 {
			b.WriteString(" [" + strings.Join(h.extra, ", ") + "]")
		}
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n"), true
}
