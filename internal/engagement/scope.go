package engagement

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"go4.org/netipx"
	"golang.org/x/net/idna"
)

// Scope is the operator-authored authorization boundary. Entries may
// be IP addresses, CIDR prefixes, dash ranges (10.0.0.5-20 or
// 10.0.0.5-10.0.0.20) or domain names. A domain authorizes its
// subdomains. Exclusions always win over targets.
type Scope struct {
	Targets     []string `json:"targets" yaml:"targets"`
	Exclusions  []string `json:"exclusions,omitempty" yaml:"exclusions"`
	PassiveOnly bool     `json:"passive_only,omitempty" yaml:"passive_only"`
}

func (s Scope) clone() Scope {
	s.Targets = append([]string(nil), s.Targets...)
	s.Exclusions = append([]string(nil), s.Exclusions...)
	return s
}

// ScopeSet is the compiled form of a Scope.
type ScopeSet struct {
	ips         *netipx.IPSet
	domains     []string
	excluded    []string
	passiveOnly bool
}

// Compile validates every entry and builds the lookup set. An empty
// target list is an error: an engagement with no scope can authorize
// nothing.
func (s Scope) Compile() (*ScopeSet, error) {
	if len(s.Targets) == 0 {
		return nil, fmt.Errorf("scope has no targets")
	}

	var b netipx.IPSetBuilder
	set := &ScopeSet{passiveOnly: s.PassiveOnly}

	for _, raw := range s.Targets {
		t, err := ParseTarget(raw)
		if err != nil {
			return nil, fmt.Errorf("scope target %q: %w", raw, err)
		}
		if t.Domain != "" {
			set.domains = append(set.domains, t.Domain)
			continue
		}
		b.AddRange(t.Range)
	}
	for _, raw := range s.Exclusions {
		t, err := ParseTarget(raw)
		if err != nil {
			return nil, fmt.Errorf("scope exclusion %q: %w", raw, err)
		}
		if t.Domain != "" {
			set.excluded = append(set.excluded, t.Domain)
			continue
		}
		b.RemoveRange(t.Range)
	}

	ips, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("build ip set: %w", err)
	}
	set.ips = ips
	return set, nil
}

// PassiveOnly reports whether active tooling is prohibited.
func (s *ScopeSet) PassiveOnly() bool {
	return s.passiveOnly
}

// Contains reports whether every address the target denotes is inside
// the scope. Targets that cannot be parsed are never in scope.
func (s *ScopeSet) Contains(raw string) bool {
	ok, _ := s.Check(raw)
	return ok
}

// Check is Contains with a reason suitable for a policy decision.
func (s *ScopeSet) Check(raw string) (bool, string) {
	t, err := ParseTarget(raw)
	if err != nil {
		return false, fmt.Sprintf("unrecognized target %q", raw)
	}
	if t.Domain != "" {
		for _, ex := range s.excluded {
			if domainCovers(ex, t.Domain) {
				return false, fmt.Sprintf("%s is explicitly excluded", t.Domain)
			}
		}
		for _, d := range s.domains {
			if domainCovers(d, t.Domain) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("%s is outside the authorized scope", t.Domain)
	}
	if s.ips.ContainsRange(t.Range) {
		return true, ""
	}
	return false, fmt.Sprintf("%s is outside the authorized scope", raw)
}

// Target is a parsed address expression. Exactly one of Range and
// Domain is set.
type Target struct {
	Range  netipx.IPRange
	Domain string
}

// ParseTarget parses an IP, CIDR prefix, dash range, host:port, URL or
// domain name into a Target.
func ParseTarget(raw string) (Target, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Target{}, fmt.Errorf("empty target")
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Hostname() == "" {
			return Target{}, fmt.Errorf("invalid url")
		}
		s = u.Hostname()
	} else if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}

	if p, err := netip.ParsePrefix(s); err == nil {
		return Target{Range: netipx.RangeOfPrefix(p.Masked())}, nil
	}
	if a, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
		return Target{Range: netipx.IPRangeFrom(a.Unmap(), a.Unmap())}, nil
	}
	if host, port, err := net.SplitHostPort(s); err == nil {
		if _, perr := strconv.Atoi(port); perr == nil {
			return ParseTarget(host)
		}
	}
	if r, ok := parseDashRange(s); ok {
		return Target{Range: r}, nil
	}

	d, err := normalizeDomain(s)
	if err != nil {
		return Target{}, err
	}
	return Target{Domain: d}, nil
}

// parseDashRange accepts "10.0.0.5-10.0.0.20" and the nmap shorthand
// "10.0.0.5-20".
func parseDashRange(s string) (netipx.IPRange, bool) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return netipx.IPRange{}, false
	}
	from, err := netip.ParseAddr(lo)
	if err != nil || !from.Is4() {
		return netipx.IPRange{}, false
	}
	to, err := netip.ParseAddr(hi)
	if err != nil {
		n, aerr := strconv.Atoi(hi)
		if aerr != nil || n < 0 || n > 255 {
			return netipx.IPRange{}, false
		}
		b := from.As4()
		b[3] = byte(n)
		to = netip.AddrFrom4(b)
	}
	r := netipx.IPRangeFrom(from, to)
	if !r.IsValid() {
		return netipx.IPRange{}, false
	}
	return r, true
}

func normalizeDomain(s string) (string, error) {
	s = strings.TrimSuffix(strings.ToLower(s), ".")
	s = strings.TrimPrefix(s, "*.")
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("invalid domain: %w", err)
	}
	if ascii == "" || (!strings.Contains(ascii, ".") && ascii != "localhost") {
		return "", fmt.Errorf("invalid domain %q", s)
	}
	for _, label := range strings.Split(ascii, ".") {
		if label == "" {
			return "", fmt.Errorf("invalid domain %q", s)
		}
	}
	return ascii, nil
}

// domainCovers reports whether host equals parent or is a subdomain.
func domainCovers(parent, host string) bool {
	return host == parent || strings.HasSuffix(host, "."+parent)
}
