package compress

import (
	"fmt"
	"strings"

	"github.com/Ullaakut/nmap/v3"
)

// ParseNmapXML summarizes nmap XML output as one line per host and one
// line per open port.
func ParseNmapXML(raw string) (string, bool) {
	start := strings.Index(raw, "<?xml")
	if start < 0 {
		start = strings.Index(raw, "<nmaprun")
	}
	if start < 0 {
		return "", false
	}
	run := &nmap.Run{}
	if err := nmap.Parse([]byte(raw[start:]), run); err != nil {
		return "", false
	}

	var b strings.Builder
	up := 0
	for _, h := range run.Hosts {
		addr := pickHostAddress(h)
		if addr == "" {
			continue
		}
		if !strings.EqualFold(h.Status.State, "up") && len(h.Ports) == 0 {
			continue
		}
		up++
		line := "host " + addr
		if len(h.Hostnames) > 0 && h.Hostnames[0].Name != "" {
			line += " (" + h.Hostnames[0].Name + ")"
		}
		open := 0
		for _, p := range h.Ports {
			if strings.HasPrefix(strings.ToLower(p.State.State), "open") {
				open++
			}
		}
		fmt.Fprintf(&b, "%s: %d open\n", line, open)

		for _, p := range h.Ports {
			state := strings.ToLower(p.State.State)
			if !strings.HasPrefix(state, "open") {
				continue
			}
			fmt.Fprintf(&b, "  %d/%s %s", p.ID, p.Protocol, state)
			if svc := describeService(p.Service); svc != "" {
				b.WriteString(" " + svc)
			}
			b.WriteByte('\n')
		}
	}
	if up == 0 {
		b.WriteString("no hosts up\n")
	}
	if s := run.Stats.Finished.Summary; s != "" {
		b.WriteString(s + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n"), true
}

func describeService(s nmap.Service) string {
	parts := make([]string, 0, 4)
	name := s.Name
	if s.Tunnel != "" && name != "" {
		name = s.Tunnel + "/" + name
	}
	for _, p := range []string{name, s.Product, s.Version} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if s.ExtraInfo != "" {
		parts = append(parts, "("+s.ExtraInfo+")")
	}
	return strings.Join(parts, " ")
}

// pickHostAddress prefers IPv4, then IPv6, then whatever comes first.
func pickHostAddress(h nmap.Host) string {
	for _, a := range h.Addresses {
		if a.AddrType == "ipv4" {
			return a.Addr
		}
	}
	for _, a := range h.Addresses {
		if a.AddrType == "ipv6" {
			return a.Addr
		}
	}
	if len(h.Addresses) > 0 {
		return h.Addresses[0].Addr
	}
	return ""
}
