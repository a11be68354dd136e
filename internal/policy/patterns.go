package policy

import (
	"fmt"
	"regexp"
)

// DefaultForbiddenPatterns are command shapes that are never run,
// whatever the scope or operator approval.
func DefaultForbiddenPatterns() []string {
	return []string{
		`\brm\s+(-\S+\s+)*-\S*[rR]\S*\s+(-\S+\s+)*/\*?(\s|$)`, // rm -rf /
		`\bmkfs(\.\w+)?\b`,
		`\bdd\s+if=`,
		`>\s*/dev/(sd|nvme|hd|xvd)[a-z0-9]*`,
		`\bchmod\s+-R\s+777\s+/(\s|$)`,
		`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`, // fork bomb
		`\biptables\s+(-F|--flush)\b`,
		`\b(shutdown|reboot|halt|poweroff)\b`,
		`\bhistory\s+-c\b`,
	}
}

// DefaultApprovalPatterns are execute_command shapes that change
// target state irreversibly and need an operator decision.
func DefaultApprovalPatterns() []string {
	return []string{
		`\bmsfconsole\b`,
		`\bsqlmap\b.*--(os-shell|os-pwn|file-write|sql-shell)`,
		`\bhydra\b`,
		`\brm\s`,
		`\b(useradd|userdel|usermod|passwd|chpasswd)\b`,
		`\bsystemctl\s+(stop|disable|restart|mask)\b`,
		`\b(kill|pkill|killall)\b`,
		`\bcrontab\b`,
		`>\s*/(etc|var|usr|boot|root)/`,
	}
}

// DefaultApprovalTools always require approval.
func DefaultApprovalTools() []string {
	return []string{"exploit_run", "write_file", "connect_session"}
}

// activeBinaries generate traffic toward targets when invoked through
// execute_command; a passive-only scope refuses them.
var activeBinaries = []string{
	"nmap", "masscan", "zmap", "nuclei", "nikto", "sqlmap", "hydra",
	"msfconsole", "gobuster", "ffuf", "wfuzz", "feroxbuster", "crackmapexec",
	"netexec", "enum4linux", "smbclient", "wpscan",
}

// networkBinaries take host names as positional arguments, so bare
// domain names after them are treated as targets.
var networkBinaries = map[string]bool{
	"ping": true, "curl": true, "wget": true, "nc": true, "ncat": true,
	"ssh": true, "dig": true, "host": true, "nslookup": true, "whois": true,
	"traceroute": true, "telnet": true, "openssl": true,
}

func init() {
	for _, b := range activeBinaries {
		networkBinaries[b] = true
	}
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// rateFlags are throughput options recognised inside free-form
// commands. Submatch 4 is the numeric value.
var rateFlags = regexp.MustCompile(`(^|\s)(--max-rate|--min-rate|-rate-limit|-rl|--rate|-rate)([ =])(\d+)`)
