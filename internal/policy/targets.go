package policy

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/nugget/talon/internal/engagement"
	"github.com/nugget/talon/internal/tools"
)

// targetArgs names the argument holding the destination for each tool
// that has one.
var targetArgs = map[tools.ID]string{
	tools.PortScan:         "target",
	tools.TemplateVulnScan: "target",
	tools.ExploitRun:       "rhosts",
	tools.ConnectSession:   "host",
}

// fileExtensions are suffixes that make a dotted token a file name
// rather than a host.
var fileExtensions = map[string]bool{
	"txt": true, "xml": true, "json": true, "jsonl": true, "log": true,
	"sh": true, "py": true, "rb": true, "pl": true, "conf": true, "csv": true,
	"out": true, "nse": true, "yaml": true, "yml": true, "gnmap": true,
	"nmap": true, "html": true, "lst": true, "rc": true, "pem": true, "key": true,
}

// extractTargets returns every destination the call would touch.
// Structured tools name their targets in arguments; execute_command is
// scanned for addresses, URLs and, after network tools, host names.
func extractTargets(call tools.Call) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	if arg, ok := targetArgs[call.Tool]; ok {
		raw := call.String(arg)
		if call.Tool == tools.ConnectSession && isLocal(raw) {
			return nil, nil
		}
		for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || unicode.IsSpace(r) }) {
			if _, err := engagement.ParseTarget(part); err != nil {
				return nil, fmt.Errorf("unrecognized target %q", part)
			}
			add(part)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%s requires a target", call.Tool)
		}
		switch call.Tool {
		case tools.PortScan:
			extra, err := flagTargets(call.String("flags"))
			if err != nil {
				return nil, err
			}
			for _, t := range extra {
				add(t)
			}
		case tools.ExploitRun:
			if err := checkModuleOptions(call.String("options")); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	if call.Tool != tools.ExecuteCommand {
		return nil, nil
	}

	toks := tokenize(call.String("command"))
	network := false
	for _, tok := range toks {
		if networkBinaries[tok[strings.LastIndex(tok, "/")+1:]] {
			network = true
			break
		}
	}
	for _, tok := range toks {
		if _, v, ok := strings.Cut(tok, "="); ok && strings.HasPrefix(tok, "-") {
			tok = v
		}
		tok = strings.TrimRight(tok, ",.")
		if looksLikeTarget(tok, network) {
			add(tok)
		}
	}
	return out, nil
}

// targetListFlags make nmap read or invent its own target list.
var targetListFlags = []string{"-iL", "-iR"}

// flagTargets returns the positional hosts hidden in extra scanner
// flags; nmap scans every bare host it is given, not only the named
// target.
func flagTargets(flags string) ([]string, error) {
	var out []string
	for _, tok := range strings.Fields(flags) {
		for _, f := range targetListFlags {
			if tok == f || strings.HasPrefix(tok, f+"=") {
				return nil, fmt.Errorf("flag %s is not permitted; name targets in the target argument", f)
			}
		}
		if _, v, ok := strings.Cut(tok, "="); ok && strings.HasPrefix(tok, "-") {
			tok = v
		}
		tok = strings.TrimRight(tok, ",")
		if looksLikeTarget(tok, true) {
			out = append(out, tok)
		}
	}
	return out, nil
}

// checkModuleOptions refuses exploit options that would re-point the
// module away from the checked rhosts argument.
func checkModuleOptions(options string) error {
	for _, kv := range strings.Fields(options) {
		k, _, _ := strings.Cut(kv, "=")
		if tools.IsHostOption(k) {
			return fmt.Errorf("option %s must be given as the rhosts argument", strings.ToUpper(k))
		}
	}
	return nil
}

func looksLikeTarget(tok string, network bool) bool {
	if tok == "" || strings.HasPrefix(tok, "-") {
		return false
	}
	if strings.Contains(tok, "://") {
		_, err := engagement.ParseTarget(tok)
		return err == nil || network
	}
	t, err := engagement.ParseTarget(tok)
	if err != nil {
		return false
	}
	if t.Domain == "" {
		// Address, prefix or range. Bare integers never parse as
		// addresses, so port numbers are not caught here.
		return true
	}
	if !network || strings.Contains(tok, "/") {
		return false
	}
	labels := strings.Split(t.Domain, ".")
	last := labels[len(labels)-1]
	if len(labels) < 2 || fileExtensions[last] {
		return false
	}
	for _, r := range last {
		if !unicode.IsLetter(r) && r != '-' {
			return false
		}
	}
	return true
}

// tokenize splits a command line on whitespace, quotes and shell
// operators.
func tokenize(cmd string) []string {
	return strings.FieldsFunc(cmd, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(";|&()<>`\"'", r)
	})
}
