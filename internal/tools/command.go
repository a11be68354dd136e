package tools

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BuildCommand renders a command-kind call to the shell command line
// run in its session. Scanner output formats are fixed so the
// compressor can parse them: nmap writes XML to stdout and nuclei
// writes JSON lines.
func BuildCommand(call Call) (string, error) {
	switch call.Tool {
	case ExecuteCommand:
		return call.String("command"), nil

	case PortScan:
		parts := []string{"nmap", "-oX", "-"}
		if p := call.String("ports"); p != "" {
			parts = append(parts, "-p", ShellQuote(p))
		}
		if r, ok := call.Int("rate"); ok && r > 0 {
			parts = append(parts, "--max-rate", strconv.Itoa(r))
		}
		for _, f := range strings.Fields(call.String("flags")) {
			parts = append(parts, ShellQuote(f))
		}
		parts = append(parts, ShellQuote(call.String("target")))
		return strings.Join(parts, " "), nil

	case TemplateVulnScan:
		parts := []string{"nuclei", "-jsonl", "-silent", "-u", ShellQuote(call.String("target"))}
		if t := call.String("templates"); t != "" {
			parts = append(parts, "-t", ShellQuote(t))
		}
		if s := call.String("severity"); s != "" {
			parts = append(parts, "-severity", ShellQuote(s))
		}
		if r, ok := call.Int("rate"); ok && r > 0 {
			parts = append(parts, "-rate-limit", strconv.Itoa(r))
		}
		return strings.Join(parts, " "), nil

	case ExploitRun:
		script, err := msfScript(call)
		if err != nil {
			return "", err
		}
		return "msfconsole -q -x " + ShellQuote(script), nil

	case ReadFile:
		return "cat -- " + ShellQuote(call.String("path")), nil

	case WriteFile:
		enc := base64.StdEncoding.EncodeToString([]byte(call.String("content")))
		return fmt.Sprintf("printf '%%s' %s | base64 -d > %s", ShellQuote(enc), ShellQuote(call.String("path"))), nil
	}
	return "", fmt.Errorf("%s does not run in a session", call.Tool)
}

// Timeout returns the timeout requested by the call, falling back to
// def and capped at ceiling when ceiling is positive.
func Timeout(call Call, def, ceiling time.Duration) time.Duration {
	d := def
	if n, ok := call.Int("timeout_sec"); ok && n > 0 {
		d = time.Duration(n) * time.Second
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

func msfScript(call Call) (string, error) {
	module := call.String("module")
	if strings.ContainsAny(module, ";\n") {
		return "", fmt.Errorf("invalid module path %q", module)
	}
	cmds := []string{
		"use " + module,
		"set RHOSTS " + call.String("rhosts"),
	}
	if p := call.String("payload"); p != "" {
		cmds = append(cmds, "set PAYLOAD "+p)
	}
	for _, kv := range strings.Fields(call.String("options")) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return "", fmt.Errorf("option %q is not KEY=VALUE", kv)
		}
		if IsHostOption(k) {
			return "", fmt.Errorf("option %s overrides rhosts", k)
		}
		cmds = append(cmds, fmt.Sprintf("set %s %s", k, v))
	}
	for _, c := range cmds {
		if strings.ContainsAny(c, ";\n") {
			return "", fmt.Errorf("metasploit command %q contains a separator", c)
		}
	}
	cmds = append(cmds, "run", "exit")
	return strings.Join(cmds, "; "), nil
}

// IsHostOption reports whether a metasploit option key names the
// remote host set.
func IsHostOption(key string) bool {
	switch strings.ToUpper(key) {
	case "RHOST", "RHOSTS":
		return true
	}
	return false
}

// ShellQuote quotes s for POSIX sh. Values made only of safe
// characters are returned unchanged.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:,=@%+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
