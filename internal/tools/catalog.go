// Package tools defines the fixed catalog of actions the reasoning model
// may propose. A proposal that does not name a catalog tool, or whose
// arguments do not match the tool's specification, is rejected before
// it reaches the policy engine; there is no free-text command parsing.
package tools

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/nugget/talon/internal/buildinfo"
)

// ID names a catalog tool.
type ID string

const (
	ExecuteCommand   ID = "execute_command"
	PortScan         ID = "port_scan"
	TemplateVulnScan ID = "template_vuln_scan"
	ExploitRun       ID = "exploit_run"
	ConnectSession   ID = "connect_session"
	SwitchSession    ID = "switch_session"
	ReadFile         ID = "read_file"
	WriteFile        ID = "write_file"
	RequestApproval  ID = "request_approval"
	RecordFinding    ID = "record_finding"
)

// ArgType is the JSON schema type of an argument.
type ArgType string

const (
	TypeString     ArgType = "string"
	TypeInteger    ArgType = "integer"
	TypeBoolean    ArgType = "boolean"
	TypeStringList ArgType = "array"
)

// Arg describes one tool argument.
type Arg struct {
	Name        string
	Type        ArgType
	Required    bool
	Description string
}

// Kind says who carries out a tool call.
type Kind int

const (
	// KindCommand tools are rendered to a shell command and run in an
	// execution session.
	KindCommand Kind = iota
	// KindSession tools manipulate the session multiplexer.
	KindSession
	// KindControl tools are handled by the orchestrator itself.
	KindControl
)

// Spec is a catalog entry.
type Spec struct {
	ID          ID
	Description string
	Args        []Arg
	Kind        Kind
	// Active tools send traffic to targets and are refused when the
	// scope is passive-only.
	Active bool
}

// Catalog is the versioned set of tools offered to the model.
type Catalog struct {
	version string
	specs   map[ID]Spec
	order   []ID
}

var (
	argSession   = Arg{Name: "session", Type: TypeString, Description: "Session id to run in. Defaults to the active session."}
	argTimeout   = Arg{Name: "timeout_sec", Type: TypeInteger, Description: "Timeout in seconds. Defaults to the configured session timeout."}
	argRationale = Arg{Name: "rationale", Type: TypeString, Description: "One sentence on why this action advances the objective."}
)

// NewCatalog returns the catalog compiled into this binary.
func NewCatalog() *Catalog {
	c := &Catalog{
		version: buildinfo.CatalogVersion,
		specs:   make(map[ID]Spec),
	}

	c.add(Spec{
		ID:          ExecuteCommand,
		Description: "Run a shell command in an execution session. Prefer the dedicated scan tools when they fit.",
		Kind:        KindCommand,
		Args: []Arg{
			{Name: "command", Type: TypeString, Required: true, Description: "The command line to run."},
			argSession, argTimeout,
		},
	})
	c.add(Spec{
		ID:          PortScan,
		Description: "Scan a host or network for open ports and service versions with nmap.",
		Kind:        KindCommand,
		Active:      true,
		Args: []Arg{
			{Name: "target", Type: TypeString, Required: true, Description: "IP address, CIDR range or hostname."},
			{Name: "ports", Type: TypeString, Description: "Port specification, e.g. 22,80,443 or 1-1024."},
			{Name: "flags", Type: TypeString, Description: "Extra nmap flags, e.g. -sV -sC."},
			{Name: "rate", Type: TypeInteger, Description: "Maximum packets per second."},
			argSession, argTimeout,
		},
	})
	c.add(Spec{
		ID:          TemplateVulnScan,
		Description: "Run template-based vulnerability checks with nuclei against a URL or host.",
		Kind:        KindCommand,
		Active:      true,
		Args: []Arg{
			{Name: "target", Type: TypeString, Required: true, Description: "URL or host to check."},
			{Name: "templates", Type: TypeString, Description: "Template path or tag list."},
			{Name: "severity", Type: TypeString, Description: "Comma-separated severities to include."},
			{Name: "rate", Type: TypeInteger, Description: "Maximum requests per second."},
			argSession, argTimeout,
		},
	})
	c.add(Spec{
		ID:          ExploitRun,
		Description: "Run a Metasploit module against a target. Always requires operator approval.",
		Kind:        KindCommand,
		Active:      true,
		Args: []Arg{
			{Name: "module", Type: TypeString, Required: true, Description: "Module path, e.g. exploit/unix/ftp/vsftpd_234_backdoor."},
			{Name: "rhosts", Type: TypeString, Required: true, Description: "Target host or range."},
			{Name: "payload", Type: TypeString, Description: "Payload module."},
			{Name: "options", Type: TypeString, Description: "Space-separated KEY=VALUE module options."},
			argSession, argTimeout,
		},
	})
	c.add(Spec{
		ID:          ConnectSession,
		Description: "Open a new execution session. Use host \"local\" for another local shell, otherwise an SSH connection.",
		Kind:        KindSession,
		Active:      true,
		Args: []Arg{
			{Name: "host", Type: TypeString, Required: true, Description: "\"local\" or the SSH host to connect to."},
			{Name: "user", Type: TypeString, Description: "SSH user name."},
			{Name: "port", Type: TypeInteger, Description: "SSH port (default 22)."},
			{Name: "password", Type: TypeString, Description: "SSH password."},
			{Name: "key_file", Type: TypeString, Description: "Path to an SSH private key on the operator host."},
		},
	})
	c.add(Spec{
		ID:          SwitchSession,
		Description: "Make another open session the active one.",
		Kind:        KindSession,
		Args: []Arg{
			{Name: "session_id", Type: TypeString, Required: true, Description: "Id of the session to activate."},
		},
	})
	c.add(Spec{
		ID:          ReadFile,
		Description: "Read a file through an execution session.",
		Kind:        KindCommand,
		Args: []Arg{
			{Name: "path", Type: TypeString, Required: true, Description: "Path of the file to read."},
			argSession,
		},
	})
	c.add(Spec{
		ID:          WriteFile,
		Description: "Write a file through an execution session, replacing any existing content.",
		Kind:        KindCommand,
		Args: []Arg{
			{Name: "path", Type: TypeString, Required: true, Description: "Path of the file to write."},
			{Name: "content", Type: TypeString, Required: true, Description: "File content."},
			argSession,
		},
	})
	c.add(Spec{
		ID:          RequestApproval,
		Description: "Ask the operator to approve a planned action before proposing it.",
		Kind:        KindControl,
		Args: []Arg{
			{Name: "action", Type: TypeString, Required: true, Description: "The action you intend to take."},
			{Name: "reason", Type: TypeString, Required: true, Description: "Why the action is needed."},
		},
	})
	c.add(Spec{
		ID:          RecordFinding,
		Description: "Record a finding. A finding with the same target and title supersedes the earlier one.",
		Kind:        KindControl,
		Args: []Arg{
			{Name: "severity", Type: TypeString, Required: true, Description: "critical, high, medium, low or info."},
			{Name: "title", Type: TypeString, Required: true, Description: "Short finding title."},
			{Name: "target", Type: TypeString, Required: true, Description: "Affected host, service or URL."},
			{Name: "detail", Type: TypeString, Description: "Description and impact."},
			{Name: "evidence", Type: TypeStringList, Description: "Correlation ids of tool results that support the finding."},
		},
	})

	return c
}

func (c *Catalog) add(s Spec) {
	s.Args = append(s.Args, argRationale)
	c.specs[s.ID] = s
	c.order = append(c.order, s.ID)
}

// Version returns the catalog revision.
func (c *Catalog) Version() string {
	return c.version
}

// Lookup returns the spec for id.
func (c *Catalog) Lookup(id ID) (Spec, bool) {
	s, ok := c.specs[id]
	return s, ok
}

// Specs returns every catalog entry in declaration order.
func (c *Catalog) Specs() []Spec {
	out := make([]Spec, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.specs[id])
	}
	return out
}

// Definitions returns the catalog in the function-calling format
// expected by the model client.
func (c *Catalog) Definitions() []map[string]any {
	result := make([]map[string]any, 0, len(c.order))
	for _, id := range c.order {
		s := c.specs[id]
		props := make(map[string]any, len(s.Args))
		var required []string
		for _, a := range s.Args {
			p := map[string]any{
				"type":        string(a.Type),
				"description": a.Description,
			}
			if a.Type == TypeStringList {
				p["items"] = map[string]any{"type": "string"}
			}
			props[a.Name] = p
			if a.Required {
				required = append(required, a.Name)
			}
		}
		params := map[string]any{
			"type":       "object",
			"properties": props,
		}
		if len(required) > 0 {
			params["required"] = required
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        string(s.ID),
				"description": s.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Parse validates a model proposal against the catalog and returns an
// immutable Call with normalized arguments and a fresh correlation id.
func (c *Catalog) Parse(name string, args map[string]any) (Call, error) {
	s, ok := c.specs[ID(name)]
	if !ok {
		return Call{}, fmt.Errorf("%w %q", ErrUnknownTool, name)
	}

	norm, problems := validateArgs(s, args)
	if len(problems) > 0 {
		return Call{}, &ErrInvalidArgs{Tool: s.ID, Problems: problems}
	}

	call := Call{
		ID:   NewCorrelationID(),
		Tool: s.ID,
		Args: norm,
	}
	call.SessionID, _ = norm["session"].(string)
	call.Rationale, _ = norm["rationale"].(string)
	return call, nil
}

func validateArgs(s Spec, args map[string]any) (map[string]any, []string) {
	known := make(map[string]Arg, len(s.Args))
	for _, a := range s.Args {
		known[a.Name] = a
	}

	var problems []string
	var extra []string
	for name := range args {
		if _, ok := known[name]; !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		problems = append(problems, fmt.Sprintf("unexpected argument %q", name))
	}

	norm := make(map[string]any, len(args))
	for _, a := range s.Args {
		v, present := args[a.Name]
		if !present || v == nil {
			if a.Required {
				problems = append(problems, fmt.Sprintf("missing required argument %q", a.Name))
			}
			continue
		}
		nv, err := coerce(a.Type, v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", a.Name, err))
			continue
		}
		if a.Required && a.Type == TypeString && strings.TrimSpace(nv.(string)) == "" {
			problems = append(problems, fmt.Sprintf("argument %q must not be empty", a.Name))
			continue
		}
		norm[a.Name] = nv
	}
	return norm, problems
}

// coerce converts a decoded JSON value to the Go type for t. Models
// frequently send numbers as strings and integers as floats; both are
// accepted when the value is exact.
func coerce(t ArgType, v any) (any, error) {
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case float64, int, bool:
			return fmt.Sprint(x), nil
		}
	case TypeInteger:
		switch x := v.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case float64:
			if x == math.Trunc(x) && math.Abs(x) < math.MaxInt32 {
				return int(x), nil
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
				return n, nil
			}
		}
		return nil, fmt.Errorf("want integer, got %v", v)
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			switch strings.ToLower(x) {
			case "true", "yes":
				return true, nil
			case "false", "no":
				return false, nil
			}
		}
		return nil, fmt.Errorf("want boolean, got %v", v)
	case TypeStringList:
		switch x := v.(type) {
		case []string:
			return append([]string(nil), x...), nil
		case []any:
			out := make([]string, 0, len(x))
			for _, item := range x {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("want list of strings, got element %v", item)
				}
				out = append(out, s)
			}
			return out, nil
		case string:
			return []string{x}, nil
		}
		return nil, fmt.Errorf("want list of strings, got %v", v)
	}
	return nil, fmt.Errorf("want %s, got %T", t, v)
}
