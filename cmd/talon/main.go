// Talon is an autonomous, tool-calling security engagement operator.
//
// A language model proposes one action per turn; every action passes
// scope and safety policy, optional operator approval and bounded
// execution before its compressed result is fed back. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); the engagement itself is a separate YAML
// document.
//
// Usage:
//
//	talon run <engagement.yaml>   Start a new engagement
//	talon resume <id>             Continue an engagement from its checkpoint
//	talon status <id>             Show phase, findings and sessions
//	talon audit <id>              Print the audit trail
//	talon list                    List checkpointed engagements
//	talon init [dir]              Write example config and engagement files
//	talon version                 Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/talon/internal/buildinfo"
	"github.com/nugget/talon/internal/config"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole command can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	outputFmt  string
}

// run is the real entry point. Structured logs go to stdout; approval
// prompts and fatal errors go to stderr. Arguments are parsed by hand
// so tests can call run concurrently without flag package globals.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "run":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: talon run <engagement.yaml>")
		}
		return runEngagement(ctx, stdin, stdout, stderr, opts, cmdArgs[0], "")
	case "resume":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: talon resume <engagement-id>")
		}
		return runEngagement(ctx, stdin, stdout, stderr, opts, "", cmdArgs[0])
	case "status":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: talon status <engagement-id>")
		}
		return runStatus(ctx, stdout, opts, cmdArgs[0])
	case "audit":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: talon audit <engagement-id>")
		}
		return runAudit(ctx, stdout, opts, cmdArgs[0])
	case "list":
		return runList(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "catalog_version", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-16s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Talon - Autonomous Security Engagement Operator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: talon [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run <engagement.yaml>   Start a new engagement")
	fmt.Fprintln(w, "  resume <id>             Continue an engagement from its last checkpoint")
	fmt.Fprintln(w, "  status <id>             Show phase, findings and sessions")
	fmt.Fprintln(w, "  audit <id>              Print the audit trail")
	fmt.Fprintln(w, "  list                    List checkpointed engagements")
	fmt.Fprintln(w, "  init [dir]              Write example config and engagement files (default: .)")
	fmt.Fprintln(w, "  version                 Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output and log format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./talon.yaml, ~/.config/talon/config.yaml, /etc/talon/config.yaml")
	return nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// newLogger builds the process logger at the configured level.
func newLogger(w io.Writer, cfg *config.Config, format string) *slog.Logger {
	level := slog.LevelInfo
	if cfg != nil && cfg.LogLevel != "" {
		// Already checked by config.Validate.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return config.NewLogger(w, level, format)
}
