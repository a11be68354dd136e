package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nugget/talon/internal/audit"
	"github.com/nugget/talon/internal/checkpoint"
	"github.com/nugget/talon/internal/config"
	"github.com/nugget/talon/internal/engagement"
	"github.com/nugget/talon/internal/session"
	"github.com/nugget/talon/internal/usage"
)

// statusView is the JSON form of "talon status".
type statusView struct {
	ID        string                    `json:"id"`
	Name      string                    `json:"name"`
	Objective string                    `json:"objective"`
	Phase     engagement.Phase          `json:"phase"`
	Status    engagement.Status         `json:"status"`
	Iteration int                       `json:"iteration"`
	SavedAt   time.Time                 `json:"saved_at"`
	Trigger   checkpoint.Trigger        `json:"trigger"`
	Findings  []engagement.Finding      `json:"findings"`
	Sessions  []session.Info            `json:"sessions"`
	Recent    []engagement.HistoryEntry `json:"recent"`
	Verdicts  map[string]int            `json:"verdicts,omitempty"`
	Usage     map[string]usage.Summary  `json:"usage,omitempty"`
}

// runStatus prints the checkpointed state of one engagement.
func runStatus(ctx context.Context, w io.Writer, opts options, id string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	rec, err := loadRecord(ctx, cfg, id)
	if err != nil {
		return err
	}
	e := rec.Engagement

	tail := cfg.Loop.HistoryTail
	if tail <= 0 || tail > len(e.History) {
		tail = len(e.History)
	}
	v := statusView{
		ID:        e.ID,
		Name:      e.Name,
		Objective: e.Objective,
		Phase:     e.Phase,
		Status:    e.Status,
		Iteration: e.Iteration,
		SavedAt:   rec.SavedAt,
		Trigger:   rec.Trigger,
		Findings:  e.CurrentFindings(),
		Sessions:  rec.Sessions,
		Recent:    e.History[len(e.History)-tail:],
	}
	if counts, err := auditCounts(ctx, cfg, id); err == nil {
		v.Verdicts = counts
	}
	if byModel, err := modelUsage(ctx, cfg, id); err == nil && len(byModel) > 0 {
		v.Usage = byModel
	}

	if opts.outputFmt == "json" {
		return writeJSON(w, v)
	}

	fmt.Fprintf(w, "%s (%s)\n", v.Name, v.ID)
	fmt.Fprintf(w, "  objective:  %s\n", v.Objective)
	fmt.Fprintf(w, "  phase:      %s\n", v.Phase)
	fmt.Fprintf(w, "  status:     %s\n", v.Status)
	fmt.Fprintf(w, "  iteration:  %d\n", v.Iteration)
	fmt.Fprintf(w, "  checkpoint: %s (%s)\n", v.SavedAt.Local().Format(time.RFC3339), v.Trigger)
	if len(v.Verdicts) > 0 {
		fmt.Fprintf(w, "  verdicts:  ")
		for _, k := range []string{"allow", "modify", "needs_approval", "block"} {
			fmt.Fprintf(w, " %s=%d", k, v.Verdicts[k])
		}
		fmt.Fprintln(w)
	}
	for model, u := range v.Usage {
		fmt.Fprintf(w, "  tokens:     %s %d in / %d out over %d calls\n", model, u.InputTokens, u.OutputTokens, u.Calls)
	}

	fmt.Fprintf(w, "\nFindings (%d):\n", len(v.Findings))
	for _, f := range v.Findings {
		fmt.Fprintf(w, "  [%s] %s - %s (%s)\n", f.Severity, f.Title, f.Target, f.ID)
	}

	if len(v.Sessions) > 0 {
		fmt.Fprintln(w, "\nSessions:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, s := range v.Sessions {
			mark := ""
			if s.Active {
				mark = "*"
			}
			fmt.Fprintf(tw, "  %s%s\t%s\t%s\t%s\n", s.ID, mark, s.Kind, s.State, s.Descriptor)
		}
		tw.Flush()
	}

	if len(v.Recent) > 0 {
		fmt.Fprintf(w, "\nRecent actions (%d):\n", len(v.Recent))
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, h := range v.Recent {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n", h.Iteration, h.CorrelationID, h.Verdict, h.Status, h.ArgsPreview)
		}
		tw.Flush()
	}
	return nil
}

// runAudit prints the audit trail of one engagement, oldest first.
func runAudit(ctx context.Context, w io.Writer, opts options, id string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	log, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	recs, err := log.List(ctx, id, 0)
	if err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	if opts.outputFmt == "json" {
		return writeJSON(w, recs)
	}
	if len(recs) == 0 {
		fmt.Fprintf(w, "No audit records for %s\n", id)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tITER\tCORRELATION\tVERDICT\tOUTCOME\tEXIT\tACTION\tREASON")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.At.Local().Format(time.DateTime),
			r.Iteration,
			r.CorrelationID,
			r.Verdict,
			r.Outcome,
			r.ExitCode,
			r.ArgsPreview,
			r.Reason,
		)
	}
	return tw.Flush()
}

// runList prints every checkpointed engagement.
func runList(ctx context.Context, w io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	store, err := checkpoint.NewFileStore(cfg.EngagementsDir())
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	list, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}

	if opts.outputFmt == "json" {
		return writeJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No engagements")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPHASE\tSTATUS\tITER\tFINDINGS\tSAVED")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.Name, s.Phase, s.Status, s.Iteration, s.Findings,
			s.SavedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func loadRecord(ctx context.Context, cfg *config.Config, id string) (*checkpoint.Record, error) {
	store, err := checkpoint.NewFileStore(cfg.EngagementsDir())
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	rec, err := store.Load(ctx, id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("no checkpoint for engagement %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return rec, nil
}

// openAudit opens the audit database only if it already exists, so a
// read command never creates an empty one.
func openAudit(cfg *config.Config) (*audit.Log, error) {
	if _, err := os.Stat(cfg.AuditPath()); err != nil {
		return nil, fmt.Errorf("no audit log at %s", cfg.AuditPath())
	}
	log, err := audit.Open(cfg.AuditPath())
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return log, nil
}

func auditCounts(ctx context.Context, cfg *config.Config, id string) (map[string]int, error) {
	log, err := openAudit(cfg)
	if err != nil {
		return nil, err
	}
	defer log.Close()
	return log.Counts(ctx, id)
}

func modelUsage(ctx context.Context, cfg *config.Config, id string) (map[string]usage.Summary, error) {
	if _, err := os.Stat(cfg.UsagePath()); err != nil {
		return nil, err
	}
	ledger, err := usage.NewStore(cfg.UsagePath())
	if err != nil {
		return nil, err
	}
	defer ledger.Close()
	return ledger.ByModel(ctx, id)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
