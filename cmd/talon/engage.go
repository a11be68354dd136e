package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/talon/internal/agent"
	"github.com/nugget/talon/internal/approval"
	"github.com/nugget/talon/internal/audit"
	"github.com/nugget/talon/internal/buildinfo"
	"github.com/nugget/talon/internal/checkpoint"
	"github.com/nugget/talon/internal/compress"
	"github.com/nugget/talon/internal/engagement"
	"github.com/nugget/talon/internal/events"
	"github.com/nugget/talon/internal/llm"
	"github.com/nugget/talon/internal/memory"
	"github.com/nugget/talon/internal/mqtt"
	"github.com/nugget/talon/internal/policy"
	"github.com/nugget/talon/internal/session"
	"github.com/nugget/talon/internal/tools"
	"github.com/nugget/talon/internal/usage"
)

// runEngagement handles "talon run" and "talon resume". Exactly one of
// defPath (a new engagement file) and resumeID is set.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The loop closes every session, flushes memory and writes a
//     terminal checkpoint and report
//  3. The MQTT relay goes offline and the metrics server drains
func runEngagement(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options, defPath, resumeID string) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg, opts.outputFmt)
	logger.Info("starting Talon", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "catalog", buildinfo.CatalogVersion)
	logger.Info("config loaded", "path", cfgPath, "model", cfg.Models.Default, "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := checkpoint.NewFileStore(cfg.EngagementsDir())
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	catalog := tools.NewCatalog()
	e, restored, err := loadEngagement(ctx, store, catalog, defPath, resumeID, logger)
	if err != nil {
		return err
	}
	logger = logger.With("engagement_id", e.ID)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Storage.
	archive, err := memory.NewSQLiteArchive(cfg.ArchivePath(), cfg.Memory.ArchiveMaxChars, logger)
	if err != nil {
		return fmt.Errorf("open memory archive: %w", err)
	}
	defer archive.Close()
	if !archive.FTSEnabled() {
		logger.Warn("FTS5 unavailable; archive recall falls back to substring search")
	}

	auditLog, err := audit.Open(cfg.AuditPath())
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	ledger, err := usage.NewStore(cfg.UsagePath())
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	defer ledger.Close()

	// Model.
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	if err := ollama.Ping(ctx); err != nil {
		logger.Warn("model endpoint not reachable yet", "url", cfg.Models.OllamaURL, "error", err)
	}
	summaryModel := cfg.Models.Summary
	if summaryModel == "" {
		summaryModel = cfg.Models.Default
	}

	mem := memory.NewManager(e.ID, memory.Config{
		ActiveBudget:     cfg.Memory.ActiveBudget,
		SummarizedBudget: cfg.Memory.SummarizedBudget,
		CompactBatch:     cfg.Memory.CompactBatch,
		ArchiveRetrieve:  cfg.Memory.ArchiveRetrieve,
	}, summarizer(ollama, summaryModel, ledger, e, logger), archive, logger)
	if restored != nil {
		if err := mem.Restore(ctx, *restored); err != nil {
			return fmt.Errorf("restore memory: %w", err)
		}
	}

	// Policy.
	scope, err := e.ScopeSet()
	if err != nil {
		return fmt.Errorf("compile scope: %w", err)
	}
	engine, err := policy.NewEngine(scope, catalog, policy.Config{
		MaxRate:               cfg.Policy.MaxRate,
		ForbiddenPatterns:     cfg.Policy.ForbiddenPatterns,
		ApprovalTools:         cfg.Policy.ApprovalTools,
		ApprovalPatterns:      cfg.Policy.ApprovalPatterns,
		SessionCallsPerMinute: cfg.Policy.SessionCallsPerMinute,
	}, logger)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	engine.SetDestinationLimiter(policy.NewDestinationLimiter(cfg.Policy.DestinationCallsPerMinute))

	prompter, err := newPrompter(cfg.Approval.Mode, stdin, stderr)
	if err != nil {
		return err
	}

	sessions := session.NewMultiplexer(session.DefaultOpener(session.Config{
		Local: session.LocalConfig{
			Shell:      cfg.Sessions.Shell,
			WorkingDir: cfg.Sessions.WorkingDir,
		},
		Remote: session.RemoteConfig{
			KnownHostsFile: cfg.Sessions.KnownHostsFile,
		},
	}, logger), logger)

	// Observability.
	bus := events.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := agent.NewMetrics(reg)

	var wg sync.WaitGroup
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		stopBackground()
		wg.Wait()
	}()

	if cfg.Metrics.Listen != "" {
		srv := metricsServer(cfg.Metrics.Listen, reg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveMetrics(bgCtx, srv, logger)
		}()
	}

	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		relay := mqtt.NewRelay(cfg.MQTT, instanceID, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relay.Run(bgCtx, bus); err != nil {
				logger.Error("mqtt relay stopped", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := relay.Stop(stopCtx); err != nil {
				logger.Debug("mqtt relay stop", "error", err)
			}
		}()
		logger.Info("mqtt relay enabled", "broker", cfg.MQTT.Broker, "instance_id", instanceID)
	}

	loop := agent.NewLoop(agent.Deps{
		LLM:          ollama,
		Catalog:      catalog,
		Policy:       engine,
		Approval:     approval.NewGate(prompter, cfg.Approval.Deadline(), logger),
		Sessions:     sessions,
		Compressor:   compress.New(compress.Config(cfg.Compress), logger),
		Memory:       mem,
		Checkpointer: checkpoint.NewCheckpointer(store, time.Duration(cfg.Loop.CheckpointTimeout)*time.Second, logger),
		Audit:        auditLog,
		Usage:        ledger,
		Events:       bus,
		Metrics:      metrics,
		Logger:       logger,
	}, agent.Config{
		Model:              cfg.Models.Default,
		MaxIterations:      cfg.Loop.MaxIterations,
		MaxProtocolRetries: cfg.Loop.MaxProtocolRetries,
		PressureRatio:      cfg.Loop.PressureRatio,
		DefaultTimeout:     cfg.Sessions.DefaultTimeout(),
		MaxTimeout:         cfg.Sessions.MaxTimeout(),
		CompletionMarkers:  cfg.Loop.CompletionMarkers,
		PhaseMarkers:       cfg.Loop.PhaseMarkers,
		ReportDir:          cfg.ReportsDir(),
	})

	out, err := loop.Run(ctx, e)
	if out != nil {
		printOutcome(stdout, opts.outputFmt, e, out)
	}
	return err
}

// loadEngagement returns a fresh engagement from defPath or the
// checkpointed engagement resumeID together with its memory state.
func loadEngagement(ctx context.Context, store checkpoint.Store, catalog *tools.Catalog, defPath, resumeID string, logger *slog.Logger) (*engagement.Engagement, *memory.State, error) {
	if defPath != "" {
		e, err := engagement.LoadFile(defPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load engagement: %w", err)
		}
		logger.Info("engagement created", "engagement_id", e.ID, "name", e.Name, "targets", e.Scope.Targets)
		return e, nil, nil
	}

	rec, err := store.Load(ctx, resumeID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, nil, fmt.Errorf("no checkpoint for engagement %s", resumeID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoint: %w", err)
	}
	e := rec.Engagement
	if e.Status.Terminal() {
		return nil, nil, fmt.Errorf("engagement %s is already %s", e.ID, e.Status)
	}
	if e.CatalogVersion != "" && e.CatalogVersion != catalog.Version() {
		logger.Warn("checkpoint was written with a different tool catalog",
			"checkpoint_catalog", e.CatalogVersion,
			"catalog", catalog.Version(),
		)
	}
	logger.Info("engagement resumed",
		"engagement_id", e.ID,
		"phase", e.Phase,
		"iteration", e.Iteration,
		"saved_at", rec.SavedAt,
	)
	return e, &rec.Memory, nil
}

// summarizer adapts the model client to memory compaction. Each call
// is entered in the usage ledger.
func summarizer(client llm.Client, model string, ledger *usage.Store, e *engagement.Engagement, logger *slog.Logger) memory.Summarizer {
	return memory.NewLLMSummarizer(func(ctx context.Context, prompt string) (string, error) {
		start := time.Now()
		resp, err := client.Chat(ctx, model, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, nil)
		if err != nil {
			return "", err
		}
		if err := ledger.Record(ctx, usage.Record{
			EngagementID: e.ID,
			Iteration:    e.Iteration,
			Model:        model,
			Purpose:      usage.PurposeCompaction,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			Duration:     time.Since(start),
		}); err != nil {
			logger.Warn("usage record failed", "error", err)
		}
		return resp.Message.Content, nil
	})
}

// newPrompter selects how approval requests are answered.
func newPrompter(mode string, stdin io.Reader, stderr io.Writer) (approval.Prompter, error) {
	switch mode {
	case "", "terminal":
		return approval.NewTerminalPrompter(stdin, stderr), nil
	case "accept":
		return approval.StaticPrompter{Answer: true}, nil
	case "deny":
		return approval.StaticPrompter{Answer: false}, nil
	default:
		return nil, fmt.Errorf("unknown approval mode %q", mode)
	}
}

func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serveMetrics runs srv until ctx ends.
func serveMetrics(ctx context.Context, srv *http.Server, logger *slog.Logger) {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("metrics listening", "addr", srv.Addr)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

// outcomeView is the JSON form of a finished run.
type outcomeView struct {
	EngagementID string            `json:"engagement_id"`
	Status       engagement.Status `json:"status"`
	Reason       string            `json:"reason,omitempty"`
	Iterations   int               `json:"iterations"`
	Findings     int               `json:"findings"`
	Report       string            `json:"report,omitempty"`
}

func printOutcome(w io.Writer, format string, e *engagement.Engagement, out *agent.Outcome) {
	v := outcomeView{
		EngagementID: e.ID,
		Status:       out.Status,
		Reason:       out.Reason,
		Iterations:   out.Iterations,
		Findings:     out.Findings,
		Report:       out.ReportPath,
	}
	if format == "json" {
		writeJSON(w, v)
		return
	}
	fmt.Fprintf(w, "\nEngagement %s %s after %d iterations with %d findings.\n", v.EngagementID, v.Status, v.Iterations, v.Findings)
	if v.Reason != "" {
		fmt.Fprintf(w, "Reason: %s\n", v.Reason)
	}
	if v.Report != "" {
		fmt.Fprintf(w, "Report: %s\n", v.Report)
	}
	fmt.Fprintf(w, "Resume or inspect with: talon status %s\n", v.EngagementID)
}
