package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/strandlabs/strand/internal/agent"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/embeddings"
	embopenai "github.com/strandlabs/strand/internal/embeddings/openai"
	"github.com/strandlabs/strand/internal/health"
	"github.com/strandlabs/strand/internal/memory"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/orchestrator"
	"github.com/strandlabs/strand/internal/playbooks"
	"github.com/strandlabs/strand/internal/provider"
	"github.com/strandlabs/strand/internal/selector"
	"github.com/strandlabs/strand/internal/sessions"
	"github.com/strandlabs/strand/internal/skills"
	"github.com/strandlabs/strand/internal/usage"
)

func newServeCmd() *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, scheduler, and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address for the message API")
	return cmd
}

func runServe(ctx context.Context, listenAddr string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	logger.Info("starting strand", "version", version, "agent", cfg.AgentID)

	if cfg.OrchestratorURL == "" {
		return errors.New("STRAND_ORCHESTRATOR_URL is required")
	}
	if cfg.APIKey == "" {
		return errors.New("STRAND_API_KEY is required")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "strand",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	orch := orchestrator.NewClient(cfg.OrchestratorURL)
	mem := memory.NewClient(orch, cfg.AgentID, memory.DefaultNames())

	llm, err := provider.New(cfg)
	if err != nil {
		return err
	}

	var embedder embeddings.Provider
	var index *embeddings.Index
	if cfg.EmbeddingAPIKey != "" {
		embedder, err = embopenai.New(embopenai.Config{
			APIKey:  cfg.EmbeddingAPIKey,
			BaseURL: cfg.EmbeddingBaseURL,
			Model:   cfg.EmbeddingModel,
		})
		if err != nil {
			return fmt.Errorf("init embeddings: %w", err)
		}
		index = embeddings.NewIndex(embedder, filepath.Join(cfg.DataDir, "embeddings.json"))
	} else {
		logger.Warn("no embedding API key, tool selection uses keyword fallback")
	}

	store, err := sessions.NewStore(filepath.Join(cfg.DataDir, "sessions"), cfg.Selector.StickyLookback)
	if err != nil {
		return err
	}

	monitor := usage.NewMonitor(cfg.Cost)
	tracker := usage.NewTracker()
	breaker := agent.NewBreaker(cfg.Engine.BreakerThreshold)
	registry := playbooks.NewRegistry(mem)

	extractor := agent.NewIdleExtractor(cfg.Facts, cfg.SummaryModel, llm, store, mem, monitor, tracker)
	defer extractor.Stop()

	engine := agent.New(agent.Deps{
		Config:    cfg,
		LLM:       llm,
		Tools:     orch,
		Memory:    mem,
		Store:     store,
		Selector:  selector.New(cfg.Selector, index),
		Index:     index,
		Embedder:  embedder,
		Registry:  registry,
		Monitor:   monitor,
		Tracker:   tracker,
		Breaker:   breaker,
		Metrics:   metrics,
		Tracer:    tracer,
		Extractor: extractor,
	})

	seedPlaybooks(ctx, cfg, registry, logger)

	notify := func(ctx context.Context, text string) error {
		args, err := json.Marshal(map[string]string{"text": text})
		if err != nil {
			return err
		}
		_, err = orch.CallTool(ctx, "send_message", args)
		return err
	}

	var probes []health.Probe
	if cfg.EmbeddingBaseURL != "" {
		probes = append(probes, health.Probe{Name: "embedding service", URL: cfg.EmbeddingBaseURL})
	}
	probes = append(probes, health.Probe{Name: "orchestrator", URL: cfg.OrchestratorURL + "/v1/tools", Method: http.MethodGet})
	healthMonitor := health.NewMonitor(probes,
		filepath.Join(cfg.DataDir, "health-state.json"), cfg.Scheduler.ProbeTimeout, notify)

	scheduler := skills.NewScheduler(cfg.Scheduler, cfg.Timezone, mem, engine, orch, notify,
		skills.WithMetrics(metrics),
		skills.WithHealthMonitor(healthMonitor),
		skills.WithGates(skills.NewMeetingPrepGate(orch)),
	)
	go scheduler.Run(ctx)
	go scheduler.RunJobs(ctx, filepath.Join(cfg.DataDir, "health-report.json"))

	go sessionCleanupLoop(ctx, store, cfg.Sessions.MaxAgeDays, logger)

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, logger)
	}

	return serveAPI(ctx, listenAddr, engine, monitor, scheduler, tracker, logger)
}

// seedPlaybooks installs the built-in defaults plus any YAML overlay, then
// watches the overlay directory for changes.
func seedPlaybooks(ctx context.Context, cfg config.Config, registry *playbooks.Registry, logger *slog.Logger) {
	seeds := playbooks.DefaultSeeds()
	if cfg.PlaybookSeedDir != "" {
		merged, err := playbooks.LoadSeedDir(cfg.PlaybookSeedDir, seeds)
		if err != nil {
			logger.Error("playbook seed overlay failed", "error", err)
		} else {
			seeds = merged
		}
	}
	if err := registry.Seed(ctx, seeds); err != nil {
		logger.Error("playbook seeding failed", "error", err)
	}
	if cfg.PlaybookSeedDir != "" {
		go func() {
			if err := playbooks.WatchSeedDir(ctx, cfg.PlaybookSeedDir, registry, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("seed watcher stopped", "error", err)
			}
		}()
	}
}

func sessionCleanupLoop(ctx context.Context, store *sessions.Store, maxAgeDays int, logger *slog.Logger) {
	if maxAgeDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Cleanup(maxAgeDays)
			if err != nil {
				logger.Warn("session cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("stale sessions removed", "count", removed)
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)
	}()
	logger.Info("metrics listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}

// serveAPI exposes the message entrypoint transports call into, plus status
// and admin endpoints. Blocks until ctx is done.
func serveAPI(ctx context.Context, addr string, engine *agent.Engine, monitor *usage.Monitor, scheduler *skills.Scheduler, tracker *usage.Tracker, logger *slog.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConversationID string `json:"conversation_id"`
			Text           string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" || req.Text == "" {
			http.Error(w, "conversation_id and text are required", http.StatusBadRequest)
			return
		}
		result, err := engine.HandleMessage(r.Context(), req.ConversationID, req.Text)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, agent.ErrPaused) || errors.Is(err, agent.ErrBreakerTripped) {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"text":       result.Text,
			"tools_used": result.ToolsUsed,
			"steps":      result.Steps,
			"paused":     result.Paused,
		})
	})

	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		pause := monitor.Paused()
		writeJSON(w, http.StatusOK, map[string]any{
			"paused":       pause.Paused,
			"pause_reason": pause.Reason,
			"hour_tokens":  monitor.HourTotal(),
			"usage":        tracker.Summary(),
			"halted":       scheduler.Halted(),
		})
	})

	mux.HandleFunc("POST /v1/resume", func(w http.ResponseWriter, r *http.Request) {
		monitor.Resume(r.URL.Query().Get("reset") == "true")
		scheduler.ClearPauseNotice()
		writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
	})

	mux.HandleFunc("POST /v1/backfill", func(w http.ResponseWriter, r *http.Request) {
		go func() {
			bctx, cancel := context.WithTimeout(context.Background(), time.Hour)
			defer cancel()
			if _, err := scheduler.Backfill(bctx); err != nil {
				logger.Warn("backfill failed", "error", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)
	}()
	logger.Info("api listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
