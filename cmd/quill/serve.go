package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quill/internal/config"
	"github.com/ShayCichocki/quill/internal/llm"
	"github.com/ShayCichocki/quill/internal/orchestrator"
	"github.com/ShayCichocki/quill/internal/server"
	"github.com/ShayCichocki/quill/internal/session"
	"github.com/ShayCichocki/quill/internal/signals"
	"github.com/ShayCichocki/quill/internal/state"
)

var (
	serveAddr      string
	servePlanFile  string
	serveDBPath    string
	serveSignalDir string
	serveEchoDelay time.Duration
	serveDebugLog  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline server",
	Long: `Start the WebSocket server and serve pipeline sessions.

By default the planner, solvers and aggregator are backed by the Anthropic
API (or AWS Bedrock when configured). With --plan the server runs offline:
the plan is read from a YAML file and solvers echo their task instead of
calling a model.

Operators control a running server through sentinel files in the signal
directory: a "drain" file stops new sessions while in-flight work finishes,
a "halt" file shuts the server down.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&servePlanFile, "plan", "", "Scripted plan YAML; runs offline with echo solvers")
	serveCmd.Flags().StringVar(&serveDBPath, "db", "", "Trace database path (overrides config)")
	serveCmd.Flags().StringVar(&serveSignalDir, "signal-dir", "", "Operator signal directory")
	serveCmd.Flags().DurationVar(&serveEchoDelay, "echo-delay", 0, "Per-task delay for offline echo solvers")
	serveCmd.Flags().StringVar(&serveDebugLog, "debug-log", "", "Write a pipeline debug log to this file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveDBPath != "" {
		cfg.Storage.Path = serveDBPath
	}

	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = state.DefaultDBPath()
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open trace store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate trace store: %w", err)
	}
	if cfg.Storage.Retention > 0 {
		purged, err := db.PurgeOldTraces(cfg.Storage.Retention)
		if err != nil {
			log.Printf("[serve] trace purge failed: %v", err)
		} else if purged > 0 {
			log.Printf("[serve] purged %d traces older than %s", purged, cfg.Storage.Retention)
		}
	}

	planner, solver, aggregator, llmClient, err := buildPipeline(cfg)
	if err != nil {
		return err
	}

	signingKey, err := config.GetSigningKey(cfg)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	debugLogger, err := orchestrator.NewDebugLogger(serveDebugLog)
	if err != nil {
		return fmt.Errorf("debug log: %w", err)
	}
	defer debugLogger.Close()

	mgr := session.NewManager(session.ManagerConfig{
		Pipeline: orchestrator.Config{
			Concurrency: cfg.Pipeline.Concurrency,
			MaxRetry:    cfg.Pipeline.MaxRetry,
			RetryDelay:  cfg.Pipeline.RetryDelay,
			ConfirmPlan: cfg.Pipeline.ConfirmPlan,
		},
		ConfirmTimeout: cfg.Pipeline.ConfirmTimeout,
		SigningKey:     signingKey,
		Planner:        planner,
		Solver:         solver,
		Aggregator:     aggregator,
		Traces:         db,
		Logger:         debugLogger,
		BufferCapacity: cfg.Session.BufferCapacity,
	})
	defer mgr.Close()

	srv := server.New(server.Config{
		Addr:              cfg.Server.Addr,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadLimit:         cfg.Server.ReadLimit,
	}, mgr)

	signalDir := serveSignalDir
	if signalDir == "" {
		signalDir = filepath.Join(filepath.Dir(dbPath), "signals")
	}
	watcher, err := signals.NewWatcher(signalDir)
	if err != nil {
		return fmt.Errorf("signal watcher: %w", err)
	}
	defer watcher.Close()
	log.Printf("[serve] operator signals in %s", signalDir)

	go superviseShutdown(srv, watcher)

	serveErr := srv.ListenAndServe()
	logTokenUsage(llmClient)
	return serveErr
}

// logTokenUsage summarizes model usage for the process on shutdown.
func logTokenUsage(client *llm.Client) {
	if client == nil {
		return
	}
	tracker := client.Tracker()
	if tracker.Calls() == 0 {
		return
	}
	input, output := tracker.Total()
	log.Printf("[serve] model usage: %s, %d calls, %d input / %d output tokens, ~$%.4f",
		client.Model(), tracker.Calls(), input, output, tracker.Cost())
}

// superviseShutdown waits for an operator signal or an OS signal and winds
// the server down. Drain keeps in-flight sessions running; halt and OS
// signals stop the listener after a short grace period.
func superviseShutdown(srv *server.Server, watcher *signals.Watcher) {
	osSig := make(chan os.Signal, 1)
	signal.Notify(osSig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case kind := <-watcher.Notify():
			switch kind {
			case signals.KindDrain:
				srv.Drain()
				continue
			case signals.KindHalt:
				log.Printf("[serve] halt signal received, shutting down")
			}
		case sig := <-osSig:
			log.Printf("[serve] %s received, shutting down", sig)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[serve] shutdown: %v", err)
		}
		cancel()
		return
	}
}

// buildPipeline assembles the planner, solver and aggregator from config,
// scripted when a plan file is given and model-backed otherwise. The
// returned client is nil in scripted mode.
func buildPipeline(cfg *config.Config) (orchestrator.Planner, orchestrator.Solver, orchestrator.Aggregator, *llm.Client, error) {
	if servePlanFile != "" {
		log.Printf("[serve] offline mode: scripted plan from %s", servePlanFile)
		return llm.NewScriptedPlanner(servePlanFile), &llm.EchoSolver{Delay: serveEchoDelay}, llm.JoinAggregator{}, nil, nil
	}

	clientCfg := llm.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.BedrockRegion,
	}
	if !cfg.Anthropic.UseBedrock {
		apiKey, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("anthropic credentials: %w (or run with --plan for offline mode)", err)
		}
		clientCfg.APIKey = apiKey
	}

	client, err := llm.NewClient(clientCfg)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("anthropic client: %w", err)
	}
	return llm.NewPlanner(client, 0), llm.NewSolver(client), llm.NewAggregator(client), client, nil
}
