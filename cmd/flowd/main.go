// Flowd is the conversational workflow orchestration daemon. It routes
// user queries to specialized task handlers, advances each session
// through the engagement lifecycle, and keeps all session state in an
// external store so the daemon itself stays stateless.
//
// Usage:
//
//	# Start with defaults (in-memory store, no LLM handlers)
//	flowd serve
//
//	# Durable sessions over NATS JetStream and LLM handlers
//	NATS_URL=nats://localhost:4222 LLM_API_KEY=sk-... flowd serve
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outcomelabs/flowd/internal/archive"
	"github.com/outcomelabs/flowd/internal/config"
	"github.com/outcomelabs/flowd/internal/events"
	"github.com/outcomelabs/flowd/internal/handler"
	"github.com/outcomelabs/flowd/internal/httpapi"
	"github.com/outcomelabs/flowd/internal/logging"
	"github.com/outcomelabs/flowd/internal/orchestrator"
	"github.com/outcomelabs/flowd/internal/session"
	"github.com/outcomelabs/flowd/internal/store"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "flowd",
	Short:   "Conversational workflow orchestration daemon",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flowd server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("flowd %s (%s)\n", version, gitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// run wires the full service graph and blocks until ctx is cancelled:
// config, logger, store (NATS KV or in-memory), handler registry,
// orchestrator, session service, HTTP server.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting flowd",
		zap.String("version", version),
		zap.String("commit", gitCommit),
	)

	var (
		repo store.Repository
		pub  events.Publisher = events.Nop{}
	)
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("flowd"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Close()

		repo, err = store.NewNATSKV(nc, store.NATSKVConfig{Bucket: cfg.NATS.Bucket}, logger)
		if err != nil {
			return fmt.Errorf("create session store: %w", err)
		}
		pub, err = events.NewNATSPublisher(nc, logger)
		if err != nil {
			return fmt.Errorf("create event publisher: %w", err)
		}
		logger.Info("using nats-backed session store", zap.String("bucket", cfg.NATS.Bucket))
	} else {
		repo = store.NewMemory()
		logger.Warn("NATS_URL not set, sessions are in-memory and will not survive restarts")
	}

	registry := handler.NewRegistry()
	if cfg.LLM.APIKey.IsSet() {
		invoker, err := handler.NewLLMInvoker(handler.LLMConfig{
			BaseURL:           cfg.LLM.BaseURL,
			Model:             cfg.LLM.Model,
			APIKey:            cfg.LLM.APIKey.Value(),
			RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		}, logger)
		if err != nil {
			return fmt.Errorf("create llm invoker: %w", err)
		}
		for _, name := range []string{
			handler.NameDiscovery, handler.NameAnalysis,
			handler.NameInterventionDesign, handler.NameFinancialModeling,
			handler.NameSystemMapping, handler.NameOutcomeEngineering,
			handler.NameCoordinator,
		} {
			if err := registry.Register(name, invoker); err != nil {
				return fmt.Errorf("register handler %s: %w", name, err)
			}
		}
		logger.Info("registered llm handlers", zap.String("model", cfg.LLM.Model))
	} else {
		logger.Warn("LLM_API_KEY not set, no handlers registered; queries will fail until handlers are registered")
	}

	orch, err := orchestrator.New(registry, logger)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.New(archive.Config{Path: cfg.Archive.Path}, nil, logger)
		if err != nil {
			return fmt.Errorf("create archiver: %w", err)
		}
	}

	// The interface-typed nil matters: session.NewService checks
	// archiver != nil.
	var sessArchiver session.Archiver
	if archiver != nil {
		sessArchiver = archiver
	}

	svc, err := session.NewService(session.Config{
		TotalStages: cfg.Workflow.TotalStages,
	}, repo, orch, pub, sessArchiver, logger)
	if err != nil {
		return fmt.Errorf("create session service: %w", err)
	}

	var recaller httpapi.Recaller
	if archiver != nil {
		recaller = archiver
	}
	srv, err := httpapi.NewServer(svc, recaller, logger, httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
