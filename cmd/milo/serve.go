package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"milo/internal/agent"
	"milo/internal/agent/ports"
	"milo/internal/config"
	"milo/internal/llm"
	"milo/internal/logging"
	"milo/internal/observability"
	"milo/internal/project"
	"milo/internal/server"
	"milo/internal/store"
	"milo/internal/watch"
)

const (
	databaseFile    = "milo.sqlite"
	shutdownTimeout = 10 * time.Second
)

func newServeCommand(configPath *string) *cobra.Command {
	var (
		host  string
		port  int
		debug bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the milo HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.ServerHost = host
			}
			if port != 0 {
				cfg.ServerPort = port
			}
			if debug {
				cfg.LogLevel = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, debug)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Bind address (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Debug logging")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, debug bool) error {
	logger := logging.NewWriterLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel), "milo")
	logger.Info("Starting milo %s", version)

	for _, dir := range []string{cfg.DataDir, cfg.ProjectsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, databaseFile))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seedSettings(ctx, st, cfg); err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.OTLPEndpoint != "",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		ServiceName:    "milo",
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}

	hub := project.NewHub()
	supervisor := project.NewSupervisor(hub, logger)
	if published, err := st.PublishedPorts(ctx); err != nil {
		logger.Warn("Could not restore published ports: %v", err)
	} else {
		supervisor.RestorePorts(published)
	}

	watchHub := watch.NewHub(logger)

	engine, err := agent.NewEngine(agent.Deps{
		Store:    st,
		Runtime:  supervisor,
		Starter:  supervisor,
		Metrics:  metrics,
		Observer: metrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Host:        cfg.ServerHost,
		Port:        cfg.ServerPort,
		ProjectsDir: cfg.ProjectsDir,
		Version:     version,
		Debug:       debug,
	}, server.Deps{
		Engine:     engine,
		Store:      st,
		Apps:       st,
		Supervisor: supervisor,
		Watch:      watchHub,
		Auth:       server.NewStaticTokenAuth(cfg.ServerToken),
		Prober:     &settingsProber{store: st, logger: logger},
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening on http://%s", srv.Addr())
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		supervisor.StopAll()
		watchHub.Close()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Trace exporter shutdown: %v", err)
		}
		return srv.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// seedSettings copies the file configuration into the settings row the first
// time the store comes up empty. After that the API owns the row.
func seedSettings(ctx context.Context, st *store.Store, cfg *config.Config) error {
	stored, err := st.GetSettings(ctx)
	if err != nil {
		return err
	}
	if stored.EndpointURL != "" {
		return nil
	}
	return st.SaveSettings(ctx, cfg.Settings())
}

// settingsProber builds a client from the current settings row on every
// probe, so endpoint edits made through the API take effect immediately.
type settingsProber struct {
	store  ports.Persistence
	logger logging.Logger
}

func (p *settingsProber) Probe(ctx context.Context) ([]ports.ModelInfo, error) {
	settings, err := p.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	client, err := llm.NewClient(llm.Config{
		APIKey:  settings.APIKey,
		BaseURL: settings.EndpointURL,
		Model:   settings.ModelName,
	}, p.logger)
	if err != nil {
		return nil, err
	}
	return client.Probe(ctx)
}
