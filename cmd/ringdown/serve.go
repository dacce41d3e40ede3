package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ringdown/ringdown/internal/archive"
	"github.com/ringdown/ringdown/internal/config"
	"github.com/ringdown/ringdown/internal/convo"
	"github.com/ringdown/ringdown/internal/gateway"
	"github.com/ringdown/ringdown/internal/llm"
	"github.com/ringdown/ringdown/internal/maintenance"
	"github.com/ringdown/ringdown/internal/mobile"
	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/internal/profile"
	"github.com/ringdown/ringdown/internal/session"
	"github.com/ringdown/ringdown/internal/tools"
	"github.com/ringdown/ringdown/internal/tools/builtin"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Ringdown server",
		Long: `Start the Ringdown server: the telephony WebSocket endpoint, the
managed-AV mobile endpoints, health and metrics, and the background
maintenance sweeps.

Graceful shutdown is handled on SIGINT/SIGTERM: live calls are asked to
end and the listener drains within the configured shutdown window.`,
		Example: `  # Start with the config named by RINGDOWN_CONFIG_PATH
  ringdown serve

  # Start with an explicit config
  ringdown serve --config /etc/ringdown/production.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file (yaml/json/json5)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// runServe wires the process: config, observability, registries, provider,
// session manager, mobile stack, maintenance jobs, HTTP listener.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := cfg.Observability.LogLevel
	if debug {
		logLevel = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  logLevel,
		Format: cfg.Observability.LogFormat,
		Output: os.Stderr,
	})
	metrics := observability.NewMetrics()
	metrics.SetBuildInfo(version, commit)

	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "ringdown",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		SamplingRate:   cfg.Observability.SampleRate,
		EnableInsecure: cfg.Observability.OTLPInsecure,
	})

	logger.Info(ctx, "starting ringdown",
		"version", version,
		"commit", commit,
		"config", configPath,
		"provider", cfg.LLM.Provider,
		"agents", len(cfg.Agents),
	)

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}

	toolRegistry := tools.NewRegistry(logger, metrics)
	toolRegistry.MustRegister(
		builtin.CurrentTime(),
		builtin.HangUp(),
		builtin.SwitchLanguage(),
		builtin.SendEmail(logger),
	)

	profiles, err := profile.NewRegistry(cfg, toolRegistry.PromptBlurbs(), logger)
	if err != nil {
		return fmt.Errorf("failed to build agent registry: %w", err)
	}
	convoStore := convo.NewStore(cfg.Conversation.Window, logger)

	deps := session.Deps{
		Profiles: profiles,
		Convo:    convoStore,
		Tools:    toolRegistry,
		Provider: provider,
		Logger:   logger,
		Metrics:  metrics,
	}

	var archiveStore *archive.Store
	if cfg.Archive.Enabled {
		archiveStore, err = archive.Open(ctx, cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("failed to open call archive: %w", err)
		}
		deps.Archive = archiveStore
	}

	sessions := session.NewManager(deps, session.ManagerConfig{})

	controller, mobileSessions := buildMobileStack(cfg, profiles, convoStore, toolRegistry, provider, logger, metrics)

	// Cancel on shutdown signals; everything long-lived hangs off this ctx.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var spool *mobile.SpoolWatcher
	if mobileSessions != nil && cfg.ControlHarnessEnabled() && cfg.Control.SpoolDir != "" {
		spool = mobile.NewSpoolWatcher(cfg.Control.SpoolDir, mobileSessions, logger)
		if err := spool.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control spool watcher: %w", err)
		}
	}

	scheduler := maintenance.NewScheduler(logger)
	if err := addMaintenanceJobs(scheduler, cfg, convoStore, mobileSessions, archiveStore, logger); err != nil {
		return err
	}
	scheduler.Start()

	server := gateway.NewServer(gateway.ServerOptions{
		Config:   cfg.Server,
		Sessions: sessions,
		Mobile:   controller,
		Logger:   logger,
		Metrics:  metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Block until a signal arrives or the listener dies.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info(context.Background(), "shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	shutdownErr := server.Shutdown(shutdownCtx)

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "maintenance scheduler stop incomplete", "error", err)
	}
	if spool != nil {
		if err := spool.Close(); err != nil {
			logger.Warn(shutdownCtx, "spool watcher close failed", "error", err)
		}
	}
	if archiveStore != nil {
		if err := archiveStore.Close(); err != nil {
			logger.Warn(shutdownCtx, "call archive close failed", "error", err)
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "tracer shutdown failed", "error", err)
	}

	if shutdownErr != nil {
		return fmt.Errorf("shutdown failed: %w", shutdownErr)
	}
	logger.Info(context.Background(), "ringdown stopped gracefully")
	return nil
}

// buildProvider selects the streaming LLM driver. Missing credentials fail
// fast rather than surfacing as mid-call stream errors.
func buildProvider(cfg *config.Config, logger *observability.Logger) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "openai":
		if cfg.LLM.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("llm.openai_api_key is required for provider openai")
		}
		return llm.NewOpenAIProvider(cfg.LLM.OpenAIAPIKey, cfg.LLM.OpenAIBaseURL, logger), nil
	default:
		if cfg.LLM.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("llm.anthropic_api_key is required for provider anthropic")
		}
		return llm.NewAnthropicProvider(cfg.LLM.AnthropicAPIKey, "", logger), nil
	}
}

// buildMobileStack assembles the managed-AV path. Without a token secret the
// endpoints stay unmounted and both returns are nil.
func buildMobileStack(
	cfg *config.Config,
	profiles *profile.Registry,
	convoStore *convo.Store,
	toolRegistry *tools.Registry,
	provider llm.Provider,
	logger *observability.Logger,
	metrics *observability.Metrics,
) (*mobile.Controller, *mobile.SessionManager) {
	if cfg.Server.TokenSecret == "" {
		logger.Info(context.Background(), "managed-AV endpoints disabled", "reason", "server.token_secret unset")
		return nil, nil
	}

	defaultAgent := ""
	if prof, ok := profiles.Default(); ok {
		defaultAgent = prof.ID
	}

	tokens := mobile.NewTokenService(cfg.Server.TokenSecret, cfg.Server.TokenTTL)
	pipeline := mobile.NewStaticPipeline(cfg.Server.PublicBaseURL)
	manager := mobile.NewSessionManager(tokens, pipeline, cfg.ControlHarnessEnabled(), logger, metrics)
	runner := mobile.NewCompletionRunner(convoStore, profiles, toolRegistry, provider, logger, metrics)
	devices := mobile.NewDeviceRegistry(cfg.Devices.Greenlist, cfg.Devices.Denylist, cfg.Devices.PollAfterSeconds, defaultAgent)

	controller := mobile.NewController(mobile.ControllerOptions{
		Sessions: manager,
		Runner:   runner,
		Devices:  devices,
		Profiles: profiles,
		Tokens:   tokens,
		Logger:   logger,
		Metrics:  metrics,
	})
	return controller, manager
}

// addMaintenanceJobs registers the periodic sweeps that apply to this
// process's configuration.
func addMaintenanceJobs(
	scheduler *maintenance.Scheduler,
	cfg *config.Config,
	convoStore *convo.Store,
	mobileSessions *mobile.SessionManager,
	archiveStore *archive.Store,
	logger *observability.Logger,
) error {
	spec := cfg.Maintenance.Schedule

	if cfg.Conversation.IdleMinutes > 0 {
		idleFor := time.Duration(cfg.Conversation.IdleMinutes) * time.Minute
		if err := scheduler.Add(spec, maintenance.IdleConversationSweep(convoStore, idleFor, logger)); err != nil {
			return err
		}
	}
	if mobileSessions != nil {
		if err := scheduler.Add(spec, maintenance.ManagedSessionExpiry(mobileSessions)); err != nil {
			return err
		}
	}
	if archiveStore != nil {
		retention := time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour
		if err := scheduler.Add(spec, maintenance.ArchiveRetention(archiveStore, retention, logger)); err != nil {
			return err
		}
	}
	return nil
}
