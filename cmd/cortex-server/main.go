// cortex-server hosts the agent dashboard API: the live session view,
// its SSE stream, the content-dashboard workflow routes, and the
// background completion poller.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cortex/internal/config"
	"cortex/internal/gateway"
	"cortex/internal/logging"
	"cortex/internal/server/httpapi"
	"cortex/internal/video"
	"cortex/internal/workflow"
)

func main() {
	cmd, _ := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() (*cobra.Command, *viper.Viper) {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "cortex-server",
		Short:         "Agent session dashboard server",
		Long:          "Serves the live agent session view and drives content workflow completion detection against the agent gateway.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to config file (default cortex.yaml if present)")
	flags.String("listen", "", "listen address, e.g. :8080")
	flags.String("gateway-url", "", "agent gateway base URL")
	flags.String("database-url", "", "postgres URL for the workflow store (empty keeps the in-memory store)")
	flags.Duration("poll-interval", 0, "background workflow poll interval")
	flags.String("log-level", "", "debug, info, warn, or error")
	flags.String("log-format", "", "text or json")

	v.SetEnvPrefix("CORTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	return cmd, v
}

// loadConfig layers the file and CORTEX_* environment through
// config.Load, then applies whatever the command line set on top.
func loadConfig(v *viper.Viper) (config.Config, error) {
	opts := []config.Option{}
	if path := v.GetString("config"); path != "" {
		opts = append(opts, config.WithPath(path))
	}
	opts = append(opts, config.WithOverride(func(cfg *config.Config) {
		if addr := v.GetString("listen"); addr != "" {
			cfg.ListenAddr = addr
		}
		if url := v.GetString("gateway-url"); url != "" {
			cfg.GatewayURL = url
		}
		if url := v.GetString("database-url"); url != "" {
			cfg.DatabaseURL = url
		}
		if interval := v.GetDuration("poll-interval"); interval > 0 {
			cfg.PollInterval = interval
		}
		if level := v.GetString("log-level"); level != "" {
			cfg.LogLevel = level
		}
		if format := v.GetString("log-format"); format != "" {
			cfg.LogFormat = format
		}
	}))
	return config.Load(opts...)
}

func run(ctx context.Context, cfg config.Config) error {
	logging.Configure(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger := logging.NewComponentLogger("Main")
	logger.Info("starting cortex-server on %s (gateway %s)", cfg.ListenAddr, cfg.GatewayURL)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.NewClient(gateway.Config{
		BaseURL: cfg.GatewayURL,
		Token:   cfg.GatewayToken,
		Hosted:  cfg.Hosted,
	}, logging.NewComponentLogger("Gateway"))
	if err != nil {
		return err
	}

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	pollerOpts := []workflow.PollerOption{}
	if cfg.VideoConfigured() {
		trigger, err := video.NewClient(video.Config{
			APIURL:      cfg.VideoAPIURL,
			APIKey:      cfg.VideoAPIKey,
			CallbackURL: cfg.VideoCallbackURL,
		}, logging.NewComponentLogger("Video"))
		if err != nil {
			return err
		}
		pollerOpts = append(pollerOpts, workflow.WithVideoTrigger(trigger))
		logger.Info("video trigger enabled (%s)", cfg.VideoAPIURL)
	}

	poller := workflow.NewPoller(store, gw, logging.NewComponentLogger("Poller"), pollerOpts...)
	detector := workflow.NewDetector(store, gw, logging.NewComponentLogger("Detector"))

	srv := httpapi.NewServer(gw, store, poller, detector,
		logging.NewComponentLogger("HTTP"),
		httpapi.Options{Addr: cfg.ListenAddr})

	go pollLoop(ctx, poller, cfg.PollInterval, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// buildStore selects the postgres store when a database URL is
// configured, the in-memory store otherwise.
func buildStore(ctx context.Context, cfg config.Config) (workflow.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return workflow.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	store := workflow.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, pool.Close, nil
}

// pollLoop drives background completion detection until ctx ends. The
// first tick runs immediately so a restart picks up in-flight
// workflows without waiting a full interval.
func pollLoop(ctx context.Context, poller *workflow.Poller, interval time.Duration, logger logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := poller.Poll(ctx, nil)
		if err != nil {
			logger.Warn("poll batch failed: %v", err)
		} else if result.Processed > 0 {
			logger.Debug("poll batch: %d processed, %d completed, %d failed",
				result.Processed, len(result.Completed), len(result.Failed))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
