// cortex-watch tails a cortex server's live agent view from the
// terminal, preferring the SSE stream and degrading to polling the
// same way the web dashboard does.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cortex/internal/agentview"
	"cortex/internal/client"
	"cortex/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "cortex-watch",
		Short:         "Watch live agent sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watch(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("server", "http://localhost:8080", "cortex server base URL")
	flags.String("cache", defaultCachePath(), "snapshot cache file (empty disables caching)")
	flags.Duration("poll-interval", 5*time.Second, "poll cadence when streaming is unavailable")
	flags.String("log-level", "warn", "debug, info, warn, or error")

	v.SetEnvPrefix("CORTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	return cmd
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cortex", "sessions.json")
}

func watch(ctx context.Context, v *viper.Viper) error {
	logging.Configure(logging.Config{Level: v.GetString("log-level")})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []client.WatcherOption{
		client.WithLogger(logging.NewComponentLogger("Watch")),
		client.WithPollInterval(v.GetDuration("poll-interval")),
		client.WithOnUpdate(render),
	}
	if path := v.GetString("cache"); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err == nil {
			opts = append(opts, client.WithCache(client.NewSnapshotCache(path, 0)))
		}
	}

	w := client.NewWatcher(v.GetString("server"), opts...)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// render prints one block per update: a summary line, then the state
// of each non-idle node.
func render(state client.State) {
	fmt.Printf("[%s] %s via %s: %d total, %d running, %d completed, %d failed\n",
		state.LastUpdated.Format("15:04:05"),
		state.Source,
		state.ConnectionType,
		state.Summary.Total,
		state.Summary.Running,
		state.Summary.Completed,
		state.Summary.Failed,
	)
	for _, node := range state.Nodes {
		if node.Status == agentview.NodeIdle {
			continue
		}
		line := fmt.Sprintf("  %s %s: %s", node.Emoji, node.Name, node.Status)
		if node.ActiveSessions > 0 {
			line += fmt.Sprintf(" (%d active)", node.ActiveSessions)
		}
		if node.CurrentTask != "" {
			line += " - " + node.CurrentTask
		}
		fmt.Println(line)
	}
}
