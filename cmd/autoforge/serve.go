package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Xaheen-ai/autoforge/internal/config"
	"github.com/Xaheen-ai/autoforge/internal/events"
	"github.com/Xaheen-ai/autoforge/internal/logging"
	"github.com/Xaheen-ai/autoforge/internal/schedule"
	"github.com/Xaheen-ai/autoforge/internal/server"
	"github.com/Xaheen-ai/autoforge/internal/store"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var agentCmd string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Autoforge API server",
		Long: `Start the HTTP API and WebSocket event stream. With --agent, the
schedule runner executes the given command for each dispatched feature,
passing the project name and feature ID as arguments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.DefaultConfigPath()
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return err
			}

			st, err := store.NewStore(cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			hub := events.NewHub()
			srv := server.NewServer(cfg.Server, st, hub)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Println("\n🛑 Shutting down...")
				cancel()
			}()

			if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
				if agentCmd == "" {
					logging.WithComponent("scheduler").Warn("no agent command configured, schedule runner idle")
				} else {
					runner := schedule.NewRunner(st, hub, execAgent(agentCmd), cfg.Scheduler)
					if err := runner.Start(ctx); err != nil {
						return err
					}
					defer runner.Stop()
				}
			}

			fmt.Printf("🚀 Autoforge listening on %s\n", cfg.Addr())
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path")
	cmd.Flags().StringVar(&agentCmd, "agent", "", "Command to run for each dispatched feature")
	return cmd
}

// execAgent runs an external command per feature: argv is the configured
// command plus project and feature ID. A non-zero exit is a failed run.
func execAgent(command string) schedule.AgentRunner {
	return schedule.AgentRunnerFunc(func(ctx context.Context, f *store.Feature, yolo bool) error {
		args := []string{f.Project, strconv.FormatInt(f.ID, 10)}
		c := exec.CommandContext(ctx, command, args...)
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		c.Env = append(os.Environ(), "AUTOFORGE_YOLO="+strconv.FormatBool(yolo))
		return c.Run()
	})
}
