package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Xaheen-ai/autoforge/internal/config"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "autoforge",
		Short: "Dependency-aware backlog for autonomous coding agents",
		Long: `Autoforge keeps a prioritized, dependency-ordered feature backlog per
project and coordinates which feature an agent should work on next.`,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.DefaultConfigPath()
			}
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config already exists at %s", configPath)
			}

			if err := config.Save(config.DefaultConfig(), configPath); err != nil {
				return err
			}
			fmt.Printf("🔧 Wrote default config to %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show Autoforge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Autoforge v%s\n", version)
		},
	}
}
