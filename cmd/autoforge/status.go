package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Xaheen-ai/autoforge/internal/config"
	"github.com/Xaheen-ai/autoforge/internal/logging"
	"github.com/Xaheen-ai/autoforge/internal/store"
)

// Color palette for the status board.
var (
	statusTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#7eb8da")) // steel blue

	statusDoneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7ec699")) // sage green

	statusActiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#d4a054")) // amber

	statusBlockedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	statusDimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e")) // mid gray
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <project>",
		Short: "Show a project's backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Suppress()

			if configPath == "" {
				configPath = config.DefaultConfigPath()
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			st, err := store.NewStore(cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			project := args[0]
			features, err := st.ListFeatures(project)
			if err != nil {
				return err
			}
			ready, err := st.GetReady(project)
			if err != nil {
				return err
			}

			fmt.Print(renderStatus(project, features, ready))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path")
	return cmd
}

// renderStatus formats the backlog as a priority-ordered board.
func renderStatus(project string, features []*store.Feature, ready []*store.Feature) string {
	var b strings.Builder

	b.WriteString(statusTitleStyle.Render(fmt.Sprintf("📊 %s", project)))
	b.WriteString("\n")

	if len(features) == 0 {
		b.WriteString(statusDimStyle.Render("  backlog is empty"))
		b.WriteString("\n")
		return b.String()
	}

	readySet := make(map[int64]bool, len(ready))
	for _, f := range ready {
		readySet[f.ID] = true
	}

	var done, active int
	for _, f := range features {
		switch {
		case f.Passes:
			done++
		case f.InProgress:
			active++
		}
	}
	b.WriteString(statusDimStyle.Render(fmt.Sprintf("  %d features · %d done · %d in progress · %d ready",
		len(features), done, active, len(ready))))
	b.WriteString("\n\n")

	for _, f := range features {
		var mark string
		switch {
		case f.Passes:
			mark = statusDoneStyle.Render("✓")
		case f.InProgress:
			mark = statusActiveStyle.Render("▸")
		case f.Blocked:
			mark = statusBlockedStyle.Render("⊘")
		default:
			mark = statusDimStyle.Render("·")
		}

		line := fmt.Sprintf("  %s %3d  %s", mark, f.ID, f.Name)
		if f.Blocked {
			line += statusDimStyle.Render(fmt.Sprintf("  (waiting on %v)", f.BlockingDependencies))
		} else if readySet[f.ID] {
			line += statusDoneStyle.Render("  ready")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return b.String()
}
