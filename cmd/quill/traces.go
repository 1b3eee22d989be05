package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quill/internal/config"
	"github.com/ShayCichocki/quill/internal/state"
)

var (
	tracesLimit  int
	tracesDBPath string
)

var tracesCmd = &cobra.Command{
	Use:   "traces [session-id]",
	Short: "Inspect persisted session traces",
	Long: `List completed session traces from the trace store, or show one
session in full with its report and per-task outcomes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTraces,
}

func init() {
	tracesCmd.Flags().IntVar(&tracesLimit, "limit", 20, "Maximum traces to list")
	tracesCmd.Flags().StringVar(&tracesDBPath, "db", "", "Trace database path (overrides config)")
}

func runTraces(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dbPath := tracesDBPath
	if dbPath == "" {
		dbPath = cfg.Storage.Path
	}
	if dbPath == "" {
		dbPath = state.DefaultDBPath()
	}
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("no trace store at %s", dbPath)
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open trace store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate trace store: %w", err)
	}

	if len(args) == 1 {
		return showTrace(cmd, db, args[0])
	}
	return listTraces(cmd, db)
}

func listTraces(cmd *cobra.Command, db *state.DB) error {
	traces, err := db.ListTraces(cmd.Context(), tracesLimit)
	if err != nil {
		return err
	}
	if len(traces) == 0 {
		fmt.Println("No traces recorded")
		return nil
	}

	for _, trace := range traces {
		request := trace.Request
		if len(request) > 60 {
			request = request[:57] + "..."
		}
		fmt.Printf("%s  %s  %-11s %s\n",
			trace.SessionID[:8],
			trace.StartedAt.Format("2006-01-02 15:04"),
			stageColor(trace.Stage).Sprint(trace.Stage),
			request)
	}
	return nil
}

func showTrace(cmd *cobra.Command, db *state.DB, sessionID string) error {
	trace, err := db.GetTrace(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	if trace == nil {
		return fmt.Errorf("no trace for session %s", sessionID)
	}

	fmt.Printf("Session:  %s\n", trace.SessionID)
	fmt.Printf("Stage:    %s\n", stageColor(trace.Stage).Sprint(trace.Stage))
	fmt.Printf("Started:  %s\n", trace.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Ended:    %s\n", trace.EndedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Request:  %s\n", trace.Request)

	if len(trace.Tasks) > 0 {
		fmt.Println("\nTasks:")
		for _, task := range trace.Tasks {
			line := fmt.Sprintf("  %2d. %-10s %s", task.TaskID, task.State, task.Title)
			if task.Attempts > 1 {
				line += fmt.Sprintf(" (%d attempts)", task.Attempts)
			}
			if task.Error != "" {
				line += " - " + task.Error
			}
			fmt.Println(taskColor(task.State).Sprint(line))
		}
	}

	if trace.Report != "" {
		header := "Report"
		if trace.Partial {
			header = "Report (partial)"
		}
		fmt.Printf("\n%s:\n%s\n", header, strings.TrimRight(trace.Report, "\n"))
	}
	return nil
}

func stageColor(stage string) *color.Color {
	switch stage {
	case "completed":
		return color.New(color.FgGreen)
	case "cancelled":
		return color.New(color.FgYellow)
	case "error":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}

func taskColor(taskState string) *color.Color {
	switch taskState {
	case "succeeded":
		return color.New(color.FgGreen)
	case "failed":
		return color.New(color.FgRed)
	case "cancelled":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}
