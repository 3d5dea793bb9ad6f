package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nadir/stride/internal/config"
	"github.com/nadir/stride/pkg/trajectory"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs from the catalog",
	RunE:  runRuns,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show one run and its recorded steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to list")
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

func openCatalog() (*trajectory.Catalog, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return trajectory.OpenCatalog(filepath.Join(cfg.DataDir, "runs.db"))
}

func runRuns(cmd *cobra.Command, args []string) error {
	catalog, err := openCatalog()
	if err != nil {
		return err
	}
	defer catalog.Close()

	runs, err := catalog.List(runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	fmt.Printf("%-22s  %-19s  %-8s  %-6s  %s\n", "RUN", "STARTED", "OUTCOME", "STEPS", "TASK")
	for _, run := range runs {
		fmt.Printf("%-22s  %-19s  %-8s  %-6d  %s\n",
			run.RunID,
			run.StartedAt.Format("2006-01-02 15:04:05"),
			outcomeLabel(run),
			run.Steps,
			truncateTask(run.Task, 60),
		)
	}

	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	catalog, err := openCatalog()
	if err != nil {
		return err
	}
	defer catalog.Close()

	run, err := catalog.Get(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("run:      %s\n", run.RunID)
	fmt.Printf("task:     %s\n", run.Task)
	fmt.Printf("model:    %s/%s\n", run.Provider, run.Model)
	fmt.Printf("started:  %s\n", run.StartedAt.Format(time.RFC3339))
	if run.EndedAt != nil {
		fmt.Printf("ended:    %s\n", run.EndedAt.Format(time.RFC3339))
	}
	fmt.Printf("outcome:  %s\n", outcomeLabel(run))
	fmt.Printf("steps:    %d\n", run.Steps)
	if run.FinalResult != "" {
		fmt.Printf("result:   %s\n", run.FinalResult)
	}

	_, steps, footer, err := trajectory.Load(run.Path)
	if err != nil {
		fmt.Printf("\ntrajectory unavailable: %v\n", err)
		return nil
	}

	fmt.Printf("\ntrajectory: %s (%d recorded steps", run.Path, len(steps))
	if footer == nil {
		fmt.Printf(", not finalized")
	}
	fmt.Println(")")

	for _, step := range steps {
		line := fmt.Sprintf("  [%d] %s", step.Ordinal, step.Timestamp.Format("15:04:05"))
		for _, call := range step.ToolCalls {
			line += " " + call.Name
		}
		if step.Error != "" {
			line += " error: " + step.Error
		}
		fmt.Println(line)
	}

	return nil
}

func outcomeLabel(run trajectory.RunInfo) string {
	if run.Success == nil {
		return "pending"
	}
	if *run.Success {
		return "success"
	}
	return "failed"
}

func truncateTask(task string, max int) string {
	if len(task) <= max {
		return task
	}
	return task[:max-3] + "..."
}
