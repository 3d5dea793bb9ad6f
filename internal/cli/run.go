package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"

	"github.com/nadir/stride/internal/config"
	"github.com/nadir/stride/internal/logger"
	"github.com/nadir/stride/internal/tracing"
	"github.com/nadir/stride/pkg/agent"
	"github.com/nadir/stride/pkg/coretools"
	"github.com/nadir/stride/pkg/dispatch"
	"github.com/nadir/stride/pkg/gateway"
	"github.com/nadir/stride/pkg/tool"
	"github.com/nadir/stride/pkg/trajectory"
)

var (
	runMaxSteps   int
	runMode       string
	runTrajectory string
	runGateway    bool
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run a task through the agent loop",
	Long: `Run a task through the agent loop. The model is queried step by step,
requested tool calls are executed, and every step is recorded to a
trajectory file under the data directory.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "override the step ceiling")
	runCmd.Flags().StringVar(&runMode, "mode", "", "tool dispatch mode (parallel or sequential)")
	runCmd.Flags().StringVar(&runTrajectory, "trajectory", "", "trajectory file path (default under data dir)")
	runCmd.Flags().BoolVar(&runGateway, "gateway", false, "expose the websocket observation endpoint during the run")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	task := strings.Join(args, " ")

	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	applyRunOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ValidateAPIKey(); err != nil {
		return err
	}

	appLogger, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	zl := appLogger.GetZerolog()

	// Runtime-tunable knobs follow the config file while the run is in
	// flight; everything else applies on the next run.
	watcher, err := config.NewWatcher(loader, zl, func(next *config.Config) {
		if err := appLogger.SetLevel(next.Logging.Level); err != nil {
			zl.Warn().Err(err).Msg("Ignoring reloaded log level")
		}
	})
	if err != nil {
		zl.Warn().Err(err).Msg("Config watcher unavailable, changes apply next run")
	} else {
		defer watcher.Stop()
	}

	if err := tracing.InitOpenTelemetry("stride"); err != nil {
		zl.Warn().Err(err).Msg("Tracing initialization failed, continuing without traces")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()

	// Tool registry with the core toolset.
	registry := tool.NewRegistry()
	if err := coretools.RegisterCoreTools(registry, coretools.Options{
		WorkspaceRoot: cfg.WorkspacePath,
	}); err != nil {
		return err
	}

	// Model provider with retry.
	base, err := agent.NewProvider(cfg.Provider.Name, cfg.Provider.APIKey)
	if err != nil {
		return err
	}
	provider := agent.NewRetryingProvider(base, cfg.Provider.MaxRetries, zl)

	// Trajectory recorder.
	trajectoryPath := runTrajectory
	if trajectoryPath == "" {
		trajectoryPath = filepath.Join(cfg.Trajectory.Dir, fmt.Sprintf("run-%d.jsonl", time.Now().UnixMilli()))
	}
	recorder, err := trajectory.NewRecorder(trajectory.Config{
		Path:            trajectoryPath,
		BatchSize:       cfg.Trajectory.BatchSize,
		FlushInterval:   time.Duration(cfg.Trajectory.FlushIntervalSeconds) * time.Second,
		MaxInteractions: cfg.Trajectory.MaxInteractions,
		Logger:          zl,
	})
	if err != nil {
		return err
	}

	// Run catalog.
	catalog, err := trajectory.OpenCatalog(filepath.Join(cfg.DataDir, "runs.db"))
	if err != nil {
		return err
	}
	defer catalog.Close()

	// Optional observation server.
	var sink agent.StepSink
	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{Port: cfg.Gateway.Port, Logger: zl})
		if err != nil {
			return err
		}
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			if err := server.Stop(); err != nil {
				zl.Warn().Err(err).Msg("Observation server shutdown failed")
			}
		}()
		sink = server.Broadcaster()
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Registry:       registry,
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		Logger:         zl,
	})
	if err != nil {
		return err
	}

	// The run ID is fixed up front so the catalog row exists before the
	// first step; a killed run is still discoverable next to its
	// trajectory file.
	runID, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("failed to generate run ID: %w", err)
	}

	loop, err := agent.NewLoop(agent.Config{
		Provider:     provider,
		RunID:        runID,
		Registry:     registry,
		Dispatcher:   dispatcher,
		Recorder:     recorder,
		Sink:         sink,
		Logger:       zl,
		Model:        cfg.Provider.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Temperature:  cfg.Agent.Temperature,
		MaxTokens:    cfg.Agent.MaxTokens,
		MaxSteps:     cfg.Agent.MaxSteps,
		DispatchMode: dispatch.Mode(cfg.Dispatch.Mode),
		BatchTimeout: time.Duration(cfg.Dispatch.BatchTimeoutSeconds) * time.Second,
		DoneTool:     cfg.Agent.DoneTool,
	})
	if err != nil {
		return err
	}

	// Cancel on SIGINT/SIGTERM; the loop aborts after the current step.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := catalog.RecordStart(trajectory.RunInfo{
		RunID:     runID,
		Path:      trajectoryPath,
		Task:      task,
		Provider:  provider.Provider(),
		Model:     cfg.Provider.Model,
		StartedAt: time.Now(),
	}); err != nil {
		zl.Warn().Err(err).Msg("Failed to record run in catalog")
	}

	result, runErr := loop.Run(ctx, task)

	if err := catalog.RecordFinish(
		runID, result.Success(), result.Steps, result.Response, time.Now(),
	); err != nil {
		zl.Warn().Err(err).Msg("Failed to finalize run in catalog")
	}

	if runErr != nil {
		return runErr
	}

	fmt.Printf("run:      %s\n", result.RunID)
	fmt.Printf("reason:   %s\n", result.Reason)
	fmt.Printf("steps:    %d\n", result.Steps)
	fmt.Printf("tokens:   %d in / %d out\n", result.Usage.InputTokens, result.Usage.OutputTokens)
	fmt.Printf("log:      %s\n", trajectoryPath)
	if result.Response != "" {
		fmt.Printf("\n%s\n", result.Response)
	}

	return nil
}

func applyRunOverrides(cfg *config.Config) {
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if runMaxSteps > 0 {
		cfg.Agent.MaxSteps = runMaxSteps
	}
	if runMode != "" {
		cfg.Dispatch.Mode = runMode
	}
	if runGateway {
		cfg.Gateway.Enabled = true
	}
}
