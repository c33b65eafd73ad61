package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stokkr/foreman/internal/adapters/agent"
	"github.com/stokkr/foreman/internal/adapters/backlog"
	"github.com/stokkr/foreman/internal/adapters/git"
	"github.com/stokkr/foreman/internal/api"
	"github.com/stokkr/foreman/internal/config"
	"github.com/stokkr/foreman/internal/control"
	"github.com/stokkr/foreman/internal/diagnostics"
	"github.com/stokkr/foreman/internal/events"
	"github.com/stokkr/foreman/internal/lock"
	"github.com/stokkr/foreman/internal/logging"
	"github.com/stokkr/foreman/internal/retry"
	"github.com/stokkr/foreman/internal/service"
	"github.com/stokkr/foreman/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the backlog until stopped or drained",
	Long: `run claims ready backlog items up to the configured concurrency,
executes each in its own worktree, and merges approved results onto
trunk one at a time. It exits when the backlog is drained (single-shot
mode), on SIGINT/SIGTERM, or when a stop sentinel appears in the
control directory.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Bool("single-shot", false,
		"exit after the first completed item or an empty backlog")
	runCmd.Flags().Int("concurrency", 0,
		"max items processed in parallel (0 uses config)")
	runCmd.Flags().Duration("poll-interval", 0,
		"backlog poll interval (0 uses config)")

	_ = viper.BindPFlag("scheduler.single_shot", runCmd.Flags().Lookup("single-shot"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		cfg.Scheduler.Concurrency = n
	}
	if d, _ := cmd.Flags().GetDuration("poll-interval"); d > 0 {
		cfg.Scheduler.PollInterval = d
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	runID := uuid.NewString()
	logger.Info("starting run",
		"run_id", runID,
		"repo", cfg.Repo.Path,
		"backlog", cfg.Backlog.Repo,
		"concurrency", cfg.Scheduler.Concurrency)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stateDir := filepath.Join(cfg.Repo.Path, ".foreman")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	trunk, err := git.NewClient(cfg.Repo.Path)
	if err != nil {
		return fmt.Errorf("opening trunk repository: %w", err)
	}

	workspaceDir := cfg.Repo.WorkspaceDir
	if !filepath.IsAbs(workspaceDir) {
		workspaceDir = filepath.Join(cfg.Repo.Path, workspaceDir)
	}
	workspaces, err := git.NewWorkspaceManager(trunk, workspaceDir, logger)
	if err != nil {
		return fmt.Errorf("creating workspace manager: %w", err)
	}

	var backlogOpts []backlog.Option
	if cfg.Backlog.ReadyLabel != "" {
		backlogOpts = append(backlogOpts, backlog.WithReadyLabel(cfg.Backlog.ReadyLabel))
	}
	if cfg.Backlog.ClaimLabel != "" {
		backlogOpts = append(backlogOpts, backlog.WithClaimLabel(cfg.Backlog.ClaimLabel))
	}
	backlogClient, err := backlog.NewClient(cfg.Backlog.Repo, logger, backlogOpts...)
	if err != nil {
		return fmt.Errorf("creating backlog client: %w", err)
	}

	preflight := diagnostics.NewChecker(cfg.Repo.Path, logger)
	coder, err := agent.NewCLIAgent(agent.Config{
		Path:         cfg.Agent.Path,
		Args:         cfg.Agent.Args,
		ReadOnlyFlag: cfg.Agent.ReadOnlyFlag,
		Timeout:      cfg.Agent.Timeout,
		Env:          cfg.Agent.Env,
	}, preflight, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	ledger, err := store.Open(filepath.Join(stateDir, "ledger.db"))
	if err != nil {
		return fmt.Errorf("opening run ledger: %w", err)
	}
	defer ledger.Close()

	locks, err := lock.NewRegistry(filepath.Join(stateDir, "locks"))
	if err != nil {
		return fmt.Errorf("creating lock registry: %w", err)
	}

	bus := events.NewBus(64)
	defer bus.Close()
	go logEvents(bus, logger)

	stats := service.NewSessionStats()
	queue := service.NewMergeQueue(workspaces, cfg.Repo.Trunk, logger)
	queue.RecordTo(stats)

	policy := retry.DefaultPolicy()
	if cfg.Scheduler.MaxRetries > 0 {
		policy = retry.NewPolicy(retry.WithMaxRetries(cfg.Scheduler.MaxRetries))
	}

	executor := service.NewExecutor(backlogClient, coder, workspaces, queue, bus, service.ExecutorConfig{
		Trunk:    cfg.Repo.Trunk,
		Ceiling:  cfg.Scheduler.ItemCeiling,
		Policy:   policy,
		CloseUps: cfg.Scheduler.CloseParents,
	}, logger)

	var maint *service.MaintenanceScheduler
	if cfg.Maintenance.TasksFile != "" {
		tasks, err := service.LoadTasks(cfg.Maintenance.TasksFile)
		if err != nil {
			return fmt.Errorf("loading maintenance tasks: %w", err)
		}
		maint = service.NewMaintenanceScheduler(tasks, locks, stats, cfg.Repo.Path, logger)
	}

	scheduler := service.NewScheduler(backlogClient, executor, coder, trunk, stats, ledger, maint, service.SchedulerConfig{
		Concurrency:  cfg.Scheduler.Concurrency,
		PollInterval: cfg.Scheduler.PollInterval,
		SingleShot:   cfg.Scheduler.SingleShot,
		StatsPath:    filepath.Join(stateDir, "stats.json"),
		RunID:        runID,
	}, logger)

	watcher, err := control.NewWatcher(filepath.Join(stateDir, "control"), scheduler, logger)
	if err != nil {
		return fmt.Errorf("creating control watcher: %w", err)
	}
	go func() { _ = watcher.Run(ctx) }()

	if cfg.API.Enabled {
		server := api.NewServer(cfg.API.Addr, stats, queue, ledger, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("status api stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	runErr := scheduler.Run(ctx)

	// Let in-flight merges finish before reporting.
	queue.Shutdown()

	snap := stats.Snapshot()
	logger.Info("run finished",
		"run_id", runID,
		"completed", snap.Completed,
		"failed", snap.Failed,
		"attempts", snap.Attempts,
		"merges", snap.Merges,
		"conflicts", snap.Conflicts)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// logEvents mirrors bus traffic into the structured log. The bus drops
// events under pressure rather than stalling the scheduler, so this is
// observability only.
func logEvents(bus *events.Bus, logger *logging.Logger) {
	log := logger.WithComponent("events")
	for event := range bus.Subscribe() {
		args := []any{"item_id", string(event.ItemID)}
		if event.Attempt > 0 {
			args = append(args, "attempt", event.Attempt)
		}
		if event.Detail != "" {
			args = append(args, "detail", event.Detail)
		}
		log.Info(event.Type, args...)
	}
}
