package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/task-orchestrator/internal/batch"
	"github.com/hochfrequenz/task-orchestrator/internal/config"
	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/events"
	"github.com/hochfrequenz/task-orchestrator/internal/executor"
	"github.com/hochfrequenz/task-orchestrator/internal/gitflow"
	"github.com/hochfrequenz/task-orchestrator/internal/logging"
	"github.com/hochfrequenz/task-orchestrator/internal/notify"
	"github.com/hochfrequenz/task-orchestrator/internal/sandbox"
	"github.com/hochfrequenz/task-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/task-orchestrator/internal/tracker"
	"github.com/hochfrequenz/task-orchestrator/web/api"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort int
	serveHost string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and execution engine",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	if serveHost != "" {
		cfg.Web.Host = serveHost
	}
	if cfg.Repository.FullName == "" && cfg.Repository.CloneURL == "" {
		return errors.New("no repository configured: set repository.full_name or TASKORCH_REPOSITORY")
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.General.ReposDir, 0755); err != nil {
		return fmt.Errorf("creating repos dir: %w", err)
	}
	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	if _, err := store.SeedSettings(settingsFromConfig(cfg)); err != nil {
		return fmt.Errorf("seeding settings: %w", err)
	}

	bus := events.NewBus(cfg.Events.SubscriberBacklog, logger)
	defer bus.Close()

	track := tracker.New(store, bus, logger)
	defer track.Close()

	retention, err := tracker.NewRetention(store, cfg.Retention.Schedule, cfg.Retention.Keep.Duration, logger)
	if err != nil {
		return err
	}

	github := gitflow.NewGitHub(cfg.GitHub.APIURL, cfg.GitHub.WebURL, cfg.GitHub.Token, cfg.GitHub.Timeout.Duration, logger)
	engine := gitflow.NewEngine(gitflow.Options{
		ReposDir: cfg.General.ReposDir,
		Token:    cfg.GitHub.Token,
		WebURL:   cfg.GitHub.WebURL,
		Pool:     gitflow.NewPool(cfg.Execution.GitConcurrency),
		GitHub:   github,
		Logger:   logger,
	})

	sb, err := sandbox.New(sandbox.Config{
		Kind:        cfg.Execution.Sandbox,
		Agent:       sandbox.AgentKind(cfg.Execution.Agent),
		Model:       cfg.Execution.Model,
		DockerImage: cfg.Execution.DockerImage,
	}, logger)
	if err != nil {
		return err
	}

	runner := executor.NewRunner(executor.Options{
		Git:         engine,
		Sandbox:     sb,
		Tracker:     track,
		Events:      bus,
		Logger:      logger,
		TaskTimeout: cfg.Execution.TaskTimeout.Duration,
		CancelGrace: cfg.Execution.CancelGrace.Duration,
	})

	repo := domain.RepoRef{
		FullName:      cfg.Repository.FullName,
		CloneURL:      cfg.Repository.CloneURL,
		DefaultBranch: cfg.Repository.DefaultBranch,
	}

	batches := batch.New(batch.Options{
		Runner:   runner,
		Tasks:    store,
		Git:      engine,
		Repo:     repo,
		Events:   bus,
		Logger:   logger,
		MaxTasks: cfg.Batch.MaxTasks,
		Defaults: func() domain.Settings {
			s, err := store.GetSettings()
			if err != nil {
				logger.Warn("loading settings, using config defaults", "error", err)
				return settingsFromConfig(cfg)
			}
			return s
		},
	})

	server := api.NewServer(api.Options{
		Addr:      cfg.Addr(),
		AuthToken: cfg.Web.AuthToken,
		Store:     store,
		Runs:      track,
		Runner:    runner,
		Batches:   batches,
		Bus:       bus,
		Repo:      repo,
		Heartbeat: cfg.Events.Heartbeat.Duration,
		Version:   version,
		Logger:    logger,
	})

	var notifiers notify.Multi
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktop())
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlack(cfg.Notifications.SlackWebhook))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if len(notifiers) > 0 {
		sub, unsubscribe := bus.Subscribe()
		defer unsubscribe()
		bridge := notify.NewBridge(notifiers, logger)
		g.Go(func() error { return bridge.Run(ctx, sub) })
	}

	retention.Start()
	logger.Info("retention sweep scheduled", "next", retention.Next())

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		if err := runner.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("runner: %w", err))
		}
		if err := retention.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("retention: %w", err))
		}
		track.Flush()
		return errors.Join(errs...)
	})

	logger.Info("task orchestrator started",
		"addr", cfg.Addr(), "repository", repo.FullName, "sandbox", cfg.Execution.Sandbox, "agent", cfg.Execution.Agent)
	return g.Wait()
}

func settingsFromConfig(cfg *config.Config) domain.Settings {
	return domain.Settings{
		ParallelLimit:    cfg.General.ParallelLimit,
		MaxBatchSize:     cfg.Batch.MaxConcurrent,
		QueueAutoApprove: cfg.Batch.AutoApprove,
		StopOnFailure:    cfg.Batch.StopOnFailure,
		ConflictBehavior: domain.ConflictBehavior(cfg.Batch.ConflictBehavior),
	}
}
