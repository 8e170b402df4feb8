package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/benclarkson/foreman/internal/config"
	"github.com/benclarkson/foreman/internal/events"
	"github.com/benclarkson/foreman/internal/gate"
	"github.com/benclarkson/foreman/internal/rollback"
	"github.com/benclarkson/foreman/internal/scheduler"
	"github.com/benclarkson/foreman/internal/store"
	"github.com/benclarkson/foreman/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestrator",
	Long: `Start the orchestrator loop: poll for eligible work, run the agent for
one unit at a time, and accept operator commands on standard input.
Type 'help' at the console for the command list.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArray("item", nil, "Create a work item with this title before starting (repeatable)")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded", "executable", cfg.Agent.Executable)

	mandatory, err := cfg.MandatoryStates()
	if err != nil {
		return err
	}

	mem := store.NewMemory()

	var bus events.Publisher
	if cfg.Events.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.Events.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("connect event bus: %w", err)
		}
		defer nats.Close()
		bus = nats
		logger.Info("publishing events to NATS", "url", cfg.Events.NATSURL)
	} else {
		bus = events.NewRecorder()
	}

	coordinator := gate.NewCoordinator(mem, bus, cfg.Gates.QuestionTimeout, logger)
	roller := rollback.New(mem, bus, cfg.Agent.WorkDir, logger)

	sched := scheduler.New(scheduler.Config{
		PollInterval:      cfg.PollInterval,
		ExecutableName:    cfg.Agent.Executable,
		ExecutablePath:    cfg.Agent.Path,
		BaseArgs:          cfg.Agent.Args,
		WorkDir:           cfg.Agent.WorkDir,
		Env:               cfg.Agent.Env,
		PermissionTimeout: cfg.PermissionTimeout,
		LogDir:            cfg.LogDir,
		Transcript:        cmd.OutOrStdout(),
		GatePolicy: gate.Policy{
			ConfidenceThreshold: cfg.Gates.ConfidenceThreshold,
			MandatoryStages:     mandatory,
		},
	}, mem, bus, coordinator, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
		defer server.Close()
	}

	// Seed initial work items from flags.
	titles, err := cmd.Flags().GetStringArray("item")
	if err != nil {
		return err
	}
	for _, title := range titles {
		item := workflow.NewWorkItem(title, "", 0)
		item.MaxRetries = cfg.MaxRetries
		if err := mem.SaveWorkItem(ctx, item); err != nil {
			return fmt.Errorf("create work item: %w", err)
		}
		if err := bus.Publish(ctx, events.New(events.UnitCreated, map[string]any{
			"unit_id": item.ID,
			"title":   item.Title,
		})); err != nil {
			logger.Warn("publish event", "error", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created work item %s: %s\n", item.ID, title)
	}

	console := &console{
		store:       mem,
		bus:         bus,
		coordinator: coordinator,
		scheduler:   sched,
		roller:      roller,
		maxRetries:  cfg.MaxRetries,
		out:         cmd.OutOrStdout(),
		logger:      logger,
	}
	go console.loop(ctx, cmd.InOrStdin())

	err = sched.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}
