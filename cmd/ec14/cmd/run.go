package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/ec14-supervisor/pkg/config"
	"github.com/psantana5/ec14-supervisor/pkg/controller"
	"github.com/psantana5/ec14-supervisor/pkg/experiment"
	"github.com/psantana5/ec14-supervisor/pkg/logging"
	"github.com/psantana5/ec14-supervisor/pkg/metrics"
	"github.com/psantana5/ec14-supervisor/pkg/resubmit"
	"github.com/psantana5/ec14-supervisor/pkg/retry"
	"github.com/psantana5/ec14-supervisor/pkg/shutdown"
	"github.com/psantana5/ec14-supervisor/pkg/store"
	"github.com/psantana5/ec14-supervisor/pkg/tracing"
)

// Version is set at build time with -ldflags.
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfgPath, run, err := parseInvocation(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	logger.Info(fmt.Sprintf("EC14 supervisor %s starting run %d of %s (config %s)", Version, run, cfg.Experiment.Name, cfg.Path))

	mgr := shutdown.New(shutdownTimeout, logger)
	ctx, stop := mgr.Listen(context.Background())
	defer stop()
	mgr.Register("logger", func(context.Context) error { return logger.Close() })

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		mgr.Shutdown()
		return err
	}
	mgr.Register("store", shutdown.CloseResource(st))

	submitter, err := newSubmitter(cfg, logger)
	if err != nil {
		mgr.Shutdown()
		return err
	}

	recorder := metrics.NewRecorder(cfg.Experiment.Name)
	if cfg.Metrics.Listen != "" {
		srv, err := recorder.Serve(cfg.Metrics.Listen, func(err error) {
			logger.Error(fmt.Sprintf("Metrics server error: %v", err))
		})
		if err != nil {
			mgr.Shutdown()
			return fmt.Errorf("failed to start metrics server on %s: %w", cfg.Metrics.Listen, err)
		}
		logger.Info(fmt.Sprintf("Metrics server listening on %s", srv.Addr))
		mgr.Register("metrics server", shutdown.StopHTTPServer(srv))
	}

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "ec14",
		ServiceVersion: Version,
		Experiment:     cfg.Experiment.Name,
		Run:            run,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		mgr.Shutdown()
		return err
	}
	mgr.Register("tracing", tracer.Shutdown)

	ctl, err := controller.New(controller.Options{
		Config:    cfg,
		Run:       run,
		Store:     st,
		Submitter: submitter,
		Logger:    logger,
		AfterBootstrap: func(id experiment.Identity) error {
			logs := id.Layout().Logs()
			if err := logger.AttachRunLog(logs, run); err != nil {
				return err
			}
			textfile := filepath.Join(logs, fmt.Sprintf("metrics.run%d.prom", run))
			mgr.Register("metrics textfile", func(context.Context) error {
				return recorder.WriteTextfile(textfile)
			})
			return nil
		},
		Metrics:  recorder,
		Tracer:   tracer,
		Shutdown: mgr,
	})
	if err != nil {
		mgr.Shutdown()
		return err
	}

	// Run logs its own failure before the shutdown hooks close the run log.
	out, err := ctl.Run(ctx)
	if err != nil {
		return err
	}

	if out.JobID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out.JobID)
	}
	return nil
}

func newLogger(cfg *config.ExperimentConfig) *logging.Logger {
	level := logging.ParseLevel(cfg.Logging.Level)
	if logLevel != "" {
		level = logging.ParseLevel(logLevel)
	}
	if cfg.Experiment.Debug {
		level = logging.DEBUG
	}
	return logging.NewLogger(level, cfg.Logging.JSON)
}

// openStore connects to the experiment database, retrying transient
// network failures.
func openStore(ctx context.Context, cfg *config.ExperimentConfig, logger *logging.Logger) (store.Store, error) {
	var st store.Store
	attempt := 0
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		attempt++
		s, err := store.Open(cfg.DB.DBString, cfg.Experiment.Name, cfg.Experiment.EndTime, cfg.Population.MaxAge)
		if err != nil {
			logger.Warn(fmt.Sprintf("Store connection attempt %d failed: %v", attempt, err))
			return err
		}
		if err := s.HealthCheck(ctx); err != nil {
			s.Close()
			logger.Warn(fmt.Sprintf("Store health check attempt %d failed: %v", attempt, err))
			return err
		}
		st = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open experiment store: %w", err)
	}
	logger.Info(fmt.Sprintf("Connected to experiment store (table %s)", store.TableName(cfg.Experiment.Name)))
	return st, nil
}

func newSubmitter(cfg *config.ExperimentConfig, logger *logging.Logger) (resubmit.Submitter, error) {
	submitter, err := resubmit.New(cfg.Scheduler.Kind)
	if err != nil {
		return nil, err
	}
	if dryRunSubmit {
		logger.Warn("Dry run: continuation jobs will be logged, not submitted")
		return &resubmit.DryRunSubmitter{Inner: submitter, Logger: logger}, nil
	}
	return submitter, nil
}
