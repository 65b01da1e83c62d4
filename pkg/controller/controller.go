// Package controller drives one run of an experiment: bootstrap or resume,
// start the workers, poll for completion until the population is done, an
// interrupt arrives or the wall-time budget runs out.
package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/ec14-supervisor/pkg/config"
	"github.com/psantana5/ec14-supervisor/pkg/experiment"
	"github.com/psantana5/ec14-supervisor/pkg/logging"
	"github.com/psantana5/ec14-supervisor/pkg/metrics"
	"github.com/psantana5/ec14-supervisor/pkg/models"
	"github.com/psantana5/ec14-supervisor/pkg/population"
	"github.com/psantana5/ec14-supervisor/pkg/resubmit"
	"github.com/psantana5/ec14-supervisor/pkg/shutdown"
	"github.com/psantana5/ec14-supervisor/pkg/store"
	"github.com/psantana5/ec14-supervisor/pkg/supervisor"
	"github.com/psantana5/ec14-supervisor/pkg/tracing"
)

// DefaultSubmitTimeout bounds a continuation submission when the config
// does not.
const DefaultSubmitTimeout = time.Minute

// Clock is the time source of the poll loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Workers is the part of the worker supervisor the controller drives.
type Workers interface {
	StartAll(ctx context.Context) error
	JoinAll() error
	InterruptAll() error
}

// Options configures a Controller. Config, Store and Submitter are required.
type Options struct {
	Config    *config.ExperimentConfig
	Run       int
	Store     store.Store
	Submitter resubmit.Submitter
	Logger    *logging.Logger

	// Rand and Executable are used when the experiment is bootstrapped.
	Rand       population.Source
	Executable string

	// NewWorkers builds the workers once the experiment directory exists.
	// Defaults to the three process workers from the config.
	NewWorkers func(id experiment.Identity) Workers

	// AfterBootstrap runs once the experiment directory is ready and before
	// any worker starts. An error aborts the run.
	AfterBootstrap func(id experiment.Identity) error

	Metrics  *metrics.Recorder
	Tracer   *tracing.Provider
	Shutdown *shutdown.Manager
	Clock    Clock
}

// Outcome summarizes a finished run.
type Outcome struct {
	State          models.LifecycleState
	Run            int
	Polls          int
	PollErrors     int
	LastUnfinished int
	JobID          string
	Elapsed        time.Duration
}

// Controller is the lifecycle state machine of one supervisor process.
type Controller struct {
	opts   Options
	cfg    *config.ExperimentConfig
	logger *logging.Logger
	clock  Clock

	mu    sync.Mutex
	state models.LifecycleState

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New validates opts and returns a controller in the bootstrapping state.
func New(opts Options) (*Controller, error) {
	if opts.Config == nil {
		return nil, errors.New("controller requires a config")
	}
	if opts.Store == nil {
		return nil, errors.New("controller requires a store")
	}
	if opts.Submitter == nil {
		return nil, errors.New("controller requires a submitter")
	}
	if opts.Run < 0 {
		return nil, fmt.Errorf("run index must not be negative, got %d", opts.Run)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.INFO, false)
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.NewWorkers == nil {
		cfg, params, logger, run := opts.Config, opts.Store.Params(), opts.Logger, opts.Run
		opts.NewWorkers = func(id experiment.Identity) Workers {
			layout := id.Layout()
			return supervisor.FromConfig(cfg, params, filepath.Clean(layout.Base), layout.Logs(), run, logger)
		}
	}

	return &Controller{
		opts:   opts,
		cfg:    opts.Config,
		logger: opts.Logger.WithField("run", opts.Run),
		clock:  opts.Clock,
		state:  models.StateBootstrapping,
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() models.LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves from one state to another. Only one caller can leave a
// given state; the rest get false.
func (c *Controller) transition(from, to models.LifecycleState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	if err := models.ValidateTransition(from, to); err != nil {
		c.logger.Error(err.Error())
		return false
	}
	c.state = to
	if c.opts.Metrics != nil {
		c.opts.Metrics.SetState(to)
	}
	c.logger.Info(fmt.Sprintf("Lifecycle %s -> %s", from, to))
	return true
}

// Interrupt stops a running Run the same way a signal does.
func (c *Controller) Interrupt() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Run executes the whole lifecycle and returns once a terminal state is
// reached. Registered shutdown hooks run before Run returns. A non-nil error
// means the run failed: bootstrap, worker start or resubmission.
func (c *Controller) Run(ctx context.Context) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()
	defer cancel()

	if c.opts.Shutdown != nil {
		defer func() {
			if err := c.opts.Shutdown.Shutdown(); err != nil {
				c.logger.Warn(fmt.Sprintf("Shutdown hooks reported errors: %v", err))
			}
		}()
	}

	start := c.clock.Now()
	out := Outcome{Run: c.opts.Run, LastUnfinished: -1}
	if c.opts.Metrics != nil {
		c.opts.Metrics.SetRun(c.opts.Run)
		c.opts.Metrics.SetState(models.StateBootstrapping)
	}

	workers, id, err := c.bootstrap(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) && c.transition(models.StateBootstrapping, models.StateInterrupted) {
			out.State = models.StateInterrupted
			out.Elapsed = c.clock.Now().Sub(start)
			return out, nil
		}
		out.State = c.State()
		c.logger.Error(fmt.Sprintf("Run %d failed during bootstrap: %v", c.opts.Run, err))
		return out, err
	}
	c.transition(models.StateBootstrapping, models.StateRunning)

	c.poll(ctx, start, &out)
	out.State = c.State()
	out.Elapsed = c.clock.Now().Sub(start)

	switch out.State {
	case models.StateInterrupted:
		if err := workers.InterruptAll(); err != nil {
			c.logger.Warn(fmt.Sprintf("Failed to interrupt workers: %v", err))
		}
		c.join(workers)
	case models.StateCompleted:
		c.join(workers)
	case models.StateTimeExpired:
		jobID, err := c.resubmit(ctx, id)
		out.JobID = jobID
		if err != nil {
			return out, err
		}
	}

	c.logger.Info(fmt.Sprintf("Run finished in state %s after %d polls", out.State, out.Polls))
	return out, nil
}

// bootstrap resolves the experiment identity, bootstraps a new experiment
// and starts the workers.
func (c *Controller) bootstrap(ctx context.Context) (Workers, experiment.Identity, error) {
	ctx, span := c.opts.Tracer.StartSpan(ctx, "ec14.bootstrap",
		attribute.String("ec14.experiment", c.cfg.Experiment.Name),
		attribute.Int("ec14.run", c.opts.Run))

	workers, id, err := c.doBootstrap(ctx)
	tracing.End(span, err)
	return workers, id, err
}

func (c *Controller) doBootstrap(ctx context.Context) (Workers, experiment.Identity, error) {
	id, err := experiment.ResolveIdentity(c.cfg)
	if err != nil {
		return nil, id, err
	}

	if id.IsNew {
		if c.opts.Run > 0 {
			c.logger.Warn(fmt.Sprintf("Run %d found no experiment at %s, bootstrapping it", c.opts.Run, id.BasePath))
		}
		c.logger.Info(fmt.Sprintf("Bootstrapping new experiment %s at %s", c.cfg.Experiment.Name, id.BasePath))
		rng := c.opts.Rand
		if rng == nil {
			rng = population.NewSource()
		}
		manifest, err := experiment.Bootstrap(ctx, id, experiment.Options{
			Config:     c.cfg,
			Store:      c.opts.Store,
			Rand:       rng,
			Logger:     c.logger,
			Executable: c.opts.Executable,
		})
		if err != nil {
			return nil, id, fmt.Errorf("bootstrap failed: %w", err)
		}
		c.logger.Info(fmt.Sprintf("Bootstrap complete (session %s, %d individuals)", manifest.SessionID, manifest.PopulationSize))
	} else {
		c.logger.Info(fmt.Sprintf("Resuming experiment %s at %s", c.cfg.Experiment.Name, id.BasePath))
		if err := c.opts.Store.HealthCheck(ctx); err != nil {
			return nil, id, fmt.Errorf("store is not reachable: %w", err)
		}
	}

	if c.opts.AfterBootstrap != nil {
		if err := c.opts.AfterBootstrap(id); err != nil {
			return nil, id, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, id, err
	}

	workers := c.opts.NewWorkers(id)
	if err := workers.StartAll(ctx); err != nil {
		return nil, id, err
	}
	return workers, id, nil
}

// poll waits pause_time between completion checks until a terminal state
// is reached.
func (c *Controller) poll(ctx context.Context, start time.Time, out *Outcome) {
	pause := c.cfg.PauseTime()
	budget := c.cfg.WallTime() - pause

	for {
		if ctx.Err() != nil {
			c.transition(models.StateRunning, models.StateInterrupted)
			return
		}
		if c.clock.Now().Sub(start) > budget {
			c.logger.Info(fmt.Sprintf("Wall time of %s nearly used, handing over to a continuation job", c.cfg.WallTime()))
			c.transition(models.StateRunning, models.StateTimeExpired)
			return
		}

		select {
		case <-ctx.Done():
			c.transition(models.StateRunning, models.StateInterrupted)
			return
		case <-c.clock.After(pause):
		}

		count, err := c.check(ctx, start, out)
		if err != nil {
			if ctx.Err() != nil {
				c.transition(models.StateRunning, models.StateInterrupted)
				return
			}
			continue
		}
		if count == 0 {
			c.logger.Info("No unfinished individuals left, experiment complete")
			c.transition(models.StateRunning, models.StateCompleted)
			return
		}
	}
}

// check runs one completion query. Query errors are logged and counted;
// the store is shared with the workers and may be briefly busy.
func (c *Controller) check(ctx context.Context, start time.Time, out *Outcome) (int, error) {
	ctx, span := c.opts.Tracer.StartSpan(ctx, "ec14.poll", attribute.Int("ec14.poll", out.Polls+1))

	qctx, cancel := context.WithTimeout(ctx, c.cfg.PauseTime())
	count, err := c.opts.Store.GetUnfinishedCount(qctx)
	cancel()

	out.Polls++
	if c.opts.Metrics != nil {
		c.opts.Metrics.ObservePoll(count, c.clock.Now().Sub(start), err)
	}
	if err != nil {
		out.PollErrors++
		if ctx.Err() == nil {
			c.logger.Error(fmt.Sprintf("Failed to count unfinished individuals: %v", err))
		}
		tracing.End(span, err)
		return 0, err
	}

	out.LastUnfinished = count
	span.SetAttributes(attribute.Int("ec14.unfinished", count))
	tracing.End(span, nil)
	c.logger.Debug(fmt.Sprintf("%d unfinished individuals", count))
	return count, nil
}

func (c *Controller) join(workers Workers) {
	if err := workers.JoinAll(); err != nil {
		c.logger.Warn(fmt.Sprintf("Workers exited with errors: %v", err))
		return
	}
	c.logger.Info("All workers joined")
}

// resubmit submits the continuation job. The submission gets its own
// deadline and is not cancelled by an interrupt arriving meanwhile.
func (c *Controller) resubmit(ctx context.Context, id experiment.Identity) (string, error) {
	timeout := c.cfg.Scheduler.SubmitTimeout
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	layout := id.Layout()
	next := c.opts.Run + 1
	cont := resubmit.Continuation{
		NextRun:    next,
		ConfigPath: c.cfg.Path,
		WorkDir:    filepath.Clean(layout.Base),
		WallTime:   c.cfg.WallTime(),
		LogPrefix:  layout.RunLogPrefix(next),
		Queue:      c.cfg.Scheduler.Queue,
		ScriptPath: layout.ResubmitScript(),
	}

	sctx, span := c.opts.Tracer.StartSpan(sctx, "ec14.resubmit", attribute.Int("ec14.next_run", next))
	jobID, err := c.opts.Submitter.Submit(sctx, cont)
	tracing.End(span, err)
	if c.opts.Metrics != nil {
		c.opts.Metrics.ObserveResubmission(err)
	}
	if err != nil {
		c.logger.Error(fmt.Sprintf("RESUBMISSION FAILED for run %d: %v", next, err))
		c.logger.Error(fmt.Sprintf("The experiment stops here; resubmit it by hand with run index %d", next))
		return "", err
	}

	c.logger.Info(fmt.Sprintf("Resubmitted as run %d, job %s", next, jobID))
	return jobID, nil
}
