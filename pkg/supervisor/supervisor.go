// Package supervisor starts the three experiment workers and waits for them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/psantana5/ec14-supervisor/pkg/config"
	"github.com/psantana5/ec14-supervisor/pkg/logging"
	"github.com/psantana5/ec14-supervisor/pkg/models"
	"github.com/psantana5/ec14-supervisor/pkg/store"
)

// Worker is a long-running experiment stage.
type Worker interface {
	Name() string
	Start(ctx context.Context) error
	Join() error
}

// Interrupter is implemented by workers that accept a graceful stop request.
type Interrupter interface {
	Interrupt() error
}

// Supervisor owns a fixed, ordered set of workers.
type Supervisor struct {
	workers []Worker
	logger  *logging.Logger

	mu      sync.Mutex
	started bool

	joinOnce sync.Once
	joinErr  error
}

// New creates a supervisor. Workers are started and joined in the given order.
func New(logger *logging.Logger, workers ...Worker) *Supervisor {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Supervisor{workers: workers, logger: logger}
}

// FromConfig builds the hyperneat, simulation and postprocessing process
// workers for one run.
func FromConfig(cfg *config.ExperimentConfig, params store.Params, workDir, logDir string, run int, logger *logging.Logger) *Supervisor {
	commands := map[models.WorkerKind][]string{
		models.WorkerHyperNEAT:      cfg.Workers.HyperNEAT,
		models.WorkerSimulation:     cfg.Workers.Simulation,
		models.WorkerPostprocessing: cfg.Workers.Postprocessing,
	}

	workers := make([]Worker, 0, len(models.WorkerKinds))
	for _, kind := range models.WorkerKinds {
		workers = append(workers, NewProcessWorker(ProcessConfig{
			Name:       string(kind),
			Command:    commands[kind],
			ConfigPath: cfg.Path,
			Store:      params,
			WorkDir:    workDir,
			LogDir:     logDir,
			Run:        run,
		}))
	}
	return New(logger, workers...)
}

// Workers returns the supervised workers in join order.
func (s *Supervisor) Workers() []Worker {
	return s.workers
}

// StartAll starts every worker without waiting for any of them. If one fails
// to start, the ones already running are interrupted and joined before the
// error is returned.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("workers already started")
	}

	for i, w := range s.workers {
		if err := w.Start(ctx); err != nil {
			s.logger.Error(fmt.Sprintf("Failed to start worker %s: %v", w.Name(), err))
			s.abort(s.workers[:i])
			return fmt.Errorf("failed to start workers: %w", err)
		}
		s.logger.Info(fmt.Sprintf("Started worker %s", w.Name()))
	}

	s.started = true
	return nil
}

func (s *Supervisor) abort(started []Worker) {
	for _, w := range started {
		if in, ok := w.(Interrupter); ok {
			if err := in.Interrupt(); err != nil {
				s.logger.Warn(fmt.Sprintf("Failed to interrupt worker %s: %v", w.Name(), err))
			}
		}
	}
	for _, w := range started {
		if err := w.Join(); err != nil {
			s.logger.Debug(fmt.Sprintf("Worker %s exited during abort: %v", w.Name(), err))
		}
	}
}

// InterruptAll asks every worker that supports it to stop.
func (s *Supervisor) InterruptAll() error {
	var errs []error
	for _, w := range s.workers {
		in, ok := w.(Interrupter)
		if !ok {
			continue
		}
		if err := in.Interrupt(); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Info(fmt.Sprintf("Interrupted worker %s", w.Name()))
	}
	return errors.Join(errs...)
}

// JoinAll waits for every worker in order. Only the first call joins; later
// calls return the first result.
func (s *Supervisor) JoinAll() error {
	s.joinOnce.Do(func() {
		var errs []error
		for _, w := range s.workers {
			s.logger.Info(fmt.Sprintf("Waiting for worker %s", w.Name()))
			if err := w.Join(); err != nil {
				s.logger.Warn(fmt.Sprintf("Worker %s exited with error: %v", w.Name(), err))
				errs = append(errs, err)
				continue
			}
			s.logger.Info(fmt.Sprintf("Worker %s finished", w.Name()))
		}
		s.joinErr = errors.Join(errs...)
	})
	return s.joinErr
}
