package controller

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ec14-supervisor/pkg/config"
	"github.com/psantana5/ec14-supervisor/pkg/experiment"
	"github.com/psantana5/ec14-supervisor/pkg/logging"
	"github.com/psantana5/ec14-supervisor/pkg/metrics"
	"github.com/psantana5/ec14-supervisor/pkg/models"
	"github.com/psantana5/ec14-supervisor/pkg/resubmit"
	"github.com/psantana5/ec14-supervisor/pkg/shutdown"
	"github.com/psantana5/ec14-supervisor/pkg/store"
)

// fakeClock fires every After immediately and advances time by the
// requested duration, except for the call numbered blockAt, which never
// fires and runs onBlock instead. skew is added to the first wait only.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	afters  int
	blockAt int
	onBlock func()
	skew    time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afters++
	ch := make(chan time.Time, 1)
	if f.afters == f.blockAt {
		if f.onBlock != nil {
			go f.onBlock()
		}
		return ch
	}
	f.now = f.now.Add(d + f.skew)
	f.skew = 0
	ch <- f.now
	return ch
}

// scriptedStore returns the scripted unfinished counts in order, repeating
// the last one. errs injects query failures by poll number (1-based).
type scriptedStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	counts []int
	errs   map[int]error
	polls  int
	drops  int
}

func newScriptedStore(counts ...int) *scriptedStore {
	return &scriptedStore{
		MemoryStore: store.NewMemoryStore(store.Params{ConnString: "memory://", Experiment: "ctl", EndTime: 60}),
		counts:      counts,
	}
}

func (s *scriptedStore) DropSchema(ctx context.Context) error {
	s.mu.Lock()
	s.drops++
	s.mu.Unlock()
	return s.MemoryStore.DropSchema(ctx)
}

func (s *scriptedStore) GetUnfinishedCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if err := s.errs[s.polls]; err != nil {
		return 0, err
	}
	if len(s.counts) == 0 {
		return 1, nil
	}
	i := s.polls - 1
	if i >= len(s.counts) {
		i = len(s.counts) - 1
	}
	return s.counts[i], nil
}

type fakeWorkers struct {
	startErr   error
	onJoin     func()
	starts     atomic.Int32
	joins      atomic.Int32
	interrupts atomic.Int32
}

func (w *fakeWorkers) StartAll(ctx context.Context) error {
	w.starts.Add(1)
	return w.startErr
}

func (w *fakeWorkers) JoinAll() error {
	w.joins.Add(1)
	if w.onJoin != nil {
		w.onJoin()
	}
	return nil
}

func (w *fakeWorkers) InterruptAll() error {
	w.interrupts.Add(1)
	return nil
}

type fakeSubmitter struct {
	mu       sync.Mutex
	calls    []resubmit.Continuation
	err      error
	onSubmit func()
	// ctx.Err() seen after onSubmit returned
	ctxErr error
}

func (f *fakeSubmitter) Submit(ctx context.Context, c resubmit.Continuation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.onSubmit != nil {
		f.onSubmit()
		f.ctxErr = ctx.Err()
	}
	if _, ok := ctx.Deadline(); !ok {
		return "", errors.New("submission without deadline")
	}
	if f.err != nil {
		return "", f.err
	}
	return "4242.pbs", nil
}

type fixture struct {
	cfg       *config.ExperimentConfig
	store     *scriptedStore
	workers   *fakeWorkers
	submitter *fakeSubmitter
	clock     *fakeClock
	exe       string
}

func newFixture(t *testing.T, counts ...int) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("experiment:\n  name: ctl\n"), 0644))
	exe := filepath.Join(dir, "ec14-bin")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755))

	return &fixture{
		cfg: &config.ExperimentConfig{
			Path: cfgPath,
			DB:   config.DBConfig{DBString: "memory://"},
			Experiment: config.ExperimentParams{
				Name:              "ctl",
				PathPrefix:        filepath.Join(dir, "EC14-Exp-"),
				WallTime:          290,
				EndTime:           60,
				RandomGranularity: 10,
			},
			Arena:      config.ArenaConfig{X: 1, Y: 1},
			Population: config.PopulationConfig{Size: 5},
			Workers:    config.WorkersConfig{PauseTime: 10},
			Scheduler:  config.SchedulerConfig{Kind: "pbs", SubmitTimeout: time.Second},
		},
		store:     newScriptedStore(counts...),
		workers:   &fakeWorkers{},
		submitter: &fakeSubmitter{},
		clock:     newFakeClock(),
		exe:       exe,
	}
}

func (f *fixture) options(run int) Options {
	return Options{
		Config:     f.cfg,
		Run:        run,
		Store:      f.store,
		Submitter:  f.submitter,
		Logger:     logging.NewLogger(logging.FATAL, false),
		Rand:       rand.New(rand.NewPCG(3, 4)),
		Executable: f.exe,
		NewWorkers: func(experiment.Identity) Workers { return f.workers },
		Clock:      f.clock,
	}
}

func (f *fixture) run(t *testing.T, opts Options) (*Controller, Outcome, error) {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	out, err := c.Run(context.Background())
	return c, out, err
}

func TestCompletesOnFirstZeroPoll(t *testing.T) {
	f := newFixture(t, 0)

	c, out, err := f.run(t, f.options(0))
	require.NoError(t, err)

	assert.Equal(t, models.StateCompleted, out.State)
	assert.Equal(t, models.StateCompleted, c.State())
	assert.Equal(t, 1, out.Polls)
	assert.Equal(t, 0, out.LastUnfinished)
	assert.Equal(t, int32(1), f.workers.starts.Load())
	assert.Equal(t, int32(1), f.workers.joins.Load())
	assert.Equal(t, int32(0), f.workers.interrupts.Load())
	assert.Empty(t, f.submitter.calls)

	n, err := f.store.CountIndividuals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n, "new experiment must be seeded")
}

func TestCompletesAfterSeveralPolls(t *testing.T) {
	f := newFixture(t, 5, 3, 1, 0)

	_, out, err := f.run(t, f.options(0))
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, out.State)
	assert.Equal(t, 4, out.Polls)
	assert.Equal(t, 40*time.Second, out.Elapsed)
}

func TestTimeExpiredResubmitsOnce(t *testing.T) {
	f := newFixture(t, 7)

	_, out, err := f.run(t, f.options(2))
	require.NoError(t, err)

	assert.Equal(t, models.StateTimeExpired, out.State)
	assert.Equal(t, "4242.pbs", out.JobID)
	// Polls at 10s..290s; 290s > 290-10 ends the loop.
	assert.Equal(t, 29, out.Polls)
	assert.Equal(t, int32(0), f.workers.joins.Load(), "time-expired run must not join workers")
	assert.Equal(t, int32(0), f.workers.interrupts.Load())

	require.Len(t, f.submitter.calls, 1)
	cont := f.submitter.calls[0]
	assert.Equal(t, 3, cont.NextRun)
	assert.Equal(t, f.cfg.Path, cont.ConfigPath)
	assert.Equal(t, 290*time.Second, cont.WallTime)
	assert.True(t, strings.HasSuffix(cont.LogPrefix, filepath.Join("logs", "main.run3")), cont.LogPrefix)
	assert.True(t, strings.HasSuffix(cont.Script(), filepath.Join("scripts", "main-resub.sh")))
	assert.False(t, strings.HasSuffix(cont.WorkDir, string(filepath.Separator)))
}

func TestTimeExpiredWithLateStart(t *testing.T) {
	f := newFixture(t, 5)
	f.clock.skew = time.Second

	_, out, err := f.run(t, f.options(0))
	require.NoError(t, err)

	// Polls at 11s..281s; 281s > 290-10 hands over right after that poll.
	assert.Equal(t, models.StateTimeExpired, out.State)
	assert.Equal(t, 28, out.Polls)
	assert.Equal(t, 5, out.LastUnfinished)
	assert.Equal(t, 281*time.Second, out.Elapsed)
	require.Len(t, f.submitter.calls, 1)
	assert.Equal(t, 1, f.submitter.calls[0].NextRun)
	assert.Equal(t, int32(0), f.workers.joins.Load())
	assert.Equal(t, int32(0), f.workers.interrupts.Load())
}

func TestResubmissionFailureIsFatal(t *testing.T) {
	f := newFixture(t, 7)
	f.submitter.err = errors.New("qsub: cannot connect to server")

	_, out, err := f.run(t, f.options(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot connect")
	assert.Equal(t, models.StateTimeExpired, out.State)
	assert.Empty(t, out.JobID)
	assert.Len(t, f.submitter.calls, 1, "no retry")
}

func TestInterruptMidSleepJoinsOnce(t *testing.T) {
	f := newFixture(t, 9)
	opts := f.options(0)

	var hooks atomic.Int32
	mgr := shutdown.New(time.Second, logging.NewLogger(logging.FATAL, false))
	mgr.Register("count", func(context.Context) error {
		hooks.Add(1)
		return nil
	})
	opts.Shutdown = mgr

	c, err := New(opts)
	require.NoError(t, err)
	f.clock.blockAt = 3
	f.clock.onBlock = c.Interrupt

	out, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StateInterrupted, out.State)
	assert.Equal(t, 2, out.Polls)
	assert.Equal(t, int32(1), f.workers.interrupts.Load())
	assert.Equal(t, int32(1), f.workers.joins.Load())
	assert.Empty(t, f.submitter.calls)
	assert.Equal(t, int32(1), hooks.Load())

	// Hooks never run twice.
	require.NoError(t, mgr.Shutdown())
	assert.Equal(t, int32(1), hooks.Load())
}

func countingShutdown(hooks *atomic.Int32) *shutdown.Manager {
	mgr := shutdown.New(time.Second, logging.NewLogger(logging.FATAL, false))
	mgr.Register("count", func(context.Context) error {
		hooks.Add(1)
		return nil
	})
	return mgr
}

func TestInterruptDuringResubmissionKeepsTimeExpired(t *testing.T) {
	f := newFixture(t, 7)
	opts := f.options(0)
	var hooks atomic.Int32
	opts.Shutdown = countingShutdown(&hooks)

	c, err := New(opts)
	require.NoError(t, err)
	f.submitter.onSubmit = c.Interrupt

	out, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StateTimeExpired, out.State)
	assert.Equal(t, models.StateTimeExpired, c.State())
	assert.Equal(t, "4242.pbs", out.JobID)
	assert.NoError(t, f.submitter.ctxErr, "submission must outlive the interrupt")
	assert.Len(t, f.submitter.calls, 1)
	assert.Equal(t, int32(0), f.workers.joins.Load())
	assert.Equal(t, int32(0), f.workers.interrupts.Load())
	assert.Equal(t, int32(1), hooks.Load())
}

func TestInterruptDuringCompletionJoinKeepsCompleted(t *testing.T) {
	f := newFixture(t, 0)
	opts := f.options(0)
	var hooks atomic.Int32
	opts.Shutdown = countingShutdown(&hooks)

	c, err := New(opts)
	require.NoError(t, err)
	f.workers.onJoin = func() {
		c.Interrupt()
		c.Interrupt()
	}

	out, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StateCompleted, out.State)
	assert.Equal(t, models.StateCompleted, c.State())
	assert.Equal(t, int32(1), f.workers.joins.Load())
	assert.Equal(t, int32(0), f.workers.interrupts.Load())
	assert.Empty(t, f.submitter.calls)
	assert.Equal(t, int32(1), hooks.Load())
}

func TestInterruptedDuringBootstrapRollsBack(t *testing.T) {
	f := newFixture(t, 0)
	c, err := New(f.options(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := c.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.StateInterrupted, out.State)
	assert.Equal(t, int32(0), f.workers.starts.Load())
	assert.Equal(t, int32(0), f.workers.joins.Load())

	base, err := f.cfg.BasePath()
	require.NoError(t, err)
	_, statErr := os.Stat(base)
	assert.True(t, os.IsNotExist(statErr))
}

func TestResumeDoesNotReseed(t *testing.T) {
	f := newFixture(t, 0)

	// Run 0 bootstraps.
	_, out, err := f.run(t, f.options(0))
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, out.State)
	require.Equal(t, 1, f.store.drops)

	before, err := f.store.ListIndividuals(context.Background())
	require.NoError(t, err)

	// Run 1 resumes the same experiment.
	f.workers = &fakeWorkers{}
	_, out, err = f.run(t, f.options(1))
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, out.State)
	assert.Equal(t, 1, f.store.drops, "resume must not drop the schema")

	after, err := f.store.ListIndividuals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, int32(1), f.workers.starts.Load())
}

func TestPollErrorsAreTolerated(t *testing.T) {
	f := newFixture(t, 4, 4, 0)
	f.store.errs = map[int]error{
		1: errors.New("database is locked"),
		2: errors.New("connection reset by peer"),
	}
	rec := metrics.NewRecorder("ctl")
	opts := f.options(0)
	opts.Metrics = rec

	_, out, err := f.run(t, opts)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, out.State)
	assert.Equal(t, 3, out.Polls)
	assert.Equal(t, 2, out.PollErrors)
}

func TestIncompleteBootstrapIsFatal(t *testing.T) {
	f := newFixture(t, 0)
	base, err := f.cfg.BasePath()
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(base, 0755))

	_, out, err := f.run(t, f.options(0))
	assert.ErrorIs(t, err, experiment.ErrIncompleteBootstrap)
	assert.Equal(t, models.StateBootstrapping, out.State)
	assert.Equal(t, int32(0), f.workers.starts.Load())
	assert.Equal(t, 0, f.store.drops)
}

func TestWorkerStartFailureIsFatal(t *testing.T) {
	f := newFixture(t, 0)
	f.workers.startErr = errors.New("ec14-hyperneat: executable file not found")

	_, out, err := f.run(t, f.options(0))
	require.Error(t, err)
	assert.Equal(t, models.StateBootstrapping, out.State)
	assert.Equal(t, 0, out.Polls)
}

func TestAfterBootstrapHook(t *testing.T) {
	f := newFixture(t, 0)
	opts := f.options(0)
	var seen experiment.Identity
	opts.AfterBootstrap = func(id experiment.Identity) error {
		seen = id
		_, err := os.Stat(id.Layout().Marker())
		return err
	}

	_, _, err := f.run(t, opts)
	require.NoError(t, err)
	assert.NotEmpty(t, seen.BasePath)

	f2 := newFixture(t, 0)
	opts = f2.options(0)
	opts.AfterBootstrap = func(experiment.Identity) error { return errors.New("log dir not writable") }
	_, _, err = f2.run(t, opts)
	assert.Error(t, err)
	assert.Equal(t, int32(0), f2.workers.starts.Load())
}

func TestNewValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"no config", func(o *Options) { o.Config = nil }},
		{"no store", func(o *Options) { o.Store = nil }},
		{"no submitter", func(o *Options) { o.Submitter = nil }},
		{"negative run", func(o *Options) { o.Run = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := f.options(0)
			tt.mutate(&opts)
			_, err := New(opts)
			assert.Error(t, err)
		})
	}
}
