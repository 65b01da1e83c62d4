package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/ec14-supervisor/pkg/logging"
)

// Manager captures interrupt signals and runs registered shutdown hooks exactly once.
type Manager struct {
	shutdownFuncs []namedFunc
	mu            sync.Mutex
	timeout       time.Duration
	logger        *logging.Logger

	doneChan chan struct{}
	doneOnce sync.Once
	reason   string

	runOnce sync.Once
	result  error

	sigChan chan os.Signal
}

type namedFunc struct {
	name string
	fn   func(context.Context) error
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Manager{
		timeout:  timeout,
		logger:   logger,
		doneChan: make(chan struct{}),
	}
}

// Register adds a shutdown hook. Hooks run in reverse order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, namedFunc{name: name, fn: fn})
}

// Listen starts capturing SIGINT and SIGTERM. The returned context is
// cancelled on the first signal. Later signals are swallowed so that a
// second Ctrl+C during shutdown cannot kill the process mid-join.
func (m *Manager) Listen(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	m.sigChan = make(chan os.Signal, 2)
	signal.Notify(m.sigChan, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		done := m.Done()
		for {
			select {
			case sig := <-m.sigChan:
				if !m.Trigger(sig.String()) {
					m.logger.Warn(fmt.Sprintf("Received %v again, shutdown already in progress", sig))
				}
				cancel()
			case <-done:
				cancel()
				done = nil
			case <-stopped:
				return
			}
		}
	}()

	var stopOnce sync.Once
	return ctx, func() {
		stopOnce.Do(func() {
			signal.Stop(m.sigChan)
			close(stopped)
			cancel()
		})
	}
}

// Trigger marks shutdown as initiated. It returns false if it already was.
func (m *Manager) Trigger(reason string) bool {
	triggered := false
	m.doneOnce.Do(func() {
		m.mu.Lock()
		m.reason = reason
		m.mu.Unlock()
		m.logger.Info(fmt.Sprintf("Received %s, initiating graceful shutdown", reason))
		close(m.doneChan)
		triggered = true
	})
	return triggered
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Reason returns what initiated shutdown, empty if nothing has yet
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Shutdown executes all registered hooks once. Concurrent and repeated
// callers block until the first run finishes and receive its result.
func (m *Manager) Shutdown() error {
	m.runOnce.Do(func() {
		m.mu.Lock()
		funcs := make([]namedFunc, len(m.shutdownFuncs))
		copy(funcs, m.shutdownFuncs)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		var errs []error
		for i := len(funcs) - 1; i >= 0; i-- {
			f := funcs[i]
			m.logger.Debug(fmt.Sprintf("Running shutdown hook: %s", f.name))
			if err := f.fn(ctx); err != nil {
				m.logger.Error(fmt.Sprintf("Shutdown hook %s error: %v", f.name, err))
				errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			}
		}
		m.result = errors.Join(errs...)

		m.logger.Info("Graceful shutdown complete")
	})
	return m.result
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}
