package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/psantana5/ec14-supervisor/pkg/store"
)

// ErrNotStarted is returned by Join and Interrupt before Start succeeded.
var ErrNotStarted = errors.New("worker not started")

// ProcessConfig describes a worker backed by a child process.
type ProcessConfig struct {
	Name       string
	Command    []string
	ConfigPath string
	Store      store.Params
	WorkDir    string
	LogDir     string
	Run        int
}

// ProcessWorker runs one worker command as a child process. The child gets
// its own process group, so a terminal interrupt only reaches it through
// Interrupt.
type ProcessWorker struct {
	cfg ProcessConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	logFile *os.File

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// NewProcessWorker creates a worker that is not yet running.
func NewProcessWorker(cfg ProcessConfig) *ProcessWorker {
	return &ProcessWorker{cfg: cfg, done: make(chan struct{})}
}

func (w *ProcessWorker) Name() string {
	return w.cfg.Name
}

// LogPath is where the child's stdout and stderr go.
func (w *ProcessWorker) LogPath() string {
	return filepath.Join(w.cfg.LogDir, fmt.Sprintf("%s.run%d.log", w.cfg.Name, w.cfg.Run))
}

// Env returns the variables handed to the child on top of the inherited
// environment.
func (w *ProcessWorker) Env() []string {
	p := w.cfg.Store
	return []string{
		"EC14_DB_STRING=" + p.ConnString,
		"EC14_EXPERIMENT=" + p.Experiment,
		"EC14_END_TIME=" + strconv.FormatFloat(p.EndTime, 'g', -1, 64),
		"EC14_MAX_AGE=" + strconv.FormatFloat(p.MaxAge, 'g', -1, 64),
		"EC14_CONFIG=" + w.cfg.ConfigPath,
	}
}

// Start launches the child and returns without waiting for it.
func (w *ProcessWorker) Start(ctx context.Context) error {
	if len(w.cfg.Command) == 0 {
		return fmt.Errorf("worker %s has no command", w.cfg.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd != nil {
		return fmt.Errorf("worker %s already started", w.cfg.Name)
	}

	logFile, err := os.OpenFile(w.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log for worker %s: %w", w.cfg.Name, err)
	}

	args := append(append([]string{}, w.cfg.Command[1:]...), w.cfg.ConfigPath)
	// Not CommandContext: cancellation must not SIGKILL the workers.
	cmd := exec.Command(w.cfg.Command[0], args...)
	cmd.Dir = w.cfg.WorkDir
	cmd.Env = append(os.Environ(), w.Env()...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start worker %s: %w", w.cfg.Name, err)
	}

	w.cmd = cmd
	w.logFile = logFile
	return nil
}

// Pid returns the child's pid, or 0 before Start.
func (w *ProcessWorker) Pid() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Interrupt sends SIGINT to the child. Interrupting an exited child is not
// an error.
func (w *ProcessWorker) Interrupt() error {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil {
		return ErrNotStarted
	}

	select {
	case <-w.done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to interrupt worker %s: %w", w.cfg.Name, err)
	}
	return nil
}

// Join blocks until the child exits. Later calls return the same result.
func (w *ProcessWorker) Join() error {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil {
		return ErrNotStarted
	}

	w.waitOnce.Do(func() {
		err := cmd.Wait()
		w.logFile.Close()
		if err != nil {
			w.waitErr = fmt.Errorf("worker %s: %w", w.cfg.Name, err)
		}
		close(w.done)
	})
	return w.waitErr
}
