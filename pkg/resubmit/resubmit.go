// Package resubmit hands a continuation job to the cluster scheduler so the
// experiment survives its own wall-time limit.
package resubmit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/ec14-supervisor/pkg/logging"
)

// ErrSubmitFailed wraps every failed submission.
var ErrSubmitFailed = errors.New("resubmission failed")

// Continuation describes the job that resumes the experiment.
type Continuation struct {
	NextRun    int
	ConfigPath string
	WorkDir    string
	WallTime   time.Duration
	// LogPrefix gets .output.log and .error.log appended by the scheduler.
	LogPrefix string
	Queue     string
	// ScriptPath defaults to WorkDir/scripts/main-resub.sh.
	ScriptPath string
}

// Script is the job script the scheduler runs.
func (c Continuation) Script() string {
	if c.ScriptPath != "" {
		return c.ScriptPath
	}
	return filepath.Join(c.WorkDir, "scripts", "main-resub.sh")
}

// Submitter enqueues a continuation job and returns the scheduler's job id.
type Submitter interface {
	Submit(ctx context.Context, c Continuation) (string, error)
}

// Runner executes a scheduler command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command as a child process.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, msg)
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// PBSSubmitter submits through qsub.
type PBSSubmitter struct {
	Run Runner
}

// Args returns the qsub argument list for c.
func (s *PBSSubmitter) Args(c Continuation) []string {
	args := []string{
		"-o", c.LogPrefix + ".output.log",
		"-e", c.LogPrefix + ".error.log",
		"-l", fmt.Sprintf("walltime=%d", int64(c.WallTime/time.Second)),
	}
	if c.Queue != "" {
		args = append(args, "-q", c.Queue)
	}
	args = append(args,
		"-v", fmt.Sprintf("config=%s,run=%d,cwd=%s", c.ConfigPath, c.NextRun, c.WorkDir),
		c.Script(),
	)
	return args
}

func (s *PBSSubmitter) Submit(ctx context.Context, c Continuation) (string, error) {
	return submit(ctx, s.Run, "qsub", s.Args(c))
}

// SlurmSubmitter submits through sbatch.
type SlurmSubmitter struct {
	Run Runner
}

// Args returns the sbatch argument list for c.
func (s *SlurmSubmitter) Args(c Continuation) []string {
	args := []string{
		"--parsable",
		"--output=" + c.LogPrefix + ".output.log",
		"--error=" + c.LogPrefix + ".error.log",
		"--time=" + slurmTime(c.WallTime),
	}
	if c.Queue != "" {
		args = append(args, "--partition="+c.Queue)
	}
	args = append(args,
		fmt.Sprintf("--export=ALL,config=%s,run=%d,cwd=%s", c.ConfigPath, c.NextRun, c.WorkDir),
		c.Script(),
	)
	return args
}

func (s *SlurmSubmitter) Submit(ctx context.Context, c Continuation) (string, error) {
	out, err := submit(ctx, s.Run, "sbatch", s.Args(c))
	if err != nil {
		return "", err
	}
	// --parsable prints "jobid[;cluster]".
	id, _, _ := strings.Cut(out, ";")
	return id, nil
}

// slurmTime formats d as HH:MM:SS, rounding up to whole seconds.
func slurmTime(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}

func submit(ctx context.Context, run Runner, name string, args []string) (string, error) {
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, name, args...)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrSubmitFailed, name, err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("%w: %s returned no job id", ErrSubmitFailed, name)
	}
	return id, nil
}

// DryRunSubmitter logs the continuation instead of submitting it.
type DryRunSubmitter struct {
	Inner  Submitter
	Logger *logging.Logger
}

func (s *DryRunSubmitter) Submit(ctx context.Context, c Continuation) (string, error) {
	cmd, ok := CommandLine(s.Inner, c)
	if !ok {
		cmd = "submit"
	}
	if s.Logger != nil {
		s.Logger.Info("Dry run, not submitting continuation", map[string]interface{}{
			"command":  cmd,
			"next_run": c.NextRun,
		})
	}
	return fmt.Sprintf("dry-run-%d", c.NextRun), nil
}

// CommandLine renders the scheduler invocation s would run for c.
func CommandLine(s Submitter, c Continuation) (string, bool) {
	switch in := s.(type) {
	case *PBSSubmitter:
		return "qsub " + strings.Join(in.Args(c), " "), true
	case *SlurmSubmitter:
		return "sbatch " + strings.Join(in.Args(c), " "), true
	}
	return "", false
}

// New returns the submitter for a scheduler kind.
func New(kind string) (Submitter, error) {
	switch strings.ToLower(kind) {
	case "pbs", "torque", "qsub":
		return &PBSSubmitter{Run: ExecRunner}, nil
	case "slurm", "sbatch":
		return &SlurmSubmitter{Run: ExecRunner}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler kind %q", kind)
	}
}
