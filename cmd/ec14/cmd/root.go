package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/psantana5/ec14-supervisor/pkg/config"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var (
	logLevel     string
	dryRunSubmit bool
	outputFormat string
)

// usageError marks command line mistakes; they exit with status 2.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func usagef(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// rootCmd runs the supervisor for one run generation
var rootCmd = &cobra.Command{
	Use:   "ec14 [config_path] [resubmit_run_index]",
	Short: "Supervisor for EC14 evolutionary experiments",
	Long: `ec14 bootstraps an EC14 experiment on first launch, starts the HyperNEAT,
simulation and postprocessing workers, and polls the experiment database until
every individual is finished. Shortly before the job's wall time runs out it
submits a continuation job to the cluster scheduler with the next run index.

With no config path, ./config.yaml is used. The run index defaults to 0.`,
	Args:          validateInvocation,
	RunE:          runSupervisor,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")
	rootCmd.Flags().BoolVar(&dryRunSubmit, "dry-run-submit", false, "log the continuation job instead of submitting it")

	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &usageError{msg: err.Error()}
	})
}

// Execute runs the CLI and returns the process exit status.
func Execute() int {
	return execute(os.Args[1:], os.Stderr)
}

func execute(args []string, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}

	var ue *usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "Error: %v\n\n%s", err, rootCmd.UsageString())
		return exitUsage
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFailure
}

func validateInvocation(cmd *cobra.Command, args []string) error {
	_, _, err := parseInvocation(args)
	return err
}

// parseInvocation reads the optional config path and run index.
func parseInvocation(args []string) (string, int, error) {
	if len(args) > 2 {
		return "", 0, usagef("takes at most 2 arguments, the config path and the resubmit run index; got %d", len(args))
	}

	path := config.DefaultConfigFile
	if len(args) > 0 && args[0] != "" {
		path = args[0]
	}

	run := 0
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return "", 0, usagef("resubmit run index must be an integer, got %q", args[1])
		}
		if n < 0 {
			return "", 0, usagef("resubmit run index must not be negative, got %d", n)
		}
		run = n
	}
	return path, run, nil
}

// maxArgs is cobra.MaximumNArgs reporting a usage error.
func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) > n {
			return usagef("%s takes at most %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

// configArg returns the config path of the status and script subcommands.
func configArg(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return config.DefaultConfigFile
}
