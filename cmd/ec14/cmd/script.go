package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/psantana5/ec14-supervisor/pkg/config"
	"github.com/psantana5/ec14-supervisor/pkg/experiment"
	"github.com/psantana5/ec14-supervisor/pkg/resubmit"
)

var scriptNextRun int

// scriptCmd prints the continuation job script
var scriptCmd = &cobra.Command{
	Use:   "script [config_path]",
	Short: "Print the continuation job script",
	Long: `Print the job script bootstrap installs as scripts/main-resub.sh. With
--next-run, also print the scheduler command a run would use to submit that
continuation.`,
	Args: maxArgs(1),
	RunE: runScript,
}

func init() {
	rootCmd.AddCommand(scriptCmd)
	scriptCmd.Flags().IntVar(&scriptNextRun, "next-run", -1, "also print the submit command for this run index")
}

func runScript(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configArg(args))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, experiment.GenerateResubmitScript(cfg.Experiment.Name))

	if scriptNextRun < 0 {
		return nil
	}
	line, err := submitCommand(cfg, scriptNextRun)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n# submit with:\n# %s\n", line)
	return nil
}

// submitCommand renders the scheduler command line for continuation run next.
func submitCommand(cfg *config.ExperimentConfig, next int) (string, error) {
	base, err := cfg.BasePath()
	if err != nil {
		return "", err
	}
	layout := experiment.Layout{Base: base}
	c := resubmit.Continuation{
		NextRun:    next,
		ConfigPath: cfg.Path,
		WorkDir:    filepath.Clean(base),
		WallTime:   cfg.WallTime(),
		LogPrefix:  layout.RunLogPrefix(next),
		Queue:      cfg.Scheduler.Queue,
		ScriptPath: layout.ResubmitScript(),
	}

	submitter, err := resubmit.New(cfg.Scheduler.Kind)
	if err != nil {
		return "", err
	}
	line, ok := resubmit.CommandLine(submitter, c)
	if !ok {
		return "", fmt.Errorf("no command line for scheduler %q", cfg.Scheduler.Kind)
	}
	return line, nil
}
