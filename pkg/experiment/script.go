package experiment

import "fmt"

// GenerateResubmitScript renders the job script that continuation jobs run.
// The scheduler passes config, run and cwd as environment variables
// (qsub -v / sbatch --export).
func GenerateResubmitScript(experimentName string) string {
	return fmt.Sprintf(`#!/bin/bash
# Continuation job for EC14 experiment %s
# Submitted by the previous run shortly before its wall time ran out.
#
# Expects: config (absolute config path), run (run index), cwd (experiment directory)

set -euo pipefail

: "${config:?config is not set}"
: "${run:?run is not set}"
: "${cwd:?cwd is not set}"

cd "$cwd"
exec "$cwd/scripts/%s" "$config" "$run"
`, experimentName, installedBinaryName)
}
