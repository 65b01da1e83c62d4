package experiment

import (
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/psantana5/ec14-supervisor/pkg/config"
)

// Bootstrap states reported by Inspect.
const (
	BootstrapMissing    = "missing"
	BootstrapIncomplete = "incomplete"
	BootstrapComplete   = "complete"
)

// Status is a read-only snapshot of an experiment directory.
type Status struct {
	BasePath  string    `yaml:"base_path" json:"base_path"`
	Bootstrap string    `yaml:"bootstrap" json:"bootstrap"`
	Manifest  *Manifest `yaml:"manifest,omitempty" json:"manifest,omitempty"`
	RunLogs   []string  `yaml:"run_logs" json:"run_logs"`
}

// Inspect reports the bootstrap state and the structured run logs of the
// configured experiment without modifying anything.
func Inspect(cfg *config.ExperimentConfig) (*Status, error) {
	id, err := ResolveIdentity(cfg)
	st := &Status{BasePath: id.BasePath, RunLogs: []string{}}
	switch {
	case errors.Is(err, ErrIncompleteBootstrap):
		st.Bootstrap = BootstrapIncomplete
	case err != nil:
		return nil, err
	case id.IsNew:
		st.Bootstrap = BootstrapMissing
		return st, nil
	default:
		st.Bootstrap = BootstrapComplete
		if st.Manifest, err = ReadManifest(id.Layout()); err != nil {
			return nil, err
		}
	}

	logs, err := filepath.Glob(filepath.Join(id.Layout().Logs(), "main.run*.log"))
	if err != nil {
		return nil, err
	}
	for _, l := range logs {
		if info, err := os.Stat(l); err == nil && info.Mode().IsRegular() {
			st.RunLogs = append(st.RunLogs, filepath.Base(l))
		}
	}
	sort.Strings(st.RunLogs)
	return st, nil
}
