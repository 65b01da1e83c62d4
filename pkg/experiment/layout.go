package experiment

import (
	"fmt"
	"path/filepath"
)

// Subdirectories created under the experiment base path at bootstrap.
const (
	DirScripts          = "scripts"
	DirConfig           = "config"
	DirPopulation       = "population"
	DirTracesDuringSim  = "traces_duringVox"
	DirTracesAfterSim   = "traces_afterVox"
	DirPool             = "pool"
	DirLogs             = "logs"
	markerFile          = ".bootstrap.yaml"
	resubmitScriptName  = "main-resub.sh"
	installedBinaryName = "ec14"
)

// Subdirs lists the fixed experiment layout in creation order.
var Subdirs = []string{
	DirScripts,
	DirConfig,
	DirPopulation,
	DirTracesDuringSim,
	DirTracesAfterSim,
	DirPool,
	DirLogs,
}

// Layout resolves paths inside an experiment directory.
type Layout struct {
	Base string
}

// Dir returns the path of a layout subdirectory.
func (l Layout) Dir(name string) string {
	return filepath.Join(l.Base, name)
}

func (l Layout) Logs() string {
	return l.Dir(DirLogs)
}

func (l Layout) Scripts() string {
	return l.Dir(DirScripts)
}

// Marker is written last by bootstrap; its presence means bootstrap finished.
func (l Layout) Marker() string {
	return filepath.Join(l.Base, markerFile)
}

// ResubmitScript is the job script continuation jobs run.
func (l Layout) ResubmitScript() string {
	return filepath.Join(l.Scripts(), resubmitScriptName)
}

// InstalledBinary is the copy of the supervisor the job script executes.
func (l Layout) InstalledBinary() string {
	return filepath.Join(l.Scripts(), installedBinaryName)
}

// ConfigSnapshot is where bootstrap saves the config file, keeping its extension.
func (l Layout) ConfigSnapshot(ext string) string {
	return filepath.Join(l.Dir(DirConfig), "config"+ext)
}

// RunLogPrefix is the scheduler log prefix for a run generation; the
// scheduler appends .output.log and .error.log.
func (l Layout) RunLogPrefix(run int) string {
	return filepath.Join(l.Logs(), fmt.Sprintf("main.run%d", run))
}
