package models

import "time"

// Individual is one population member. The controller only creates
// individuals during bootstrap; workers own every later mutation.
type Individual struct {
	ID        int64     `json:"id" yaml:"id"`
	BirthTime float64   `json:"birth_time" yaml:"birth_time"`
	X         float64   `json:"x" yaml:"x"`
	Y         float64   `json:"y" yaml:"y"`
	Finished  bool      `json:"finished" yaml:"finished"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// WorkerKind identifies one of the three external workers.
type WorkerKind string

const (
	WorkerHyperNEAT      WorkerKind = "hyperneat"
	WorkerSimulation     WorkerKind = "simulation"
	WorkerPostprocessing WorkerKind = "postprocessing"
)

// WorkerKinds lists the workers in their fixed start and join order.
var WorkerKinds = []WorkerKind{WorkerHyperNEAT, WorkerSimulation, WorkerPostprocessing}
