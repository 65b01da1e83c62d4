package models

import "fmt"

// LifecycleState is a state of the supervisor's lifecycle state machine.
type LifecycleState string

const (
	StateBootstrapping LifecycleState = "bootstrapping" // Resolving identity, bootstrapping, starting workers
	StateRunning       LifecycleState = "running"       // Polling the store on a fixed cadence
	StateCompleted     LifecycleState = "completed"     // No unfinished individuals left
	StateInterrupted   LifecycleState = "interrupted"   // SIGINT/SIGTERM received
	StateTimeExpired   LifecycleState = "time_expired"  // Wall-time budget nearly used, continuation submitted
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[LifecycleState]map[LifecycleState]bool{
	StateBootstrapping: {
		StateRunning:     true,
		StateInterrupted: true, // Signal arrived before workers were started
	},
	StateRunning: {
		StateCompleted:   true,
		StateInterrupted: true,
		StateTimeExpired: true,
	},
	// Terminal states (no transitions allowed)
	StateCompleted:   {},
	StateInterrupted: {},
	StateTimeExpired: {},
}

// ValidateTransition checks if a lifecycle transition is valid
func ValidateTransition(from, to LifecycleState) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if no further transitions are possible
func (s LifecycleState) IsTerminal() bool {
	return s == StateCompleted || s == StateInterrupted || s == StateTimeExpired
}

// JoinsWorkers reports whether reaching this state waits for workers to stop.
// A time-expired job leaves its workers to the scheduler, which kills the
// whole allocation; the continuation job starts fresh ones.
func (s LifecycleState) JoinsWorkers() bool {
	return s == StateCompleted || s == StateInterrupted
}
