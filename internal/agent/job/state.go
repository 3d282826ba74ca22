package job

import (
	"fmt"

	"github.com/pkg/errors"
)

type State string

const (
	New          State = "New"
	Initializing State = "Initializing"
	Building     State = "Building"
	Starting     State = "Starting"
	Running      State = "Running"
	Stopping     State = "Stopping"
	Stopped      State = "Stopped"
	Deleting     State = "Deleting"
	Deleted      State = "Deleted"
	Failed       State = "Failed"
	NotSupported State = "NotSupported"
)

var AllStates = []State{New, Initializing, Building, Starting, Running, Stopping, Stopped, Deleting, Deleted, Failed, NotSupported}

// forward lists the non-failure edges of the lifecycle. A stop requested before the process is
// running short-circuits to Stopping.
var forward = map[State][]State{
	New:          {Initializing},
	Initializing: {Building, Stopping},
	Building:     {Starting, Stopping},
	Starting:     {Running, Stopping},
	Running:      {Stopping},
	Stopping:     {Stopped},
	Stopped:      {Deleting},
	Deleting:     {Deleted},
}

func (s State) IsTerminal() bool {
	return s == Failed || s == NotSupported || s == Deleted
}

// IsFinished reports whether the job no longer runs a process.
func (s State) IsFinished() bool {
	switch s {
	case Stopped, Deleting, Deleted, Failed, NotSupported:
		return true
	}
	return false
}

func (s State) Validate() error {
	for _, known := range AllStates {
		if s == known {
			return nil
		}
	}
	return errors.Errorf("unknown job state %q", s)
}

// CanTransition reports whether a job in state from may move to state to.
func CanTransition(from State, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == Failed || to == NotSupported {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ErrInvalidTransition struct {
	JobId int
	From  State
	To    State
}

func (err *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("job %d: invalid state transition from %s to %s", err.JobId, err.From, err.To)
}
