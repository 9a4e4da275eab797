package task

import "fmt"

type State string

const (
	StateBuilt             State = "built"
	StateDispatched        State = "dispatched"
	StatePartiallyReturned State = "partially_returned"
	StateCompleted         State = "completed"
)

var validTransitions = map[State]map[State]bool{
	StateBuilt: {
		StateDispatched: true,
	},
	StateDispatched: {
		StatePartiallyReturned: true,
		StateCompleted:         true,
	},
	StatePartiallyReturned: {
		StatePartiallyReturned: true, // one per returned output
		StateCompleted:         true,
	},
}

func ValidateTransition(from, to State) error {
	if from == StateCompleted {
		return fmt.Errorf("cannot transition from terminal state %q", from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

// Progress follows one Record through its lifecycle. It is not safe for
// concurrent use; the owner serializes access.
type Progress struct {
	Record   *Record
	State    State
	Returned int
	TaskDone bool
}

func NewProgress(r *Record) *Progress {
	return &Progress{Record: r, State: StateBuilt}
}

func (p *Progress) Dispatch() error {
	if err := ValidateTransition(p.State, StateDispatched); err != nil {
		return err
	}
	p.State = StateDispatched
	if p.Record.ValidOutputs() == 0 {
		p.State = StateCompleted
	}
	return nil
}

// BufferReturned records one returned output. It reports true exactly once,
// on the return that completes the record.
func (p *Progress) BufferReturned() (bool, error) {
	next := StatePartiallyReturned
	if p.Returned+1 >= p.Record.ValidOutputs() {
		next = StateCompleted
	}
	if err := ValidateTransition(p.State, next); err != nil {
		return false, err
	}
	p.Returned++
	p.State = next
	return next == StateCompleted, nil
}

// MarkTaskDone reports true the first time it is called.
func (p *Progress) MarkTaskDone() bool {
	if p.TaskDone {
		return false
	}
	p.TaskDone = true
	return true
}
