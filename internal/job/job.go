package job

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateDead       State = "dead"
)

// States lists every state in display order.
func States() []State {
	return []State{StatePending, StateProcessing, StateCompleted, StateDead}
}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	for _, st := range States() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

var transitions = map[State][]State{
	StatePending:    {StateProcessing},
	StateProcessing: {StateCompleted, StatePending, StateDead},
	StateDead:       {StatePending},
}

// CanTransition reports whether from -> to is an allowed edge of the job
// state machine. Completed is terminal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one unit of work: an opaque shell command tracked through the
// state machine. WorkerID and LockedAt form the lease and are only set while
// the job is processing.
type Job struct {
	ID           string     `json:"id"`
	Command      string     `json:"command"`
	State        State      `json:"state"`
	Attempts     int        `json:"attempts"`
	MaxRetries   int        `json:"max_retries"`
	RunAt        time.Time  `json:"run_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ErrorMessage string     `json:"error_message,omitempty"`
	WorkerID     string     `json:"worker_id,omitempty"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
}

// Claimable reports whether the job may be claimed at now.
func (j *Job) Claimable(now time.Time) bool {
	return j.State == StatePending && !j.RunAt.After(now)
}

// Leased reports whether the job currently carries a lease.
func (j *Job) Leased() bool {
	return j.WorkerID != "" && j.LockedAt != nil
}

func (j *Job) String() string {
	return fmt.Sprintf("Job[ID=%s, State=%s, Attempts=%d, Command=%s]", j.ID, j.State, j.Attempts, j.Command)
}
