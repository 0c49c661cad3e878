package runner

import (
	"sort"
	"sync"
	"time"
)

// JobState is where a job is in its lifecycle.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

func (s JobState) String() string {
	return string(s)
}

// Terminal reports whether no further transition is expected.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StateTransition describes one state change.
type StateTransition struct {
	From      JobState
	To        JobState
	Host      string
	Timestamp time.Time
}

// StateCallback is called after a job's state changes, outside the
// tracker's lock.
type StateCallback func(jobID string, tr StateTransition)

// FailedJob is a job that ended in StateFailed.
type FailedJob struct {
	ID   string
	Host string
	Err  error
}

// StateTracker records job states and failures. A job in a terminal state
// never changes again.
type StateTracker struct {
	mu        sync.Mutex
	states    map[string]JobState
	failures  map[string]FailedJob
	callbacks []StateCallback
}

// NewStateTracker creates a tracker with every job in ids pending.
func NewStateTracker(ids []string) *StateTracker {
	t := &StateTracker{
		states:   make(map[string]JobState, len(ids)),
		failures: make(map[string]FailedJob),
	}
	for _, id := range ids {
		t.states[id] = StatePending
	}
	return t
}

// SetState moves the job to newState on host and reports whether the state
// changed. Repeated states and transitions out of a terminal state are
// ignored.
func (t *StateTracker) SetState(jobID, host string, newState JobState) bool {
	return t.transition(jobID, host, newState, nil)
}

// Fail marks the job failed and remembers why.
func (t *StateTracker) Fail(jobID, host string, err error) bool {
	return t.transition(jobID, host, StateFailed, err)
}

func (t *StateTracker) transition(jobID, host string, newState JobState, err error) bool {
	t.mu.Lock()
	oldState, ok := t.states[jobID]
	if !ok {
		oldState = StatePending
	}
	if oldState == newState || oldState.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.states[jobID] = newState
	if newState == StateFailed {
		t.failures[jobID] = FailedJob{ID: jobID, Host: host, Err: err}
	}

	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	tr := StateTransition{From: oldState, To: newState, Host: host, Timestamp: time.Now()}
	for _, cb := range cbs {
		cb(jobID, tr)
	}
	return true
}

// Failures returns every failed job, sorted by ID.
func (t *StateTracker) Failures() []FailedJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FailedJob, 0, len(t.failures))
	for _, f := range t.failures {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns how many jobs are in each state.
func (t *StateTracker) Counts() map[JobState]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[JobState]int)
	for _, s := range t.states {
		out[s]++
	}
	return out
}

// OnStateChange registers cb for every state change.
func (t *StateTracker) OnStateChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
