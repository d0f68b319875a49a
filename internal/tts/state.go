package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/voice-render-service/internal/core"
)

// State is a render job's position in the pipeline.
type State string

// Job states. IDLE is the tracker's state before the first job.
const (
	StateIdle             State = "IDLE"
	StatePending          State = "PENDING"
	StateNormalizing      State = "NORMALIZING"
	StateBuildingManifest State = "BUILDING_MANIFEST"
	StateRendering        State = "RENDERING"
	StateMerging          State = "MERGING"
	StateCompleted        State = "COMPLETED"
	StateCancelled        State = "CANCELLED"
	StateTimedOut         State = "TIMED_OUT"
	StateFailed           State = "FAILED"
)

// ErrInvalidTransition is returned for an edge the state machine does not
// allow.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Terminal reports whether no further transition is possible for the job.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateTimedOut, StateFailed:
		return true
	default:
		return false
	}
}

// Active reports whether a job in this state holds the pipeline.
func (s State) Active() bool {
	return s != StateIdle && !s.Terminal()
}

func (s State) cancellable() bool {
	switch s {
	case StatePending, StateNormalizing, StateBuildingManifest, StateRendering:
		return true
	default:
		return false
	}
}

func validTransition(from, to State) bool {
	switch from {
	case StateIdle, StateCompleted, StateCancelled, StateTimedOut, StateFailed:
		return to == StatePending
	case StatePending:
		return to == StateNormalizing || to == StateFailed || to == StateCancelled
	case StateNormalizing:
		return to == StateBuildingManifest || to == StateFailed || to == StateCancelled
	case StateBuildingManifest:
		return to == StateRendering || to == StateFailed || to == StateCancelled
	case StateRendering:
		return to == StateMerging || to == StateCancelled || to == StateTimedOut || to == StateFailed
	case StateMerging:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

// terminalStateFor maps a pipeline error to the state the job ends in.
func terminalStateFor(err error) State {
	switch {
	case errors.Is(err, core.ErrCancelled):
		return StateCancelled
	case errors.Is(err, core.ErrTimedOut):
		return StateTimedOut
	default:
		return StateFailed
	}
}

// Snapshot is a copy of the tracked job.
type Snapshot struct {
	JobID          string
	State          State
	StartedAt      time.Time
	WordCount      int
	TotalSentences int
	OutputDir      string
	StopRequested  bool
}

// Tracker holds the single active job and enforces its transitions.
type Tracker struct {
	mu     sync.RWMutex
	job    Snapshot
	cancel context.CancelFunc
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{job: Snapshot{State: StateIdle}}
}

// Start claims the tracker for jobID. cancel aborts the job's context.
func (t *Tracker) Start(jobID string, wordCount int, cancel context.CancelFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.State.Active() {
		return fmt.Errorf("%w: job %s is %s", core.ErrJobConflict, t.job.JobID, t.job.State)
	}

	t.job = Snapshot{
		JobID:     jobID,
		State:     StatePending,
		StartedAt: time.Now(),
		WordCount: wordCount,
	}
	t.cancel = cancel

	return nil
}

// Transition moves the active job to state to.
func (t *Tracker) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !validTransition(t.job.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.job.State, to)
	}

	t.job.State = to

	return nil
}

// SetWordCount records the word count after truncation.
func (t *Tracker) SetWordCount(words int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.job.WordCount = words
}

// SetPlan records the sentence count and the directory segments appear in.
func (t *Tracker) SetPlan(totalSentences int, outputDir string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.job.TotalSentences = totalSentences
	t.job.OutputDir = outputDir
}

// RequestStop flags the active job. It returns the job's cancel function and
// state, or false when no job can be stopped.
func (t *Tracker) RequestStop() (context.CancelFunc, State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.job.State.cancellable() {
		return nil, t.job.State, false
	}

	t.job.StopRequested = true

	return t.cancel, t.job.State, true
}

// StopRequested reports whether Stop was called for the active job.
func (t *Tracker) StopRequested() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.job.StopRequested
}

// Snapshot returns a copy of the tracked job.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.job
}

// Release drops the job's cancel function. A job that never reached a
// terminal state is marked FAILED so the tracker can accept a new one.
func (t *Tracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.State.Active() {
		t.job.State = StateFailed
	}

	t.cancel = nil
}
