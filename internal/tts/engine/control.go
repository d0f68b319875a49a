package engine

import (
	"fmt"
	"os"
	"sync"

	"github.com/book-expert/voice-render-service/internal/core"
)

// Control is the single process slot shared between the supervisor and
// whoever may ask the running job to stop. At most one job holds it.
type Control struct {
	mu              sync.Mutex
	jobID           string
	process         *os.Process
	cancelRequested bool
}

// NewControl returns an empty slot.
func NewControl() *Control {
	return &Control{}
}

// acquire claims the slot for jobID.
func (c *Control) acquire(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.jobID != "" {
		return fmt.Errorf("%w: job %s holds the engine", core.ErrJobConflict, c.jobID)
	}

	c.jobID = jobID
	c.process = nil
	c.cancelRequested = false

	return nil
}

func (c *Control) attach(process *os.Process) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.process = process
}

// release clears the slot. It is safe to call more than once.
func (c *Control) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.jobID = ""
	c.process = nil
	c.cancelRequested = false
}

func (c *Control) cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cancelRequested
}

// RequestStop flags the running job for termination on the supervisor's next
// tick. It reports whether a job was running.
func (c *Control) RequestStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.jobID == "" {
		return false
	}

	c.cancelRequested = true

	return true
}

// Active returns the id of the job holding the slot, if any.
func (c *Control) Active() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.jobID, c.jobID != ""
}

// Running reports whether the slot holds a started process.
func (c *Control) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.process != nil
}
