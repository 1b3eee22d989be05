package session

import (
	"context"
	"sync"
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

// Resolution is the outcome of a pending confirmation.
type Resolution string

const (
	// ResolutionConfirmed means the client approved the request.
	ResolutionConfirmed Resolution = "confirmed"
	// ResolutionDeclined means the client rejected the request.
	ResolutionDeclined Resolution = "declined"
	// ResolutionTimedOut means no response arrived before the deadline.
	// Timed-out confirmations resolve as declined by policy.
	ResolutionTimedOut Resolution = "timed_out"
)

// Accepted returns true when the resolution permits the gated work to proceed.
func (r Resolution) Accepted() bool {
	return r == ResolutionConfirmed
}

// Decision is what a resolved confirmation carries back to the waiter.
type Decision struct {
	// Resolution records how the confirmation concluded.
	Resolution Resolution
	// Reason provides client-supplied context for declines.
	Reason string
	// EditedTasks, when non-nil, replaces the planned task list verbatim.
	EditedTasks []*models.Task
}

// pendingConfirm correlates one outbound confirmation request to a future
// inbound response.
type pendingConfirm struct {
	stepID    string
	openedAt  time.Time
	deadline  time.Time
	timer     *time.Timer
	decision  chan Decision
	resolved  bool
}

// Correlator tracks outstanding confirmation requests by step id and
// matches them to later responses. A resolve for an unknown or already
// resolved step id is a no-op. Waiters time out as declined.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingConfirm
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*pendingConfirm)}
}

// Open registers a pending confirmation for the given step id with a
// timeout. Step ids are generated by the requester and must be unique;
// opening a duplicate id replaces nothing and returns false.
func (c *Correlator) Open(stepID string, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[stepID]; exists {
		return false
	}

	now := time.Now()
	p := &pendingConfirm{
		stepID:   stepID,
		openedAt: now,
		deadline: now.Add(timeout),
		decision: make(chan Decision, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.expire(stepID)
	})
	c.pending[stepID] = p
	return true
}

// Resolve matches a response to its pending confirmation. Unknown or stale
// step ids have no observable effect.
func (c *Correlator) Resolve(stepID string, confirmed bool, reason string, edited []*models.Task) {
	resolution := ResolutionDeclined
	if confirmed {
		resolution = ResolutionConfirmed
	}
	c.resolve(stepID, Decision{
		Resolution:  resolution,
		Reason:      reason,
		EditedTasks: edited,
	})
}

// Await blocks until the confirmation resolves or the step's timeout
// elapses, whichever comes first. Context cancellation resolves declined.
func (c *Correlator) Await(ctx context.Context, stepID string) Decision {
	c.mu.Lock()
	p, ok := c.pending[stepID]
	c.mu.Unlock()
	if !ok {
		return Decision{Resolution: ResolutionDeclined, Reason: "unknown step id"}
	}

	select {
	case d := <-p.decision:
		return d
	case <-ctx.Done():
		c.resolve(stepID, Decision{Resolution: ResolutionDeclined, Reason: "cancelled"})
		// Drain whichever decision won the race so the entry is consistent.
		select {
		case d := <-p.decision:
			return d
		default:
			return Decision{Resolution: ResolutionDeclined, Reason: "cancelled"}
		}
	}
}

// Pending returns true if the step id has an unresolved confirmation.
func (c *Correlator) Pending(stepID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[stepID]
	return ok && !p.resolved
}

func (c *Correlator) expire(stepID string) {
	c.resolve(stepID, Decision{Resolution: ResolutionTimedOut, Reason: "confirmation timed out"})
}

func (c *Correlator) resolve(stepID string, d Decision) {
	c.mu.Lock()
	p, ok := c.pending[stepID]
	if !ok || p.resolved {
		c.mu.Unlock()
		return
	}
	p.resolved = true
	p.timer.Stop()
	delete(c.pending, stepID)
	c.mu.Unlock()

	p.decision <- d
}
