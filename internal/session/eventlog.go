// Package session owns the per-session protocol state: the lifecycle state
// machine, the sequence-stamped event log with acknowledgement and replay,
// the confirmation correlator, and signed-snapshot resume. Each session is
// single-writer: all mutations pass through the session's command loop.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/quill/internal/protocol"
)

// EventLog stamps outbound envelopes with per-session sequence numbers and
// retains them until acknowledged. Sequence numbers start at 1 and are
// gap-free; the buffer never reorders.
//
// The log is unbounded by default. A capacity cap can be set, in which case
// the oldest entries are dropped on overflow; clients that fell that far
// behind lose those events permanently.
type EventLog struct {
	mu       sync.Mutex
	nextSeq  uint64
	buffer   []*protocol.Envelope
	capacity int
	dropped  uint64
}

// NewEventLog creates an event log with no capacity cap.
func NewEventLog() *EventLog {
	return &EventLog{nextSeq: 1}
}

// SetCapacity caps the number of retained entries. Zero means unbounded.
func (l *EventLog) SetCapacity(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.capacity = n
	l.trimToCapacityLocked()
}

// Append stamps the envelope with the next sequence number and a fresh
// event id, stores it, and returns the stamped copy for transmission.
func (l *EventLog) Append(env *protocol.Envelope) *protocol.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamped := env.Clone()
	stamped.Seq = l.nextSeq
	stamped.EventID = uuid.New().String()
	if stamped.Timestamp.IsZero() {
		stamped.Timestamp = time.Now().UTC()
	}
	l.nextSeq++

	l.buffer = append(l.buffer, stamped)
	l.trimToCapacityLocked()

	return stamped
}

// Acknowledge removes all buffered entries with seq <= lastSeq.
// Acknowledging the same position twice is a no-op after the first call.
func (l *EventLog) Acknowledge(lastSeq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := 0
	for i < len(l.buffer) && l.buffer[i].Seq <= lastSeq {
		i++
	}
	l.buffer = l.buffer[i:]
}

// AcknowledgeEvent resolves an event id to its sequence number by buffer
// lookup and acknowledges up to it. An unknown id is a no-op, not an error.
func (l *EventLog) AcknowledgeEvent(eventID string) {
	l.mu.Lock()
	var seq uint64
	found := false
	for _, env := range l.buffer {
		if env.EventID == eventID {
			seq = env.Seq
			found = true
			break
		}
	}
	l.mu.Unlock()

	if found {
		l.Acknowledge(seq)
	}
}

// ReplayAfter returns all buffered entries with seq > afterSeq in ascending
// order. An empty slice means replay is exhausted and live events resume
// from the current position.
func (l *EventLog) ReplayAfter(afterSeq uint64) []*protocol.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*protocol.Envelope, 0)
	for _, env := range l.buffer {
		if env.Seq > afterSeq {
			out = append(out, env)
		}
	}
	return out
}

// NextSeq returns the sequence number the next appended event will carry.
func (l *EventLog) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Len returns the number of unacknowledged entries.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// Dropped returns how many entries were discarded due to the capacity cap.
func (l *EventLog) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *EventLog) trimToCapacityLocked() {
	if l.capacity <= 0 {
		return
	}
	for len(l.buffer) > l.capacity {
		l.buffer = l.buffer[1:]
		l.dropped++
	}
}
