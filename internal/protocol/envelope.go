// Package protocol defines the wire envelope exchanged between the quill
// server and its clients, the event taxonomy, and the protocol-level error
// types. Encoding and decoding are pure transforms; business validation of
// envelope content belongs to the session layer.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the structured unit exchanged over the transport. Seq and
// EventID are assigned by the session event log at emission time and are
// zero/empty on inbound envelopes.
type Envelope struct {
	// Event is the namespaced event name, e.g. "plan.completed".
	Event string `json:"event"`
	// SessionID identifies the logical session. Required for every event
	// except user.create_session.
	SessionID string `json:"sessionId,omitempty"`
	// ConnectionID identifies the transport connection the envelope
	// travelled on. Assigned by the server.
	ConnectionID string `json:"connectionId,omitempty"`
	// StepID correlates paired request/response events. Present only for
	// confirmation-class events.
	StepID string `json:"stepId,omitempty"`
	// Timestamp is when the envelope was produced.
	Timestamp time.Time `json:"timestamp"`
	// Content is the opaque event payload.
	Content json.RawMessage `json:"content,omitempty"`
	// Metadata carries structured key/value annotations.
	Metadata map[string]string `json:"metadata,omitempty"`
	// Seq is the session-scoped monotonically increasing sequence number.
	Seq uint64 `json:"seq,omitempty"`
	// EventID is the globally unique id of this emission.
	EventID string `json:"eventId,omitempty"`
}

// Clone returns a copy of the envelope with its own metadata map. Content
// is shared; callers treat payloads as immutable.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Encode serializes an envelope for transmission.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, &ProtocolError{Reason: "encode envelope: " + err.Error()}
	}
	return data, nil
}

// Decode parses raw bytes into an envelope. It fails with *ProtocolError
// when the payload is not well-formed JSON, the event name is missing or
// not of namespace.name shape, or the session id is missing for any event
// other than the session-creation request. Content shape is not validated
// here.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope: " + err.Error()}
	}
	if _, _, err := ParseEventName(env.Event); err != nil {
		return nil, err
	}
	if env.SessionID == "" && env.Event != UserCreateSession {
		return nil, &ProtocolError{Reason: "missing sessionId for event " + env.Event}
	}
	return &env, nil
}
