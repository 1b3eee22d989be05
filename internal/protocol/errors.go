package protocol

import "fmt"

// ProtocolError indicates a malformed envelope. It is connection-level:
// the offending connection is told, sessions are unaffected.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// ValidationError indicates a structurally valid envelope that is missing
// required business fields, e.g. an empty message question.
type ValidationError struct {
	Event string
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: event %s missing %s", e.Event, e.Field)
}
