package protocol

import "fmt"

// ProtocolError reports a message that cannot be interpreted: an unknown kind,
// a payload that does not match the schema, or malformed payload bytes. The
// offending message is dropped; the connection stays up.
type ProtocolError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("PROTOCOL_ERROR: %s (%s): %v", e.Reason, e.Kind, e.Err)
	}
	return fmt.Sprintf("PROTOCOL_ERROR: %s (%s)", e.Reason, e.Kind)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
