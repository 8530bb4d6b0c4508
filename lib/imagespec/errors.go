package imagespec

import "fmt"

// ValidationError reports a malformed spec field. It is never retried and is
// surfaced to the caller before any I/O happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid image spec: %s: %s", e.Field, e.Reason)
}
