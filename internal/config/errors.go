package config

import "fmt"

// ValidationError is fatal at startup: the process must not begin consuming
// events with an ambiguous or incomplete sync configuration.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid sync configuration: " + e.Reason
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
