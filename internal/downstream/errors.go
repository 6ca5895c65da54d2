package downstream

import (
	"fmt"
)

// APIError is a failed downstream tracker call, carrying the HTTP status so
// callers can tell transient conditions from permanent ones.
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira %s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Temporary reports whether the failure is worth retrying.
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case 429, 500, 502, 503, 504:
		return true
	case 0:
		// No HTTP response at all: network-level failure.
		return true
	}
	return false
}

// UnsyncableError marks one item that cannot be synced because the downstream
// tracker rejected it permanently (validation or permission failure). It is
// logged with full context and never retried, and it must never abort
// processing of other items.
type UnsyncableError struct {
	Source   string
	Upstream string
	ID       string
	Err      error
}

func (e *UnsyncableError) Error() string {
	return fmt.Sprintf("unsyncable item %s/%s id=%s: %v", e.Source, e.Upstream, e.ID, e.Err)
}

func (e *UnsyncableError) Unwrap() error { return e.Err }
