package deploy

import "errors"

var (
	// ErrConflict is returned when the application already has a
	// deployment in flight.
	ErrConflict = errors.New("deployment already in progress")

	// ErrNotPending is returned when Execute is handed a deployment that
	// already left the pending state.
	ErrNotPending = errors.New("deployment is not pending")
)
