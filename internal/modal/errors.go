package modal

import "errors"

var (
	// ErrNotFound is returned by collaborators when a draft, resource, task or
	// process instance does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned by the draft store when a patch's
	// ExpectedStatus precondition does not hold.
	ErrStatusConflict = errors.New("draft status changed")

	// ErrVersionConflict is returned by the resource repository when the
	// expected version does not match the stored one.
	ErrVersionConflict = errors.New("resource version conflict")
)
