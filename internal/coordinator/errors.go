package coordinator

import (
	"errors"
	"fmt"

	"plan-coordinator/internal/modal"
)

// Kind classifies coordinator failures for the transport layer.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindAlreadySubmitted    Kind = "already_submitted"
	KindVersionConflict     Kind = "version_conflict"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal"
)

// Error is returned for faults. Expected business outcomes such as a version
// conflict are reported in result values instead.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

func invalid(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// upstream classifies an error returned by a collaborator. Missing records
// become not found. Anything else, timeouts included, means the collaborator
// is unavailable.
func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	switch {
	case errors.Is(err, modal.ErrNotFound):
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	case errors.Is(err, modal.ErrStatusConflict):
		return &Error{Kind: KindAlreadySubmitted, Op: op, Err: err}
	case errors.Is(err, modal.ErrVersionConflict):
		return &Error{Kind: KindVersionConflict, Op: op, Err: err}
	}
	return &Error{Kind: KindUpstreamUnavailable, Op: op, Err: err}
}
