package dispatch

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failed dispatch.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindUnreachable       Kind = "unreachable"
	KindBackendRejected   Kind = "backend_rejected"
	KindMalformedResponse Kind = "malformed_response"
)

// Error is returned by Send and by reply decoding when the backend could not
// produce a usable answer.
type Error struct {
	Kind   Kind
	ModeID string
	// Status is set for KindBackendRejected.
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s backend: %s", e.ModeID, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a dispatch error, or "" if err is not one.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// Summary is a short human-readable description of a dispatch failure.
func Summary(err error) string {
	var de *Error
	if !errors.As(err, &de) {
		return err.Error()
	}
	switch de.Kind {
	case KindTimeout:
		return "The assistant did not answer in time."
	case KindUnreachable:
		return "The assistant service is unavailable. Make sure its backend is running."
	case KindBackendRejected:
		return fmt.Sprintf("The assistant service returned an error (status %d).", de.Status)
	case KindMalformedResponse:
		return "The assistant service sent a response that could not be read."
	}
	return de.Error()
}
