package session

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/modechat/pkg/conversations"
	"github.com/go-go-golems/modechat/pkg/dispatch"
	"github.com/go-go-golems/modechat/pkg/events"
	"github.com/go-go-golems/modechat/pkg/identity"
	"github.com/go-go-golems/modechat/pkg/modes"
)

var (
	ErrModeBusy   = errors.New("mode is not ready")
	ErrEmptyInput = errors.New("input is empty")
	// ErrNoTurn is returned by Stop when nothing is in flight.
	ErrNoTurn = errors.New("no turn in flight")
	// ErrNotFailed is returned by Reload outside the error state.
	ErrNotFailed = errors.New("mode is not in the error state")
	// ErrStopped is the result of a turn ended by Stop, Delete or Close.
	ErrStopped = errors.New("turn stopped")
)

type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// Busy reports whether a turn is in flight.
func (s Status) Busy() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

// ModeState is a copy of one mode's live session.
type ModeState struct {
	ModeID               string                  `json:"mode_id"`
	ActiveConversationID string                  `json:"active_conversation_id"`
	Messages             []conversations.Message `json:"messages"`
	Input                string                  `json:"input"`
	Status               Status                  `json:"status"`
	Error                string                  `json:"error,omitempty"`
	ErrorKind            dispatch.Kind           `json:"error_kind,omitempty"`

	Err error `json:"-"`
}

// Sender is the dispatch side of a turn. *dispatch.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (*dispatch.Reply, error)
}

var _ Sender = &dispatch.Dispatcher{}

type Options struct {
	Registry   *modes.Registry
	Store      *conversations.Store
	Dispatcher Sender
	// Sink receives router events. Defaults to events.Discard.
	Sink events.Sink
	// Identity is optional. When set, sign-in hydrates that user's conversations.
	Identity identity.Provider
	// SyntheticErrorMessages appends an assistant message summarizing a
	// failed dispatch.
	SyntheticErrorMessages bool
	// StreamBuffer bounds queued intermediate updates per turn.
	StreamBuffer int
	Now          func() time.Time
}
