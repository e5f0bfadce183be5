package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type Type string

const (
	StatusChanged        Type = "status.changed"
	MessageCreated       Type = "message.created"
	MessageUpdated       Type = "message.updated"
	MessageCompleted     Type = "message.completed"
	MessageFailed        Type = "message.failed"
	ConversationCreated  Type = "conversation.created"
	ConversationSwitched Type = "conversation.switched"
	ConversationDeleted  Type = "conversation.deleted"
	ModeChanged          Type = "mode.changed"
	InputChanged         Type = "input.changed"
)

// Event is a state change of one mode session. Seq increases monotonically
// per mode within one router Session.
type Event struct {
	Session        string    `json:"session"`
	Seq            uint64    `json:"seq"`
	Type           Type      `json:"type"`
	ModeID         string    `json:"mode_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	Role           string    `json:"role,omitempty"`
	Content        string    `json:"content,omitempty"`
	Status         string    `json:"status,omitempty"`
	Error          string    `json:"error,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Time           time.Time `json:"time"`
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, errors.Wrap(err, "decode event")
	}
	if e.Type == "" || e.ModeID == "" {
		return Event{}, errors.New("decode event: missing type or mode")
	}
	return e, nil
}

// Sink receives router events in per-mode Seq order.
type Sink interface {
	Publish(Event) error
}

type SinkFunc func(Event) error

func (f SinkFunc) Publish(e Event) error { return f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) error { return nil })

// Fanout publishes to every sink, returning the first error.
func Fanout(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) error {
		var first error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Publish(e); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// Recorder is a Sink that keeps every published event.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Publish(e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ForMode returns the recorded events of modeID.
func (r *Recorder) ForMode(modeID string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.ModeID == modeID {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent event of type typ for modeID.
func (r *Recorder) Last(modeID string, typ Type) (Event, bool) {
	evs := r.ForMode(modeID)
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == typ {
			return evs[i], true
		}
	}
	return Event{}, false
}
