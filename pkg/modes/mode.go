package modes

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrUnknownMode is returned when a mode id is not present in the registry.
var ErrUnknownMode = errors.New("unknown mode")

// RequestShape selects how a user turn is encoded into the backend request body.
type RequestShape string

const (
	// RequestMessage sends {message, <correlation field>}.
	RequestMessage RequestShape = "message"
	// RequestQuery sends {query, use_fallback, conversation_id}.
	RequestQuery RequestShape = "query"
	// RequestHistory sends the full transcript: {messages, mode, conversationId, userId}.
	RequestHistory RequestShape = "history"
)

// Decoder names the wire format of an incremental reply body.
type Decoder string

const (
	// DecoderText concatenates raw body chunks.
	DecoderText Decoder = "text"
	// DecoderDataStream parses the line protocol `0:"chunk"`, `3:"error"`, `d:{...}`.
	DecoderDataStream Decoder = "data-stream"
)

const (
	DefaultResponseField    = "response"
	DefaultCorrelationField = "conversation_id"

	HeavyTimeout = 120 * time.Second
	LightTimeout = 30 * time.Second
)

// SingleShot backends answer with one JSON document carrying the reply text.
type SingleShot struct {
	ResponseField string `yaml:"response_field,omitempty" json:"response_field,omitempty"`
}

// Streaming backends answer with a chunked body decoded incrementally.
type Streaming struct {
	Decoder Decoder `yaml:"decoder,omitempty" json:"decoder,omitempty"`
}

// BackendDescriptor describes how to reach a mode's backend.
// Exactly one of SingleShot or Streaming is set.
type BackendDescriptor struct {
	BaseURL          string        `yaml:"base_url" json:"base_url"`
	Path             string        `yaml:"path" json:"path"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	Request          RequestShape  `yaml:"request" json:"request"`
	CorrelationField string        `yaml:"correlation_field,omitempty" json:"correlation_field,omitempty"`

	SingleShot *SingleShot `yaml:"single_shot,omitempty" json:"single_shot,omitempty"`
	Streaming  *Streaming  `yaml:"streaming,omitempty" json:"streaming,omitempty"`
}

// IsStreaming reports whether the reply is delivered incrementally.
func (d BackendDescriptor) IsStreaming() bool {
	return d.Streaming != nil
}

// ResponseField returns the JSON field carrying a single-shot reply.
func (d BackendDescriptor) ResponseField() string {
	if d.SingleShot == nil || d.SingleShot.ResponseField == "" {
		return DefaultResponseField
	}
	return d.SingleShot.ResponseField
}

// Correlation returns the body field used to correlate with the conversation.
func (d BackendDescriptor) Correlation() string {
	if d.CorrelationField == "" {
		return DefaultCorrelationField
	}
	return d.CorrelationField
}

// Endpoint joins the base address and path.
func (d BackendDescriptor) Endpoint() string {
	return joinURL(d.BaseURL, d.Path)
}

// HealthURL is the liveness probe endpoint of the backend.
func (d BackendDescriptor) HealthURL() string {
	return joinURL(d.BaseURL, "/health")
}

func (d BackendDescriptor) Validate() error {
	if strings.TrimSpace(d.BaseURL) == "" {
		return errors.New("base url is empty")
	}
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if (d.SingleShot == nil) == (d.Streaming == nil) {
		return errors.New("exactly one of single_shot or streaming must be set")
	}
	if d.Streaming != nil {
		switch d.Streaming.Decoder {
		case DecoderText, DecoderDataStream:
		default:
			return errors.Errorf("unknown decoder %q", d.Streaming.Decoder)
		}
	}
	switch d.Request {
	case RequestMessage, RequestQuery, RequestHistory:
	default:
		return errors.Errorf("unknown request shape %q", d.Request)
	}
	if d.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// Mode is an assistant persona bound to one backend. Modes are immutable once
// registered.
type Mode struct {
	ID           string            `yaml:"id" json:"id"`
	Name         string            `yaml:"name" json:"name"`
	Description  string            `yaml:"description" json:"description"`
	Icon         string            `yaml:"icon" json:"icon"`
	SystemPrompt string            `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	QuickActions []string          `yaml:"quick_actions,omitempty" json:"quick_actions,omitempty"`
	Backend      BackendDescriptor `yaml:"backend" json:"backend"`
}

// DefaultTitle is the title of a conversation before its first user message.
func (m Mode) DefaultTitle() string {
	return "New " + m.Name
}

func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
