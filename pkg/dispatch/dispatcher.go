package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/modechat/pkg/modes"
)

const (
	defaultHealthTimeout = time.Second
	maxErrorSnippet      = 512
	maxSingleShotBody    = 8 << 20
)

// HistoryMessage is one prior transcript entry forwarded to history-shaped backends.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	ModeID         string
	Text           string
	ConversationID string
	UserID         string
	// History holds the finalized messages preceding Text.
	History []HistoryMessage
}

// Reply is a successful dispatch. Single-shot replies carry Text; streaming
// replies carry Body, which the caller must Close.
type Reply struct {
	ModeID  string
	Text    string
	Body    io.ReadCloser
	Decoder modes.Decoder

	ctx context.Context
}

// NewStreamingReply wraps an already open body. ctx is the request context
// whose deadline bounds the read.
func NewStreamingReply(ctx context.Context, modeID string, decoder modes.Decoder, body io.ReadCloser) *Reply {
	return &Reply{ModeID: modeID, Body: body, Decoder: decoder, ctx: ctx}
}

// Streaming reports whether the reply body must be decoded incrementally.
func (r *Reply) Streaming() bool {
	return r != nil && r.Body != nil
}

// Interrupted reports why the request context ended, nil while it is live.
// context.DeadlineExceeded means the mode's timeout elapsed.
func (r *Reply) Interrupted() error {
	if r == nil || r.ctx == nil {
		return nil
	}
	return r.ctx.Err()
}

func (r *Reply) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Dispatcher sends user turns to mode backends under a per-mode time budget.
// It never retries and never falls back to another mode.
type Dispatcher struct {
	registry      *modes.Registry
	client        *http.Client
	healthTimeout time.Duration
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

func WithHealthTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.healthTimeout = t
		}
	}
}

func New(registry *modes.Registry, opts ...Option) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("dispatcher: registry is nil")
	}
	d := &Dispatcher{
		registry:      registry,
		client:        &http.Client{},
		healthTimeout: defaultHealthTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Send issues req to the backend of req.ModeID. The returned error is either
// modes.ErrUnknownMode, a *Error, or the caller's context error.
func (d *Dispatcher) Send(ctx context.Context, req Request) (*Reply, error) {
	mode, err := d.registry.Resolve(req.ModeID)
	if err != nil {
		return nil, err
	}
	desc := mode.Backend
	body, err := buildBody(mode, req)
	if err != nil {
		return nil, errors.Wrap(err, "dispatcher: build request body")
	}

	reqCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	handedOff := false
	defer func() {
		if !handedOff {
			cancel()
		}
	}()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, desc.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "dispatcher: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if desc.IsStreaming() {
		httpReq.Header.Set("Accept", "text/plain, text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	started := time.Now()
	log.Debug().Str("component", "dispatch").Str("mode_id", mode.ID).Str("conv_id", req.ConversationID).Str("endpoint", desc.Endpoint()).Msg("dispatch start")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, reqCtx, mode.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSnippet))
		_ = resp.Body.Close()
		log.Warn().Str("component", "dispatch").Str("mode_id", mode.ID).Int("status", resp.StatusCode).Msg("backend rejected request")
		return nil, &Error{
			Kind:   KindBackendRejected,
			ModeID: mode.ID,
			Status: resp.StatusCode,
			Detail: strings.TrimSpace(string(snippet)),
		}
	}

	if desc.IsStreaming() {
		handedOff = true
		log.Debug().Str("component", "dispatch").Str("mode_id", mode.ID).Dur("ttfb", time.Since(started)).Msg("stream opened")
		return &Reply{
			ModeID:  mode.ID,
			Body:    &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
			Decoder: desc.Streaming.Decoder,
			ctx:     reqCtx,
		}, nil
	}

	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSingleShotBody))
	if err != nil {
		return nil, classifyTransport(ctx, reqCtx, mode.ID, err)
	}
	text, err := decodeSingleShot(raw, desc.ResponseField())
	if err != nil {
		return nil, &Error{Kind: KindMalformedResponse, ModeID: mode.ID, Err: err}
	}
	log.Debug().Str("component", "dispatch").Str("mode_id", mode.ID).Dur("elapsed", time.Since(started)).Msg("dispatch ok")
	return &Reply{ModeID: mode.ID, Text: text}, nil
}

// Health probes GET <base>/health with a short budget.
func (d *Dispatcher) Health(ctx context.Context, modeID string) error {
	mode, err := d.registry.Resolve(modeID)
	if err != nil {
		return err
	}
	hctx, cancel := context.WithTimeout(ctx, d.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodGet, mode.Backend.HealthURL(), nil)
	if err != nil {
		return errors.Wrap(err, "dispatcher: create health request")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return classifyTransport(ctx, hctx, mode.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorSnippet))
	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: KindBackendRejected, ModeID: mode.ID, Status: resp.StatusCode, Detail: "health check"}
	}
	return nil
}

func buildBody(mode modes.Mode, req Request) ([]byte, error) {
	desc := mode.Backend
	switch desc.Request {
	case modes.RequestMessage:
		return json.Marshal(map[string]any{
			"message":          req.Text,
			desc.Correlation(): req.ConversationID,
		})
	case modes.RequestQuery:
		return json.Marshal(map[string]any{
			"query":            req.Text,
			"use_fallback":     true,
			desc.Correlation(): req.ConversationID,
		})
	case modes.RequestHistory:
		msgs := make([]HistoryMessage, 0, len(req.History)+2)
		if mode.SystemPrompt != "" {
			msgs = append(msgs, HistoryMessage{Role: "system", Content: mode.SystemPrompt})
		}
		msgs = append(msgs, req.History...)
		msgs = append(msgs, HistoryMessage{Role: "user", Content: req.Text})
		return json.Marshal(map[string]any{
			"messages":       msgs,
			"mode":           mode.ID,
			"conversationId": req.ConversationID,
			"userId":         req.UserID,
		})
	}
	return nil, errors.Errorf("unknown request shape %q", desc.Request)
}

func decodeSingleShot(raw []byte, field string) (string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", errors.Wrap(err, "decode json body")
	}
	v, ok := doc[field]
	if !ok || string(bytes.TrimSpace(v)) == "null" {
		return "", errors.Errorf("field %q missing", field)
	}
	var text string
	if err := json.Unmarshal(v, &text); err != nil {
		return "", errors.Errorf("field %q is not a string", field)
	}
	return text, nil
}

// classifyTransport maps a client failure to Timeout or Unreachable. A
// cancellation by the caller is returned as the caller's context error.
func classifyTransport(parent, reqCtx context.Context, modeID string, err error) error {
	if parent.Err() != nil {
		return errors.Wrap(parent.Err(), "dispatch canceled")
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, ModeID: modeID, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, ModeID: modeID, Err: err}
	}
	log.Warn().Err(err).Str("component", "dispatch").Str("mode_id", modeID).Msg("backend unreachable")
	return &Error{Kind: KindUnreachable, ModeID: modeID, Err: err}
}

// cancelOnClose releases the request deadline when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}
