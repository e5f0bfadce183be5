package stream

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/modechat/pkg/dispatch"
)

type UpdateKind string

const (
	// Created opens an empty assistant message.
	Created UpdateKind = "created"
	// Updated carries the cumulative content so far.
	Updated UpdateKind = "updated"
	// Completed carries the final content.
	Completed UpdateKind = "completed"
	// Failed carries the partial content and the cause.
	Failed UpdateKind = "failed"
)

type Update struct {
	Kind    UpdateKind
	Content string
	Err     error
}

const defaultBuffer = 16

type Option func(*options)

type options struct {
	buffer int
}

// WithBuffer sets how many intermediate updates may queue before further
// Updated values are skipped.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// Assemble turns a reply into content updates, in arrival order.
//
// A single-shot reply yields exactly one Completed. A streaming reply yields
// Created, zero or more Updated, then Completed or Failed. When the consumer
// falls behind, intermediate Updated values are skipped; the terminal update
// always carries the full content. If ctx is cancelled the channel closes
// without a terminal update.
func Assemble(ctx context.Context, reply *dispatch.Reply, opts ...Option) <-chan Update {
	o := options{buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if reply == nil || !reply.Streaming() {
		out := make(chan Update, 1)
		text := ""
		if reply != nil {
			text = reply.Text
		}
		out <- Update{Kind: Completed, Content: text}
		close(out)
		return out
	}

	out := make(chan Update, o.buffer)
	go run(ctx, reply, out)
	return out
}

func run(ctx context.Context, reply *dispatch.Reply, out chan<- Update) {
	defer close(out)
	defer func() { _ = reply.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = reply.Close() })
	defer stop()

	if !send(ctx, out, Update{Kind: Created}) {
		return
	}

	dec, err := newDecoder(reply.Decoder, reply.Body)
	if err != nil {
		send(ctx, out, Update{Kind: Failed, Err: &dispatch.Error{Kind: dispatch.KindMalformedResponse, ModeID: reply.ModeID, Err: err}})
		return
	}

	var content strings.Builder
	for {
		delta, done, err := dec.next()
		if delta != "" {
			content.WriteString(delta)
			offer(out, Update{Kind: Updated, Content: content.String()})
		}
		if done {
			send(ctx, out, Update{Kind: Completed, Content: content.String()})
			return
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		var se *streamError
		switch {
		case errors.As(err, &se):
			send(ctx, out, Update{Kind: Failed, Content: content.String(), Err: &dispatch.Error{
				Kind:   dispatch.KindBackendRejected,
				ModeID: reply.ModeID,
				Detail: se.msg,
			}})
		case errors.Is(reply.Interrupted(), context.DeadlineExceeded):
			send(ctx, out, Update{Kind: Failed, Content: content.String(), Err: &dispatch.Error{
				Kind:   dispatch.KindTimeout,
				ModeID: reply.ModeID,
				Err:    err,
			}})
		default:
			if err != io.EOF {
				log.Debug().Err(err).Str("component", "stream").Str("mode_id", reply.ModeID).Msg("stream ended abruptly, keeping partial content")
			}
			send(ctx, out, Update{Kind: Completed, Content: content.String()})
		}
		return
	}
}

func send(ctx context.Context, out chan<- Update, u Update) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case out <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

// offer drops u when the buffer is full.
func offer(out chan<- Update, u Update) {
	select {
	case out <- u:
	default:
	}
}
