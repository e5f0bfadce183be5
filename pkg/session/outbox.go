package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/modechat/pkg/events"
)

type outboxItem struct {
	ev     events.Event
	marker chan struct{}
}

// outbox publishes one mode's events in the order they were queued. push
// never blocks, so state mutation is never held up by a slow sink.
type outbox struct {
	modeID string
	sink   events.Sink

	mu     sync.Mutex
	queue  []outboxItem
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newOutbox(modeID string, sink events.Sink) *outbox {
	if sink == nil {
		sink = events.Discard
	}
	o := &outbox{
		modeID: modeID,
		sink:   sink,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go o.loop()
	return o
}

func (o *outbox) push(ev events.Event) {
	o.enqueue(outboxItem{ev: ev})
}

func (o *outbox) enqueue(it outboxItem) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, it)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// flush waits until everything queued before the call has been published.
func (o *outbox) flush(ctx context.Context) error {
	marker := make(chan struct{})
	if !o.enqueue(outboxItem{marker: marker}) {
		select {
		case <-o.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close publishes what is queued and stops the loop.
func (o *outbox) close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		select {
		case o.wake <- struct{}{}:
		default:
		}
	}
	o.mu.Unlock()
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *outbox) loop() {
	defer close(o.done)
	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		closed := o.closed
		o.mu.Unlock()

		for _, it := range batch {
			if it.marker != nil {
				close(it.marker)
				continue
			}
			if err := o.sink.Publish(it.ev); err != nil {
				log.Warn().Err(err).
					Str("component", "session").
					Str("mode_id", o.modeID).
					Uint64("seq", it.ev.Seq).
					Str("type", string(it.ev.Type)).
					Msg("event publish failed")
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-o.wake
	}
}
