package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

type seqKey struct {
	session string
	modeID  string
}

// Coordinator owns a subscriber on the event topic and dispatches decoded
// events in order. Events whose Seq is not above the last one seen for the
// same router session and mode are dropped as duplicates or stale.
type Coordinator struct {
	name       string
	topic      string
	subscriber message.Subscriber
	owned      bool
	onEvent    func(Event)

	seqMu   sync.Mutex
	lastSeq map[seqKey]uint64
	dropped atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

// NewCoordinator builds a coordinator. When owned is true, Close also closes
// the subscriber.
func NewCoordinator(name, topic string, subscriber message.Subscriber, owned bool, onEvent func(Event)) *Coordinator {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Coordinator{
		name:       name,
		topic:      topic,
		subscriber: subscriber,
		owned:      owned,
		onEvent:    onEvent,
		lastSeq:    map[seqKey]uint64{},
	}
}

// Start subscribes and begins dispatching. It returns once the subscription
// is established.
func (c *Coordinator) Start(ctx context.Context) error {
	if c == nil || c.subscriber == nil {
		return nil
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := c.subscriber.Subscribe(runCtx, c.topic)
	if err != nil {
		cancel()
		c.mu.Unlock()
		log.Error().Err(err).Str("component", "events").Str("coordinator", c.name).Msg("coordinator: subscribe failed")
		return err
	}
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.consume(ch, done)
	return nil
}

func (c *Coordinator) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Coordinator) Close() {
	if c == nil {
		return
	}
	c.Stop()
	if c.owned && c.subscriber != nil {
		if err := c.subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("component", "events").Str("coordinator", c.name).Msg("coordinator: subscriber close failed")
		}
	}
}

func (c *Coordinator) IsRunning() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Dropped counts events discarded as duplicates or stale.
func (c *Coordinator) Dropped() uint64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

func (c *Coordinator) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log.Debug().Str("component", "events").Str("coordinator", c.name).Msg("coordinator: started")
	for msg := range ch {
		ev, err := Unmarshal(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("component", "events").Str("coordinator", c.name).Msg("coordinator: failed to decode event")
			msg.Ack()
			continue
		}
		if !c.accept(ev) {
			c.dropped.Add(1)
			msg.Ack()
			continue
		}
		if c.onEvent != nil {
			c.onEvent(ev)
		}
		msg.Ack()
	}
	log.Debug().Str("component", "events").Str("coordinator", c.name).Msg("coordinator: stopped")
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
}

func (c *Coordinator) accept(ev Event) bool {
	key := seqKey{session: ev.Session, modeID: ev.ModeID}
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	if last, ok := c.lastSeq[key]; ok && ev.Seq <= last {
		return false
	}
	c.lastSeq[key] = ev.Seq
	return true
}
