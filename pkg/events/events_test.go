package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalRejectsIncompleteEvents(t *testing.T) {
	_, err := Unmarshal([]byte(`{"seq":1}`))
	require.Error(t, err)
	_, err = Unmarshal([]byte(`not json`))
	require.Error(t, err)

	in := Event{Session: "s", Seq: 3, Type: MessageUpdated, ModeID: "slack", Content: "hi"}
	b, err := in.Marshal()
	require.NoError(t, err)
	out, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, in.Content, out.Content)
	require.Equal(t, in.Seq, out.Seq)
}

func TestRecorderFiltersByMode(t *testing.T) {
	r := NewRecorder()
	sink := Fanout(r, nil, Discard)
	require.NoError(t, sink.Publish(Event{Seq: 1, Type: StatusChanged, ModeID: "a", Status: "submitted"}))
	require.NoError(t, sink.Publish(Event{Seq: 1, Type: StatusChanged, ModeID: "b", Status: "submitted"}))
	require.NoError(t, sink.Publish(Event{Seq: 2, Type: StatusChanged, ModeID: "a", Status: "ready"}))

	require.Len(t, r.ForMode("a"), 2)
	last, ok := r.Last("a", StatusChanged)
	require.True(t, ok)
	require.Equal(t, "ready", last.Status)
	_, ok = r.Last("c", StatusChanged)
	require.False(t, ok)
}

type collector struct {
	mu  sync.Mutex
	got []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	c.got = append(c.got, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.got...)
}

func TestCoordinatorDeliversInOrderAndDropsStale(t *testing.T) {
	backend := NewInMemoryBackend()
	defer func() { _ = backend.Close() }()

	sub, owned, err := backend.BuildSubscriber(context.Background(), DefaultTopic, "test")
	require.NoError(t, err)
	require.False(t, owned)

	col := &collector{}
	coord := NewCoordinator("test", DefaultTopic, sub, owned, col.add)
	require.NoError(t, coord.Start(context.Background()))
	require.True(t, coord.IsRunning())

	bus, err := NewBus(backend.Publisher(), "")
	require.NoError(t, err)

	publish := func(session string, seq uint64, mode string) {
		require.NoError(t, bus.Publish(Event{Session: session, Seq: seq, Type: MessageUpdated, ModeID: mode}))
	}
	publish("s1", 1, "slack")
	publish("s1", 2, "slack")
	publish("s1", 2, "slack") // duplicate
	publish("s1", 1, "slack") // stale
	publish("s1", 1, "jira")
	publish("s2", 1, "slack") // new router session restarts seq
	publish("s1", 3, "slack")

	// Publish blocks until ack, so every event has been handled here.
	got := col.snapshot()
	require.Len(t, got, 5)
	require.Equal(t, uint64(2), coord.Dropped())
	require.Equal(t, "jira", got[2].ModeID)
	require.Equal(t, "s2", got[3].Session)
	require.Equal(t, uint64(3), got[4].Seq)

	coord.Close()
	require.False(t, coord.IsRunning())
}

func TestCoordinatorAcksUndecodableMessages(t *testing.T) {
	backend := NewInMemoryBackend()
	defer func() { _ = backend.Close() }()
	sub, owned, err := backend.BuildSubscriber(context.Background(), DefaultTopic, "test")
	require.NoError(t, err)

	col := &collector{}
	coord := NewCoordinator("test", "", sub, owned, col.add)
	require.NoError(t, coord.Start(context.Background()))
	defer coord.Close()

	done := make(chan error, 1)
	go func() {
		done <- backend.Publisher().Publish(DefaultTopic, message.NewMessage(uuid.NewString(), []byte("garbage")))
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish of undecodable message was never acked")
	}
	require.Empty(t, col.snapshot())
}

func TestNilCoordinatorIsInert(t *testing.T) {
	var c *Coordinator
	require.NoError(t, c.Start(context.Background()))
	c.Stop()
	c.Close()
	require.False(t, c.IsRunning())
	require.Zero(t, c.Dropped())
}

func TestNewBusRequiresPublisher(t *testing.T) {
	_, err := NewBus(nil, "")
	require.Error(t, err)
	var b *Bus
	require.Error(t, b.Publish(Event{}))
	require.Equal(t, "", b.Topic())
}
