package ui

import (
	"context"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"github.com/go-go-golems/modechat/pkg/events"
)

// EventMsg carries one router event into the bubbletea loop.
type EventMsg struct {
	Event events.Event
}

// Bridge subscribes to the event topic and hands events to the program as
// tea messages, in per-mode order.
type Bridge struct {
	coord *events.Coordinator
	ch    chan tea.Msg
	done  chan struct{}

	closeOnce sync.Once
}

func NewBridge(ctx context.Context, backend events.Backend, topic string, buffer int) (*Bridge, error) {
	if backend == nil {
		return nil, errors.New("ui bridge: backend is nil")
	}
	if buffer <= 0 {
		buffer = 256
	}
	sub, owned, err := backend.BuildSubscriber(ctx, topic, "tui")
	if err != nil {
		return nil, errors.Wrap(err, "ui bridge: build subscriber")
	}
	b := &Bridge{
		ch:   make(chan tea.Msg, buffer),
		done: make(chan struct{}),
	}
	b.coord = events.NewCoordinator("tui", topic, sub, owned, b.push)
	return b, nil
}

func (b *Bridge) push(ev events.Event) {
	select {
	case b.ch <- EventMsg{Event: ev}:
	case <-b.done:
	}
}

func (b *Bridge) Start(ctx context.Context) error {
	if b == nil {
		return nil
	}
	return b.coord.Start(ctx)
}

func (b *Bridge) Messages() <-chan tea.Msg {
	if b == nil {
		return nil
	}
	return b.ch
}

// Close stops the subscription and closes the message channel.
func (b *Bridge) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		close(b.done)
		b.coord.Close()
		close(b.ch)
	})
}

func waitForUIEvent(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return e
	}
}
