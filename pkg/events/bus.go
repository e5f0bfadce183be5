package events

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultTopic carries every router event.
const DefaultTopic = "modechat.events"

// Bus publishes events as JSON watermill messages.
type Bus struct {
	pub   message.Publisher
	topic string
}

var _ Sink = &Bus{}

func NewBus(pub message.Publisher, topic string) (*Bus, error) {
	if pub == nil {
		return nil, errors.New("event bus: publisher is nil")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Bus{pub: pub, topic: topic}, nil
}

func (b *Bus) Topic() string {
	if b == nil {
		return ""
	}
	return b.topic
}

func (b *Bus) Publish(e Event) error {
	if b == nil {
		return errors.New("event bus: nil bus")
	}
	payload, err := e.Marshal()
	if err != nil {
		return errors.Wrap(err, "event bus: marshal")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("mode_id", e.ModeID)
	msg.Metadata.Set("seq", strconv.FormatUint(e.Seq, 10))
	msg.Metadata.Set("type", string(e.Type))
	if err := b.pub.Publish(b.topic, msg); err != nil {
		return errors.Wrap(err, "event bus: publish")
	}
	return nil
}
