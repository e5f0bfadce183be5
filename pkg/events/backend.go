package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/modechat/pkg/logging"
	"github.com/go-go-golems/modechat/pkg/redisstream"
)

// Backend wraps transport setup (in-memory or Redis Streams) and builds
// publishers and subscribers for the event topic.
type Backend interface {
	Publisher() message.Publisher
	// BuildSubscriber returns a subscriber for a named consumer. owned is true
	// when the caller must close it.
	BuildSubscriber(ctx context.Context, topic, consumer string) (sub message.Subscriber, owned bool, err error)
	Close() error
}

// NewBackend returns a Redis Streams backend when s.Enabled, otherwise an
// in-process go channel.
func NewBackend(ctx context.Context, s redisstream.Settings) (Backend, error) {
	if !s.Enabled {
		return NewInMemoryBackend(), nil
	}
	s = s.WithDefaults()
	client := redisstream.NewClient(s)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "event backend: ping redis")
	}
	pub, err := redisstream.BuildPublisher(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Info().Str("component", "events").Str("addr", s.Addr).Msg("using redis streams event transport")
	return &redisBackend{client: client, pub: pub, settings: s}, nil
}

type inMemoryBackend struct {
	ch *gochannel.GoChannel
}

// NewInMemoryBackend publishes through a go channel. Publish blocks until
// every subscriber acked, which keeps per-topic order.
func NewInMemoryBackend() Backend {
	return &inMemoryBackend{
		ch: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, logging.NewWatermill(log.Logger)),
	}
}

func (b *inMemoryBackend) Publisher() message.Publisher {
	return b.ch
}

func (b *inMemoryBackend) BuildSubscriber(_ context.Context, _ string, _ string) (message.Subscriber, bool, error) {
	return b.ch, false, nil
}

func (b *inMemoryBackend) Close() error {
	return b.ch.Close()
}

type redisBackend struct {
	client   *redis.Client
	pub      message.Publisher
	settings redisstream.Settings
}

func (b *redisBackend) Publisher() message.Publisher {
	return b.pub
}

func (b *redisBackend) BuildSubscriber(ctx context.Context, topic, consumer string) (message.Subscriber, bool, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	group := b.settings.Group + ":" + consumer
	if err := redisstream.EnsureGroupAtTail(ctx, b.client, topic, group); err != nil {
		return nil, false, err
	}
	sub, err := redisstream.BuildGroupSubscriber(b.client, group, b.settings.Consumer)
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

func (b *redisBackend) Close() error {
	var first error
	if err := b.pub.Close(); err != nil {
		first = errors.Wrap(err, "close redis publisher")
	}
	if err := b.client.Close(); err != nil && first == nil {
		first = errors.Wrap(err, "close redis client")
	}
	return first
}
