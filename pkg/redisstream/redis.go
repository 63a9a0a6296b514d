package redisstream

import (
	"context"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/geppetto/pkg/helpers"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Publisher is a watermill publisher that owns its redis client.
type Publisher struct {
	message.Publisher
	client *redis.Client
}

func (p *Publisher) Close() error {
	err := p.Publisher.Close()
	if cerr := p.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// BuildPublisher returns a Redis Streams publisher, or nil when s is disabled.
func BuildPublisher(s Settings) (*Publisher, error) {
	if !s.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, helpers.NewWatermill(log.Logger))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	return &Publisher{Publisher: pub, client: client}, nil
}

// Subscriber is a watermill subscriber that owns its redis client.
type Subscriber struct {
	message.Subscriber
	client *redis.Client
}

func (s *Subscriber) Close() error {
	err := s.Subscriber.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// BuildGroupSubscriber returns a subscriber reading as consumer within group.
func BuildGroupSubscriber(addr, group, consumer string) (*Subscriber, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, helpers.NewWatermill(log.Logger))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream subscriber")
	}
	return &Subscriber{Subscriber: sub, client: client}, nil
}

// EnsureGroupAtTail creates group on stream starting at "$", so a new tail only
// sees events published after it started. An existing group is left alone.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() {
		_ = client.Close()
	}()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("consumer group created")
	return nil
}
