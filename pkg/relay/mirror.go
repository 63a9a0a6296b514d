package relay

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/completion"
)

// MirrorSink delivers to next and then queues a copy of the event for
// publishing on the client's offloader. Publishing never runs on the delivery
// path; publish failures and queue overflows are logged and never fail the
// delivery.
type MirrorSink struct {
	next  completion.Sink
	pub   message.Publisher
	topic string
	queue *Offloader
	log   zerolog.Logger
}

var _ completion.Sink = (*MirrorSink)(nil)

func NewMirrorSink(next completion.Sink, pub message.Publisher, topic string, queue *Offloader) *MirrorSink {
	return &MirrorSink{
		next:  next,
		pub:   pub,
		topic: topic,
		queue: queue,
		log:   log.With().Str("component", "relay").Str("topic", topic).Logger(),
	}
}

func (m *MirrorSink) Send(ctx context.Context, ev completion.Event) error {
	if err := m.next.Send(ctx, ev); err != nil {
		return err
	}
	m.mirror(ev)
	return nil
}

func (m *MirrorSink) mirror(ev completion.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.log.Warn().Err(err).Msg("mirror marshal failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_id", ev.SessionID)
	msg.Metadata.Set("message_id", ev.MessageID)
	msg.Metadata.Set("status", string(ev.Status))
	m.queue.Submit("mirror", func() {
		if err := m.pub.Publish(m.topic, msg); err != nil {
			m.log.Warn().Err(err).Str("session_id", ev.SessionID).Msg("mirror publish failed")
		}
	})
}
