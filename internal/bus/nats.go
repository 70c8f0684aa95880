// NATS JetStream implementation of the Bus. One stream holds all
// conversation events, with one subject per conversation, so several gateway
// instances can each fan events out to their locally connected sessions.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const subjectPrefix = "conv"

// NATSBus bridges conversation events across gateway instances.
type NATSBus struct {
	nc *nats.Conn
	js jetstream.JetStream

	stream string
}

// NewNATSBus connects to NATS, ensures the event stream exists, and returns
// the bus.
func NewNATSBus(url, streamName string) (*NATSBus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := js.Stream(ctx, streamName); err != nil {
		cfg := jetstream.StreamConfig{
			Name:        streamName,
			Description: "Conversation events (originals, translations, status)",
			Subjects:    []string{fmt.Sprintf("%s.*", subjectPrefix)},
			MaxAge:      24 * time.Hour,
			Storage:     jetstream.FileStorage,
		}
		if _, err := js.CreateStream(ctx, cfg); err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %q: %w", streamName, err)
		}
		log.Info().Str("stream", streamName).Msg("created jetstream event stream")
	}

	return &NATSBus{nc: nc, js: js, stream: streamName}, nil
}

func subject(conversationID string) string {
	return fmt.Sprintf("%s.%s", subjectPrefix, conversationID)
}

// Publish marshals the event and publishes it on the conversation's subject.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := b.js.Publish(ctx, subject(ev.ConversationID), data); err != nil {
		return fmt.Errorf("publish to %q: %w", subject(ev.ConversationID), err)
	}
	return nil
}

// Subscribe creates an ephemeral consumer on the conversation's subject and
// feeds decoded events to h. New subscribers only see events published after
// they attach; history is served from the database, not the stream.
func (b *NATSBus) Subscribe(ctx context.Context, conversationID string, h Handler) (func(), error) {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.stream, jetstream.ConsumerConfig{
		FilterSubject: subject(conversationID),
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckNonePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %q: %w", subject(conversationID), err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject()).Msg("drop undecodable bus event")
			return
		}
		h(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", subject(conversationID), err)
	}

	return cc.Stop, nil
}

// Close drains the NATS connection.
func (b *NATSBus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}
