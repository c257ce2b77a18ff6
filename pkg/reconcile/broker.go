package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NATSChannel publishes messages on a NATS subject.
type NATSChannel struct {
	Conn    *nats.Conn
	Subject string
}

func (c NATSChannel) Notify(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.Conn.Publish(subject(c.Subject), data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return c.Conn.FlushWithContext(ctx)
}

// RedisChannel publishes messages on a Redis pub/sub channel.
type RedisChannel struct {
	Client  redis.UniversalClient
	Channel string
}

func (c RedisChannel) Notify(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.Client.Publish(ctx, subject(c.Channel), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	return nil
}

func subject(s string) string {
	if s == "" {
		return DefaultSubject
	}
	return s
}

// decode hands a raw message to handler, logging what cannot be handled.
func decode(ctx context.Context, logger zerolog.Logger, data []byte, handler Channel) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn().Err(err).Msg("Dropping malformed message")
		return
	}
	if err := handler.Notify(ctx, msg); err != nil {
		logger.Error().Err(err).Str("url", msg.URL).Str("method", msg.Method).Msg("Could not handle message")
	}
}

// SubscribeNATS hands every message published on subj to handler.
func SubscribeNATS(conn *nats.Conn, subj string, handler Channel, logger *zerolog.Logger) (*nats.Subscription, error) {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	l = l.With().Str("subject", subject(subj)).Logger()
	return conn.Subscribe(subject(subj), func(m *nats.Msg) {
		decode(context.Background(), l, m.Data, handler)
	})
}

// SubscribeRedis hands every message published on channel to handler until ctx is done.
func SubscribeRedis(ctx context.Context, client redis.UniversalClient, channel string, handler Channel, logger *zerolog.Logger) error {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	l = l.With().Str("channel", subject(channel)).Logger()

	sub := client.Subscribe(ctx, subject(channel))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to Redis: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			decode(ctx, l, []byte(m.Payload), handler)
		}
	}
}
