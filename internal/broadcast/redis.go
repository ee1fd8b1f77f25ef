package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/home-dispatch/internal/logging"
)

type envelope struct {
	Group Group `json:"group"`
	Event Event `json:"event"`
}

// RedisPublisher sends events over a Redis pub/sub channel so every instance
// running a RedisRelay delivers them to its local subscribers.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, group Group, ev Event) error {
	b, err := json.Marshal(envelope{Group: group, Event: ev})
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, b).Err()
}

type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	local   *Hub
	logger  *slog.Logger
}

func NewRedisRelay(client redis.UniversalClient, channel string, local *Hub, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, local: local, logger: logging.OrDefault(logger)}
}

// Run relays until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("relay_decode_failed", "error", err)
				continue
			}
			_ = r.local.Publish(ctx, env.Group, env.Event)
		}
	}
}
