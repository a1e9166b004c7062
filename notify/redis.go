package notify

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// DefaultRedisChannel is the pub/sub channel events are relayed on
const DefaultRedisChannel = "cadence:events"

// RedisRelay shares events between cadence processes through Redis pub/sub.
// Each process stamps its events with its origin id and ignores its own
// events when they come back from the channel.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	origin  string
	hub     *Hub
	logger  *zap.SugaredLogger
}

// NewRedisRelay creates a relay that re-broadcasts foreign events into hub
func NewRedisRelay(client redis.UniversalClient, channel string, hub *Hub, log *zap.SugaredLogger) *RedisRelay {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     hub,
		logger:  log.Named("relay"),
	}
}

// DialRedis connects to addr and verifies the connection
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		err = errors.Wrap(err, "failed to connect to redis")
		return nil, errors.WithDetailf(err, "Address: %s", addr)
	}
	return client, nil
}

// Origin returns the id stamped on events from this process
func (r *RedisRelay) Origin() string {
	return r.origin
}

// Forward implements Relay
func (r *RedisRelay) Forward(ctx context.Context, ev Event) error {
	if ev.Origin == "" {
		ev.Origin = r.origin
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return errors.Wrap(err, "failed to publish event")
	}
	return nil
}

// Run subscribes to the channel and broadcasts foreign events until ctx is done
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "failed to subscribe to event channel")
	}
	r.logger.Infow("Relaying events", "channel", r.channel, "origin", r.origin)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

// handle decodes one relayed payload and broadcasts it when it came from another process
func (r *RedisRelay) handle(payload string) bool {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warnw("Dropping undecodable relayed event", logger.FieldError, err)
		return false
	}
	if ev.Origin == r.origin {
		return false
	}
	r.hub.Broadcast(ev)
	return true
}

// Close releases the redis client
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
