package streams

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/common"
	"github.com/beam-cloud/playground/pkg/types"
)

const relayRetryInterval = time.Second

// RedisRelay carries run events between gateway replicas over redis pub/sub.
// Each relay tags what it publishes with its origin and ignores its own
// messages on the way back, since the local broker already has them.
type RedisRelay struct {
	rdb       *common.RedisClient
	channel   string
	origin    string
	ready     chan struct{}
	readyOnce sync.Once
}

type relayMessage struct {
	Origin string            `json:"origin"`
	Event  types.StreamEvent `json:"event"`
}

func NewRedisRelay(rdb *common.RedisClient, channel string) *RedisRelay {
	if channel == "" {
		channel = common.Keys.RunEvents()
	}
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		origin:  common.GenerateSessionID(),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the first subscription is established.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

func (r *RedisRelay) Publish(ctx context.Context, event types.StreamEvent) error {
	data, err := json.Marshal(relayMessage{Origin: r.origin, Event: event})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, data).Err()
}

// Run subscribes to the relay channel and passes each event to deliver until
// ctx is cancelled. Dropped subscriptions are re-established.
func (r *RedisRelay) Run(ctx context.Context, deliver func(types.StreamEvent)) {
	log.Info().Str("channel", r.channel).Msg("stream relay started")

	for {
		if ctx.Err() != nil {
			return
		}

		// Subscribe confirms the subscription before returning, so a
		// failure is already waiting on errs.
		msgs, errs := r.rdb.Subscribe(ctx, r.channel)
		select {
		case err := <-errs:
			log.Warn().Err(err).Str("channel", r.channel).Msg("stream relay subscribe failed")
		default:
			r.readyOnce.Do(func() { close(r.ready) })
			r.recv(ctx, msgs, errs, deliver)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(relayRetryInterval):
		}
	}
}

func (r *RedisRelay) recv(ctx context.Context, msgs <-chan *redis.Message, errs <-chan error, deliver func(types.StreamEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			log.Warn().Err(err).Str("channel", r.channel).Msg("stream relay subscription lost")
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var m relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				log.Warn().Err(err).Msg("invalid relay payload")
				continue
			}
			if m.Origin == r.origin {
				continue
			}
			deliver(m.Event)
		}
	}
}
