package common

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/types"
)

type RedisClient struct {
	redis.UniversalClient
}

func WithClientName(name string) func(*redis.UniversalOptions) {
	return func(opts *redis.UniversalOptions) {
		opts.ClientName = name
	}
}

func NewRedisClient(config types.RedisConfig, options ...func(*redis.UniversalOptions)) (*RedisClient, error) {
	if len(config.Addrs) == 0 {
		return nil, fmt.Errorf("redis: no addresses configured")
	}

	opts := &redis.UniversalOptions{
		Addrs:           config.Addrs,
		Username:        config.Username,
		Password:        config.Password,
		ClientName:      config.ClientName,
		PoolSize:        config.PoolSize,
		MinIdleConns:    config.MinIdleConns,
		MaxIdleConns:    config.MaxIdleConns,
		ConnMaxIdleTime: config.ConnMaxIdleTime,
		ConnMaxLifetime: config.ConnMaxLifetime,
		DialTimeout:     config.DialTimeout,
		ReadTimeout:     config.ReadTimeout,
		WriteTimeout:    config.WriteTimeout,
		MaxRedirects:    config.MaxRedirects,
		MaxRetries:      config.MaxRetries,
		RouteByLatency:  config.RouteByLatency,
	}
	for _, opt := range options {
		opt(opts)
	}
	if config.EnableTLS {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: config.InsecureSkipVerify}
	}

	var client redis.UniversalClient
	if config.Mode == types.RedisModeCluster {
		client = redis.NewClusterClient(opts.Cluster())
	} else {
		client = redis.NewClient(opts.Simple())
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisClient{UniversalClient: client}, nil
}

// Subscribe returns a message channel that stays open until ctx is done or the
// subscription breaks; the error channel receives the reason for a break.
func (r *RedisClient) Subscribe(ctx context.Context, channels ...string) (<-chan *redis.Message, <-chan error) {
	out := make(chan *redis.Message)
	errs := make(chan error, 1)

	pubsub := r.UniversalClient.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		errs <- err
		close(out)
		return out, errs
	}

	go func() {
		defer close(out)
		defer pubsub.Close()

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					errs <- fmt.Errorf("redis: subscription to %v closed", channels)
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	log.Debug().Strs("channels", channels).Msg("redis subscription established")
	return out, errs
}
