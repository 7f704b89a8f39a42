package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// Redis is the production broker backed by Redis pub/sub.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to Redis at url. If the primary endpoint cannot be
// reached and fallbackAddr is non-empty, one fallback attempt is made
// before giving up with ErrBrokerUnavailable.
func NewRedis(url, fallbackAddr string, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if fallbackAddr == "" {
			return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
		logger.Warn("Redis primary unreachable, trying fallback", "url", url, "fallback", fallbackAddr, "error", err)

		client = redis.NewClient(&redis.Options{Addr: fallbackAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("%w: fallback %s: %v", ErrBrokerUnavailable, fallbackAddr, err)
		}
		logger.Info("Redis connection established on fallback", "addr", fallbackAddr)
	}

	return &Redis{client: client, logger: logger}, nil
}

// Publish sends a payload to a channel.
func (b *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscriber returns a dedicated pub/sub handle. The handle holds no
// channel subscriptions until Subscribe is called.
func (b *Redis) Subscriber() Subscriber {
	return &redisSubscriber{pubsub: b.client.Subscribe(context.Background())}
}

// Close closes the underlying Redis client.
func (b *Redis) Close() error {
	return b.client.Close()
}

// redisSubscriber adapts *redis.PubSub to the Subscriber interface.
type redisSubscriber struct {
	pubsub *redis.PubSub
}

func (s *redisSubscriber) Subscribe(ctx context.Context, channels ...string) error {
	return s.pubsub.Subscribe(ctx, channels...)
}

func (s *redisSubscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	return s.pubsub.Unsubscribe(ctx, channels...)
}

// Get polls for the next message. A timeout is not an error; subscription
// confirmations and pongs are skipped by returning ok=false.
func (s *redisSubscriber) Get(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	msg, err := s.pubsub.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, false, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if m, isMsg := msg.(*redis.Message); isMsg {
		return []byte(m.Payload), true, nil
	}
	return nil, false, nil
}

func (s *redisSubscriber) Close() error {
	return s.pubsub.Close()
}
