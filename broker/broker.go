// Package broker wraps the pub/sub layer that decouples tick ingestion
// from downstream delivery. One publish per tick fans out to every
// connected subscriber of that instrument's channel.
package broker

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrBrokerUnavailable indicates the pub/sub infrastructure could not be
// reached, including the fallback endpoint.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// channelPrefix namespaces tick channels in the broker.
const channelPrefix = "tick:"

// ChannelName returns the broker channel for an instrument token.
func ChannelName(token uint32) string {
	return channelPrefix + strconv.FormatUint(uint64(token), 10)
}

// Publisher publishes a payload to a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber is a dedicated pub/sub handle owned by one downstream
// connection. Get polls with a short timeout so the owning relay loop can
// observe cancellation promptly.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Get(ctx context.Context, timeout time.Duration) (payload []byte, ok bool, err error)
	Close() error
}

// SubscriberSource hands out per-connection subscriber handles.
type SubscriberSource interface {
	Subscriber() Subscriber
}
