package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/zerodha/gokiteconnect/v4/models"

	"github.com/tradingapp/tickstream/wire"
)

const publishTimeout = 2 * time.Second

// TickPublisher serializes ticks and publishes each one exactly once to
// its instrument's channel. Failures are logged and dropped so a bad tick
// or a broker hiccup never unwinds into the feed callback.
type TickPublisher struct {
	pub    Publisher
	logger *slog.Logger
}

// NewTickPublisher creates a tick publisher on top of a broker.
func NewTickPublisher(pub Publisher, logger *slog.Logger) *TickPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TickPublisher{pub: pub, logger: logger}
}

// PublishTick publishes one tick. Never returns an error: the caller is
// the upstream feed's tick callback and must keep ingesting.
func (p *TickPublisher) PublishTick(tick models.Tick) {
	payload, err := wire.MarshalTick(tick)
	if err != nil {
		p.logger.Error("Failed to serialize tick", "token", tick.InstrumentToken, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	channel := ChannelName(tick.InstrumentToken)
	if err := p.pub.Publish(ctx, channel, payload); err != nil {
		p.logger.Error("Failed to publish tick", "channel", channel, "error", err)
		return
	}
	p.logger.Debug("Published tick", "channel", channel)
}
