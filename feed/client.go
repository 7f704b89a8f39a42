// Package feed maintains the single authenticated streaming session to the
// market-data vendor. It translates vendor push events into published
// ticks and re-establishes upstream subscriptions after reconnects.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
	"golang.org/x/time/rate"
)

// Resubscription after a reconnect is sent in batches so large token sets
// stay within vendor message limits.
const resubscribeBatchSize = 500

// CredentialSource supplies the currently active vendor credentials.
type CredentialSource interface {
	GetActive() (apiKey, accessToken string, ok bool)
}

// Interest is the registry surface consulted on every tick and reconnect.
type Interest interface {
	ActiveTokens() []uint32
	HasInterest(token uint32) bool
}

// TickSink receives ticks that passed the interest check.
type TickSink interface {
	PublishTick(tick models.Tick)
}

// Conn is the subset of the vendor streaming session the client drives.
// The production implementation is *kiteticker.Ticker.
type Conn interface {
	OnConnect(f func())
	OnTick(f func(tick models.Tick))
	OnError(f func(err error))
	OnClose(f func(code int, reason string))
	OnReconnect(f func(attempt int, delay time.Duration))
	OnNoReconnect(f func(attempt int))
	Subscribe(tokens []uint32) error
	Unsubscribe(tokens []uint32) error
	SetMode(mode kiteticker.Mode, tokens []uint32) error
	ServeWithContext(ctx context.Context)
}

// Dialer builds a vendor session from credentials.
type Dialer func(apiKey, accessToken string) Conn

// kiteDialer is the production dialer. Transport-level reconnection and
// backoff are delegated to the vendor SDK.
func kiteDialer(apiKey, accessToken string) Conn {
	t := kiteticker.New(apiKey, accessToken)
	t.SetAutoReconnect(true)
	t.SetReconnectMaxRetries(300)
	return t
}

// Config holds dependencies for a feed Client.
type Config struct {
	Credentials CredentialSource
	Interest    Interest
	Sink        TickSink
	Logger      *slog.Logger
	Dial        Dialer // optional, defaults to the vendor SDK
}

// Client owns at most one vendor streaming session per process. Only the
// subscription registry's mutation path calls Subscribe/Unsubscribe/
// EnsureConnected; tick and lifecycle callbacks arrive on the vendor
// transport's goroutine.
type Client struct {
	creds        CredentialSource
	interest     Interest
	sink         TickSink
	logger       *slog.Logger
	dial         Dialer
	resubLimiter *rate.Limiter

	mu            sync.Mutex
	conn          Conn
	cancel        context.CancelFunc
	running       bool
	connected     bool
	lastConnected time.Time
}

// New creates a feed client. No session is opened until Connect or the
// first EnsureConnected.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := cfg.Dial
	if dial == nil {
		dial = kiteDialer
	}
	return &Client{
		creds:        cfg.Credentials,
		interest:     cfg.Interest,
		sink:         cfg.Sink,
		logger:       logger,
		dial:         dial,
		resubLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
}

// Connect establishes a vendor session using the active credentials.
// Idempotent: an existing session is torn down first.
func (c *Client) Connect() error {
	apiKey, accessToken, ok := c.creds.GetActive()
	if !ok {
		return ErrNoCredentials
	}

	conn := c.dial(apiKey, accessToken)
	if conn == nil {
		return ErrUpstreamUnavailable
	}

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.teardownLocked()
	c.conn = conn
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	conn.OnConnect(func() { c.handleConnect(ctx, conn) })
	conn.OnTick(c.handleTick)
	conn.OnError(func(err error) {
		c.logger.Error("Upstream feed error", "error", err)
	})
	conn.OnClose(func(code int, reason string) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.logger.Warn("Upstream feed closed", "code", code, "reason", reason)
	})
	conn.OnReconnect(func(attempt int, delay time.Duration) {
		c.logger.Info("Upstream feed reconnecting", "attempt", attempt, "delay", delay)
	})
	conn.OnNoReconnect(func(attempt int) {
		c.logger.Warn("Upstream feed gave up reconnecting", "attempts", attempt)
		c.mu.Lock()
		c.teardownLocked()
		c.mu.Unlock()
	})

	go func() {
		c.logger.Info("Starting upstream feed")
		conn.ServeWithContext(ctx)
		c.logger.Info("Upstream feed serve exited")
	}()

	return nil
}

// EnsureConnected opens a session if none is running. Callers serialize
// through the registry lock.
func (c *Client) EnsureConnected() error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		return nil
	}
	return c.Connect()
}

// Disconnect tears the session down. Best-effort; always succeeds.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()
	c.logger.Info("Upstream feed disconnected")
}

// teardownLocked cancels the serve loop and clears connection state.
// Caller holds c.mu.
func (c *Client) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.conn = nil
	c.running = false
	c.connected = false
}

// Subscribe adds tokens to the vendor session in full-depth mode. When the
// transport is still handshaking the call is a no-op: interest is already
// recorded in the registry and the connect callback resubscribes it.
func (c *Client) Subscribe(tokens []uint32) error {
	conn, connected, err := c.session()
	if err != nil {
		return err
	}
	if !connected {
		return nil
	}
	if err := conn.Subscribe(tokens); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := conn.SetMode(kiteticker.ModeFull, tokens); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	return nil
}

// Unsubscribe removes tokens from the vendor session.
func (c *Client) Unsubscribe(tokens []uint32) error {
	conn, connected, err := c.session()
	if err != nil {
		return err
	}
	if !connected {
		return nil
	}
	if err := conn.Unsubscribe(tokens); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

func (c *Client) session() (Conn, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.conn == nil {
		return nil, false, ErrUpstreamUnavailable
	}
	return c.conn, c.connected, nil
}

// handleConnect marks the session live and re-establishes the upstream
// subscription for every token currently in the registry. Runs on the
// vendor transport's goroutine for both the initial connect and every
// reconnect after a transport drop.
func (c *Client) handleConnect(ctx context.Context, conn Conn) {
	c.mu.Lock()
	c.connected = true
	c.lastConnected = time.Now()
	c.mu.Unlock()
	c.logger.Info("Upstream feed connected")

	tokens := c.interest.ActiveTokens()
	if len(tokens) == 0 {
		return
	}

	c.logger.Info("Resubscribing active tokens", "count", len(tokens))
	for start := 0; start < len(tokens); start += resubscribeBatchSize {
		batch := tokens[start:min(start+resubscribeBatchSize, len(tokens))]
		if err := c.resubLimiter.Wait(ctx); err != nil {
			return
		}
		if err := conn.Subscribe(batch); err != nil {
			c.logger.Error("Failed to resubscribe on connect", "tokens", len(batch), "error", err)
			continue
		}
		if err := conn.SetMode(kiteticker.ModeFull, batch); err != nil {
			c.logger.Error("Failed to restore mode on connect", "tokens", len(batch), "error", err)
		}
	}
}

// handleTick is the ingestion fast path. Tokens with no interested
// consumers cost one registry lookup; everything else is handed to the
// sink, which contains its own failures.
func (c *Client) handleTick(tick models.Tick) {
	if !c.interest.HasInterest(tick.InstrumentToken) {
		return
	}
	c.sink.PublishTick(tick)
}

// Status is a snapshot of the upstream connection state.
type Status struct {
	Running       bool      `json:"running"`
	Connected     bool      `json:"connected"`
	LastConnected time.Time `json:"last_connected,omitzero"`
	ActiveTokens  int       `json:"active_tokens"`
}

// Status reports the current connection state and registry token count.
func (c *Client) Status() Status {
	c.mu.Lock()
	s := Status{
		Running:       c.running,
		Connected:     c.connected,
		LastConnected: c.lastConnected,
	}
	c.mu.Unlock()
	s.ActiveTokens = len(c.interest.ActiveTokens())
	return s
}
