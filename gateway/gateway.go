// Package gateway terminates downstream websocket connections. Each
// connection gets a consumer id, a dedicated broker subscription handle,
// and a relay goroutine; control messages mutate the shared subscription
// registry.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tradingapp/tickstream/broker"
)

// Registry is the subscription registry surface the gateway mutates.
type Registry interface {
	Subscribe(consumerID string, tokens []uint32) bool
	Unsubscribe(consumerID string, tokens []uint32) bool
}

// Entitlement decides whether a consumer may stream a set of tokens.
// The default allows everything.
type Entitlement interface {
	Allowed(r *http.Request, tokens []uint32) bool
}

type allowAll struct{}

func (allowAll) Allowed(*http.Request, []uint32) bool { return true }

// Stats summarizes gateway state for the status endpoint.
type Stats struct {
	Connections int `json:"connections"`
}

// Handler upgrades HTTP requests to websocket sessions.
type Handler struct {
	registry    Registry
	subscribers broker.SubscriberSource
	entitlement Entitlement
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// Config holds gateway dependencies.
type Config struct {
	Registry    Registry
	Subscribers broker.SubscriberSource
	Entitlement Entitlement // optional, defaults to allow-all
	Logger      *slog.Logger
}

// New creates a gateway handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ent := cfg.Entitlement
	if ent == nil {
		ent = allowAll{}
	}
	return &Handler{
		registry:    cfg.Registry,
		subscribers: cfg.Subscribers,
		entitlement: ent,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; entitlement
			// checks happen per subscribe request.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// ServeHTTP upgrades the connection and runs the session until the client
// disconnects or the gateway shuts down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	consumerID := uuid.NewString()
	s := newSession(consumerID, conn, r, h)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.sessions[consumerID] = s
	h.mu.Unlock()

	h.logger.Info("Client connected", "consumer", consumerID, "remote", r.RemoteAddr)
	s.run()
	h.logger.Info("Client disconnected", "consumer", consumerID)
}

func (h *Handler) remove(consumerID string) {
	h.mu.Lock()
	delete(h.sessions, consumerID)
	h.mu.Unlock()
}

// Stats returns the live connection count.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Connections: len(h.sessions)}
}

// Shutdown closes every live session and waits for their teardown, bounded
// by ctx.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	live := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	for _, s := range live {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		for _, s := range live {
			<-s.done
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// relay polling knobs. Short broker poll plus a small sleep keeps teardown
// latency low without spinning.
const (
	relayPollTimeout = 50 * time.Millisecond
	relayIdlePause   = 10 * time.Millisecond
	relayErrorPause  = 100 * time.Millisecond
)
