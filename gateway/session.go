package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradingapp/tickstream/broker"
	"github.com/tradingapp/tickstream/wire"
)

const writeTimeout = 10 * time.Second

// session is one downstream websocket connection: a reader loop handling
// control messages and a relay loop draining the connection's broker
// subscription. The session owns its broker handle; the registry owns the
// upstream consequences.
type session struct {
	id      string
	conn    *websocket.Conn
	req     *http.Request
	gw      *Handler
	sub     broker.Subscriber
	writeMu chan struct{} // gorilla permits one concurrent writer
	tokens  map[uint32]struct{}
	done    chan struct{}
}

func newSession(id string, conn *websocket.Conn, r *http.Request, gw *Handler) *session {
	s := &session{
		id:      id,
		conn:    conn,
		req:     r,
		gw:      gw,
		sub:     gw.subscribers.Subscriber(),
		writeMu: make(chan struct{}, 1),
		tokens:  make(map[uint32]struct{}),
		done:    make(chan struct{}),
	}
	s.writeMu <- struct{}{}
	return s
}

// run drives the session to completion. Teardown order matters: the relay
// must stop before the broker handle is unsubscribed and closed, and
// registry interest is released last so upstream unsubscribes happen only
// after the broker channels are gone.
func (s *session) run() {
	defer func() {
		s.gw.remove(s.id)
		close(s.done)
	}()

	if err := s.write(wire.NewConnectionEstablished(s.id, "WebSocket connection established")); err != nil {
		s.teardown(nil)
		return
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		s.relay(relayCtx)
	}()

	s.readLoop()

	stopRelay()
	s.teardown(relayDone)
}

func (s *session) teardown(relayDone chan struct{}) {
	if relayDone != nil {
		<-relayDone
	}

	if len(s.tokens) > 0 {
		channels := make([]string, 0, len(s.tokens))
		for token := range s.tokens {
			channels = append(channels, broker.ChannelName(token))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.sub.Unsubscribe(ctx, channels...); err != nil {
			s.gw.logger.Warn("Failed to unsubscribe broker channels", "consumer", s.id, "error", err)
		}
		cancel()
	}

	s.gw.registry.Unsubscribe(s.id, nil)

	if err := s.sub.Close(); err != nil {
		s.gw.logger.Warn("Failed to close broker subscription", "consumer", s.id, "error", err)
	}
	s.conn.Close()
}

func (s *session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.gw.logger.Debug("Read failed", "consumer", s.id, "error", err)
			}
			return
		}

		var req wire.Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeIgnoreErr(wire.NewError(fmt.Sprintf("Invalid message: %v", err)))
			continue
		}

		switch req.Action {
		case wire.ActionSubscribe:
			s.handleSubscribe(req.Tokens)
		case wire.ActionUnsubscribe:
			s.handleUnsubscribe(req.Tokens)
		default:
			s.writeIgnoreErr(wire.NewError(fmt.Sprintf("Unknown action: %s", req.Action)))
		}
	}
}

func (s *session) handleSubscribe(tokens []uint32) {
	if len(tokens) == 0 {
		s.writeIgnoreErr(wire.NewSubscriptionStatus(false, tokens, "No tokens provided"))
		return
	}
	if !s.gw.entitlement.Allowed(s.req, tokens) {
		s.writeIgnoreErr(wire.NewSubscriptionStatus(false, tokens, "Not entitled to requested instruments"))
		return
	}

	// Registry first: upstream coverage must exist before the broker
	// subscription so no published tick can slip past an unbound channel.
	if !s.gw.registry.Subscribe(s.id, tokens) {
		s.writeIgnoreErr(wire.NewSubscriptionStatus(false, tokens, "Subscription failed"))
		return
	}

	channels := make([]string, 0, len(tokens))
	for _, token := range tokens {
		channels = append(channels, broker.ChannelName(token))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err := s.sub.Subscribe(ctx, channels...)
	cancel()
	if err != nil {
		s.gw.logger.Error("Broker channel subscribe failed", "consumer", s.id, "error", err)
		s.gw.registry.Unsubscribe(s.id, tokens)
		s.writeIgnoreErr(wire.NewSubscriptionStatus(false, tokens, "Subscription failed"))
		return
	}

	for _, token := range tokens {
		s.tokens[token] = struct{}{}
	}
	s.writeIgnoreErr(wire.NewSubscriptionStatus(true, tokens, fmt.Sprintf("Subscribed to %d instruments", len(tokens))))
}

func (s *session) handleUnsubscribe(tokens []uint32) {
	targets := tokens
	if len(targets) == 0 {
		targets = make([]uint32, 0, len(s.tokens))
		for token := range s.tokens {
			targets = append(targets, token)
		}
	}

	if len(targets) > 0 {
		// Broker channels first so no tick arrives for a token the
		// registry no longer attributes to this consumer.
		channels := make([]string, 0, len(targets))
		for _, token := range targets {
			channels = append(channels, broker.ChannelName(token))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.sub.Unsubscribe(ctx, channels...); err != nil {
			s.gw.logger.Warn("Broker channel unsubscribe failed", "consumer", s.id, "error", err)
		}
		cancel()

		s.gw.registry.Unsubscribe(s.id, targets)
		for _, token := range targets {
			delete(s.tokens, token)
		}
	}

	s.writeIgnoreErr(wire.NewSubscriptionStatus(true, tokens, fmt.Sprintf("Unsubscribed from %d instruments", len(targets))))
}

// relay drains the session's broker subscription into the websocket until
// ctx is cancelled. Broker payloads are forwarded verbatim inside a tick
// envelope.
func (s *session) relay(ctx context.Context) {
	for {
		payload, ok, err := s.sub.Get(ctx, relayPollTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.gw.logger.Warn("Relay receive failed", "consumer", s.id, "error", err)
			if !sleepCtx(ctx, relayErrorPause) {
				return
			}
			continue
		}
		if !ok {
			if !sleepCtx(ctx, relayIdlePause) {
				return
			}
			continue
		}

		if err := s.write(wire.NewTickEnvelope(payload)); err != nil {
			return
		}
	}
}

func (s *session) write(v any) error {
	<-s.writeMu
	defer func() { s.writeMu <- struct{}{} }()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *session) writeIgnoreErr(v any) {
	if err := s.write(v); err != nil {
		s.gw.logger.Debug("Write failed", "consumer", s.id, "error", err)
	}
}

// close sends a close frame; the reader loop observes the peer's response
// or the dropped connection and triggers teardown.
func (s *session) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	<-s.writeMu
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	s.conn.WriteMessage(websocket.CloseMessage, msg)
	s.writeMu <- struct{}{}
	s.conn.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
