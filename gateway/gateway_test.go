package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingapp/tickstream/broker"
	"github.com/tradingapp/tickstream/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRegistry records subscribe/unsubscribe calls and answers with a
// configurable verdict.
type fakeRegistry struct {
	mu         sync.Mutex
	subCalls   []registryCall
	unsubCalls []registryCall
	reject     bool
}

type registryCall struct {
	consumer string
	tokens   []uint32
}

func (f *fakeRegistry) Subscribe(consumerID string, tokens []uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.subCalls = append(f.subCalls, registryCall{consumerID, append([]uint32(nil), tokens...)})
	return true
}

func (f *fakeRegistry) Unsubscribe(consumerID string, tokens []uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubCalls = append(f.unsubCalls, registryCall{consumerID, append([]uint32(nil), tokens...)})
	return true
}

func (f *fakeRegistry) subscribes() []registryCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registryCall(nil), f.subCalls...)
}

func (f *fakeRegistry) unsubscribes() []registryCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registryCall(nil), f.unsubCalls...)
}

// fakeSubscriber is an in-memory broker handle. Tests push payloads with
// deliver; Get drains them the way the redis handle would.
type fakeSubscriber struct {
	mu       sync.Mutex
	channels map[string]struct{}
	msgs     chan []byte
	closed   bool
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		channels: make(map[string]struct{}),
		msgs:     make(chan []byte, 64),
	}
}

func (f *fakeSubscriber) Subscribe(_ context.Context, channels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range channels {
		f.channels[ch] = struct{}{}
	}
	return nil
}

func (f *fakeSubscriber) Unsubscribe(_ context.Context, channels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range channels {
		delete(f.channels, ch)
	}
	return nil
}

func (f *fakeSubscriber) Get(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case payload := <-f.msgs:
		return payload, true, nil
	case <-t.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSubscriber) deliver(payload []byte) {
	f.msgs <- payload
}

func (f *fakeSubscriber) subscribedChannels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.channels))
	for ch := range f.channels {
		out = append(out, ch)
	}
	return out
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSubscriberSource struct {
	mu     sync.Mutex
	handed []*fakeSubscriber
}

func (f *fakeSubscriberSource) Subscriber() broker.Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := newFakeSubscriber()
	f.handed = append(f.handed, sub)
	return sub
}

func (f *fakeSubscriberSource) last() *fakeSubscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handed) == 0 {
		panic("no subscriber handed out")
	}
	return f.handed[len(f.handed)-1]
}

type gatewayFixture struct {
	handler  *Handler
	registry *fakeRegistry
	source   *fakeSubscriberSource
	server   *httptest.Server
}

func newFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		registry: &fakeRegistry{},
		source:   &fakeSubscriberSource{},
	}
	f.handler = New(Config{
		Registry:    f.registry,
		Subscribers: f.source,
		Logger:      testLogger(),
	})
	f.server = httptest.NewServer(f.handler)
	t.Cleanup(f.server.Close)
	return f
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// handshake dials and consumes the connection_established greeting.
func (f *gatewayFixture) handshake(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	conn := f.dial(t)
	greeting := readMessage(t, conn)
	require.Equal(t, wire.TypeConnectionEstablished, greeting["type"])
	consumerID, _ := greeting["consumer_id"].(string)
	require.NotEmpty(t, consumerID)
	return conn, consumerID
}

func sendRequest(t *testing.T, conn *websocket.Conn, action string, tokens []uint32) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(wire.Request{Action: action, Tokens: tokens}))
}

func waitForSessionEnd(t *testing.T, f *gatewayFixture) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.handler.Stats().Connections == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionEstablishedGreeting(t *testing.T) {
	f := newFixture(t)
	conn, consumerID := f.handshake(t)
	defer conn.Close()

	assert.NotEmpty(t, consumerID)
	assert.Equal(t, 1, f.handler.Stats().Connections)
}

func TestSubscribeFlow(t *testing.T) {
	f := newFixture(t)
	conn, consumerID := f.handshake(t)

	sendRequest(t, conn, wire.ActionSubscribe, []uint32{101, 202})

	ack := readMessage(t, conn)
	assert.Equal(t, wire.TypeSubscriptionStatus, ack["type"])
	assert.Equal(t, true, ack["success"])

	subs := f.registry.subscribes()
	require.Len(t, subs, 1)
	assert.Equal(t, consumerID, subs[0].consumer)
	assert.Equal(t, []uint32{101, 202}, subs[0].tokens)

	assert.ElementsMatch(t, []string{"tick:101", "tick:202"}, f.source.last().subscribedChannels())
}

func TestSubscribeWithNoTokens(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.handshake(t)

	sendRequest(t, conn, wire.ActionSubscribe, nil)

	ack := readMessage(t, conn)
	assert.Equal(t, wire.TypeSubscriptionStatus, ack["type"])
	assert.Equal(t, false, ack["success"])
	assert.Empty(t, f.registry.subscribes(), "empty requests never reach the registry")
}

func TestSubscribeRegistryRejection(t *testing.T) {
	f := newFixture(t)
	f.registry.reject = true
	conn, _ := f.handshake(t)

	sendRequest(t, conn, wire.ActionSubscribe, []uint32{101})

	ack := readMessage(t, conn)
	assert.Equal(t, false, ack["success"])
	assert.Empty(t, f.source.last().subscribedChannels(), "no broker channel without registry coverage")
}

func TestUnknownAction(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.handshake(t)

	sendRequest(t, conn, "ping", nil)

	msg := readMessage(t, conn)
	assert.Equal(t, wire.TypeError, msg["type"])
	assert.Equal(t, "Unknown action: ping", msg["message"])
}

func TestMalformedMessage(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.handshake(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	msg := readMessage(t, conn)
	assert.Equal(t, wire.TypeError, msg["type"])
	assert.Contains(t, msg["message"], "Invalid message")
}

func TestTickRelay(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.handshake(t)

	sendRequest(t, conn, wire.ActionSubscribe, []uint32{101})
	readMessage(t, conn) // ack

	payload := []byte(`{"instrument_token":101,"last_price":42.5}`)
	f.source.last().deliver(payload)

	msg := readMessage(t, conn)
	assert.Equal(t, wire.TypeTick, msg["type"])

	data, err := json.Marshal(msg["data"])
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(data))
}

func TestUnsubscribeFlow(t *testing.T) {
	f := newFixture(t)
	conn, consumerID := f.handshake(t)

	sendRequest(t, conn, wire.ActionSubscribe, []uint32{101, 202})
	readMessage(t, conn)

	sendRequest(t, conn, wire.ActionUnsubscribe, []uint32{101})
	ack := readMessage(t, conn)
	assert.Equal(t, true, ack["success"])

	unsubs := f.registry.unsubscribes()
	require.Len(t, unsubs, 1)
	assert.Equal(t, consumerID, unsubs[0].consumer)
	assert.Equal(t, []uint32{101}, unsubs[0].tokens)

	assert.ElementsMatch(t, []string{"tick:202"}, f.source.last().subscribedChannels())
}

func TestUnsubscribeAllWithEmptyTokens(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.handshake(t)

	sendRequest(t, conn, wire.ActionSubscribe, []uint32{101, 202})
	readMessage(t, conn)

	sendRequest(t, conn, wire.ActionUnsubscribe, nil)
	ack := readMessage(t, conn)
	assert.Equal(t, true, ack["success"])
	assert.Empty(t, f.source.last().subscribedChannels())
}

func TestDisconnectReleasesEverything(t *testing.T) {
	f := newFixture(t)
	conn, consumerID := f.handshake(t)

	sendRequest(t, conn, wire.ActionSubscribe, []uint32{101})
	readMessage(t, conn)

	conn.Close()
	waitForSessionEnd(t, f)

	unsubs := f.registry.unsubscribes()
	require.NotEmpty(t, unsubs)
	last := unsubs[len(unsubs)-1]
	assert.Equal(t, consumerID, last.consumer)
	assert.Empty(t, last.tokens, "disconnect releases all interest")

	assert.Empty(t, f.source.last().subscribedChannels())
	assert.True(t, f.source.last().isClosed())
}

func TestShutdownClosesSessions(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.handshake(t)
	defer conn.Close()
	require.Equal(t, 1, f.handler.Stats().Connections)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.handler.Shutdown(ctx))
	assert.Equal(t, 0, f.handler.Stats().Connections)
}

func TestEntitlementRejection(t *testing.T) {
	registry := &fakeRegistry{}
	source := &fakeSubscriberSource{}
	handler := New(Config{
		Registry:    registry,
		Subscribers: source,
		Entitlement: entitlementFunc(func(_ *http.Request, tokens []uint32) bool {
			for _, token := range tokens {
				if token >= 900 {
					return false
				}
			}
			return true
		}),
		Logger: testLogger(),
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	readMessage(t, conn)

	sendRequest(t, conn, wire.ActionSubscribe, []uint32{901})
	ack := readMessage(t, conn)
	assert.Equal(t, false, ack["success"])
	assert.Empty(t, registry.subscribes())
}

type entitlementFunc func(r *http.Request, tokens []uint32) bool

func (f entitlementFunc) Allowed(r *http.Request, tokens []uint32) bool { return f(r, tokens) }
