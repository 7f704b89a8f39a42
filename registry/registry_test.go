package registry

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeUpstream mirrors what a vendor session would consider subscribed.
type fakeUpstream struct {
	mu           sync.Mutex
	active       map[uint32]struct{}
	connects     int
	subCalls     [][]uint32
	unsubCalls   [][]uint32
	connectErr   error
	subscribeErr error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{active: make(map[uint32]struct{})}
}

func (f *fakeUpstream) EnsureConnected() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects++
	return nil
}

func (f *fakeUpstream) Subscribe(tokens []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subCalls = append(f.subCalls, append([]uint32(nil), tokens...))
	for _, t := range tokens {
		f.active[t] = struct{}{}
	}
	return nil
}

func (f *fakeUpstream) Unsubscribe(tokens []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubCalls = append(f.unsubCalls, append([]uint32(nil), tokens...))
	for _, t := range tokens {
		delete(f.active, t)
	}
	return nil
}

func (f *fakeUpstream) activeSet() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint32, 0, len(f.active))
	for t := range f.active {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *fakeUpstream) {
	t.Helper()
	up := newFakeUpstream()
	r := New(testLogger())
	r.BindUpstream(up)
	return r, up
}

func sorted(tokens []uint32) []uint32 {
	out := make([]uint32, 0, len(tokens))
	out = append(out, tokens...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestSubscribeEmptyTokensRejected(t *testing.T) {
	r, up := newTestRegistry(t)

	assert.False(t, r.Subscribe("conn-1", nil))
	assert.False(t, r.Subscribe("conn-1", []uint32{}))
	assert.Zero(t, up.connects, "no upstream session for an empty request")
	assert.Empty(t, up.subCalls)
}

func TestSubscribeEstablishesSession(t *testing.T) {
	r, up := newTestRegistry(t)

	require.True(t, r.Subscribe("conn-1", []uint32{101, 202}))
	assert.Equal(t, 1, up.connects)
	assert.Equal(t, []uint32{101, 202}, up.activeSet())
	assert.True(t, r.HasInterest(101))
	assert.True(t, r.HasInterest(202))
}

func TestSubscribeFailsWithoutSession(t *testing.T) {
	r, up := newTestRegistry(t)
	up.connectErr = errors.New("no active credentials")

	assert.False(t, r.Subscribe("conn-1", []uint32{101}))
	assert.False(t, r.HasInterest(101), "interest must not be recorded when no session exists")
}

func TestSubscribeReissuesFullBatch(t *testing.T) {
	r, up := newTestRegistry(t)

	require.True(t, r.Subscribe("conn-1", []uint32{101}))
	require.True(t, r.Subscribe("conn-2", []uint32{101}))

	// The vendor subscribe is re-issued even for already-covered tokens.
	require.Len(t, up.subCalls, 2)
	assert.Equal(t, []uint32{101}, up.subCalls[1])
	assert.Equal(t, 2, r.InterestCount(101))
}

func TestUnsubscribeRefCounting(t *testing.T) {
	r, up := newTestRegistry(t)

	require.True(t, r.Subscribe("conn-1", []uint32{101}))
	require.True(t, r.Subscribe("conn-2", []uint32{101}))

	require.True(t, r.Unsubscribe("conn-1", []uint32{101}))
	assert.Empty(t, up.unsubCalls, "upstream unsubscribe only when the last consumer leaves")
	assert.True(t, r.HasInterest(101))

	require.True(t, r.Unsubscribe("conn-2", []uint32{101}))
	require.Len(t, up.unsubCalls, 1)
	assert.Equal(t, []uint32{101}, up.unsubCalls[0])
	assert.False(t, r.HasInterest(101))
}

func TestUnsubscribeNeverSubscribedIsNoOp(t *testing.T) {
	r, up := newTestRegistry(t)

	require.True(t, r.Subscribe("conn-1", []uint32{101}))
	require.True(t, r.Unsubscribe("conn-2", []uint32{101}))
	require.True(t, r.Unsubscribe("conn-1", []uint32{999}))

	assert.Empty(t, up.unsubCalls)
	assert.True(t, r.HasInterest(101))
}

func TestUnsubscribeAllOnDisconnect(t *testing.T) {
	r, up := newTestRegistry(t)

	require.True(t, r.Subscribe("conn-1", []uint32{101, 202}))
	require.True(t, r.Subscribe("conn-2", []uint32{202, 303}))

	// conn-1 disconnects: 101 drains, 202 survives via conn-2.
	require.True(t, r.Unsubscribe("conn-1", nil))

	require.Len(t, up.unsubCalls, 1)
	assert.Equal(t, []uint32{101}, up.unsubCalls[0])
	assert.False(t, r.HasInterest(101))
	assert.True(t, r.HasInterest(202))
	assert.True(t, r.HasInterest(303))
}

func TestActiveTokens(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.True(t, r.Subscribe("connA", []uint32{101}))
	require.True(t, r.Subscribe("connB", []uint32{202}))

	assert.Equal(t, []uint32{101, 202}, sorted(r.ActiveTokens()))
}

func TestStats(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.True(t, r.Subscribe("conn-1", []uint32{101, 202}))
	require.True(t, r.Subscribe("conn-2", []uint32{202}))

	stats := r.Stats()
	assert.Equal(t, 2, stats.Tokens)
	assert.Equal(t, 2, stats.Consumers)
}

func TestConcurrentSubscribeSameToken(t *testing.T) {
	r, _ := newTestRegistry(t)

	const consumers = 16
	var wg sync.WaitGroup
	results := make([]bool, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			results[i] = r.Subscribe(id, []uint32{101})
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		assert.True(t, ok, "consumer %d", i)
	}
	assert.Equal(t, consumers, r.InterestCount(101))
}

func TestConcurrentUnsubscribeDrainsExactlyOnce(t *testing.T) {
	r, up := newTestRegistry(t)

	const consumers = 16
	for i := 0; i < consumers; i++ {
		require.True(t, r.Subscribe(string(rune('a'+i)), []uint32{101}))
	}

	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Unsubscribe(string(rune('a'+i)), nil)
		}(i)
	}
	wg.Wait()

	assert.False(t, r.HasInterest(101))
	require.Len(t, up.unsubCalls, 1, "exactly one unsubscribe when the set drains")
	assert.Equal(t, []uint32{101}, up.unsubCalls[0])
}

// TestInterestUpstreamInvariant drives random subscribe/unsubscribe
// sequences and checks after every operation that the upstream's
// subscribed set equals the set of tokens with non-empty interest.
func TestInterestUpstreamInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		up := newFakeUpstream()
		r := New(testLogger())
		r.BindUpstream(up)

		consumers := []string{"c1", "c2", "c3", "c4"}
		tokenGen := rapid.SliceOfN(rapid.Uint32Range(1, 8), 0, 4)

		ops := rapid.IntRange(1, 60).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			consumer := rapid.SampledFrom(consumers).Draw(rt, "consumer")
			tokens := tokenGen.Draw(rt, "tokens")

			if rapid.Bool().Draw(rt, "subscribe") {
				r.Subscribe(consumer, tokens)
			} else {
				r.Unsubscribe(consumer, tokens)
			}

			assert.Equal(rt, sorted(r.ActiveTokens()), up.activeSet(),
				"upstream subscriptions must equal tokens with non-empty interest")
		}
	})
}
