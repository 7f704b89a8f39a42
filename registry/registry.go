// Package registry is the single source of truth for which downstream
// consumers are interested in which instrument tokens. It reference-counts
// interest and drives the upstream feed's subscribe/unsubscribe calls: a
// token holds an upstream subscription exactly while its interest set is
// non-empty.
package registry

import (
	"log/slog"
	"sync"
)

// Upstream is the feed client surface the registry drives. Only the
// registry's mutation path may call these; the per-connection layer never
// touches the upstream session directly.
type Upstream interface {
	// EnsureConnected establishes the vendor session if none is active.
	EnsureConnected() error
	Subscribe(tokens []uint32) error
	Unsubscribe(tokens []uint32) error
}

// Stats summarizes registry state for the status endpoint.
type Stats struct {
	Tokens    int `json:"tokens"`
	Consumers int `json:"consumers"`
}

// Registry tracks per-token consumer interest. All interest mutations, the
// emptiness checks, and the resulting upstream calls happen under one lock
// so concurrent subscribe/unsubscribe decisions are linearizable.
type Registry struct {
	mu       sync.Mutex
	interest map[uint32]map[string]struct{} // token -> consumer ids
	upstream Upstream
	logger   *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		interest: make(map[uint32]map[string]struct{}),
		logger:   logger,
	}
}

// BindUpstream wires the upstream feed client. Separate from New because
// the feed client also consults the registry, so the two are constructed
// before being bound to each other.
func (r *Registry) BindUpstream(u Upstream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstream = u
}

// Subscribe records consumerID's interest in tokens and ensures the
// upstream session covers them. Returns false for an empty token list or
// when no upstream session can be established. The upstream subscribe is
// re-issued for the full requested batch even when every token is already
// covered; the vendor treats repeat subscribes as idempotent and this also
// refreshes the streaming mode.
func (r *Registry) Subscribe(consumerID string, tokens []uint32) bool {
	if len(tokens) == 0 {
		r.logger.Warn("Subscribe with no tokens", "consumer", consumerID)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.upstream != nil {
		if err := r.upstream.EnsureConnected(); err != nil {
			r.logger.Error("Failed to establish upstream session", "consumer", consumerID, "error", err)
			return false
		}
	}

	for _, token := range tokens {
		set, ok := r.interest[token]
		if !ok {
			set = make(map[string]struct{})
			r.interest[token] = set
		}
		set[consumerID] = struct{}{}
	}

	if r.upstream != nil {
		if err := r.upstream.Subscribe(tokens); err != nil {
			// Interest stays recorded: the next reconnect resubscribes it.
			r.logger.Error("Upstream subscribe failed", "consumer", consumerID, "tokens", tokens, "error", err)
			return false
		}
	}

	r.logger.Info("Subscribed", "consumer", consumerID, "tokens", tokens)
	return true
}

// Unsubscribe removes consumerID's interest in tokens; an empty or nil
// token list removes it from every token. Tokens whose interest set drains
// to empty are unsubscribed upstream and dropped. Removing interest that
// was never recorded is a no-op.
func (r *Registry) Unsubscribe(consumerID string, tokens []uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := tokens
	if len(targets) == 0 {
		targets = make([]uint32, 0, len(r.interest))
		for token := range r.interest {
			targets = append(targets, token)
		}
	}

	var drained []uint32
	for _, token := range targets {
		set, ok := r.interest[token]
		if !ok {
			continue
		}
		if _, member := set[consumerID]; !member {
			continue
		}
		delete(set, consumerID)
		if len(set) == 0 {
			delete(r.interest, token)
			drained = append(drained, token)
		}
	}

	if len(drained) > 0 {
		r.logger.Info("No more consumers, unsubscribing upstream", "tokens", drained)
		if r.upstream != nil {
			if err := r.upstream.Unsubscribe(drained); err != nil {
				// Best-effort: a stray upstream subscription costs one map
				// lookup per tick until the next reconnect reconciles it.
				r.logger.Error("Upstream unsubscribe failed", "tokens", drained, "error", err)
			}
		}
	}

	r.logger.Debug("Unsubscribed", "consumer", consumerID, "tokens", tokens)
	return true
}

// ActiveTokens returns every token with at least one interested consumer.
// The feed client resubscribes this exact set on reconnect.
func (r *Registry) ActiveTokens() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, 0, len(r.interest))
	for token := range r.interest {
		out = append(out, token)
	}
	return out
}

// HasInterest reports whether any consumer is interested in token. This is
// the fan-out fast path: ticks for tokens with no interest cost one lookup.
func (r *Registry) HasInterest(token uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.interest[token]) > 0
}

// InterestCount returns the number of consumers interested in token.
func (r *Registry) InterestCount(token uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.interest[token])
}

// Stats returns token and distinct consumer counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	consumers := make(map[string]struct{})
	for _, set := range r.interest {
		for id := range set {
			consumers[id] = struct{}{}
		}
	}
	return Stats{Tokens: len(r.interest), Consumers: len(consumers)}
}
