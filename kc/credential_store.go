// Package kc holds the Kite Connect credential store consumed by the
// upstream feed client.
package kc

import (
	"log/slog"
	"sync"
	"time"
)

// Credential is one set of vendor API credentials. Only the active set is
// used to open the upstream streaming session.
type Credential struct {
	APIKey      string
	AccessToken string
	Active      bool
	StoredAt    time.Time
}

// CredentialStore is a thread-safe holder for vendor credentials.
// Optionally backed by SQLite for persistence via SetDB.
type CredentialStore struct {
	mu     sync.RWMutex
	creds  map[string]*Credential // api key -> credential
	db     *DB
	logger *slog.Logger
}

// NewCredentialStore creates an empty credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		creds: make(map[string]*Credential),
	}
}

// SetDB enables write-through persistence to the given SQLite database.
func (s *CredentialStore) SetDB(db *DB) {
	s.db = db
}

// SetLogger sets the logger for DB error reporting.
func (s *CredentialStore) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// LoadFromDB populates the in-memory store from the database.
func (s *CredentialStore) LoadFromDB() error {
	if s.db == nil {
		return nil
	}
	entries, err := s.db.LoadCredentials()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range entries {
		cp := *c
		s.creds[c.APIKey] = &cp
	}
	return nil
}

// GetActive returns the active credential pair, if any. A credential with
// an empty access token is not usable for a streaming session.
func (s *CredentialStore) GetActive() (apiKey, accessToken string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.creds {
		if c.Active && c.AccessToken != "" {
			return c.APIKey, c.AccessToken, true
		}
	}
	return "", "", false
}

// SetActive stores a credential pair and marks it as the single active set.
// Any previously active credential is deactivated.
func (s *CredentialStore) SetActive(apiKey, accessToken string) {
	s.mu.Lock()
	for _, c := range s.creds {
		c.Active = false
	}
	cred := &Credential{
		APIKey:      apiKey,
		AccessToken: accessToken,
		Active:      true,
		StoredAt:    time.Now(),
	}
	s.creds[apiKey] = cred
	cp := *cred
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.SaveCredential(&cp); err != nil && s.logger != nil {
			s.logger.Error("Failed to persist credential", "api_key", apiKey, "error", err)
		}
	}
}

// Delete removes a credential by API key.
func (s *CredentialStore) Delete(apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, apiKey)
	if s.db != nil {
		if err := s.db.DeleteCredential(apiKey); err != nil && s.logger != nil {
			s.logger.Error("Failed to delete persisted credential", "api_key", apiKey, "error", err)
		}
	}
}

// Count returns the number of stored credential entries.
func (s *CredentialStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}

// CredentialSummary is a redacted view of a credential entry.
type CredentialSummary struct {
	APIKey          string    `json:"api_key"`
	AccessTokenHint string    `json:"access_token_hint"`
	Active          bool      `json:"active"`
	StoredAt        time.Time `json:"stored_at"`
}

// maskSecret returns a redacted version of a secret: first 4 + "****" + last 3 chars.
func maskSecret(s string) string {
	if len(s) <= 7 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-3:]
}

// ListAll returns a redacted summary of all stored credentials.
func (s *CredentialStore) ListAll() []CredentialSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CredentialSummary, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, CredentialSummary{
			APIKey:          c.APIKey,
			AccessTokenHint: maskSecret(c.AccessToken),
			Active:          c.Active,
			StoredAt:        c.StoredAt,
		})
	}
	return out
}
