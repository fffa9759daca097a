package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is a memoized response with its lifetime bookkeeping.
type Entry struct {
	Value       json.RawMessage `json:"value"`
	Category    string          `json:"category"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	AccessCount int64           `json:"accessCount"`
}

// Expired reports whether the entry is past its lifetime at the given instant.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Backend is a single key/value store layer. The ResponseCache composes a
// primary (external service) backend with the in-process fallback.
type Backend interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	// DeleteMatch removes every key containing pattern; an empty pattern
	// removes all keys. Returns the number of keys removed.
	DeleteMatch(ctx context.Context, pattern string) (int64, error)
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
