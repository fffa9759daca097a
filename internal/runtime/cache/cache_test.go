package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// flakyBackend fails every operation once armed, standing in for an
// unreachable external cache service.
type flakyBackend struct {
	inner Backend
	fail  bool
}

func (f *flakyBackend) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	if f.fail {
		return Entry{}, false, errors.New("connection refused")
	}
	return f.inner.Lookup(ctx, key)
}

func (f *flakyBackend) Store(ctx context.Context, key string, entry Entry) error {
	if f.fail {
		return errors.New("connection refused")
	}
	return f.inner.Store(ctx, key, entry)
}

func (f *flakyBackend) DeleteMatch(ctx context.Context, pattern string) (int64, error) {
	if f.fail {
		return 0, errors.New("connection refused")
	}
	return f.inner.DeleteMatch(ctx, pattern)
}

func (f *flakyBackend) Size(ctx context.Context) (int64, error) { return f.inner.Size(ctx) }
func (f *flakyBackend) Close(ctx context.Context) error         { return f.inner.Close(ctx) }

func testPolicies() map[string]CategoryPolicy {
	return map[string]CategoryPolicy{
		"model-response": {TTL: time.Minute, MaxFallback: 10, SavedSeconds: 2.5},
		"user-session":   {TTL: time.Millisecond, MaxFallback: 10, SavedSeconds: 0.1},
	}
}

func TestResponseCacheRoundTrip(t *testing.T) {
	c := New(Options{Namespace: "test", Categories: testPolicies()})
	ctx := context.Background()
	inputs := KeyInputs{"prompt": "hello", "tier": "lite"}

	require.NoError(t, c.Set(ctx, "model-response", inputs, map[string]string{"text": "hi"}))

	raw, ok := c.Get(ctx, "model-response", inputs)
	require.True(t, ok)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "hi", decoded["text"])

	stats := c.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, 2.5, stats.SavedSeconds)
	require.Equal(t, 1.0, stats.HitRate)
}

func TestResponseCacheExpiry(t *testing.T) {
	c := New(Options{Namespace: "test", Categories: testPolicies()})
	ctx := context.Background()
	inputs := KeyInputs{"session": "u1"}

	require.NoError(t, c.Set(ctx, "user-session", inputs, "state"))
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(ctx, "user-session", inputs)
	require.False(t, ok, "entry must never be returned after expiresAt")

	stats := c.Stats()
	require.Equal(t, int64(1), stats.Misses)
}

func TestResponseCacheMissIsCounted(t *testing.T) {
	c := New(Options{Namespace: "test", Categories: testPolicies()})
	_, ok := c.Get(context.Background(), "model-response", KeyInputs{"prompt": "absent"})
	require.False(t, ok)
	require.Equal(t, int64(1), c.Stats().Misses)
	require.Equal(t, 0.0, c.Stats().HitRate)
}

func TestResponseCacheFallsBackWhenPrimaryFails(t *testing.T) {
	primary := &flakyBackend{inner: NewMemory(nil, 100)}
	c := New(Options{Namespace: "test", Primary: primary, Categories: testPolicies()})
	ctx := context.Background()
	inputs := KeyInputs{"prompt": "hello"}

	primary.fail = true
	require.NoError(t, c.Set(ctx, "model-response", inputs, "answer"), "cache unavailability must not be fatal")
	require.True(t, c.Degraded())

	raw, ok := c.Get(ctx, "model-response", inputs)
	require.True(t, ok, "fallback must serve the entry while primary is down")
	require.JSONEq(t, `"answer"`, string(raw))

	// Primary recovery clears degraded mode on the next successful op.
	primary.fail = false
	_, _ = c.Get(ctx, "model-response", inputs)
	require.False(t, c.Degraded())
}

func TestResponseCachePrimaryAuthoritativeWhenHealthy(t *testing.T) {
	primary := &flakyBackend{inner: NewMemory(nil, 100)}
	c := New(Options{Namespace: "test", Primary: primary, Categories: testPolicies()})
	ctx := context.Background()
	inputs := KeyInputs{"prompt": "hello"}

	require.NoError(t, c.Set(ctx, "model-response", inputs, "answer"))
	raw, ok := c.Get(ctx, "model-response", inputs)
	require.True(t, ok)
	require.JSONEq(t, `"answer"`, string(raw))
	require.False(t, c.Degraded())
}

func TestResponseCacheInvalidate(t *testing.T) {
	c := New(Options{Namespace: "test", Categories: testPolicies()})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "model-response", KeyInputs{"prompt": "a"}, "1"))
	require.NoError(t, c.Set(ctx, "model-response", KeyInputs{"prompt": "b"}, "2"))

	removed, err := c.Invalidate(ctx, "model-response")
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	_, ok := c.Get(ctx, "model-response", KeyInputs{"prompt": "a"})
	require.False(t, ok)
}
