package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/helioslabs/inferd/internal/metrics"
	"github.com/helioslabs/inferd/internal/runtime"
	"github.com/helioslabs/inferd/internal/runtime/cache"
	"github.com/helioslabs/inferd/internal/runtime/optimizer"
	"github.com/helioslabs/inferd/internal/runtime/pool"
	"github.com/helioslabs/inferd/internal/runtime/scheduler"
)

type testEnv struct {
	workers         int
	rateLimitMinute int
	generator       optimizer.Generator
}

// newTestAPI wires a complete in-process pipeline behind the HTTP facade and
// returns an httpexpect client against it.
func newTestAPI(t *testing.T, env testEnv) *httpexpect.Expect {
	t.Helper()
	logger := newTestLogger()

	if env.workers == 0 {
		env.workers = 2
	}
	if env.generator == nil {
		env.generator = optimizer.GeneratorFunc(func(ctx context.Context, prompt string, tier optimizer.Tier, _ map[string]any) (string, error) {
			return "echo: " + prompt, nil
		})
	}

	respCache := cache.New(cache.Options{
		Namespace: "test",
		Categories: map[string]cache.CategoryPolicy{
			optimizer.CategoryModelResponse: {TTL: time.Minute, MaxFallback: 100, SavedSeconds: 1},
			optimizer.CategoryUserSession:   {TTL: time.Minute, MaxFallback: 100},
		},
		Logger: logger,
	})

	dialer, err := pool.NewSQLiteDialer(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dialer.Close() })

	storePool, err := pool.New(pool.Options{
		Dialer:         dialer,
		MinSize:        1,
		MaxSize:        3,
		ConnectTimeout: time.Second,
		Logger:         logger,
	})
	require.NoError(t, err)

	opt, err := optimizer.New(optimizer.Options{Generator: env.generator, Cache: respCache, Logger: logger})
	require.NoError(t, err)

	sched := scheduler.New(scheduler.Options{
		Workers:         env.workers,
		RateLimitMinute: env.rateLimitMinute,
		Logger:          logger,
	})

	core, err := runtime.New(runtime.Options{
		Cache:     respCache,
		Pool:      storePool,
		Optimizer: opt,
		Scheduler: sched,
		Logger:    logger,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, core.Start(ctx))
	t.Cleanup(func() { _ = core.Close(ctx) })

	recorder := metrics.NewRecorder(nil)
	srv := httptest.NewServer(NewHandler(core, logger, recorder.Handler()))
	t.Cleanup(srv.Close)

	return httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})
}

func awaitTerminal(t *testing.T, api *httpexpect.Expect, id string) *httpexpect.Object {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		obj := api.GET("/v1/requests/" + id).Expect().Status(http.StatusOK).JSON().Object()
		status := obj.Value("status").String().Raw()
		switch scheduler.Status(status) {
		case scheduler.StatusCompleted, scheduler.StatusFailed, scheduler.StatusCancelled, scheduler.StatusTimedOut:
			return obj
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s never reached a terminal status", id)
	return nil
}

func TestSubmitStatusRoundTrip(t *testing.T) {
	api := newTestAPI(t, testEnv{})

	resp := api.POST("/v1/requests").
		WithJSON(map[string]any{
			"requestType": runtime.TypeChat,
			"userId":      "alice",
			"payload":     map[string]any{"prompt": "Outline a migration plan for the billing database"},
		}).
		Expect().
		Status(http.StatusAccepted).
		JSON().Object()

	id := resp.Value("id").String().NotEmpty().Raw()

	obj := awaitTerminal(t, api, id)
	obj.Value("status").IsEqual(string(scheduler.StatusCompleted))
	obj.Value("result").Object().Value("text").String().Contains("echo:")
}

func TestSubmitValidation(t *testing.T) {
	api := newTestAPI(t, testEnv{})

	api.POST("/v1/requests").
		WithJSON(map[string]any{"userId": "alice"}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Path("$.error.code").IsEqual("missing_request_type")

	api.POST("/v1/requests").
		WithJSON(map[string]any{"requestType": runtime.TypeChat}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Path("$.error.code").IsEqual("missing_user")

	api.POST("/v1/requests").
		WithText("not json").
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Path("$.error.code").IsEqual("invalid_body")
}

func TestUnknownRequestIDReturns404(t *testing.T) {
	api := newTestAPI(t, testEnv{})

	api.GET("/v1/requests/no-such-id").
		Expect().
		Status(http.StatusNotFound).
		JSON().Object().Path("$.error.code").IsEqual("not_found")
}

func TestRateLimitedSubmitReturns429(t *testing.T) {
	api := newTestAPI(t, testEnv{rateLimitMinute: 1})

	submit := func(n int) *httpexpect.Response {
		return api.POST("/v1/requests").
			WithJSON(map[string]any{
				"requestType": runtime.TypeCompletion,
				"userId":      "alice",
				"payload":     map[string]any{"prompt": "request", "n": n},
			}).
			Expect()
	}

	submit(1).Status(http.StatusAccepted)
	submit(2).Status(http.StatusTooManyRequests).
		JSON().Object().Path("$.error.code").IsEqual("rate_limited")
}

func TestCancelQueuedRequest(t *testing.T) {
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	blocking := optimizer.GeneratorFunc(func(ctx context.Context, prompt string, tier optimizer.Tier, _ map[string]any) (string, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return "done", ctx.Err()
	})
	api := newTestAPI(t, testEnv{workers: 1, generator: blocking})

	submit := func(n int) string {
		return api.POST("/v1/requests").
			WithJSON(map[string]any{
				"requestType": runtime.TypeCompletion,
				"userId":      "alice",
				"payload":     map[string]any{"prompt": "slow request", "n": n},
			}).
			Expect().
			Status(http.StatusAccepted).
			JSON().Object().Value("id").String().Raw()
	}

	// The first request occupies the only worker; the second stays queued.
	submit(1)
	queued := submit(2)

	api.DELETE("/v1/requests/" + queued).Expect().Status(http.StatusNoContent)
	api.GET("/v1/requests/"+queued).Expect().Status(http.StatusOK).
		JSON().Object().Value("status").IsEqual(string(scheduler.StatusCancelled))

	// Cancelling a terminal request is a conflict, not a repeat cancel.
	api.DELETE("/v1/requests/"+queued).Expect().Status(http.StatusConflict).
		JSON().Object().Path("$.error.code").IsEqual("already_terminal")
}

func TestStatsAndHealthEndpoints(t *testing.T) {
	api := newTestAPI(t, testEnv{})

	stats := api.GET("/v1/stats").Expect().Status(http.StatusOK).JSON().Object()
	stats.Value("scheduler").Object().Value("workers").IsEqual(2)
	stats.Value("pool").Object().Value("open").Number().Ge(1)
	stats.Value("cache").Object().ContainsKey("hitRate")

	health := api.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	health.Value("cacheDegraded").IsEqual(false)
	health.ContainsKey("queueDepth")
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	api := newTestAPI(t, testEnv{})

	api.POST("/v1/requests").
		WithJSON(map[string]any{
			"requestType": runtime.TypeCompletion,
			"userId":      "alice",
			"payload":     map[string]any{"prompt": "warm the counters"},
		}).
		Expect().Status(http.StatusAccepted)

	api.GET("/metrics").Expect().Status(http.StatusOK).
		Body().Contains("go_goroutines")
}
