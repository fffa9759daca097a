package optimizer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingGen counts downstream calls; optionally supports batched calls.
type countingGen struct {
	mu         sync.Mutex
	calls      int32
	batchCalls int32
	batchable  bool
}

func (g *countingGen) Generate(_ context.Context, prompt string, tier Tier, _ map[string]any) (string, error) {
	atomic.AddInt32(&g.calls, 1)
	return "gen:" + prompt, nil
}

func (g *countingGen) GenerateBatch(_ context.Context, prompts []string, tier Tier) ([]string, error) {
	atomic.AddInt32(&g.batchCalls, 1)
	out := make([]string, len(prompts))
	for i, p := range prompts {
		out[i] = "batch:" + p
	}
	return out, nil
}

func TestBatcherFlushesWhenFull(t *testing.T) {
	gen := &countingGen{}
	b := newBatcher(gen, 2, time.Hour, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, prompt := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, prompt string) {
			defer wg.Done()
			text, err := b.generate(ctx, prompt, TierLite, nil)
			require.NoError(t, err)
			results[i] = text
		}(i, prompt)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&gen.batchCalls), "full batch must flush in one downstream call")
	require.Equal(t, "batch:a", results[0])
	require.Equal(t, "batch:b", results[1])
}

func TestBatcherFlushesOnDelay(t *testing.T) {
	gen := &countingGen{}
	b := newBatcher(gen, 100, 10*time.Millisecond, nil)

	text, err := b.generate(context.Background(), "solo", TierLite, nil)
	require.NoError(t, err)
	require.Equal(t, "batch:solo", text)
}

func TestBatcherEligibilityRespectsDeadline(t *testing.T) {
	b := newBatcher(&countingGen{}, 8, 100*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.False(t, b.eligible(ctx), "a request that cannot afford the flush delay must bypass batching")

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Minute)
	defer cancel2()
	require.True(t, b.eligible(ctx2))
}

func TestBatcherCancelledWaiterReturnsContextError(t *testing.T) {
	gen := &countingGen{}
	b := newBatcher(gen, 100, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := b.generate(ctx, "never", TierLite, nil)
	require.ErrorIs(t, err, context.Canceled)
}
