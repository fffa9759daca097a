package optimizer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchGenerator is optionally implemented by generators that can amortize
// several prompts in one downstream call. Results must align with prompts
// by index.
type BatchGenerator interface {
	GenerateBatch(ctx context.Context, prompts []string, tier Tier) ([]string, error)
}

type batchResult struct {
	text string
	err  error
}

type batchItem struct {
	prompt  string
	context map[string]any
	result  chan batchResult
}

// batcher buffers low-priority cache misses per tier and flushes them
// together when the batch fills or the delay elapses. A request whose own
// deadline is closer than the flush delay bypasses the batcher entirely, so
// batching never delays a request past its timeout.
type batcher struct {
	gen      Generator
	maxSize  int
	maxDelay time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[Tier][]*batchItem
	timers  map[Tier]*time.Timer
}

func newBatcher(gen Generator, maxSize int, maxDelay time.Duration, logger *slog.Logger) *batcher {
	if maxSize <= 0 {
		maxSize = 8
	}
	if maxDelay <= 0 {
		maxDelay = 250 * time.Millisecond
	}
	return &batcher{
		gen:      gen,
		maxSize:  maxSize,
		maxDelay: maxDelay,
		logger:   logger,
		pending:  make(map[Tier][]*batchItem),
		timers:   make(map[Tier]*time.Timer),
	}
}

// eligible reports whether the request can afford to wait out a flush delay.
func (b *batcher) eligible(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) > 2*b.maxDelay
}

// generate enqueues the prompt and waits for its batch to flush.
func (b *batcher) generate(ctx context.Context, prompt string, tier Tier, contextData map[string]any) (string, error) {
	item := &batchItem{prompt: prompt, context: contextData, result: make(chan batchResult, 1)}

	b.mu.Lock()
	b.pending[tier] = append(b.pending[tier], item)
	if len(b.pending[tier]) >= b.maxSize {
		batch := b.take(tier)
		b.mu.Unlock()
		b.flush(batch, tier)
	} else {
		if b.timers[tier] == nil {
			b.timers[tier] = time.AfterFunc(b.maxDelay, func() { b.flushTier(tier) })
		}
		b.mu.Unlock()
	}

	select {
	case res := <-item.result:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// take detaches the pending batch for a tier. Callers hold b.mu.
func (b *batcher) take(tier Tier) []*batchItem {
	batch := b.pending[tier]
	delete(b.pending, tier)
	if timer := b.timers[tier]; timer != nil {
		timer.Stop()
		delete(b.timers, tier)
	}
	return batch
}

func (b *batcher) flushTier(tier Tier) {
	b.mu.Lock()
	batch := b.take(tier)
	b.mu.Unlock()
	b.flush(batch, tier)
}

// flush executes a detached batch. Waiters that already gave up simply never
// read their buffered result.
func (b *batcher) flush(batch []*batchItem, tier Tier) {
	if len(batch) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if bg, ok := b.gen.(BatchGenerator); ok {
		prompts := make([]string, len(batch))
		for i, item := range batch {
			prompts[i] = item.prompt
		}
		texts, err := bg.GenerateBatch(flushCtx, prompts, tier)
		if err == nil && len(texts) == len(batch) {
			for i, item := range batch {
				item.result <- batchResult{text: texts[i]}
			}
			return
		}
		if err != nil && b.logger != nil {
			b.logger.Warn("batch generate failed, falling back to per-item calls", slog.Any("error", err))
		}
	}

	for _, item := range batch {
		text, err := b.gen.Generate(flushCtx, item.prompt, tier, item.context)
		item.result <- batchResult{text: text, err: err}
	}
}
