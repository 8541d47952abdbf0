package sync

import (
	"context"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Limits shapes the per-item detail requests of a pass. They are a crude
// admission control against remote rate limits, not backpressure.
type Limits struct {
	// Concurrency is the number of requests in flight (minimum 1).
	Concurrency int

	// Rate is the sustained request rate per second. Zero disables the
	// token bucket.
	Rate float64

	// Burst is the token bucket size (minimum 1).
	Burst int

	// BatchPause, when set, makes the pool work in batches of Concurrency
	// items and pause this long after each batch.
	BatchPause time.Duration
}

// DefaultFunctionLimits hydrates functions one at a time, 50ms apart.
func DefaultFunctionLimits() Limits {
	return Limits{Concurrency: 1, Rate: 20, Burst: 1}
}

// DefaultScriptLimits hydrates scripts in batches of 5 with a 100ms pause.
func DefaultScriptLimits() Limits {
	return Limits{Concurrency: 5, BatchPause: 100 * time.Millisecond}
}

func (l Limits) normalized() Limits {
	if l.Concurrency < 1 {
		l.Concurrency = 1
	}
	if l.Burst < 1 {
		l.Burst = 1
	}
	if l.Rate < 0 {
		l.Rate = 0
	}
	if l.BatchPause < 0 {
		l.BatchPause = 0
	}
	return l
}

// hydrate runs fn for every index of n items under the limits. fn must
// record its own failure; hydrate never aborts early. done is called after
// each item with its index and the number of finished items, one call at
// a time.
func hydrate(ctx context.Context, limits Limits, n int, fn func(ctx context.Context, i int), done func(i, finished int)) {
	if n == 0 {
		return
	}
	limits = limits.normalized()

	var limiter *rate.Limiter
	if limits.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(limits.Rate), limits.Burst)
	}

	var (
		mu       gosync.Mutex
		finished int
	)
	runOne := func(i int) error {
		if limiter != nil {
			// A cancelled wait still runs fn, whose request then fails
			// with the context error and records a placeholder.
			_ = limiter.Wait(ctx)
		}
		fn(ctx, i)

		mu.Lock()
		finished++
		if done != nil {
			done(i, finished)
		}
		mu.Unlock()
		return nil
	}

	batch := n
	if limits.BatchPause > 0 {
		batch = limits.Concurrency
	}

	for start := 0; start < n; start += batch {
		end := start + batch
		if end > n {
			end = n
		}

		var g errgroup.Group
		g.SetLimit(limits.Concurrency)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error { return runOne(i) })
		}
		_ = g.Wait()

		if limits.BatchPause > 0 && end < n {
			sleep(ctx, limits.BatchPause)
		}
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
