// Package limiter implements the Resource Limiter: a scoped guard that
// bounds a function call by wall-clock timeout and an advisory memory
// ceiling.
//
// Real memory isolation is the external ScriptHost's job; this limiter's
// memory ceiling is advisory, sampled periodically via
// runtime.ReadMemStats rather than enforced by a container runtime.
package limiter

import (
	"context"
	"runtime"
	"time"

	"github.com/BaSui01/cairn/cairnerr"
)

// DefaultSampleInterval is how often Limit samples memory usage while fn runs.
const DefaultSampleInterval = 100 * time.Millisecond

// Limiter bounds calls to Run by a timeout and an advisory memory ceiling.
type Limiter struct {
	sampleInterval time.Duration
}

// New creates a Limiter sampling memory at DefaultSampleInterval.
func New() *Limiter {
	return &Limiter{sampleInterval: DefaultSampleInterval}
}

// WithSampleInterval overrides the memory-sampling cadence (primarily for
// tests, to observe a breach quickly).
func (l *Limiter) WithSampleInterval(d time.Duration) *Limiter {
	l.sampleInterval = d
	return l
}

// Run executes fn under a hard timeout and an advisory maxMemoryBytes
// ceiling. fn must respect ctx cancellation to actually stop work; Run
// itself only reports the breach, since the process-isolation that would
// forcibly kill fn's work lives in the external ScriptHost.
// On timeout or memory breach, Run returns a ResourceLimit or Timeout
// error. Guard teardown (stopping the sampling goroutine) is guaranteed on
// every exit path via defer.
func (l *Limiter) Run(ctx context.Context, timeout time.Duration, maxMemoryBytes uint64, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	if maxMemoryBytes == 0 {
		select {
		case err := <-done:
			return l.classify(ctx, err)
		case <-ctx.Done():
			<-done
			return l.classify(ctx, ctx.Err())
		}
	}

	ticker := time.NewTicker(l.sampleInterval)
	defer ticker.Stop()

	var breach error
	for {
		select {
		case err := <-done:
			return l.classify(ctx, err)
		case <-ctx.Done():
			<-done
			return l.classify(ctx, ctx.Err())
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			if mem.Alloc > maxMemoryBytes {
				breach = cairnerr.New(cairnerr.ResourceLimit, "memory ceiling exceeded").
					WithField("max_memory_bytes", maxMemoryBytes).
					WithField("observed_bytes", mem.Alloc)
				cancel()
				<-done
				return breach
			}
		}
	}
}

func (l *Limiter) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return cairnerr.Wrap(cairnerr.Timeout, "execution exceeded its time limit", err)
	}
	if cairnerr.IsKind(err, cairnerr.ResourceLimit) || cairnerr.IsKind(err, cairnerr.Timeout) {
		return err
	}
	return err
}
