package workspace

import (
	"context"
	"time"

	"github.com/gofrs/flock"

	"github.com/BaSui01/cairn/cairnerr"
)

// Lock is an advisory, process-wide file lock. The lifecycle driver holds
// one on the preview root (cairn_home/workspaces) while it materializes a
// preview, so two orchestrator processes sharing a cairn_home never race a
// rename-swap against each other.
type Lock struct {
	fl *flock.Flock
}

// NewLock creates a lock bound to a dotfile sitting alongside the guarded
// directory (e.g. "<dir>/.cairn.lock").
func NewLock(lockFilePath string) *Lock {
	return &Lock{fl: flock.New(lockFilePath)}
}

// Acquire blocks (polling) until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	ok, err := l.fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			return cairnerr.Wrap(cairnerr.Timeout, "acquire workspace lock", err)
		}
		return cairnerr.Wrap(cairnerr.RecoverableIO, "acquire workspace lock", err)
	}
	if !ok {
		return cairnerr.New(cairnerr.Timeout, "workspace lock not acquired")
	}
	return nil
}

// Release unlocks, ignoring a not-locked error (idempotent release).
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return cairnerr.Wrap(cairnerr.RecoverableIO, "release workspace lock", err)
	}
	return nil
}

// WithLock runs fn with the lock held, always releasing afterward.
func WithLock(ctx context.Context, lockFilePath string, fn func() error) error {
	l := NewLock(lockFilePath)
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
