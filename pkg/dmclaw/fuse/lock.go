package fuse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	lockRetryWait = 25 * time.Millisecond
	filePerm      = 0o600
	dirPerm       = 0o700
)

// withLock runs fn while holding an exclusive lock on lockPath, waiting at
// most timeout for it.
func withLock(ctx context.Context, lockPath string, timeout time.Duration, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), dirPerm); err != nil {
		return fmt.Errorf("creating lock dir: %w", err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return withLockFile(ctx, lockPath, fn)
}

func waitForLockRetry(ctx context.Context, lockPath string) error {
	timer := time.NewTimer(lockRetryWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrLockTimeout, lockPath, ctx.Err())
	case <-timer.C:
		return nil
	}
}
