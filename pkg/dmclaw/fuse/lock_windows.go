//go:build windows

package fuse

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Windows has no flock; an exclusively created lock file stands in for it.
func withLockFile(ctx context.Context, lockPath string, fn func() error) error {
	for {
		file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, filePerm)
		if err == nil {
			defer func() {
				_ = file.Close()
				_ = os.Remove(lockPath)
			}()
			return fn()
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("open lock %s: %w", lockPath, err)
		}
		if waitErr := waitForLockRetry(ctx, lockPath); waitErr != nil {
			return waitErr
		}
	}
}
