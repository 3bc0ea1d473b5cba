package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	lockFileName = ".lock"
	lockPoll     = 20 * time.Millisecond
)

var errWouldBlock = errors.New("lock held")

type storeLock struct {
	f *os.File
}

// acquire polls for the store lock until it is granted, the lock timeout
// expires, or ctx ends.
func (s *Store) acquire(ctx context.Context, exclusive bool) (*storeLock, error) {
	f, err := os.OpenFile(filepath.Join(s.dir, lockFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock: %v", ErrPersist, err)
	}

	timeout := time.NewTimer(s.lockTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(lockPoll)
	defer ticker.Stop()

	for {
		err := tryLock(f, exclusive)
		if err == nil {
			return &storeLock{f: f}, nil
		}
		if !errors.Is(err, errWouldBlock) {
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, ctx.Err())
		case <-timeout.C:
			f.Close()
			return nil, fmt.Errorf("%w: timed out after %s", ErrLockUnavailable, s.lockTimeout)
		case <-ticker.C:
		}
	}
}

func (l *storeLock) release() {
	unlockFile(l.f)
	l.f.Close()
}
