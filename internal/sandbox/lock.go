package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// identityLock is an advisory file lock keyed by container name. Each box
// invocation is an independent short-lived process, so the at-most-one-
// creation invariant cannot live in an in-memory mutex; the lock file is
// the cross-process critical section around EnsureRunning and Kill.
type identityLock struct {
	file *os.File
}

// acquireLock blocks until the exclusive lock for name is held.
func acquireLock(lockDir, name string) (*identityLock, error) {
	if err := os.MkdirAll(lockDir, 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := filepath.Join(lockDir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	return &identityLock{file: f}, nil
}

// release drops the lock. The file is left in place for the next invocation;
// flock state dies with the descriptor either way.
func (l *identityLock) release() {
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
}
