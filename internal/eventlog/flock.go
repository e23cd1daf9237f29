package eventlog

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// writerLock provides cross-process mutual exclusion for appenders using
// flock(2) on a sidecar file next to the log. The descriptor stays open
// for the lifetime of the Log; only the lock is taken and dropped.
type writerLock struct {
	path string
	file *os.File
}

func openWriterLock(path string) (*writerLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &writerLock{path: path, file: f}, nil
}

// Lock blocks until the exclusive lock is held.
func (l *writerLock) Lock() error {
	for {
		err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX)
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("flock: %w", err)
		}
		return nil
	}
}

func (l *writerLock) Unlock() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("funlock: %w", err)
	}
	return nil
}

func (l *writerLock) Close() error {
	return l.file.Close()
}
