package larch

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockFileName is the flock target that enforces spec.md §5's "a forest
// is owned by one process at a time" for read-write opens. The teacher
// reaches for golang.org/x/sys for raw mmap syscalls; this generalizes
// the same low-level-syscall concern from page mapping to directory
// ownership arbitration.
const lockFileName = ".lock"

type fileLock struct {
	f *os.File
}

// acquireLock takes a non-blocking exclusive flock on dir's lock file.
// It fails immediately, rather than waiting, since a second writer on
// the same forest is a caller bug to surface, not a condition to queue
// behind.
func acquireLock(dir string) (*fileLock, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("larch: forest at %s is held by another process: %w", dir, err)
	}

	return &fileLock{f: f}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
