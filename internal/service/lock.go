package service

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/CZERTAINLY/run-ansible-pull/internal/model"
	"golang.org/x/sys/unix"
)

// Lock is an exclusive advisory lock on a file. It is released by Release
// or when the process exits.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock locks path without blocking. It returns an error wrapping
// model.ErrInstanceRunning when the lock is held by someone else.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s is locked", model.ErrInstanceRunning, path)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	// informational only, the lock itself is what counts
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{path: path, file: f}, nil
}

func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and closes the lock file. The file itself is kept.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err = errors.Join(err, l.file.Close())
	l.file = nil
	return err
}
