package statestore

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock provides cross-process mutual exclusion using flock(2).
type fileLock struct {
	path string
	file *os.File
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

// open creates the lock file if needed and keeps the descriptor for
// repeated tryLock calls.
func (fl *fileLock) open() error {
	if fl.file != nil {
		return nil
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	fl.file = f
	return nil
}

// tryLock attempts to acquire the lock without blocking.
// Returns false if the lock is held elsewhere.
func (fl *fileLock) tryLock() (bool, error) {
	if err := fl.open(); err != nil {
		return false, err
	}

	err := unix.Flock(int(fl.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		return false, nil
	}
	return false, fmt.Errorf("flock: %w", err)
}

// unlock releases the lock and closes the descriptor. Safe to call when
// the lock was never acquired.
func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); err != nil {
		_ = fl.file.Close()
		fl.file = nil
		return fmt.Errorf("funlock: %w", err)
	}

	err := fl.file.Close()
	fl.file = nil
	return err
}

// close drops the descriptor without unlocking (used after a failed acquire).
func (fl *fileLock) close() {
	if fl.file != nil {
		_ = fl.file.Close()
		fl.file = nil
	}
}
