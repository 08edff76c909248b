// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package round

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrBusy is returned when another round holds the pending directory.
var ErrBusy = errors.New("another round is in progress")

// lockName is the lock file inside the pending directory.
const lockName = ".round.lock"

type dirLock struct {
	file *os.File
}

// lockDir takes an exclusive, non-blocking flock on path.
func lockDir(path string) (*dirLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &dirLock{file: file}, nil
}

func (l *dirLock) release() error {
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	return errors.Join(unlockErr, closeErr)
}
