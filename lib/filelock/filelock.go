// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package filelock provides exclusive advisory locks keyed by target
// basename. File-update appliers take a lock before any filesystem
// mutation; the lock guards overlapping writes to the same path when
// several sync lanes or merge-unpack operations run concurrently.
//
// Locks are flock(2)-based: one lock file per basename ever touched,
// kept under a dedicated lock directory. Release is a method on the
// returned handle so callers can defer it and guarantee release on
// every exit path.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Dir hands out exclusive locks scoped to basenames, backed by lock
// files under a single directory.
type Dir struct {
	path string
}

// NewDir creates the lock directory if needed and returns a Dir using
// it.
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &Dir{path: path}, nil
}

// Lock acquires an exclusive lock for the given basename, blocking
// until it is available. The returned handle must be released exactly
// once.
func (d *Dir) Lock(basename string) (*Handle, error) {
	lockPath := filepath.Join(d.path, basename+".lock")
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", lockPath, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("locking %s: %w", lockPath, err)
	}
	return &Handle{file: file}, nil
}

// Handle is a held exclusive lock.
type Handle struct {
	file *os.File
}

// Release unlocks and closes the lock file. Safe to call once; a
// second call is a no-op.
func (h *Handle) Release() error {
	if h.file == nil {
		return nil
	}
	file := h.file
	h.file = nil
	if err := unix.Flock(int(file.Fd()), unix.LOCK_UN); err != nil {
		file.Close()
		return fmt.Errorf("unlocking: %w", err)
	}
	return file.Close()
}
