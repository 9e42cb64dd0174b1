// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package proto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// fileChunkSize is the payload size for file-chunk frames.
const fileChunkSize = 256 * 1024

// SendFile streams the file at path to the peer as an upload named
// after its basename: file-open, a run of file-chunk frames, then
// file-close carrying the BLAKE3 checksum.
func (c *Conn) SendFile(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file for send: %w", err)
	}
	defer file.Close()

	name := filepath.Base(path)

	openPayload, err := json.Marshal(FileOpen{Name: name})
	if err != nil {
		return fmt.Errorf("encoding file-open: %w", err)
	}
	if _, err := c.Request(ctx, CmdFileOpen, openPayload); err != nil {
		return fmt.Errorf("opening upload %s: %w", name, err)
	}

	hasher := blake3.New()
	buffer := make([]byte, fileChunkSize)
	for {
		n, readErr := file.Read(buffer)
		if n > 0 {
			hasher.Write(buffer[:n])
			if _, err := c.Request(ctx, CmdFileChunk, buffer[:n]); err != nil {
				return fmt.Errorf("sending chunk of %s: %w", name, err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading %s: %w", path, readErr)
		}
	}

	closePayload, err := json.Marshal(FileClose{
		Name:     name,
		Checksum: fmt.Sprintf("%x", hasher.Sum(nil)),
	})
	if err != nil {
		return fmt.Errorf("encoding file-close: %w", err)
	}
	if _, err := c.Request(ctx, CmdFileClose, closePayload); err != nil {
		return fmt.Errorf("closing upload %s: %w", name, err)
	}
	return nil
}

// FileReceiver accepts one upload at a time into a staging directory,
// verifying the sender's checksum on close. Session handlers route the
// file-open/file-chunk/file-close commands here.
type FileReceiver struct {
	dir string

	mu      sync.Mutex
	name    string
	file    *os.File
	hasher  *blake3.Hasher
	written int64
}

// NewFileReceiver returns a receiver staging uploads under dir. The
// directory must exist.
func NewFileReceiver(dir string) *FileReceiver {
	return &FileReceiver{dir: dir}
}

// Open begins an upload. Rejects a second open while one is in flight
// and names that escape the staging directory.
func (r *FileReceiver) Open(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == ".." {
		return fmt.Errorf("invalid upload name %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return fmt.Errorf("upload %q already in flight", r.name)
	}

	file, err := os.OpenFile(filepath.Join(r.dir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("creating staged upload: %w", err)
	}

	r.name = name
	r.file = file
	r.hasher = blake3.New()
	r.written = 0
	return nil
}

// Chunk appends data to the in-flight upload.
func (r *FileReceiver) Chunk(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return fmt.Errorf("file chunk without open upload")
	}
	if _, err := r.file.Write(data); err != nil {
		r.abortLocked()
		return fmt.Errorf("writing staged upload: %w", err)
	}
	r.hasher.Write(data)
	r.written += int64(len(data))
	return nil
}

// Close finishes the upload, verifies the checksum, and returns the
// staged file's path. On any failure the staged file is removed.
func (r *FileReceiver) Close(name, checksum string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil || r.name != name {
		r.abortLocked()
		return "", fmt.Errorf("file close for %q without matching open", name)
	}

	path := r.file.Name()
	if err := r.file.Close(); err != nil {
		r.file = nil
		os.Remove(path)
		return "", fmt.Errorf("closing staged upload: %w", err)
	}
	r.file = nil

	if got := fmt.Sprintf("%x", r.hasher.Sum(nil)); got != checksum {
		os.Remove(path)
		return "", fmt.Errorf("upload %q checksum mismatch", name)
	}
	return path, nil
}

// Abort discards any in-flight upload. Called when the connection is
// lost.
func (r *FileReceiver) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortLocked()
}

// abortLocked discards the in-flight upload. Caller must hold r.mu.
func (r *FileReceiver) abortLocked() {
	if r.file == nil {
		return
	}
	path := r.file.Name()
	r.file.Close()
	os.Remove(path)
	r.file = nil
	r.name = ""
}
