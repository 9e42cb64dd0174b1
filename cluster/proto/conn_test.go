// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package proto

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// connPair wires two Conns over an in-memory pipe and serves the far
// side with the given handler.
func connPair(t *testing.T, farHandler Handler) (*Conn, *Conn) {
	t.Helper()
	nearRaw, farRaw := net.Pipe()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	near := NewConn(nearRaw, logger)
	far := NewConn(farRaw, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go far.Serve(ctx, farHandler)
	go near.Serve(ctx, func(ctx context.Context, command string, payload []byte) ([]byte, error) {
		return nil, ErrUnknownCommand(command)
	})

	t.Cleanup(func() {
		near.Close()
		far.Close()
	})
	return near, far
}

func TestRequestResponse(t *testing.T) {
	near, _ := connPair(t, func(ctx context.Context, command string, payload []byte) ([]byte, error) {
		if command != "keepalive" {
			t.Errorf("command = %q, want keepalive", command)
		}
		return []byte("pong"), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	response, err := near.Request(ctx, "keepalive", []byte("ping"))
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	if string(response) != "pong" {
		t.Errorf("response = %q, want pong", response)
	}
}

func TestRequestErrorResponseIsTyped(t *testing.T) {
	near, _ := connPair(t, func(ctx context.Context, command string, payload []byte) ([]byte, error) {
		return nil, ErrLaneBusy("integrity")
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := near.Request(ctx, "integrity-setup", nil)
	if !errors.Is(err, ErrLaneBusy("integrity")) {
		t.Errorf("Request() error = %v, want lane-busy", err)
	}
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	near, _ := connPair(t, func(ctx context.Context, command string, payload []byte) ([]byte, error) {
		return payload, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := make(chan string, 8)
	for i := 0; i < 8; i++ {
		body := []byte{byte('a' + i)}
		go func() {
			response, err := near.Request(ctx, "echo", body)
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			if string(response) != string(body) {
				results <- "mismatch"
				return
			}
			results <- "ok"
		}()
	}

	for i := 0; i < 8; i++ {
		if got := <-results; got != "ok" {
			t.Errorf("request %d: %s", i, got)
		}
	}
}

func TestRequestFailsWhenPeerCloses(t *testing.T) {
	near, far := connPair(t, func(ctx context.Context, command string, payload []byte) ([]byte, error) {
		return nil, nil
	})

	far.Close()
	near.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := near.Request(ctx, "keepalive", nil); err == nil {
		t.Fatal("Request() succeeded on closed connection")
	}
}

func TestSendFileRoundTrip(t *testing.T) {
	stagingDir := t.TempDir()
	receiver := NewFileReceiver(stagingDir)

	near, _ := connPair(t, func(ctx context.Context, command string, payload []byte) ([]byte, error) {
		switch command {
		case CmdFileOpen:
			var open FileOpen
			if err := json.Unmarshal(payload, &open); err != nil {
				return nil, err
			}
			return nil, receiver.Open(open.Name)
		case CmdFileChunk:
			return nil, receiver.Chunk(payload)
		case CmdFileClose:
			var fileClose FileClose
			if err := json.Unmarshal(payload, &fileClose); err != nil {
				return nil, err
			}
			_, err := receiver.Close(fileClose.Name, fileClose.Checksum)
			return nil, err
		}
		return nil, ErrUnknownCommand(command)
	})

	source := filepath.Join(t.TempDir(), "sync.warden")
	content := make([]byte, fileChunkSize+100)
	for i := range content {
		content[i] = byte(i)
	}
	if err := os.WriteFile(source, content, 0o640); err != nil {
		t.Fatalf("writing source: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := near.SendFile(ctx, source); err != nil {
		t.Fatalf("SendFile() error: %v", err)
	}

	staged, err := os.ReadFile(filepath.Join(stagingDir, "sync.warden"))
	if err != nil {
		t.Fatalf("reading staged file: %v", err)
	}
	if len(staged) != len(content) {
		t.Errorf("staged size = %d, want %d", len(staged), len(content))
	}
}

func TestFileReceiverRejectsSecondOpen(t *testing.T) {
	receiver := NewFileReceiver(t.TempDir())
	if err := receiver.Open("first"); err != nil {
		t.Fatalf("Open(first) error: %v", err)
	}
	defer receiver.Abort()
	if err := receiver.Open("second"); err == nil {
		t.Fatal("Open(second) accepted while first in flight")
	}
}

func TestFileReceiverRejectsPathName(t *testing.T) {
	receiver := NewFileReceiver(t.TempDir())
	if err := receiver.Open("../escape"); err == nil {
		t.Fatal("Open() accepted name with path separator traversal")
	}
}

func TestFileReceiverChecksumMismatch(t *testing.T) {
	receiver := NewFileReceiver(t.TempDir())
	if err := receiver.Open("upload"); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := receiver.Chunk([]byte("data")); err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	if _, err := receiver.Close("upload", "deadbeef"); err == nil {
		t.Fatal("Close() accepted wrong checksum")
	}
}
