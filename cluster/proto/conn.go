// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package proto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Handler dispatches one inbound command and returns the response
// payload, or an error that the connection encodes for the peer.
//
// Handlers run serially on the connection's read loop, preserving
// arrival order. A handler must not issue Request on the same
// connection — spawn a goroutine for any work that talks back to the
// peer.
type Handler func(ctx context.Context, command string, payload []byte) ([]byte, error)

// Conn is one cluster peer connection. Both sides can issue requests
// concurrently; responses are correlated by frame counter.
type Conn struct {
	raw    net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	nextCounter atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan result

	closeOnce sync.Once
}

// result is a delivered response: payload on success, typed error on
// an error response.
type result struct {
	payload []byte
	err     *Error
}

// ErrConnClosed is returned by Request when the connection closes
// before a response arrives.
var ErrConnClosed = errors.New("proto: connection closed")

// NewConn wraps an established network connection.
func NewConn(raw net.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		raw:     raw,
		logger:  logger,
		pending: make(map[uint32]chan result),
	}
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Close tears down the connection. Pending requests fail with
// ErrConnClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.raw.Close()
		c.failPending()
	})
	return err
}

// Request sends a command and waits for the peer's response. An error
// response is returned as the decoded typed *Error. The context bounds
// the wait.
func (c *Conn) Request(ctx context.Context, command string, payload []byte) ([]byte, error) {
	counter := c.nextCounter.Add(1)

	channel := make(chan result, 1)
	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[counter] = channel
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, counter)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(Frame{
		Type:    TypeRequest,
		Counter: counter,
		Command: command,
		Payload: payload,
	}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-channel:
		if !ok {
			return nil, ErrConnClosed
		}
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	}
}

// Serve reads frames until the connection closes or ctx is cancelled,
// dispatching requests to handler and delivering responses to waiting
// Request calls. Returns nil on a clean peer close.
func (c *Conn) Serve(ctx context.Context, handler Handler) error {
	// Unblock the read when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	defer c.Close()

	for {
		frame, err := ReadFrame(c.raw)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		switch frame.Type {
		case TypeRequest:
			c.dispatch(ctx, frame, handler)
		case TypeResponseOK:
			c.deliver(frame.Counter, result{payload: frame.Payload})
		case TypeResponseErr:
			c.deliver(frame.Counter, result{err: DecodeError(frame.Payload)})
		}
	}
}

// dispatch runs the handler for one request and writes the response
// frame.
func (c *Conn) dispatch(ctx context.Context, frame Frame, handler Handler) {
	payload, err := handler(ctx, frame.Command, frame.Payload)

	response := Frame{Counter: frame.Counter}
	if err != nil {
		response.Type = TypeResponseErr
		response.Command = "err"
		response.Payload = EncodeError(err)
	} else {
		response.Type = TypeResponseOK
		response.Command = "ok"
		response.Payload = payload
	}

	if writeErr := c.writeFrame(response); writeErr != nil {
		c.logger.Warn("failed to write response",
			"command", frame.Command,
			"error", writeErr,
		)
	}
}

// deliver hands a response to the waiting Request call. Responses for
// unknown counters are logged and dropped — the caller may have timed
// out and unregistered already.
func (c *Conn) deliver(counter uint32, res result) {
	c.pendingMu.Lock()
	channel, exists := c.pending[counter]
	if exists {
		delete(c.pending, counter)
	}
	c.pendingMu.Unlock()

	if !exists {
		c.logger.Debug("response for unknown request counter", "counter", counter)
		return
	}
	channel <- res
}

// failPending closes every pending response channel so Request callers
// observe ErrConnClosed.
func (c *Conn) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for counter, channel := range c.pending {
		close(channel)
		delete(c.pending, counter)
	}
	c.pending = nil
}

// writeFrame serializes one frame under the write lock.
func (c *Conn) writeFrame(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.raw, frame)
}
