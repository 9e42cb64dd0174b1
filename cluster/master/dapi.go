// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warden-fleet/warden/cluster/proto"
	"github.com/warden-fleet/warden/lib/clock"
)

// Directory routes outbound API traffic to connected workers. The
// Master implements it; the indirection keeps the Router testable
// without live sessions.
type Directory interface {
	// RequestWorker sends a command to the named worker and returns
	// its response payload.
	RequestWorker(ctx context.Context, node, command string, payload []byte) ([]byte, error)

	// WorkerNames lists currently connected workers.
	WorkerNames() []string
}

// ResponseSink receives forwarded responses for requests that
// originated outside the cluster transport (local API clients).
type ResponseSink interface {
	Deliver(id string, payload []byte, err *proto.Error)
}

// LocalExecutor runs an API request on this node.
type LocalExecutor func(ctx context.Context, payload []byte) ([]byte, error)

// pendingRequest correlates an in-flight request with its eventual
// response. It resolves at most once; later resolutions are dropped.
type pendingRequest struct {
	done    chan struct{}
	once    sync.Once
	payload []byte
	failure *proto.Error
}

func (p *pendingRequest) resolve(payload []byte, failure *proto.Error) bool {
	resolved := false
	p.once.Do(func() {
		p.payload = payload
		p.failure = failure
		close(p.done)
		resolved = true
	})
	return resolved
}

// Router correlates distributed API requests with their responses and
// runs the local execution queue. Requests carry a uuid correlation id
// end to end; responses arriving for unknown ids are logged and
// dropped.
type Router struct {
	directory Directory
	execute   LocalExecutor
	timeout   time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	local   map[string]ResponseSink

	queue chan queuedCall
}

// queuedCall is an api-call accepted from a worker, awaiting local
// execution.
type queuedCall struct {
	origin string
	call   proto.APICall
}

// NewRouter builds a Router. timeout bounds Forward calls that do not
// ask to wait indefinitely.
func NewRouter(directory Directory, execute LocalExecutor, timeout time.Duration, clk clock.Clock, logger *slog.Logger) *Router {
	return &Router{
		directory: directory,
		execute:   execute,
		timeout:   timeout,
		clock:     clk,
		logger:    logger.With("task", "dapi"),
		pending:   make(map[string]*pendingRequest),
		local:     make(map[string]ResponseSink),
		queue:     make(chan queuedCall, 128),
	}
}

// RegisterLocal associates a correlation id with a local client sink.
// Responses for the id are forwarded to the sink instead of resolving
// a pending cluster request.
func (r *Router) RegisterLocal(id string, sink ResponseSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[id] = sink
}

// UnregisterLocal removes a local client registration.
func (r *Router) UnregisterLocal(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.local, id)
}

// Forward sends an API request to the named worker and waits for the
// correlated response. waitForever disables the configured timeout
// (the caller's ctx still applies).
func (r *Router) Forward(ctx context.Context, node string, request json.RawMessage, waitForever bool) ([]byte, error) {
	id := uuid.NewString()
	pending := &pendingRequest{done: make(chan struct{})}

	r.mu.Lock()
	r.pending[id] = pending
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	payload, err := json.Marshal(proto.APICall{ID: id, Payload: request})
	if err != nil {
		return nil, proto.ErrInternal(fmt.Errorf("encoding api call: %w", err))
	}
	if _, err := r.directory.RequestWorker(ctx, node, proto.CmdAPICall, payload); err != nil {
		return nil, err
	}

	var timeoutC <-chan time.Time
	if !waitForever {
		timeoutC = r.clock.After(r.timeout)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeoutC:
		return nil, proto.ErrRequestTimeout()
	case <-pending.done:
	}
	if pending.failure != nil {
		return nil, pending.failure
	}
	return pending.payload, nil
}

// Broadcast sends an API request to every connected worker. Send
// failures are logged per node; the call succeeds if the request was
// dispatched, responses are not awaited.
func (r *Router) Broadcast(ctx context.Context, request json.RawMessage) error {
	payload, err := json.Marshal(proto.APICall{ID: uuid.NewString(), Payload: request})
	if err != nil {
		return proto.ErrInternal(fmt.Errorf("encoding api call: %w", err))
	}
	for _, node := range r.directory.WorkerNames() {
		if _, err := r.directory.RequestWorker(ctx, node, proto.CmdAPICall, payload); err != nil {
			r.logger.Warn("broadcast send failed", "node", node, "error", err)
		}
	}
	return nil
}

// Resolve delivers a dapi-res payload. The id either matches a pending
// cluster request, a registered local client, or nothing — the last
// case is logged and dropped with an unknown-correlation error back to
// the sender.
func (r *Router) Resolve(response proto.APIResponse) error {
	r.mu.Lock()
	pending, isPending := r.pending[response.ID]
	sink, isLocal := r.local[response.ID]
	r.mu.Unlock()

	switch {
	case isPending:
		if !pending.resolve(response.Payload, nil) {
			r.logger.Debug("duplicate api response dropped", "id", response.ID)
		}
		return nil
	case isLocal:
		sink.Deliver(response.ID, response.Payload, nil)
		return nil
	default:
		r.logger.Warn("api response for unknown correlation id", "id", response.ID)
		return proto.ErrUnknownCorrelation(response.ID)
	}
}

// ResolveError delivers a dapi-err report for a pending or local
// request.
func (r *Router) ResolveError(report proto.APIErrorReport) error {
	failure := report.Error

	r.mu.Lock()
	pending, isPending := r.pending[report.ID]
	sink, isLocal := r.local[report.ID]
	r.mu.Unlock()

	switch {
	case isPending:
		pending.resolve(nil, &failure)
		return nil
	case isLocal:
		sink.Deliver(report.ID, nil, &failure)
		return nil
	default:
		r.logger.Warn("api error for unknown correlation id", "id", report.ID)
		return proto.ErrUnknownCorrelation(report.ID)
	}
}

// Enqueue accepts an api-call from a worker for local execution. The
// queue worker answers the origin with dapi-res or dapi-err.
func (r *Router) Enqueue(origin string, call proto.APICall) error {
	select {
	case r.queue <- queuedCall{origin: origin, call: call}:
		return nil
	default:
		return proto.ErrInternal(errors.New("api request queue full"))
	}
}

// RunQueue consumes the local execution queue until ctx is cancelled.
func (r *Router) RunQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case queued := <-r.queue:
			r.serve(ctx, queued)
		}
	}
}

func (r *Router) serve(ctx context.Context, queued queuedCall) {
	result, err := r.execute(ctx, queued.call.Payload)
	if err != nil {
		var failure *proto.Error
		if !errors.As(err, &failure) {
			failure = proto.ErrInternal(err)
		}
		report, encodeErr := json.Marshal(proto.APIErrorReport{
			ID:    queued.call.ID,
			Error: *failure,
		})
		if encodeErr != nil {
			r.logger.Error("encoding api error report", "error", encodeErr)
			return
		}
		if _, err := r.directory.RequestWorker(ctx, queued.origin, proto.CmdAPIError, report); err != nil {
			r.logger.Warn("failed to report api error", "node", queued.origin, "error", err)
		}
		return
	}

	response, err := json.Marshal(proto.APIResponse{ID: queued.call.ID, Payload: result})
	if err != nil {
		r.logger.Error("encoding api response", "error", err)
		return
	}
	if _, err := r.directory.RequestWorker(ctx, queued.origin, proto.CmdAPIResp, response); err != nil {
		r.logger.Warn("failed to return api response", "node", queued.origin, "error", err)
	}
}
