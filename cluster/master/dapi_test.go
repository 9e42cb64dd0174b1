// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/warden-fleet/warden/cluster/proto"
	"github.com/warden-fleet/warden/lib/clock"
)

// fakeDirectory captures outbound worker requests. Sends to nodes
// listed in fail return that node's error after recording the attempt.
type fakeDirectory struct {
	requests chan fakeRequest
	workers  []string
	fail     map[string]error
}

type fakeRequest struct {
	node    string
	command string
	payload []byte
}

func newFakeDirectory(workers ...string) *fakeDirectory {
	return &fakeDirectory{
		requests: make(chan fakeRequest, 16),
		workers:  workers,
	}
}

func (d *fakeDirectory) RequestWorker(ctx context.Context, node, command string, payload []byte) ([]byte, error) {
	d.requests <- fakeRequest{node: node, command: command, payload: payload}
	if err := d.fail[node]; err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *fakeDirectory) WorkerNames() []string { return d.workers }

// sentCall waits for the next outbound api-call and decodes it.
func (d *fakeDirectory) sentCall(t *testing.T) (string, proto.APICall) {
	t.Helper()
	select {
	case request := <-d.requests:
		var call proto.APICall
		if err := json.Unmarshal(request.payload, &call); err != nil {
			t.Fatalf("decoding outbound api call: %v", err)
		}
		return request.node, call
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound request sent")
		return "", proto.APICall{}
	}
}

func noExecutor(ctx context.Context, payload []byte) ([]byte, error) {
	return nil, errors.New("unexpected local execution")
}

func TestRouterForwardResolves(t *testing.T) {
	directory := newFakeDirectory("worker-01")
	clk := clock.Fake(time.Unix(1000, 0))
	router := NewRouter(directory, noExecutor, time.Minute, clk, discardLogger())

	type outcome struct {
		payload []byte
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		payload, err := router.Forward(context.Background(), "worker-01", json.RawMessage(`{"q":1}`), false)
		done <- outcome{payload, err}
	}()

	node, call := directory.sentCall(t)
	if node != "worker-01" {
		t.Errorf("request sent to %q, want worker-01", node)
	}
	if err := router.Resolve(proto.APIResponse{ID: call.ID, Payload: json.RawMessage(`{"a":2}`)}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got := <-done
	if got.err != nil {
		t.Fatalf("Forward: %v", got.err)
	}
	if string(got.payload) != `{"a":2}` {
		t.Errorf("Forward payload = %s, want {\"a\":2}", got.payload)
	}
}

func TestRouterForwardTimesOut(t *testing.T) {
	directory := newFakeDirectory("worker-01")
	clk := clock.Fake(time.Unix(1000, 0))
	router := NewRouter(directory, noExecutor, 30*time.Second, clk, discardLogger())

	done := make(chan error, 1)
	go func() {
		_, err := router.Forward(context.Background(), "worker-01", json.RawMessage(`{}`), false)
		done <- err
	}()

	directory.sentCall(t)

	// Forward arms its timer after the send; keep advancing until it
	// fires.
	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case err := <-done:
			if !errors.Is(err, proto.ErrRequestTimeout()) {
				t.Errorf("Forward error = %v, want request timeout", err)
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout never fired")
		}
		clk.Advance(31 * time.Second)
		time.Sleep(time.Millisecond)
	}
}

func TestRouterForwardDeliversError(t *testing.T) {
	directory := newFakeDirectory("worker-01")
	clk := clock.Fake(time.Unix(1000, 0))
	router := NewRouter(directory, noExecutor, time.Minute, clk, discardLogger())

	done := make(chan error, 1)
	go func() {
		_, err := router.Forward(context.Background(), "worker-01", json.RawMessage(`{}`), false)
		done <- err
	}()

	_, call := directory.sentCall(t)
	failure := proto.ErrUnknownNode("worker-09")
	if err := router.ResolveError(proto.APIErrorReport{ID: call.ID, Error: *failure}); err != nil {
		t.Fatalf("ResolveError: %v", err)
	}

	if err := <-done; !errors.Is(err, failure) {
		t.Errorf("Forward error = %v, want %v", err, failure)
	}
}

func TestRouterResolveUnknownCorrelation(t *testing.T) {
	directory := newFakeDirectory()
	clk := clock.Fake(time.Unix(1000, 0))
	router := NewRouter(directory, noExecutor, time.Minute, clk, discardLogger())

	err := router.Resolve(proto.APIResponse{ID: "nobody", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, proto.ErrUnknownCorrelation("nobody")) {
		t.Errorf("Resolve error = %v, want unknown correlation", err)
	}
}

func TestRouterResolvesAtMostOnce(t *testing.T) {
	directory := newFakeDirectory("worker-01")
	clk := clock.Fake(time.Unix(1000, 0))
	router := NewRouter(directory, noExecutor, time.Minute, clk, discardLogger())

	done := make(chan []byte, 1)
	go func() {
		payload, _ := router.Forward(context.Background(), "worker-01", json.RawMessage(`{}`), false)
		done <- payload
	}()

	_, call := directory.sentCall(t)
	if err := router.Resolve(proto.APIResponse{ID: call.ID, Payload: json.RawMessage(`"first"`)}); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	// A duplicate may race Forward's cleanup and come back either as
	// a dropped no-op or an unknown correlation; the first payload
	// must win regardless.
	_ = router.Resolve(proto.APIResponse{ID: call.ID, Payload: json.RawMessage(`"second"`)})

	if got := <-done; string(got) != `"first"` {
		t.Errorf("Forward payload = %s, want \"first\"", got)
	}
}

func TestRouterForwardsToLocalClient(t *testing.T) {
	directory := newFakeDirectory()
	clk := clock.Fake(time.Unix(1000, 0))
	router := NewRouter(directory, noExecutor, time.Minute, clk, discardLogger())

	delivered := make(chan []byte, 1)
	router.RegisterLocal("local-1", sinkFunc(func(id string, payload []byte, failure *proto.Error) {
		delivered <- payload
	}))
	defer router.UnregisterLocal("local-1")

	if err := router.Resolve(proto.APIResponse{ID: "local-1", Payload: json.RawMessage(`{"ok":true}`)}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := <-delivered; string(got) != `{"ok":true}` {
		t.Errorf("delivered payload = %s, want {\"ok\":true}", got)
	}
}

// sinkFunc adapts a function to ResponseSink.
type sinkFunc func(id string, payload []byte, failure *proto.Error)

func (f sinkFunc) Deliver(id string, payload []byte, failure *proto.Error) { f(id, payload, failure) }

// TestRouterBroadcastReachesAllWorkers checks that a broadcast is
// dispatched to every connected worker under one correlation id, and
// that a send failure on one node does not fail the call or skip the
// remaining nodes.
func TestRouterBroadcastReachesAllWorkers(t *testing.T) {
	directory := newFakeDirectory("worker-01", "worker-02", "worker-03")
	directory.fail = map[string]error{"worker-02": errors.New("connection lost")}
	clk := clock.Fake(time.Unix(1000, 0))
	router := NewRouter(directory, noExecutor, time.Minute, clk, discardLogger())

	if err := router.Broadcast(context.Background(), json.RawMessage(`{"op":"status"}`)); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	reached := make(map[string]bool)
	var correlationID string
	for i := 0; i < 3; i++ {
		select {
		case request := <-directory.requests:
			if request.command != proto.CmdAPICall {
				t.Errorf("broadcast sent %q to %s, want dapi", request.command, request.node)
			}
			var call proto.APICall
			if err := json.Unmarshal(request.payload, &call); err != nil {
				t.Fatalf("decoding broadcast payload: %v", err)
			}
			if correlationID == "" {
				correlationID = call.ID
			} else if call.ID != correlationID {
				t.Errorf("broadcast used id %q and %q, want one id for all nodes", correlationID, call.ID)
			}
			reached[request.node] = true
		default:
			t.Fatal("broadcast skipped a worker")
		}
	}
	for _, node := range directory.workers {
		if !reached[node] {
			t.Errorf("broadcast never reached %s", node)
		}
	}
}

func TestRouterEnqueueRejectsWhenFull(t *testing.T) {
	directory := newFakeDirectory("worker-01")
	clk := clock.Fake(time.Unix(1000, 0))
	router := NewRouter(directory, noExecutor, time.Minute, clk, discardLogger())

	// Nothing consumes the queue, so it fills to capacity.
	for i := 0; i < cap(router.queue); i++ {
		if err := router.Enqueue("worker-01", proto.APICall{ID: fmt.Sprintf("req-%d", i)}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	err := router.Enqueue("worker-01", proto.APICall{ID: "overflow"})
	if err == nil {
		t.Fatal("Enqueue on a full queue succeeded")
	}
	var typed *proto.Error
	if !errors.As(err, &typed) || typed.Kind != proto.KindInternal {
		t.Errorf("Enqueue error = %v, want typed internal error", err)
	}
}

func TestRouterQueueExecutesAndResponds(t *testing.T) {
	directory := newFakeDirectory("worker-01")
	clk := clock.Fake(time.Unix(1000, 0))
	execute := func(ctx context.Context, payload []byte) ([]byte, error) {
		return json.RawMessage(`{"answer":42}`), nil
	}
	router := NewRouter(directory, execute, time.Minute, clk, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.RunQueue(ctx)

	if err := router.Enqueue("worker-01", proto.APICall{ID: "req-1", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case request := <-directory.requests:
		if request.node != "worker-01" || request.command != proto.CmdAPIResp {
			t.Fatalf("queue answered %q to %q, want dapi-res to worker-01", request.command, request.node)
		}
		var response proto.APIResponse
		if err := json.Unmarshal(request.payload, &response); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		if response.ID != "req-1" || string(response.Payload) != `{"answer":42}` {
			t.Errorf("response = %+v, want id req-1 with answer payload", response)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queue never answered")
	}
}

func TestRouterQueueReportsFailure(t *testing.T) {
	directory := newFakeDirectory("worker-01")
	clk := clock.Fake(time.Unix(1000, 0))
	execute := func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, proto.ErrUnknownNode("worker-09")
	}
	router := NewRouter(directory, execute, time.Minute, clk, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.RunQueue(ctx)

	if err := router.Enqueue("worker-01", proto.APICall{ID: "req-2", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case request := <-directory.requests:
		if request.command != proto.CmdAPIError {
			t.Fatalf("queue answered %q, want dapi-err", request.command)
		}
		var report proto.APIErrorReport
		if err := json.Unmarshal(request.payload, &report); err != nil {
			t.Fatalf("decoding error report: %v", err)
		}
		if report.ID != "req-2" || !errors.Is(&report.Error, proto.ErrUnknownNode("worker-09")) {
			t.Errorf("report = %+v, want unknown-node for req-2", report)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queue never answered")
	}
}
