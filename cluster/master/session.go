// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/warden-fleet/warden/cluster/proto"
)

// handlerFunc processes one decoded command.
type handlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Session is one connected worker. Commands arrive serially on the
// connection's read loop; sync tasks and outbound requests run on
// their own goroutines and die with the session context.
type Session struct {
	master *Master
	conn   *proto.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	dispatch map[string]handlerFunc

	// set during the hello handshake
	receiver *proto.FileReceiver
	lanes    map[proto.Lane]*Lane

	mu            sync.Mutex
	identified    bool
	name          string
	nodeType      string
	version       string
	lastKeepalive time.Time
}

func newSession(m *Master, conn *proto.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		master: m,
		conn:   conn,
		logger: m.logger.With("remote", conn.RemoteAddr()),
		ctx:    ctx,
		cancel: cancel,
	}
	s.dispatch = s.buildDispatch()
	return s
}

// buildDispatch wires every command tag to its handler. The table is
// fixed for the session's lifetime; lane handlers resolve their lane
// at call time since lanes exist only after the handshake.
func (s *Session) buildDispatch() map[string]handlerFunc {
	d := map[string]handlerFunc{
		proto.CmdHello:     s.handleHello,
		proto.CmdKeepalive: s.handleKeepalive,
		proto.CmdFileOpen:  s.handleFileOpen,
		proto.CmdFileChunk: s.handleFileChunk,
		proto.CmdFileClose: s.handleFileClose,
		proto.CmdAPICall:   s.handleAPICall,
		proto.CmdAPIResp:   s.handleAPIResponse,
		proto.CmdAPIError:  s.handleAPIError,
		proto.CmdGetNodes:  s.handleGetNodes,
		proto.CmdGetHealth: s.handleGetHealth,
	}
	for _, lane := range proto.Lanes {
		lane := lane
		d[proto.CmdSyncPermission(lane)] = func(ctx context.Context, payload []byte) ([]byte, error) {
			return s.handlePermission(lane)
		}
		d[proto.CmdSyncSetup(lane)] = func(ctx context.Context, payload []byte) ([]byte, error) {
			return s.handleSetup(lane)
		}
		d[proto.CmdSyncEnd(lane)] = func(ctx context.Context, payload []byte) ([]byte, error) {
			return s.handleEnd(lane, payload)
		}
		d[proto.CmdSyncError(lane)] = func(ctx context.Context, payload []byte) ([]byte, error) {
			return s.handleSyncError(lane, payload)
		}
	}
	return d
}

// run serves the connection until it drops, then tears the session
// down: in-flight sync tasks are cancelled and the node leaves the
// registry.
func (s *Session) run(ctx context.Context) {
	err := s.conn.Serve(ctx, s.handle)

	s.cancel()
	s.master.unregister(s)
	if s.receiver != nil {
		s.receiver.Abort()
	}

	name := s.Name()
	if name == "" {
		name = "unidentified"
	}
	if err != nil {
		s.logger.Warn("worker connection lost", "node", name, "error", err)
	} else {
		s.logger.Info("worker disconnected", "node", name)
	}
}

// handle is the connection's command entry point. Everything except
// hello requires a completed handshake.
func (s *Session) handle(ctx context.Context, command string, payload []byte) ([]byte, error) {
	handler, ok := s.dispatch[command]
	if !ok {
		return nil, proto.ErrUnknownCommand(command)
	}
	if command != proto.CmdHello && !s.Identified() {
		return nil, proto.ErrUnknownNode("unidentified")
	}
	return handler(ctx, payload)
}

// Identified reports whether the handshake completed.
func (s *Session) Identified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identified
}

// Name returns the worker's node name, empty before the handshake.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// LastKeepalive returns the time of the worker's last liveness signal.
func (s *Session) LastKeepalive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKeepalive
}

// handleHello validates the worker's identity and registers it. A
// cluster-name or version mismatch fails the handshake; the session
// stays connected but unidentified, and every later command is
// rejected.
func (s *Session) handleHello(ctx context.Context, payload []byte) ([]byte, error) {
	var hello proto.HelloRequest
	if err := json.Unmarshal(payload, &hello); err != nil {
		return nil, proto.ErrInternal(fmt.Errorf("decoding hello: %w", err))
	}

	m := s.master
	if hello.ClusterName != m.cfg.Cluster.Name {
		s.logger.Warn("rejected worker with wrong cluster name",
			"node", hello.Name,
			"cluster", hello.ClusterName,
		)
		return nil, proto.ErrClusterNameMismatch(hello.ClusterName, m.cfg.Cluster.Name)
	}
	if hello.Version != m.version {
		s.logger.Warn("rejected worker with mismatched version",
			"node", hello.Name,
			"version", hello.Version,
		)
		return nil, proto.ErrVersionMismatch(hello.Version, m.version)
	}

	staging, err := m.stagingDir(hello.Name)
	if err != nil {
		return nil, proto.ErrInternal(err)
	}

	s.mu.Lock()
	s.identified = true
	s.name = hello.Name
	s.nodeType = hello.NodeType
	s.version = hello.Version
	s.lastKeepalive = m.clock.Now()
	s.mu.Unlock()

	s.receiver = proto.NewFileReceiver(staging)
	s.lanes = make(map[proto.Lane]*Lane, len(proto.Lanes))
	deps := m.laneDeps(staging)
	laneLogger := s.logger.With("node", hello.Name)
	for _, lane := range proto.Lanes {
		s.lanes[lane] = newLane(lane, s.conn, deps, laneLogger)
	}

	if err := m.register(s); err != nil {
		s.mu.Lock()
		s.identified = false
		s.mu.Unlock()
		return nil, err
	}
	s.logger.Info("worker connected", "node", hello.Name, "version", hello.Version)

	return json.Marshal(proto.HelloResponse{
		Name:        m.cfg.Cluster.NodeName,
		ClusterName: m.cfg.Cluster.Name,
		NodeType:    m.cfg.Cluster.NodeType,
		Version:     m.version,
	})
}

func (s *Session) handleKeepalive(ctx context.Context, payload []byte) ([]byte, error) {
	s.mu.Lock()
	s.lastKeepalive = s.master.clock.Now()
	s.mu.Unlock()
	return nil, nil
}

func (s *Session) handleFileOpen(ctx context.Context, payload []byte) ([]byte, error) {
	var open proto.FileOpen
	if err := json.Unmarshal(payload, &open); err != nil {
		return nil, proto.ErrInternal(fmt.Errorf("decoding file-open: %w", err))
	}
	if err := s.receiver.Open(open.Name); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Session) handleFileChunk(ctx context.Context, payload []byte) ([]byte, error) {
	return nil, s.receiver.Chunk(payload)
}

func (s *Session) handleFileClose(ctx context.Context, payload []byte) ([]byte, error) {
	var done proto.FileClose
	if err := json.Unmarshal(payload, &done); err != nil {
		return nil, proto.ErrInternal(fmt.Errorf("decoding file-close: %w", err))
	}
	if _, err := s.receiver.Close(done.Name, done.Checksum); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Session) handlePermission(lane proto.Lane) ([]byte, error) {
	return json.Marshal(proto.PermissionResponse{Free: s.lanes[lane].Free()})
}

func (s *Session) handleSetup(lane proto.Lane) ([]byte, error) {
	taskID, err := s.lanes[lane].Setup(s.ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(proto.SetupResponse{TaskID: taskID})
}

func (s *Session) handleEnd(lane proto.Lane, payload []byte) ([]byte, error) {
	var end proto.TransferEnd
	if err := json.Unmarshal(payload, &end); err != nil {
		return nil, proto.ErrInternal(fmt.Errorf("decoding sync end: %w", err))
	}
	if filepath.Base(end.Name) != end.Name {
		return nil, proto.ErrTransfer(fmt.Errorf("invalid staged file name %q", end.Name))
	}
	return nil, s.lanes[lane].End(end)
}

func (s *Session) handleSyncError(lane proto.Lane, payload []byte) ([]byte, error) {
	var report proto.SyncErrorReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, proto.ErrInternal(fmt.Errorf("decoding sync error: %w", err))
	}
	return nil, s.lanes[lane].Fail(report)
}

func (s *Session) handleAPICall(ctx context.Context, payload []byte) ([]byte, error) {
	var call proto.APICall
	if err := json.Unmarshal(payload, &call); err != nil {
		return nil, proto.ErrInternal(fmt.Errorf("decoding api call: %w", err))
	}
	return nil, s.master.router.Enqueue(s.Name(), call)
}

func (s *Session) handleAPIResponse(ctx context.Context, payload []byte) ([]byte, error) {
	var response proto.APIResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, proto.ErrInternal(fmt.Errorf("decoding api response: %w", err))
	}
	return nil, s.master.router.Resolve(response)
}

func (s *Session) handleAPIError(ctx context.Context, payload []byte) ([]byte, error) {
	var report proto.APIErrorReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, proto.ErrInternal(fmt.Errorf("decoding api error: %w", err))
	}
	return nil, s.master.router.ResolveError(report)
}

func (s *Session) handleGetNodes(ctx context.Context, payload []byte) ([]byte, error) {
	var request proto.NodesRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, proto.ErrInternal(fmt.Errorf("decoding nodes request: %w", err))
		}
	}
	return json.Marshal(s.master.Nodes(request.Nodes))
}

func (s *Session) handleGetHealth(ctx context.Context, payload []byte) ([]byte, error) {
	return json.Marshal(s.master.Health(ctx))
}

// laneStatuses snapshots all lane states for health reporting.
func (s *Session) laneStatuses() map[string]LaneStatus {
	statuses := make(map[string]LaneStatus, len(s.lanes))
	for kind, lane := range s.lanes {
		statuses[string(kind)] = lane.Status()
	}
	return statuses
}

// info returns the worker's descriptor.
func (s *Session) info() NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NodeInfo{
		Name:    s.name,
		Type:    s.nodeType,
		Version: s.version,
		Address: s.conn.RemoteAddr(),
	}
}
