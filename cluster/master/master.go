// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/warden-fleet/warden/cluster/archive"
	"github.com/warden-fleet/warden/cluster/integrity"
	"github.com/warden-fleet/warden/cluster/proto"
	"github.com/warden-fleet/warden/lib/clock"
	"github.com/warden-fleet/warden/lib/config"
	"github.com/warden-fleet/warden/lib/filelock"
	"github.com/warden-fleet/warden/lib/roster"
	"github.com/warden-fleet/warden/lib/version"
)

// Collaborators are the seams the master orchestrates through. The
// defaults wire the real implementations; tests substitute pieces.
type Collaborators struct {
	// ComputeTable produces the master's authoritative file table.
	ComputeTable func() (integrity.Table, error)

	// Diff classifies a worker's table against the local one.
	Diff func(local, remote integrity.Table) integrity.Result

	// Compress packs an integrity-fix archive at outPath.
	Compress func(outPath string, manifest archive.Manifest) error

	// Extract unpacks a received archive and returns its manifest.
	Extract func(archivePath, destDir string) (archive.Manifest, error)

	// Roster resolves which agents currently exist.
	Roster roster.Store

	// Execute runs a distributed API request on this node.
	Execute LocalExecutor

	// ActiveAgents counts agents reporting through the named node,
	// for health snapshots.
	ActiveAgents func(ctx context.Context, node string) (int, error)
}

// DefaultCollaborators wires the production implementations for cfg.
func DefaultCollaborators(cfg config.Config) Collaborators {
	prefixes := classPrefixes(cfg)
	extraValid := extraValidPrefixes(cfg)
	codec := archive.Codec(cfg.Archive.Compression)
	agents := roster.FileStore{Path: filepath.Join(cfg.Paths.Root, "etc", "client.keys")}

	return Collaborators{
		ComputeTable: func() (integrity.Table, error) {
			return integrity.ComputeTable(cfg.Paths.Root, prefixes)
		},
		Diff: func(local, remote integrity.Table) integrity.Result {
			return integrity.Diff(local, remote, extraValid)
		},
		Compress: func(outPath string, manifest archive.Manifest) error {
			return archive.Create(outPath, codec, cfg.Paths.Root, manifest)
		},
		Extract: archive.Extract,
		Roster:  agents,
		Execute: func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, proto.ErrInternal(errors.New("no local api executor configured"))
		},
		ActiveAgents: func(ctx context.Context, node string) (int, error) {
			snapshot, err := agents.Snapshot(ctx)
			if err != nil {
				return 0, err
			}
			return snapshot.Len(), nil
		},
	}
}

// classPrefixes lists the configured directory prefixes in a stable
// order.
func classPrefixes(cfg config.Config) []string {
	prefixes := make([]string, 0, len(cfg.Files))
	for key := range cfg.Files {
		prefixes = append(prefixes, key)
	}
	sort.Strings(prefixes)
	return prefixes
}

// extraValidPrefixes lists the prefixes whose worker-only files are
// still conditionally applied: the group-assignment bundles workers
// produce themselves.
func extraValidPrefixes(cfg config.Config) []string {
	var prefixes []string
	for key, class := range cfg.Files {
		if class.MergeKind == "agent-groups" {
			prefixes = append(prefixes, key)
		}
	}
	sort.Strings(prefixes)
	return prefixes
}

// Master accepts worker connections and coordinates file
// synchronization and distributed API traffic across the cluster.
type Master struct {
	cfg     config.Config
	collab  Collaborators
	clock   clock.Clock
	logger  *slog.Logger
	version string

	scanner *Scanner
	router  *Router
	applier *Applier
	locks   *filelock.Dir

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds a Master from cfg and its collaborators.
func New(cfg config.Config, collab Collaborators, clk clock.Clock, logger *slog.Logger) (*Master, error) {
	locks, err := filelock.NewDir(filepath.Join(cfg.Paths.Queue, "locks"))
	if err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	if err := os.MkdirAll(cfg.Paths.State, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	m := &Master{
		cfg:      cfg,
		collab:   collab,
		clock:    clk,
		logger:   logger,
		version:  version.Short(),
		locks:    locks,
		sessions: make(map[string]*Session),
	}
	m.scanner = NewScanner(
		collab.ComputeTable,
		cfg.Intervals.RecomputeIntegrityInterval(),
		filepath.Join(cfg.Paths.State, "integrity.snapshot"),
		clk,
		logger,
	)
	m.router = NewRouter(m, collab.Execute, cfg.Intervals.APIRequestTimeoutDuration(), clk, logger)
	m.applier = NewApplier(cfg.Paths.Root, cfg.Files, locks, collab.Roster, logger)
	return m, nil
}

// Router exposes the distributed API router, for local API frontends.
func (m *Master) Router() *Router { return m.router }

// laneDeps builds the collaborator set for a session's lanes.
func (m *Master) laneDeps(staging string) laneDeps {
	return laneDeps{
		staging:    staging,
		localTable: m.scanner.Table,
		diff:       m.collab.Diff,
		compress:   m.collab.Compress,
		extract:    m.collab.Extract,
		apply:      m.applier.Apply,
		timeout:    m.cfg.Intervals.ReceiveFileTimeoutDuration(),
		clock:      m.clock,
	}
}

// stagingDir creates and returns the per-worker upload directory.
func (m *Master) stagingDir(node string) (string, error) {
	if filepath.Base(node) != node || node == "." || node == ".." {
		return "", fmt.Errorf("invalid node name %q", node)
	}
	dir := filepath.Join(m.cfg.Paths.Queue, "cluster", node)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	return dir, nil
}

// register adds an identified session to the registry. A second
// session claiming a connected node's name is rejected.
func (m *Master) register(s *Session) error {
	name := s.Name()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[name]; exists {
		return proto.ErrInternal(fmt.Errorf("node %q already connected", name))
	}
	m.sessions[name] = s
	return nil
}

func (m *Master) unregister(s *Session) {
	name := s.Name()
	if name == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[name] == s {
		delete(m.sessions, name)
	}
}

// session looks up a connected worker by name.
func (m *Master) session(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	return s, ok
}

// RequestWorker implements Directory.
func (m *Master) RequestWorker(ctx context.Context, node, command string, payload []byte) ([]byte, error) {
	s, ok := m.session(node)
	if !ok {
		return nil, proto.ErrUnknownNode(node)
	}
	return s.conn.Request(ctx, command, payload)
}

// WorkerNames implements Directory.
func (m *Master) WorkerNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NodeInfo describes one cluster node.
type NodeInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Address string `json:"address,omitempty"`
}

// NodeHealth is one node's entry in a health snapshot. Sync status is
// present for workers only; the master has no inbound lanes.
type NodeHealth struct {
	Info          NodeInfo              `json:"info"`
	Sync          map[string]LaneStatus `json:"sync,omitempty"`
	LastKeepalive time.Time             `json:"last_keepalive,omitzero"`
	ActiveAgents  int                   `json:"active_agents"`
}

// HealthSnapshot is the cluster-wide health report.
type HealthSnapshot struct {
	ConnectedNodes int                   `json:"n_connected_nodes"`
	Nodes          map[string]NodeHealth `json:"nodes"`
}

// selfInfo is the master's own descriptor.
func (m *Master) selfInfo() NodeInfo {
	return NodeInfo{
		Name:    m.cfg.Cluster.NodeName,
		Type:    m.cfg.Cluster.NodeType,
		Version: m.version,
	}
}

// Nodes returns the topology: the master itself plus every connected
// worker. A non-empty filter narrows the result to the named nodes.
func (m *Master) Nodes(filter []string) map[string]NodeInfo {
	wanted := make(map[string]bool, len(filter))
	for _, name := range filter {
		wanted[name] = true
	}
	include := func(name string) bool {
		return len(wanted) == 0 || wanted[name]
	}

	nodes := make(map[string]NodeInfo)
	if self := m.selfInfo(); include(self.Name) {
		nodes[self.Name] = self
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.sessions {
		if include(name) {
			nodes[name] = s.info()
		}
	}
	return nodes
}

// Health assembles the cluster health snapshot: connected-node count,
// per-node descriptors, sync lane status, and active agent counts.
func (m *Master) Health(ctx context.Context) HealthSnapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	nodes := make(map[string]NodeHealth, len(sessions)+1)

	self := m.selfInfo()
	nodes[self.Name] = NodeHealth{
		Info:         self,
		ActiveAgents: m.activeAgents(ctx, self.Name),
	}
	for _, s := range sessions {
		info := s.info()
		nodes[info.Name] = NodeHealth{
			Info:          info,
			Sync:          s.laneStatuses(),
			LastKeepalive: s.LastKeepalive(),
			ActiveAgents:  m.activeAgents(ctx, info.Name),
		}
	}

	return HealthSnapshot{
		// The master counts itself.
		ConnectedNodes: len(sessions) + 1,
		Nodes:          nodes,
	}
}

func (m *Master) activeAgents(ctx context.Context, node string) int {
	count, err := m.collab.ActiveAgents(ctx, node)
	if err != nil {
		m.logger.Debug("failed to count active agents", "node", node, "error", err)
		return 0
	}
	return count
}

// Run starts the background tasks and serves worker connections on
// the configured listen address until ctx is cancelled.
func (m *Master) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.cfg.Cluster.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", m.cfg.Cluster.ListenAddress, err)
	}
	m.logger.Info("master listening",
		"address", listener.Addr().String(),
		"node", m.cfg.Cluster.NodeName,
		"version", m.version,
	)
	return m.Serve(ctx, listener)
}

// Serve runs the master on an existing listener. Exported separately
// so tests can serve on an ephemeral port or a pipe listener.
func (m *Master) Serve(ctx context.Context, listener net.Listener) error {
	if err := m.scanner.LoadSnapshot(); err != nil {
		m.logger.Warn("failed to restore integrity snapshot", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); m.scanner.Run(ctx) }()
	go func() { defer wg.Done(); m.router.RunQueue(ctx) }()
	go func() { defer wg.Done(); m.watchKeepalives(ctx) }()

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	var sessions sync.WaitGroup
	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			m.logger.Warn("accept failed", "error", err)
			continue
		}

		s := newSession(m, proto.NewConn(raw, m.logger))
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			s.run(ctx)
		}()
	}

	sessions.Wait()
	wg.Wait()
	return nil
}

// watchKeepalives disconnects workers that stopped sending liveness
// signals. A dead connection that TCP has not noticed would otherwise
// hold its node name and staging directory indefinitely.
func (m *Master) watchKeepalives(ctx context.Context) {
	timeout := m.cfg.Intervals.KeepaliveTimeoutDuration()
	ticker := m.clock.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := m.clock.Now()
		m.mu.Lock()
		stale := make([]*Session, 0)
		for _, s := range m.sessions {
			if now.Sub(s.LastKeepalive()) > timeout {
				stale = append(stale, s)
			}
		}
		m.mu.Unlock()

		for _, s := range stale {
			m.logger.Warn("disconnecting unresponsive worker", "node", s.Name())
			s.conn.Close()
		}
	}
}
