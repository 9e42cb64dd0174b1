// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package roster exposes the agent roster to the sync core. The
// file-update applier snapshots the roster once per batch and checks
// every unmerged per-agent file against it, skipping files for agents
// that no longer exist.
package roster

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// Agent is one registered agent.
type Agent struct {
	// ID is the numeric agent identifier, kept as a string because it
	// is zero padded ("001").
	ID string

	// Name is the agent's registered name.
	Name string
}

// Snapshot is a point-in-time view of the roster. Taken once per apply
// batch, never refreshed mid-batch.
type Snapshot struct {
	ids   map[string]bool
	names map[string]bool
}

// NewSnapshot builds a Snapshot from a list of agents.
func NewSnapshot(agents []Agent) Snapshot {
	snapshot := Snapshot{
		ids:   make(map[string]bool, len(agents)),
		names: make(map[string]bool, len(agents)),
	}
	for _, agent := range agents {
		snapshot.ids[agent.ID] = true
		snapshot.names[agent.Name] = true
	}
	return snapshot
}

// HasID reports whether an agent with the given id is registered.
func (s Snapshot) HasID(id string) bool { return s.ids[id] }

// HasName reports whether an agent with the given name is registered.
func (s Snapshot) HasName(name string) bool { return s.names[name] }

// Len returns the number of registered agent ids.
func (s Snapshot) Len() int { return len(s.ids) }

// Store produces roster snapshots.
type Store interface {
	// Snapshot returns the current roster. Implementations must
	// return a self-contained value: the caller holds it for a whole
	// apply batch.
	Snapshot(ctx context.Context) (Snapshot, error)
}

// FileStore reads the roster from a registry file with one agent per
// line: id, name, and optional trailing fields, space separated.
// Comment lines start with '#'.
type FileStore struct {
	Path string
}

// Snapshot parses the registry file.
func (f FileStore) Snapshot(ctx context.Context) (Snapshot, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("opening agent registry: %w", err)
	}
	defer file.Close()

	var agents []Agent
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return Snapshot{}, fmt.Errorf("malformed registry line %q", line)
		}
		agents = append(agents, Agent{ID: fields[0], Name: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("reading agent registry: %w", err)
	}
	return NewSnapshot(agents), nil
}

// Static returns a Store that always serves the given agents. Used in
// tests and by single-node deployments with a fixed roster.
func Static(agents ...Agent) Store {
	return staticStore{snapshot: NewSnapshot(agents)}
}

type staticStore struct {
	snapshot Snapshot
}

func (s staticStore) Snapshot(ctx context.Context) (Snapshot, error) {
	return s.snapshot, nil
}
