// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/warden-fleet/warden/cluster/integrity"
	"github.com/warden-fleet/warden/lib/clock"
	"github.com/warden-fleet/warden/lib/codec"
)

// Scanner recomputes the master's authoritative file-state table on a
// fixed interval. The table is replaced wholesale on each successful
// recomputation; integrity lanes read a reference snapshot and never
// lock. A failed recomputation keeps the previous table — the loop
// never stops.
type Scanner struct {
	compute  func() (integrity.Table, error)
	interval time.Duration

	// statePath, when non-empty, is where the table snapshot is
	// persisted so a restarted master has a table before its first
	// recomputation finishes.
	statePath string

	clock  clock.Clock
	logger *slog.Logger

	table atomic.Pointer[integrity.Table]
}

// NewScanner builds a Scanner. compute is the external checksum
// collaborator; statePath may be empty to disable persistence.
func NewScanner(compute func() (integrity.Table, error), interval time.Duration, statePath string, clk clock.Clock, logger *slog.Logger) *Scanner {
	scanner := &Scanner{
		compute:   compute,
		interval:  interval,
		statePath: statePath,
		clock:     clk,
		logger:    logger.With("task", "file-integrity"),
	}
	empty := integrity.Table{}
	scanner.table.Store(&empty)
	return scanner
}

// Table returns the current authoritative table. The returned value is
// a snapshot reference: the scanner never mutates a published table.
func (s *Scanner) Table() integrity.Table {
	return *s.table.Load()
}

// snapshotFile is the persisted scanner state.
type snapshotFile struct {
	ComputedAt time.Time       `json:"computed_at"`
	Files      integrity.Table `json:"files"`
}

// LoadSnapshot restores the last persisted table, if any. Called once
// at startup before Run.
func (s *Scanner) LoadSnapshot() error {
	if s.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading integrity snapshot: %w", err)
	}

	var snapshot snapshotFile
	if err := codec.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decoding integrity snapshot: %w", err)
	}

	s.table.Store(&snapshot.Files)
	s.logger.Info("integrity snapshot restored",
		"files", len(snapshot.Files),
		"computed_at", snapshot.ComputedAt,
	)
	return nil
}

// Run recomputes the table once immediately, then on every interval
// tick until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.recompute()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recompute()
		}
	}
}

// recompute replaces the table, persisting the new snapshot. On
// failure the previous table is retained and the failure logged.
func (s *Scanner) recompute() {
	started := s.clock.Now()
	table, err := s.compute()
	if err != nil {
		s.logger.Error("integrity recomputation failed", "error", err)
		return
	}

	s.table.Store(&table)
	s.logger.Debug("integrity table recomputed",
		"files", len(table),
		"elapsed", s.clock.Now().Sub(started),
	)

	if err := s.persist(table); err != nil {
		s.logger.Warn("failed to persist integrity snapshot", "error", err)
	}
}

// persist atomically writes the snapshot file: temp file in the same
// directory, then rename.
func (s *Scanner) persist(table integrity.Table) error {
	if s.statePath == "" {
		return nil
	}
	data, err := codec.Marshal(snapshotFile{
		ComputedAt: s.clock.Now(),
		Files:      table,
	})
	if err != nil {
		return fmt.Errorf("encoding integrity snapshot: %w", err)
	}

	temporaryPath := s.statePath + ".tmp"
	if err := os.WriteFile(temporaryPath, data, 0o640); err != nil {
		return fmt.Errorf("writing integrity snapshot: %w", err)
	}
	if err := os.Rename(temporaryPath, s.statePath); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming integrity snapshot: %w", err)
	}
	return nil
}
