// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/warden-fleet/warden/cluster/archive"
	"github.com/warden-fleet/warden/cluster/integrity"
	"github.com/warden-fleet/warden/cluster/proto"
	"github.com/warden-fleet/warden/lib/config"
	"github.com/warden-fleet/warden/lib/filelock"
	"github.com/warden-fleet/warden/lib/merge"
	"github.com/warden-fleet/warden/lib/roster"
)

// sensitiveBasename is never accepted from a worker, whatever the
// manifest claims.
const sensitiveBasename = "client.keys"

// agentInfoName extracts the agent name from an agent-info basename of
// the form <name>-<source>.
var agentInfoName = regexp.MustCompile(`^(.+)-(.+)$`)

// Applier moves files received from a worker into the storage root.
// Merged bundles are split into per-agent files; every write is
// guarded by a per-basename lock and an mtime last-write-wins check.
type Applier struct {
	root    string
	classes map[string]config.FileClass
	locks   *filelock.Dir
	roster  roster.Store
	logger  *slog.Logger
}

// NewApplier builds an Applier writing under root.
func NewApplier(root string, classes map[string]config.FileClass, locks *filelock.Dir, agents roster.Store, logger *slog.Logger) *Applier {
	return &Applier{
		root:    root,
		classes: classes,
		locks:   locks,
		roster:  agents,
		logger:  logger,
	}
}

// ApplyStats summarizes one batch. Error and warning counts are kept
// per file class so the summary can distinguish expected races from
// real failures.
type ApplyStats struct {
	Applied  int
	Errors   map[string]int
	Warnings map[string]int
}

func newApplyStats() ApplyStats {
	return ApplyStats{
		Errors:   make(map[string]int),
		Warnings: make(map[string]int),
	}
}

// Apply walks manifest.Files in a stable order and installs each file
// from extractDir into the storage root. Per-file failures are counted
// and logged, never fatal: the batch always runs to completion. The
// returned stats are also logged as a batch summary.
func (a *Applier) Apply(ctx context.Context, manifest archive.Manifest, extractDir string, logger *slog.Logger) (ApplyStats, error) {
	stats := newApplyStats()

	agents, err := a.roster.Snapshot(ctx)
	if err != nil {
		return stats, fmt.Errorf("loading agent roster: %w", err)
	}

	paths := make([]string, 0, len(manifest.Files))
	for path := range manifest.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		meta := manifest.Files[path]
		key := meta.ClusterItemKey

		if filepath.Base(path) == sensitiveBasename {
			logger.Error("rejected update to sensitive file",
				"path", path,
				"error", proto.ErrSecurityViolation(filepath.Base(path)),
			)
			stats.Warnings[key]++
			continue
		}

		if meta.Merged {
			a.applyBundle(path, meta, extractDir, agents, &stats, logger)
			continue
		}
		if err := a.installFile(path, meta, filepath.Join(extractDir, path), false); err != nil {
			logger.Debug("failed to install file", "path", path, "error", err)
			stats.Errors[key]++
			continue
		}
		stats.Applied++
	}

	a.logSummary(stats, logger)
	return stats, nil
}

// applyBundle splits a merge bundle and installs each entry that
// belongs to a known agent. Entries for agents absent from the roster
// are skipped with a warning count: the agent was likely removed while
// the worker was still syncing.
func (a *Applier) applyBundle(path string, meta integrity.FileMeta, extractDir string, agents roster.Snapshot, stats *ApplyStats, logger *slog.Logger) {
	key := meta.ClusterItemKey

	bundle, err := merge.Open(filepath.Join(extractDir, meta.MergeName))
	if err != nil {
		logger.Debug("failed to open merge bundle", "path", path, "error", err)
		stats.Errors[key]++
		return
	}
	defer bundle.Close()

	for {
		entry, err := bundle.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("truncated merge bundle", "path", path, "error", err)
				stats.Errors[key]++
			}
			return
		}

		if filepath.Base(entry.Path) == sensitiveBasename {
			logger.Error("rejected bundled update to sensitive file",
				"path", entry.Path,
				"error", proto.ErrSecurityViolation(filepath.Base(entry.Path)),
			)
			stats.Warnings[key]++
			continue
		}
		if !knownAgent(meta.MergeKind, entry.Path, agents) {
			stats.Warnings[key]++
			continue
		}

		if err := a.installEntry(entry, meta); err != nil {
			logger.Debug("failed to install bundled file", "path", entry.Path, "error", err)
			stats.Errors[key]++
			continue
		}
		stats.Applied++
	}
}

// knownAgent reports whether a bundled file's agent still exists. The
// agent identity is encoded in the basename: agent-info files are
// named <agent-name>-<source>, agent-groups files are named by agent
// id.
func knownAgent(mergeKind, path string, agents roster.Snapshot) bool {
	basename := filepath.Base(path)
	switch mergeKind {
	case "agent-groups":
		return agents.HasID(basename)
	default:
		m := agentInfoName.FindStringSubmatch(basename)
		if m == nil {
			return false
		}
		return agents.HasName(m[1])
	}
}

// installEntry writes one bundled file under the storage root,
// honoring last-write-wins against the existing file's mtime.
func (a *Applier) installEntry(entry merge.Entry, meta integrity.FileMeta) error {
	mode, err := a.classes[meta.ClusterItemKey].Mode()
	if err != nil {
		return fmt.Errorf("file class %q: %w", meta.ClusterItemKey, err)
	}

	lock, err := a.locks.Lock(filepath.Base(entry.Path))
	if err != nil {
		return err
	}
	defer lock.Release()

	// The staleness check must run under the lock: a concurrent batch
	// may have installed a newer copy between our scheduling and now.
	target := filepath.Join(a.root, entry.Path)
	if existing, err := os.Stat(target); err == nil {
		if !entry.ModTime.After(existing.ModTime()) {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	temporary := target + ".tmp"
	if err := os.WriteFile(temporary, entry.Content, mode); err != nil {
		return err
	}
	if err := os.Chtimes(temporary, entry.ModTime, entry.ModTime); err != nil {
		os.Remove(temporary)
		return err
	}
	if err := os.Rename(temporary, target); err != nil {
		os.Remove(temporary)
		return err
	}
	return nil
}

// installFile moves an extracted plain file into the storage root.
// When lastWriteWins is set an existing newer target is left alone.
func (a *Applier) installFile(path string, meta integrity.FileMeta, source string, lastWriteWins bool) error {
	mode, err := a.classes[meta.ClusterItemKey].Mode()
	if err != nil {
		return fmt.Errorf("file class %q: %w", meta.ClusterItemKey, err)
	}

	lock, err := a.locks.Lock(filepath.Base(path))
	if err != nil {
		return err
	}
	defer lock.Release()

	target := filepath.Join(a.root, path)
	if lastWriteWins {
		if existing, err := os.Stat(target); err == nil {
			if !meta.ModTime.After(existing.ModTime()) {
				return nil
			}
		}
	}

	if err := os.Chmod(source, mode); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	return os.Rename(source, target)
}

// logSummary emits the batch outcome. Warning counts for classes
// marked benign describe expected mid-sync races and drop to debug.
func (a *Applier) logSummary(stats ApplyStats, logger *slog.Logger) {
	for key, count := range stats.Errors {
		logger.Error("batch apply errors", "class", key, "count", count)
	}
	for key, count := range stats.Warnings {
		if a.classes[key].BenignWarnings {
			logger.Debug("batch apply warnings", "class", key, "count", count)
		} else {
			logger.Warn("batch apply warnings", "class", key, "count", count)
		}
	}
	logger.Info("batch applied", "files", stats.Applied)
}
