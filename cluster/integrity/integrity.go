// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package integrity computes the master's authoritative file-state
// table and classifies worker-reported files against it.
//
// The sync core consumes both operations through function-typed seams,
// so this package stays a collaborator: the state machines in
// cluster/master orchestrate it but never depend on how the hashing or
// classification works.
package integrity

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// FileMeta describes one tracked file. Local table entries carry the
// checksum and modification time; descriptors arriving from workers
// additionally carry merge information.
type FileMeta struct {
	// Checksum is the hex-encoded BLAKE3 hash of the file content.
	Checksum string `json:"checksum"`

	// ModTime is the file's modification time.
	ModTime time.Time `json:"mtime"`

	// ClusterItemKey is the configuration key (directory prefix) the
	// file belongs to. Selects permissions and warning policy during
	// apply.
	ClusterItemKey string `json:"cluster_item_key"`

	// Merged marks descriptors whose content is a merge bundle of
	// many per-agent files.
	Merged bool `json:"merged,omitempty"`

	// MergeKind is "agent-info" or "agent-groups" when Merged is set.
	MergeKind string `json:"merge_kind,omitempty"`

	// MergeName is the bundle file name inside the extraction
	// directory when Merged is set.
	MergeName string `json:"merge_name,omitempty"`
}

// Table maps storage-root-relative paths to file metadata. The scanner
// replaces the master's table wholesale on each recomputation; readers
// treat a Table as immutable.
type Table map[string]FileMeta

// ComputeTable walks the configured class prefixes under root and
// hashes every regular file. Paths in the returned table are relative
// to root. Prefixes that do not exist yet are skipped — a fresh
// install has no agent files.
func ComputeTable(root string, classPrefixes []string) (Table, error) {
	table := make(Table)
	for _, prefix := range classPrefixes {
		base := filepath.Join(root, prefix)
		err := filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !entry.Type().IsRegular() {
				return nil
			}
			info, err := entry.Info()
			if err != nil {
				return err
			}
			checksum, err := hashFile(path)
			if err != nil {
				return err
			}
			relative, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			table[filepath.ToSlash(relative)] = FileMeta{
				Checksum:       checksum,
				ModTime:        info.ModTime(),
				ClusterItemKey: prefix,
			}
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("walking %s: %w", base, err)
		}
	}
	return table, nil
}

// hashFile returns the hex BLAKE3 hash of the file at path.
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// Result is the classification of a worker's reported files against
// the master's table.
type Result struct {
	// Shared is present on both sides; the master resends its copy so
	// the worker converges on the authoritative content.
	Shared Table `json:"shared"`

	// Missing is tracked by the master but absent on the worker.
	Missing Table `json:"missing"`

	// Extra is present on the worker but untracked by the master and
	// outside every extra-valid prefix.
	Extra Table `json:"extra"`

	// ExtraValid is present on the worker, untracked by the master,
	// but under a prefix whose files still get conditionally applied
	// (agent group assignments).
	ExtraValid Table `json:"extra_valid"`
}

// KOCount returns the number of files requiring correction: the size
// of the shared and missing sets.
func (r Result) KOCount() int {
	return len(r.Shared) + len(r.Missing)
}

// Diff classifies remote descriptors against the local table by
// presence: paths on both sides are shared, paths only the master
// tracks are missing, and worker-only paths are extra — or extra-valid
// when they fall under one of the given prefixes.
func Diff(local, remote Table, extraValidPrefixes []string) Result {
	result := Result{
		Shared:     make(Table),
		Missing:    make(Table),
		Extra:      make(Table),
		ExtraValid: make(Table),
	}

	for path, meta := range local {
		if _, exists := remote[path]; exists {
			result.Shared[path] = meta
		} else {
			result.Missing[path] = meta
		}
	}

	for path, meta := range remote {
		if _, exists := local[path]; exists {
			continue
		}
		if underAnyPrefix(path, extraValidPrefixes) {
			result.ExtraValid[path] = meta
		} else {
			result.Extra[path] = meta
		}
	}

	return result
}

// underAnyPrefix reports whether the slash-separated path falls under
// one of the prefixes.
func underAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
