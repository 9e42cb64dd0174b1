// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package roster

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry")
	content := `# agent registry
001 host-a 10.0.0.1 aabbcc
002 host-b 10.0.0.2 ddeeff

003 host-c
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing registry: %v", err)
	}

	snapshot, err := FileStore{Path: path}.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	if snapshot.Len() != 3 {
		t.Errorf("Len() = %d, want 3", snapshot.Len())
	}
	if !snapshot.HasID("002") {
		t.Error("HasID(002) = false, want true")
	}
	if !snapshot.HasName("host-c") {
		t.Error("HasName(host-c) = false, want true")
	}
	if snapshot.HasID("004") {
		t.Error("HasID(004) = true, want false")
	}
}

func TestFileStoreRejectsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry")
	if err := os.WriteFile(path, []byte("justanid\n"), 0o600); err != nil {
		t.Fatalf("writing registry: %v", err)
	}
	if _, err := (FileStore{Path: path}).Snapshot(context.Background()); err == nil {
		t.Fatal("Snapshot() accepted malformed registry line")
	}
}

func TestStaticStore(t *testing.T) {
	store := Static(Agent{ID: "001", Name: "host-a"})
	snapshot, err := store.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if !snapshot.HasID("001") || !snapshot.HasName("host-a") {
		t.Error("static snapshot missing seeded agent")
	}
}
