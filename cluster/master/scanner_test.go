// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/warden-fleet/warden/cluster/integrity"
	"github.com/warden-fleet/warden/lib/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bufferLogger captures log output for assertions on structured
// error attributes.
func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func TestScannerReplacesTableOnSuccess(t *testing.T) {
	tables := []integrity.Table{
		{"etc/shared/a.conf": {Checksum: "one"}},
		{"etc/shared/a.conf": {Checksum: "two"}},
	}
	calls := 0
	compute := func() (integrity.Table, error) {
		table := tables[calls]
		calls++
		return table, nil
	}

	clk := clock.Fake(time.Unix(1000, 0))
	s := NewScanner(compute, time.Minute, "", clk, discardLogger())

	s.recompute()
	if got := s.Table()["etc/shared/a.conf"].Checksum; got != "one" {
		t.Fatalf("checksum after first recompute = %q, want %q", got, "one")
	}
	s.recompute()
	if got := s.Table()["etc/shared/a.conf"].Checksum; got != "two" {
		t.Fatalf("checksum after second recompute = %q, want %q", got, "two")
	}
}

func TestScannerKeepsTableOnFailure(t *testing.T) {
	calls := 0
	compute := func() (integrity.Table, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("walk failed")
		}
		return integrity.Table{"etc/shared/a.conf": {Checksum: "good"}}, nil
	}

	clk := clock.Fake(time.Unix(1000, 0))
	s := NewScanner(compute, time.Minute, "", clk, discardLogger())

	s.recompute()
	s.recompute()

	if got := s.Table()["etc/shared/a.conf"].Checksum; got != "good" {
		t.Errorf("checksum after failed recompute = %q, want previous table retained", got)
	}
}

func TestScannerEmptyBeforeFirstRecompute(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	s := NewScanner(nil, time.Minute, "", clk, discardLogger())
	if got := len(s.Table()); got != 0 {
		t.Errorf("initial table has %d entries, want 0", got)
	}
}

func TestScannerSnapshotRoundTrip(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "integrity.snapshot")
	table := integrity.Table{
		"queue/agent-info/web-01-any": {Checksum: "abc", ClusterItemKey: "queue/agent-info/"},
	}
	compute := func() (integrity.Table, error) { return table, nil }

	clk := clock.Fake(time.Unix(1000, 0))
	first := NewScanner(compute, time.Minute, statePath, clk, discardLogger())
	first.recompute()

	second := NewScanner(compute, time.Minute, statePath, clk, discardLogger())
	if err := second.LoadSnapshot(); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	got := second.Table()["queue/agent-info/web-01-any"]
	if got.Checksum != "abc" || got.ClusterItemKey != "queue/agent-info/" {
		t.Errorf("restored meta = %+v, want checksum abc under queue/agent-info/", got)
	}
}

func TestScannerLoadSnapshotMissingFile(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	s := NewScanner(nil, time.Minute, filepath.Join(t.TempDir(), "absent"), clk, discardLogger())
	if err := s.LoadSnapshot(); err != nil {
		t.Errorf("LoadSnapshot with no snapshot file: %v, want nil", err)
	}
}
