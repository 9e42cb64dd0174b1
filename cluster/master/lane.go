// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warden-fleet/warden/cluster/archive"
	"github.com/warden-fleet/warden/cluster/integrity"
	"github.com/warden-fleet/warden/cluster/proto"
	"github.com/warden-fleet/warden/lib/clock"
)

// peer is a lane's view of its worker connection.
type peer interface {
	Request(ctx context.Context, command string, payload []byte) ([]byte, error)
	SendFile(ctx context.Context, path string) error
}

// LaneStatus is the externally visible state of one sync lane,
// reported in health snapshots.
type LaneStatus struct {
	Free      bool      `json:"free"`
	DateStart time.Time `json:"date_start"`
	DateEnd   time.Time `json:"date_end"`

	// Integrity lane only: outcome of the last diff.
	Shared     int `json:"shared,omitempty"`
	Missing    int `json:"missing,omitempty"`
	Extra      int `json:"extra,omitempty"`
	ExtraValid int `json:"extra_valid,omitempty"`

	// Apply lanes only: files installed by the last batch.
	Applied int `json:"applied,omitempty"`
}

// receivedFile is the outcome of a lane's upload, delivered from the
// command handlers to the waiting sync task.
type receivedFile struct {
	path    string
	failure *proto.Error
}

// laneDeps are the collaborators a sync task needs. Shared by all
// three lanes of a session.
type laneDeps struct {
	staging    string
	localTable func() integrity.Table
	diff       func(local, remote integrity.Table) integrity.Result
	compress   func(outPath string, manifest archive.Manifest) error
	extract    func(archivePath, destDir string) (archive.Manifest, error)
	apply      func(ctx context.Context, manifest archive.Manifest, extractDir string, logger *slog.Logger) (ApplyStats, error)
	timeout    time.Duration
	clock      clock.Clock
}

// Lane serializes one sync channel of a session. At most one sync task
// is in flight per lane: Permission reports availability, Setup
// transitions to busy and starts the receive task, End and Fail feed
// the task its outcome.
type Lane struct {
	kind   proto.Lane
	peer   peer
	deps   laneDeps
	logger *slog.Logger

	mu       sync.Mutex
	busy     bool
	taskID   string
	received chan receivedFile
	status   LaneStatus
}

func newLane(kind proto.Lane, p peer, deps laneDeps, logger *slog.Logger) *Lane {
	return &Lane{
		kind:   kind,
		peer:   p,
		deps:   deps,
		logger: logger.With("lane", string(kind)),
		status: LaneStatus{Free: true},
	}
}

// Free reports whether the lane can accept a new sync.
func (l *Lane) Free() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.busy
}

// Status returns a copy of the lane's reported state.
func (l *Lane) Status() LaneStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Setup marks the lane busy and starts its receive task. A lane that
// is already busy rejects the setup: two concurrent receive tasks on
// one lane would race on the staged file.
func (l *Lane) Setup(ctx context.Context) (string, error) {
	l.mu.Lock()
	if l.busy {
		l.mu.Unlock()
		return "", proto.ErrLaneBusy(string(l.kind))
	}
	l.busy = true
	l.taskID = string(l.kind) + "-" + uuid.NewString()
	l.received = make(chan receivedFile, 1)
	l.status.Free = false
	l.status.DateStart = l.deps.clock.Now()

	taskID := l.taskID
	received := l.received
	l.mu.Unlock()

	go l.run(ctx, taskID, received)
	return taskID, nil
}

// End resolves the lane's receive task with the uploaded file.
func (l *Lane) End(end proto.TransferEnd) error {
	outcome := receivedFile{path: filepath.Join(l.deps.staging, end.Name)}
	return l.deliver(end.TaskID, outcome)
}

// Fail resolves the lane's receive task with a worker-side error.
func (l *Lane) Fail(report proto.SyncErrorReport) error {
	failure := report.Error
	return l.deliver(report.TaskID, receivedFile{failure: &failure})
}

func (l *Lane) deliver(taskID string, outcome receivedFile) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.busy || l.taskID != taskID {
		return proto.ErrUnknownCorrelation(taskID)
	}
	select {
	case l.received <- outcome:
	default:
	}
	return nil
}

// finish releases the lane. Always runs, whatever the sync outcome.
func (l *Lane) finish(update func(*LaneStatus)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.busy = false
	l.taskID = ""
	l.received = nil
	l.status.Free = true
	l.status.DateEnd = l.deps.clock.Now()
	if update != nil {
		update(&l.status)
	}
}

// run waits for the worker's upload and resolves the sync. The wait is
// bounded: a worker that stops mid-upload must not pin the lane busy
// forever.
func (l *Lane) run(ctx context.Context, taskID string, received chan receivedFile) {
	var update func(*LaneStatus)
	defer func() { l.finish(update) }()

	var outcome receivedFile
	select {
	case <-ctx.Done():
		return
	case <-l.deps.clock.After(l.deps.timeout):
		l.logger.Warn("timed out waiting for sync upload",
			"task", taskID,
			"error", proto.ErrReceiveTimeout(string(l.kind)),
		)
		return
	case outcome = <-received:
	}

	if outcome.failure != nil {
		l.logger.Error("worker reported sync failure",
			"task", taskID,
			"error", outcome.failure,
		)
		return
	}

	logger := l.logger.With("task", taskID)
	switch l.kind {
	case proto.LaneIntegrity:
		update = l.resolveIntegrity(ctx, taskID, outcome.path, logger)
	default:
		update = l.resolveApply(ctx, outcome.path, logger)
	}
}

// resolveIntegrity diffs the worker's file table against the local one
// and answers with a verdict: integrity-ok when the worker is in sync,
// otherwise an archive of the files it must install, followed by the
// end-of-transfer command. The temporary archive is removed whatever
// happens.
func (l *Lane) resolveIntegrity(ctx context.Context, taskID, archivePath string, logger *slog.Logger) func(*LaneStatus) {
	defer os.Remove(archivePath)

	result, err := l.diffWorkerTable(archivePath)
	if err != nil {
		logger.Error("integrity check failed", "error", err)
		l.reportFailure(ctx, taskID, err, logger)
		return nil
	}

	update := func(s *LaneStatus) {
		s.Shared = len(result.Shared)
		s.Missing = len(result.Missing)
		s.Extra = len(result.Extra)
		s.ExtraValid = len(result.ExtraValid)
	}

	if result.KOCount() == 0 {
		logger.Info("worker files in sync")
		if _, err := l.peer.Request(ctx, proto.CmdIntegrityOK, nil); err != nil {
			logger.Warn("failed to send integrity verdict", "error", err)
		}
		return update
	}

	logger.Info("worker files out of sync",
		"shared", len(result.Shared),
		"missing", len(result.Missing),
		"extra", len(result.Extra),
		"extra_valid", len(result.ExtraValid),
	)
	if err := l.sendFixes(ctx, result, logger); err != nil {
		logger.Error("failed to deliver integrity fixes", "error", err)
		l.reportFailure(ctx, taskID, err, logger)
	}
	return update
}

// diffWorkerTable extracts the worker's file descriptors and diffs
// them against the scanner's current table. The extraction directory
// is transient.
func (l *Lane) diffWorkerTable(archivePath string) (integrity.Result, error) {
	extractDir, err := os.MkdirTemp(l.deps.staging, "integrity-*")
	if err != nil {
		return integrity.Result{}, err
	}
	defer os.RemoveAll(extractDir)

	manifest, err := l.deps.extract(archivePath, extractDir)
	if err != nil {
		return integrity.Result{}, fmt.Errorf("extracting worker table: %w", err)
	}
	return l.deps.diff(l.deps.localTable(), manifest.Files), nil
}

// sendFixes packs the out-of-sync files and uploads them to the
// worker on the integrity channel.
func (l *Lane) sendFixes(ctx context.Context, result integrity.Result, logger *slog.Logger) error {
	files := make(integrity.Table, len(result.Shared)+len(result.Missing))
	for path, meta := range result.Shared {
		files[path] = meta
	}
	for path, meta := range result.Missing {
		files[path] = meta
	}
	manifest := archive.Manifest{
		Files:      files,
		Extra:      result.Extra,
		ExtraValid: result.ExtraValid,
	}

	fixPath := filepath.Join(l.deps.staging, "fixes-"+uuid.NewString()+".tar")
	if err := l.deps.compress(fixPath, manifest); err != nil {
		return fmt.Errorf("packing fixes: %w", err)
	}
	defer os.Remove(fixPath)

	setup, err := l.peer.Request(ctx, proto.CmdIntegrityFix, nil)
	if err != nil {
		return err
	}
	var task proto.SetupResponse
	if err := json.Unmarshal(setup, &task); err != nil {
		return fmt.Errorf("decoding fix setup: %w", err)
	}

	if err := l.peer.SendFile(ctx, fixPath); err != nil {
		return err
	}

	end, err := json.Marshal(proto.TransferEnd{
		TaskID: task.TaskID,
		Name:   filepath.Base(fixPath),
	})
	if err != nil {
		return err
	}
	if _, err := l.peer.Request(ctx, proto.CmdIntegrityEnd, end); err != nil {
		return err
	}
	logger.Info("integrity fixes delivered", "files", len(files))
	return nil
}

// reportFailure tells the worker its integrity sync failed so it can
// free its own side of the lane.
func (l *Lane) reportFailure(ctx context.Context, taskID string, failure error, logger *slog.Logger) {
	var typed *proto.Error
	if !errors.As(failure, &typed) {
		typed = proto.ErrInternal(failure)
	}
	report, err := json.Marshal(proto.SyncErrorReport{TaskID: taskID, Error: *typed})
	if err != nil {
		logger.Error("encoding sync error report", "error", err)
		return
	}
	if _, err := l.peer.Request(ctx, proto.CmdIntegrityError, report); err != nil {
		logger.Warn("failed to report sync failure", "error", err)
	}
}

// resolveApply extracts an uploaded batch and installs it into the
// storage root. Used by the agent-info and extra-valid lanes.
func (l *Lane) resolveApply(ctx context.Context, archivePath string, logger *slog.Logger) func(*LaneStatus) {
	defer os.Remove(archivePath)

	extractDir, err := os.MkdirTemp(l.deps.staging, string(l.kind)+"-*")
	if err != nil {
		logger.Error("failed to create extraction directory", "error", err)
		return nil
	}
	defer os.RemoveAll(extractDir)

	manifest, err := l.deps.extract(archivePath, extractDir)
	if err != nil {
		logger.Error("failed to extract sync batch", "error", err)
		return nil
	}

	stats, err := l.deps.apply(ctx, manifest, extractDir, logger)
	if err != nil {
		logger.Error("failed to apply sync batch", "error", err)
		return nil
	}
	return func(s *LaneStatus) { s.Applied = stats.Applied }
}
