// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package proto

import "encoding/json"

// Lane names the three file-synchronization channels between master
// and worker.
type Lane string

const (
	LaneIntegrity  Lane = "integrity"
	LaneAgentInfo  Lane = "agent-info"
	LaneExtraValid Lane = "extra-valid"
)

// Lanes lists all sync lanes in a stable order.
var Lanes = []Lane{LaneIntegrity, LaneAgentInfo, LaneExtraValid}

// Command tags. Worker → master unless noted.
const (
	// CmdHello opens a session after connecting.
	CmdHello = "hello"

	// CmdKeepalive refreshes the worker's liveness timestamp.
	CmdKeepalive = "keepalive"

	// File transfer tags, shared by both directions. A connection
	// carries at most one upload at a time.
	CmdFileOpen  = "file-open"
	CmdFileChunk = "file-chunk"
	CmdFileClose = "file-close"

	// Distributed API tags.
	CmdAPICall  = "dapi"
	CmdAPIResp  = "dapi-res"
	CmdAPIError = "dapi-err"

	// Registry query tags.
	CmdGetNodes  = "get-nodes"
	CmdGetHealth = "get-health"

	// Master → worker: integrity verdicts after a diff.
	CmdIntegrityOK    = "integrity-ok"
	CmdIntegrityFix   = "integrity-fix"
	CmdIntegrityEnd   = "integrity-fix-end"
	CmdIntegrityError = "integrity-fix-err"
)

// Per-lane command tags, derived from the lane name.

// CmdSyncPermission asks whether the lane is free.
func CmdSyncPermission(lane Lane) string { return string(lane) + "-perm" }

// CmdSyncSetup marks the lane busy and allocates a receive task.
func CmdSyncSetup(lane Lane) string { return string(lane) + "-setup" }

// CmdSyncEnd signals that the lane's archive upload completed.
func CmdSyncEnd(lane Lane) string { return string(lane) + "-end" }

// CmdSyncError reports a worker-side failure during the lane's sync.
func CmdSyncError(lane Lane) string { return string(lane) + "-err" }

// HelloRequest is the handshake payload.
type HelloRequest struct {
	Name        string `json:"name"`
	ClusterName string `json:"cluster_name"`
	NodeType    string `json:"node_type"`
	Version     string `json:"version"`
}

// HelloResponse acknowledges the handshake with the master's identity.
type HelloResponse struct {
	Name        string `json:"name"`
	ClusterName string `json:"cluster_name"`
	NodeType    string `json:"node_type"`
	Version     string `json:"version"`
}

// PermissionResponse answers a lane permission request.
type PermissionResponse struct {
	// Free is true when the lane has no sync in flight.
	Free bool `json:"free"`
}

// SetupResponse returns the receive-task id allocated for a granted
// sync setup.
type SetupResponse struct {
	TaskID string `json:"task_id"`
}

// TransferEnd signals that the file referenced by a receive task has
// been fully uploaded.
type TransferEnd struct {
	TaskID string `json:"task_id"`

	// Name is the uploaded file's name in the receiver's staging
	// directory.
	Name string `json:"name"`
}

// SyncErrorReport carries a worker-side sync failure for a lane.
type SyncErrorReport struct {
	TaskID string `json:"task_id"`
	Error  Error  `json:"error"`
}

// FileOpen begins an upload on the connection.
type FileOpen struct {
	Name string `json:"name"`
}

// FileClose finishes an upload. The receiver verifies the checksum
// before releasing the file to its consumer.
type FileClose struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
}

// APICall carries a distributed API request.
type APICall struct {
	// ID is the opaque correlation token minted by the origin node.
	ID string `json:"id"`

	// Payload is the API request body, passed through opaquely.
	Payload json.RawMessage `json:"payload"`
}

// APIResponse resolves a pending distributed API request.
type APIResponse struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// APIErrorReport forwards a distributed API failure to the original
// caller.
type APIErrorReport struct {
	ID    string `json:"id"`
	Error Error  `json:"error"`
}

// NodesRequest optionally narrows a topology query to a node-name set.
type NodesRequest struct {
	Nodes []string `json:"nodes,omitempty"`
}
