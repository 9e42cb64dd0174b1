// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package master implements the coordinator side of a warden cluster.
//
// The master accepts worker connections, keeps the authoritative
// file-state table fresh through a background scanner, serializes
// per-worker file synchronization over three lanes (integrity,
// agent-info, extra-valid), installs received file batches into the
// storage root, and correlates distributed API requests across the
// cluster.
//
// Command handling for a connection is serial: a worker's commands are
// processed in arrival order. Sync resolution and outbound requests
// run on goroutines scoped to the session, so a dropped connection
// cancels everything it started.
package master
