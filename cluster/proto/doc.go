// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package proto implements the cluster wire protocol: length-prefixed
// frames carrying a command tag and a JSON payload, with counter-based
// request/response correlation, typed cluster errors that survive a
// wire round trip, and chunked checksummed file transfer.
//
// A Conn is full-duplex: both peers issue requests and serve the
// peer's requests concurrently. Inbound commands on one connection are
// dispatched serially in arrival order; handlers that need to issue
// requests back to the peer must do so from another goroutine.
package proto
