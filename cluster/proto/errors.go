// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error kinds. The kind travels on the wire next to the numeric code
// so a peer can reconstruct a typed error instead of a generic
// failure.
const (
	KindHandshakeMismatch  = "handshake-mismatch"
	KindLaneBusy           = "lane-busy"
	KindReceiveTimeout     = "receive-timeout"
	KindTransferError      = "transfer-error"
	KindUnknownCorrelation = "unknown-correlation"
	KindRequestTimeout     = "request-timeout"
	KindSecurityViolation  = "security-violation"
	KindUnknownCommand     = "unknown-command"
	KindUnknownNode        = "unknown-node"
	KindInternal           = "internal"
)

// Error is a typed cluster error. It crosses the wire as JSON
// (kind + code + message) and is rebuilt as an *Error on the far side.
type Error struct {
	Kind    string `json:"kind"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
}

// Is matches errors by kind and code, so sentinel comparisons work
// across a wire round trip.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind && e.Code == other.Code
}

// Cluster error constructors. Codes are stable across releases; peers
// depend on them.

// ErrClusterNameMismatch reports a worker helloing into the wrong
// cluster.
func ErrClusterNameMismatch(got, want string) *Error {
	return &Error{
		Kind:    KindHandshakeMismatch,
		Code:    3030,
		Message: fmt.Sprintf("cluster name %q does not match %q", got, want),
	}
}

// ErrVersionMismatch reports a worker running a different release than
// the master.
func ErrVersionMismatch(got, want string) *Error {
	return &Error{
		Kind:    KindHandshakeMismatch,
		Code:    3031,
		Message: fmt.Sprintf("version %q does not match %q", got, want),
	}
}

// ErrSecurityViolation reports an attempt to overwrite sensitive key
// material.
func ErrSecurityViolation(basename string) *Error {
	return &Error{
		Kind:    KindSecurityViolation,
		Code:    3007,
		Message: fmt.Sprintf("refusing to apply key material file %q", basename),
	}
}

// ErrRequestTimeout reports a distributed API caller's deadline
// elapsing before a response arrived.
func ErrRequestTimeout() *Error {
	return &Error{
		Kind:    KindRequestTimeout,
		Code:    3021,
		Message: "timeout waiting for distributed API response",
	}
}

// ErrUnknownNode reports a forward target that is not connected.
func ErrUnknownNode(node string) *Error {
	return &Error{
		Kind:    KindUnknownNode,
		Code:    3022,
		Message: fmt.Sprintf("node %q is not connected", node),
	}
}

// ErrUnknownCorrelation reports a response for a correlation id with
// no pending request.
func ErrUnknownCorrelation(id string) *Error {
	return &Error{
		Kind:    KindUnknownCorrelation,
		Code:    3032,
		Message: fmt.Sprintf("no pending request for correlation id %q", id),
	}
}

// ErrLaneBusy reports a sync setup attempted while the lane is busy.
func ErrLaneBusy(lane string) *Error {
	return &Error{
		Kind:    KindLaneBusy,
		Code:    3040,
		Message: fmt.Sprintf("sync lane %q is busy", lane),
	}
}

// ErrReceiveTimeout reports no archive arriving within the receive
// window after an accepted setup.
func ErrReceiveTimeout(lane string) *Error {
	return &Error{
		Kind:    KindReceiveTimeout,
		Code:    3041,
		Message: fmt.Sprintf("timed out waiting for %s archive", lane),
	}
}

// ErrTransfer wraps a failure during the reverse send in the integrity
// lane.
func ErrTransfer(err error) *Error {
	return &Error{
		Kind:    KindTransferError,
		Code:    3042,
		Message: err.Error(),
	}
}

// ErrUnknownCommand reports an unrecognized command tag.
func ErrUnknownCommand(command string) *Error {
	return &Error{
		Kind:    KindUnknownCommand,
		Code:    3050,
		Message: fmt.Sprintf("unknown command %q", command),
	}
}

// ErrInternal wraps an unclassified failure for transport to a peer.
func ErrInternal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Code:    1000,
		Message: err.Error(),
	}
}

// EncodeError serializes any error for the wire. A typed *Error keeps
// its kind and code; anything else is wrapped as an internal error
// first.
func EncodeError(err error) []byte {
	var typed *Error
	if !errors.As(err, &typed) {
		typed = ErrInternal(err)
	}
	data, marshalErr := json.Marshal(typed)
	if marshalErr != nil {
		// Error has only string and int fields; Marshal cannot fail
		// on it. Guard anyway.
		return []byte(`{"kind":"internal","code":1000,"message":"error encoding failed"}`)
	}
	return data
}

// DecodeError rebuilds a typed error from wire bytes. Payloads that do
// not parse become internal errors carrying the raw text.
func DecodeError(payload []byte) *Error {
	var typed Error
	if err := json.Unmarshal(payload, &typed); err != nil || typed.Kind == "" {
		return &Error{Kind: KindInternal, Code: 1000, Message: string(payload)}
	}
	return &typed
}
