// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType distinguishes requests from the two response shapes.
type FrameType uint8

const (
	// TypeRequest carries a command for the peer to dispatch.
	TypeRequest FrameType = iota

	// TypeResponseOK carries a successful response payload for the
	// request with the same counter.
	TypeResponseOK

	// TypeResponseErr carries an encoded cluster error for the
	// request with the same counter.
	TypeResponseErr
)

// Frame is one wire message. Commands are short tags; payloads are
// opaque bytes (JSON for structured commands, raw bytes for file
// chunks).
type Frame struct {
	Type    FrameType
	Counter uint32
	Command string
	Payload []byte
}

// MaxPayload bounds a single frame's payload. Archives are streamed in
// chunks well below this; anything larger is a protocol violation.
const MaxPayload = 4 * 1024 * 1024

// maxCommand bounds the command tag length.
const maxCommand = 64

// Wire layout, all integers big endian:
//
//	uint32  length of everything after this field
//	uint8   frame type
//	uint32  counter
//	uint8   command length
//	bytes   command
//	bytes   payload

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, frame Frame) error {
	if len(frame.Command) > maxCommand {
		return fmt.Errorf("command %q exceeds %d bytes", frame.Command, maxCommand)
	}
	if len(frame.Payload) > MaxPayload {
		return fmt.Errorf("payload of %d bytes exceeds frame limit", len(frame.Payload))
	}

	length := 1 + 4 + 1 + len(frame.Command) + len(frame.Payload)
	header := make([]byte, 0, 4+length-len(frame.Payload))
	header = binary.BigEndian.AppendUint32(header, uint32(length))
	header = append(header, byte(frame.Type))
	header = binary.BigEndian.AppendUint32(header, frame.Counter)
	header = append(header, byte(len(frame.Command)))
	header = append(header, frame.Command...)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r. Returns io.EOF only on a clean
// boundary (no partial frame consumed).
func ReadFrame(r io.Reader) (Frame, error) {
	var lengthField [4]byte
	if _, err := io.ReadFull(r, lengthField[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, fmt.Errorf("truncated frame length: %w", err)
		}
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(lengthField[:])
	if length < 6 {
		return Frame{}, fmt.Errorf("frame length %d below minimum header", length)
	}
	if length > MaxPayload+6+maxCommand {
		return Frame{}, fmt.Errorf("frame length %d exceeds limit", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("reading frame body: %w", err)
	}

	frameType := FrameType(body[0])
	if frameType > TypeResponseErr {
		return Frame{}, fmt.Errorf("unknown frame type %d", frameType)
	}
	counter := binary.BigEndian.Uint32(body[1:5])
	commandLength := int(body[5])
	if 6+commandLength > len(body) {
		return Frame{}, fmt.Errorf("command length %d exceeds frame body", commandLength)
	}

	return Frame{
		Type:    frameType,
		Counter: counter,
		Command: string(body[6 : 6+commandLength]),
		Payload: body[6+commandLength:],
	}, nil
}
