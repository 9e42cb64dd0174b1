// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package merge reads and writes merge bundles: single files that pack
// many small per-agent files into one transferable unit.
//
// The bundle layout is a repeated record of a header line followed by
// raw content bytes:
//
//	!<size> <path> <mtime>\n
//	<size bytes of content>
//
// where size is the decimal content length, path is the file's path
// relative to the storage root, and mtime is the content's
// modification time in "2006-01-02 15:04:05" form, optionally with a
// fractional-seconds suffix.
package merge

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Entry is one file recovered from a merge bundle.
type Entry struct {
	// Path is the file path relative to the storage root.
	Path string

	// Content is the file's bytes.
	Content []byte

	// ModTime is the modification time embedded in the bundle.
	ModTime time.Time
}

// mtime layouts accepted in bundle headers. Bundles produced by older
// workers omit fractional seconds.
var mtimeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Reader iterates over the entries of a merge bundle. Entries are read
// lazily; reopening the bundle restarts the sequence.
type Reader struct {
	file   *os.File
	buffed *bufio.Reader
}

// Open opens the bundle at path for reading.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening merge bundle: %w", err)
	}
	return &Reader{file: file, buffed: bufio.NewReader(file)}, nil
}

// Next returns the next entry. Returns io.EOF after the last entry.
func (r *Reader) Next() (Entry, error) {
	header, err := r.buffed.ReadString('\n')
	if err == io.EOF && header == "" {
		return Entry{}, io.EOF
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading bundle header: %w", err)
	}

	size, path, modTime, err := parseHeader(strings.TrimSuffix(header, "\n"))
	if err != nil {
		return Entry{}, err
	}

	content := make([]byte, size)
	if _, err := io.ReadFull(r.buffed, content); err != nil {
		return Entry{}, fmt.Errorf("reading bundle content for %s: %w", path, err)
	}

	return Entry{Path: path, Content: content, ModTime: modTime}, nil
}

// Close closes the underlying bundle file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// parseHeader splits a "!<size> <path> <mtime>" header line. The path
// itself cannot contain spaces (agent identifiers and names never do),
// but the mtime does, so the line splits into size, path, and the
// remainder.
func parseHeader(line string) (int, string, time.Time, error) {
	if !strings.HasPrefix(line, "!") {
		return 0, "", time.Time{}, fmt.Errorf("malformed bundle header %q", line)
	}
	fields := strings.SplitN(line[1:], " ", 3)
	if len(fields) != 3 {
		return 0, "", time.Time{}, fmt.Errorf("malformed bundle header %q", line)
	}

	size, err := strconv.Atoi(fields[0])
	if err != nil || size < 0 {
		return 0, "", time.Time{}, fmt.Errorf("invalid size in bundle header %q", line)
	}

	for _, layout := range mtimeLayouts {
		if modTime, err := time.Parse(layout, fields[2]); err == nil {
			return size, fields[1], modTime, nil
		}
	}
	return 0, "", time.Time{}, fmt.Errorf("invalid mtime in bundle header %q", line)
}

// Writer appends entries to a merge bundle.
type Writer struct {
	writer io.Writer
}

// NewWriter returns a Writer that appends bundle records to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{writer: w}
}

// Append writes one entry record.
func (w *Writer) Append(entry Entry) error {
	header := fmt.Sprintf("!%d %s %s\n", len(entry.Content), entry.Path,
		entry.ModTime.Format(mtimeLayouts[0]))
	if _, err := io.WriteString(w.writer, header); err != nil {
		return fmt.Errorf("writing bundle header: %w", err)
	}
	if _, err := w.writer.Write(entry.Content); err != nil {
		return fmt.Errorf("writing bundle content: %w", err)
	}
	return nil
}
