// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive builds and extracts sync archives: a tar stream
// inside a zstd or lz4 frame, carrying file content plus a JSON
// manifest describing every file.
//
// On the wire an archive is opaque bytes. The compression codec is
// chosen by configuration when building and sniffed from the frame
// magic when extracting, so master and workers need no codec
// negotiation.
package archive

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/warden-fleet/warden/cluster/integrity"
)

// Codec selects the archive compression.
type Codec string

const (
	// Zstd is the default archive codec.
	Zstd Codec = "zstd"

	// LZ4 trades ratio for speed on fast links.
	LZ4 Codec = "lz4"
)

// manifestName is the tar entry holding the JSON manifest. The leading
// dot keeps it out of any storage-root-relative namespace.
const manifestName = ".warden-manifest.json"

// Manifest describes an archive's contents.
type Manifest struct {
	// Files maps storage-root-relative paths to metadata for every
	// file whose content is packed in the archive.
	Files integrity.Table `json:"files"`

	// Extra lists worker-only paths the master does not track.
	// Metadata only, no content.
	Extra integrity.Table `json:"extra,omitempty"`

	// ExtraValid lists worker-only paths that still get conditionally
	// applied. Metadata only, no content.
	ExtraValid integrity.Table `json:"extra_valid,omitempty"`
}

// Create writes an archive at outPath containing the manifest and, for
// each entry of manifest.Files, the file content read from root.
func Create(outPath string, codec Codec, root string, manifest Manifest) (err error) {
	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(outPath)
		}
	}()

	compressor, err := newCompressor(out, codec)
	if err != nil {
		return err
	}

	tarWriter := tar.NewWriter(compressor)

	manifestData, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := writeEntry(tarWriter, manifestName, manifestData, manifestModTime(manifest)); err != nil {
		return err
	}

	for path, meta := range manifest.Files {
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(path)))
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		header := &tar.Header{
			Name:    path,
			Mode:    0o640,
			Size:    int64(len(content)),
			ModTime: meta.ModTime,
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", path, err)
		}
		if _, err := tarWriter.Write(content); err != nil {
			return fmt.Errorf("writing tar content for %s: %w", path, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("closing compressor: %w", err)
	}
	return nil
}

// Extract unpacks the archive at archivePath into destDir and returns
// its manifest. Entry paths are confined to destDir; absolute paths
// and parent traversal are rejected. Extracted files get the
// modification time recorded in their tar header.
func Extract(archivePath, destDir string) (Manifest, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return Manifest{}, fmt.Errorf("opening archive: %w", err)
	}
	defer file.Close()

	decompressor, err := newDecompressor(file)
	if err != nil {
		return Manifest{}, err
	}
	defer decompressor.Close()

	tarReader := tar.NewReader(decompressor)

	var manifest Manifest
	var manifestSeen bool

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("reading tar stream: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		if header.Name == manifestName {
			if err := json.NewDecoder(tarReader).Decode(&manifest); err != nil {
				return Manifest{}, fmt.Errorf("decoding manifest: %w", err)
			}
			manifestSeen = true
			continue
		}

		cleaned, err := safeRelativePath(header.Name)
		if err != nil {
			return Manifest{}, err
		}
		target := filepath.Join(destDir, cleaned)
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return Manifest{}, fmt.Errorf("creating extraction directory: %w", err)
		}

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
		if err != nil {
			return Manifest{}, fmt.Errorf("creating %s: %w", target, err)
		}
		if _, err := io.Copy(out, tarReader); err != nil {
			out.Close()
			return Manifest{}, fmt.Errorf("extracting %s: %w", header.Name, err)
		}
		if err := out.Close(); err != nil {
			return Manifest{}, fmt.Errorf("closing %s: %w", target, err)
		}
		if err := os.Chtimes(target, header.ModTime, header.ModTime); err != nil {
			return Manifest{}, fmt.Errorf("setting mtime on %s: %w", target, err)
		}
	}

	if !manifestSeen {
		return Manifest{}, fmt.Errorf("archive %s has no manifest entry", archivePath)
	}
	return manifest, nil
}

// safeRelativePath validates a tar entry name and returns its
// platform-native relative form.
func safeRelativePath(name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("archive entry %q is absolute", name)
	}
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return cleaned, nil
}

// manifestModTime picks a stable timestamp for the manifest entry: the
// newest packed file time, or the zero time for metadata-only
// archives.
func manifestModTime(manifest Manifest) time.Time {
	var newest time.Time
	for _, meta := range manifest.Files {
		if meta.ModTime.After(newest) {
			newest = meta.ModTime
		}
	}
	return newest
}

// writeEntry writes one regular entry to the tar stream.
func writeEntry(tarWriter *tar.Writer, name string, content []byte, modTime time.Time) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0o640,
		Size:    int64(len(content)),
		ModTime: modTime,
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", name, err)
	}
	if _, err := tarWriter.Write(content); err != nil {
		return fmt.Errorf("writing tar content for %s: %w", name, err)
	}
	return nil
}

// Frame magics used to sniff the codec on extraction.
var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// closer pairs an io.Writer with the Close that flushes its frame.
type closer interface {
	io.Writer
	Close() error
}

// newCompressor wraps w in the selected compression codec.
func newCompressor(w io.Writer, codec Codec) (closer, error) {
	switch codec {
	case Zstd:
		encoder, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("initializing zstd: %w", err)
		}
		return encoder, nil
	case LZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown archive codec %q", codec)
	}
}

// readCloser pairs an io.Reader with a Close releasing its resources.
type readCloser interface {
	io.Reader
	Close() error
}

// newDecompressor sniffs the frame magic and wraps r in the matching
// codec.
func newDecompressor(r io.Reader) (readCloser, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("reading archive magic: %w", err)
	}
	full := io.MultiReader(bytes.NewReader(magic), r)

	switch {
	case bytes.Equal(magic, zstdMagic):
		decoder, err := zstd.NewReader(full)
		if err != nil {
			return nil, fmt.Errorf("initializing zstd: %w", err)
		}
		return zstdReadCloser{decoder}, nil
	case bytes.Equal(magic, lz4Magic):
		return nopReadCloser{lz4.NewReader(full)}, nil
	default:
		return nil, fmt.Errorf("unrecognized archive magic %x", magic)
	}
}

// nopReadCloser adapts the lz4 reader, which has no resources to
// release, to readCloser.
type nopReadCloser struct {
	io.Reader
}

func (nopReadCloser) Close() error { return nil }

// zstdReadCloser adapts zstd.Decoder's Close (no error) to readCloser.
type zstdReadCloser struct {
	decoder *zstd.Decoder
}

func (z zstdReadCloser) Read(p []byte) (int, error) { return z.decoder.Read(p) }

func (z zstdReadCloser) Close() error {
	z.decoder.Close()
	return nil
}
