// Package cow provides a pure Go implementation of the version 2
// copy-on-write (COW) disk image format, plus raw image access.
//
// A COW container holds a fixed header, a dirty bitmap with one bit per
// 512-byte sector, and the overlay sector data. Sectors whose bit is set
// are read from the overlay; all other sectors fall through to an optional
// backing file. A missing backing file reads as zeros.
package cow

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// COW magic number: "OOOM"
const Magic = 0x4f4f4f4d

// Version is the only supported container format version.
const Version = 2

// SectorSize is the fixed sector size in bytes. All device I/O is
// addressed in units of this size.
const SectorSize = 512

// Header layout constants. All multi-byte integer fields are stored
// big-endian.
const (
	// BackingPathSize is the size of the fixed, NUL-terminated backing
	// file path field in the header.
	BackingPathSize = 1024

	// HeaderSize is the total on-disk header size:
	// magic(4) + version(4) + backing path(1024) + mtime(4) + size(8).
	HeaderSize = 4 + 4 + BackingPathSize + 4 + 8

	// MaxPathLen is the longest path accepted for images and backing
	// files. Longer paths are an open-time error, never truncated.
	MaxPathLen = BackingPathSize - 1
)

// Header field offsets within the encoded header.
const (
	offMagic   = 0
	offVersion = 4
	offBacking = 8
	offMTime   = offBacking + BackingPathSize
	offSize    = offMTime + 4
)

// Errors
var (
	ErrInvalidMagic       = errors.New("cow: invalid magic number")
	ErrUnsupportedVersion = errors.New("cow: unsupported version")
	ErrTruncatedHeader    = errors.New("cow: corrupt or truncated header")
	ErrBackingModified    = errors.New("cow: backing file modified since snapshot was taken")
	ErrPathTooLong        = errors.New("cow: path too long")
	ErrReadOnly           = errors.New("cow: image is read-only")
	ErrNoOverlay          = errors.New("cow: no COW overlay to commit")
	ErrOutOfRange         = errors.New("cow: sector range out of bounds")
)

// Header represents the COW container header.
// This is read once on open, so struct overhead is acceptable.
type Header struct {
	Magic       uint32
	Version     uint32
	BackingFile string // empty means no backing file
	MTime       uint32 // backing file mtime at snapshot creation (Unix seconds)
	Size        uint64 // virtual disk size in bytes
}

// ParseHeader decodes and validates a COW header from raw bytes.
// The input must be at least HeaderSize bytes.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedHeader, len(data))
	}

	h := &Header{
		Magic:   binary.BigEndian.Uint32(data[offMagic:]),
		Version: binary.BigEndian.Uint32(data[offVersion:]),
		MTime:   binary.BigEndian.Uint32(data[offMTime:]),
		Size:    binary.BigEndian.Uint64(data[offSize:]),
	}

	if h.Magic != Magic {
		return nil, ErrInvalidMagic
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}

	path := data[offBacking : offBacking+BackingPathSize]
	nul := bytes.IndexByte(path, 0)
	if nul < 0 {
		return nil, fmt.Errorf("%w: backing file path not NUL-terminated", ErrTruncatedHeader)
	}
	h.BackingFile = string(path[:nul])

	return h, nil
}

// Validate checks header fields that ParseHeader does not cover.
func (h *Header) Validate() error {
	if h.Size > 1<<62 {
		return fmt.Errorf("cow: image size too large: %d bytes", h.Size)
	}
	if len(h.BackingFile) > MaxPathLen {
		return fmt.Errorf("%w: backing file path is %d bytes", ErrPathTooLong, len(h.BackingFile))
	}
	return nil
}

// TotalSectors returns the number of addressable sectors. Partial
// trailing sectors are not addressable.
func (h *Header) TotalSectors() int64 {
	return int64(h.Size / SectorSize)
}

// Encode serializes the header to bytes.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[offMagic:], h.Magic)
	binary.BigEndian.PutUint32(buf[offVersion:], h.Version)
	copy(buf[offBacking:offBacking+MaxPathLen], h.BackingFile)
	binary.BigEndian.PutUint32(buf[offMTime:], h.MTime)
	binary.BigEndian.PutUint64(buf[offSize:], h.Size)
	return buf
}
