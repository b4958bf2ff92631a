package cow

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Device is an open block device backed by a raw image, a COW container,
// or a raw image with an ephemeral snapshot overlay. It presents the image
// as a flat array of 512-byte sectors.
//
// A Device is not safe for concurrent use; the caller serializes all calls.
type Device struct {
	file         *os.File // backing descriptor; nil means backing reads are zero-filled
	totalSectors int64    // fixed at open time
	readOnly     bool
	overlay      *overlay // nil when reads and writes go straight to the backing file
	filename     string
	backingName  string // backing path as recorded in the container header
}

// overlay is the COW layer of a Device: the dirty bitmap plus the file
// holding overlay sector data. For persistent containers the bitmap is a
// shared mapping of the container file itself; for ephemeral snapshots it
// is an anonymous private mapping over an unlinked temp file.
type overlay struct {
	mapping    []byte // full mmap region; header+bitmap for containers
	bitmap     dirtyBitmap
	file       *os.File
	dataOffset int64 // byte offset of sector 0 of overlay data
	anonymous  bool  // ephemeral snapshot overlay
}

// Open opens a raw image or COW container at path.
// A raw image that can only be opened for reading yields a read-only Device.
func Open(path string) (*Device, error) {
	return open(path, false)
}

// OpenSnapshot opens path like Open but layers an ephemeral copy-on-write
// overlay on top of a raw image: writes land in an unlinked temporary file
// and are discarded on Close. Opening a COW container in snapshot mode is
// demoted to a plain open, since the container already is a writable overlay.
func OpenSnapshot(path string) (*Device, error) {
	return open(path, true)
}

func open(path string, snapshot bool) (*Device, error) {
	if len(path) > MaxPathLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPathTooLong, len(path))
	}

	d := &Device{filename: path}

	rdwr := true
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		rdwr = false
		f, err = os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("cow: cannot open image %q: %w", path, err)
		}
		if !snapshot {
			d.readOnly = true
		}
	}

	if err := d.probe(f, snapshot, rdwr); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// probe inspects the opened file and builds the device state. Resources
// acquired along the way are attached to d as they are acquired, so the
// caller can release them with Close on any failure.
func (d *Device) probe(f *os.File, snapshot, rdwr bool) error {
	d.file = f

	hdrBuf := make([]byte, HeaderSize)
	n, err := f.ReadAt(hdrBuf, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("cow: %s: reading header: %w", d.filename, err)
	}
	if n < HeaderSize {
		return fmt.Errorf("%w: %s", ErrTruncatedHeader, d.filename)
	}

	if binary.BigEndian.Uint32(hdrBuf[offMagic:]) == Magic {
		// COW container: this descriptor becomes the overlay, not the backing.
		h, err := ParseHeader(hdrBuf)
		if err != nil {
			return fmt.Errorf("cow: %s: %w", d.filename, err)
		}
		if err := h.Validate(); err != nil {
			return err
		}
		d.totalSectors = h.TotalSectors()
		d.overlay = &overlay{file: f}
		d.file = nil
		// The container itself is the overlay; it is only writable when
		// its own descriptor was opened read-write.
		d.readOnly = !rdwr

		if err := d.openBackingFile(h); err != nil {
			return err
		}

		mapSize := bitmapBytes(d.totalSectors) + HeaderSize
		fi, err := f.Stat()
		if err != nil {
			return fmt.Errorf("cow: %s: %w", d.filename, err)
		}
		if fi.Size() < int64(mapSize) {
			// Faulting in a mapping past EOF would crash, not error.
			return fmt.Errorf("%w: %s: bitmap truncated", ErrTruncatedHeader, d.filename)
		}
		m, err := mapShared(f, mapSize, rdwr)
		if err != nil {
			return fmt.Errorf("cow: %s: mapping bitmap: %w", d.filename, err)
		}
		d.overlay.mapping = m
		d.overlay.bitmap = dirtyBitmap(m[HeaderSize:])
		d.overlay.dataOffset = (int64(mapSize) + SectorSize - 1) &^ (SectorSize - 1)
		return nil
	}

	// Standard raw image: the descriptor is the backing file.
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("cow: %s: %w", d.filename, err)
	}
	d.totalSectors = fi.Size() / SectorSize

	if !snapshot {
		return nil
	}

	// Ephemeral snapshot: unlinked temp file for overlay data, anonymous
	// mapping for the bitmap. Nothing survives Close.
	tmp, err := os.CreateTemp("", "cow-snapshot-*")
	if err != nil {
		return fmt.Errorf("cow: %s: creating snapshot overlay: %w", d.filename, err)
	}
	d.overlay = &overlay{file: tmp, anonymous: true}
	if err := os.Remove(tmp.Name()); err != nil {
		return fmt.Errorf("cow: %s: unlinking snapshot overlay: %w", d.filename, err)
	}
	m, err := mapAnonymous(bitmapBytes(d.totalSectors))
	if err != nil {
		return fmt.Errorf("cow: %s: mapping snapshot bitmap: %w", d.filename, err)
	}
	d.overlay.mapping = m
	d.overlay.bitmap = dirtyBitmap(m)
	return nil
}

// Close releases the bitmap mapping and both descriptors. For persistent
// containers the mapping is flushed first so dirty bits reach the file.
// Close is not idempotent; it must be called exactly once.
func (d *Device) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if ov := d.overlay; ov != nil {
		if ov.mapping != nil {
			if !ov.anonymous {
				keep(syncMapping(ov.mapping))
			}
			keep(unmapMapping(ov.mapping))
		}
		if ov.file != nil {
			keep(ov.file.Close())
		}
		d.overlay = nil
	}
	if d.file != nil {
		keep(d.file.Close())
		d.file = nil
	}
	return firstErr
}

// Sectors returns the device geometry: the total number of 512-byte sectors.
func (d *Device) Sectors() int64 {
	return d.totalSectors
}

// Size returns the virtual size of the device in bytes.
func (d *Device) Size() int64 {
	return d.totalSectors * SectorSize
}

// ReadOnly reports whether writes to the device are rejected.
func (d *Device) ReadOnly() bool {
	return d.readOnly
}

// Filename returns the path the device was opened from.
func (d *Device) Filename() string {
	return d.filename
}

// BackingFile returns the backing file path recorded in the container
// header, or empty string for raw images and containers with no backing.
func (d *Device) BackingFile() string {
	return d.backingName
}

// Snapshot reports whether the device carries an ephemeral snapshot
// overlay whose contents are discarded on Close.
func (d *Device) Snapshot() bool {
	return d.overlay != nil && d.overlay.anonymous
}

// DirtySectors returns the number of sectors currently held by the
// overlay, or 0 when no overlay exists.
func (d *Device) DirtySectors() int64 {
	if d.overlay == nil {
		return 0
	}
	return d.overlay.bitmap.countSet()
}
