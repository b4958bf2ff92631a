package cow

import (
	"fmt"
	"io"
	"os"
)

// checkRange validates a sector-aligned buffer against the device geometry
// and returns the sector count.
func (d *Device) checkRange(sectorNum int64, buf []byte) (int64, error) {
	if len(buf)%SectorSize != 0 {
		return 0, fmt.Errorf("cow: buffer length %d is not a multiple of %d", len(buf), SectorSize)
	}
	nb := int64(len(buf)) / SectorSize
	if sectorNum < 0 || nb > d.totalSectors-sectorNum {
		return 0, fmt.Errorf("%w: sectors [%d,%d) of %d", ErrOutOfRange, sectorNum, sectorNum+nb, d.totalSectors)
	}
	return nb, nil
}

// readSectorsAt reads exactly len(buf) bytes from f at base+sector*512.
// Any short transfer is an I/O error, never retried.
func readSectorsAt(f *os.File, base, sector int64, buf []byte) error {
	off := base + sector*SectorSize
	n, err := f.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("cow: short read of %d bytes at offset %d (got %d): %w", len(buf), off, n, err)
}

// writeSectorsAt writes exactly len(buf) bytes to f at base+sector*512.
// The destination is an explicit parameter so the same primitive serves
// both the overlay and the backing file; commit uses this to target the
// backing store directly.
func writeSectorsAt(f *os.File, base, sector int64, buf []byte) error {
	off := base + sector*SectorSize
	n, err := f.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("cow: write of %d bytes at offset %d: %w", len(buf), off, err)
	}
	if n != len(buf) {
		return fmt.Errorf("cow: short write of %d bytes at offset %d (wrote %d): %w",
			len(buf), off, n, io.ErrShortWrite)
	}
	return nil
}

// ReadSectors reads len(buf) bytes starting at sectorNum into buf.
// len(buf) must be a multiple of SectorSize. Each contiguous run of
// same-state sectors is serviced with a single transfer from the overlay
// or the backing file; runs with no source descriptor read as zeros.
func (d *Device) ReadSectors(sectorNum int64, buf []byte) error {
	nb, err := d.checkRange(sectorNum, buf)
	if err != nil {
		return err
	}

	var bitmap dirtyBitmap
	if d.overlay != nil {
		bitmap = d.overlay.bitmap
	}

	for nb > 0 {
		dirty, n := bitmap.run(sectorNum, nb)
		chunk := buf[:n*SectorSize]

		var src *os.File
		var base int64
		if dirty {
			src = d.overlay.file
			base = d.overlay.dataOffset
		} else {
			src = d.file
		}

		if src == nil {
			// No backing store: a logically blank disk reads as zeros.
			for i := range chunk {
				chunk[i] = 0
			}
		} else if err := readSectorsAt(src, base, sectorNum, chunk); err != nil {
			return err
		}

		sectorNum += n
		nb -= n
		buf = buf[n*SectorSize:]
	}
	return nil
}

// WriteSectors writes len(buf) bytes from buf starting at sectorNum.
// len(buf) must be a multiple of SectorSize. With an overlay present the
// write lands in the overlay and the covered sectors are marked dirty; the
// backing file is never touched while an overlay exists.
func (d *Device) WriteSectors(sectorNum int64, buf []byte) error {
	if d.readOnly {
		return ErrReadOnly
	}
	nb, err := d.checkRange(sectorNum, buf)
	if err != nil {
		return err
	}
	if nb == 0 {
		return nil
	}

	if ov := d.overlay; ov != nil {
		if err := writeSectorsAt(ov.file, ov.dataOffset, sectorNum, buf); err != nil {
			return err
		}
		ov.bitmap.setRange(sectorNum, nb)
		return nil
	}

	if d.file == nil {
		return fmt.Errorf("cow: %s: no backing store to write to", d.filename)
	}
	return writeSectorsAt(d.file, 0, sectorNum, buf)
}
