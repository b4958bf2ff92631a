package cow

import "fmt"

// commitBufSectors bounds the buffer used for commit I/O. Dirty runs
// larger than this are flushed in multiple transfers.
const commitBufSectors = 256

// Commit merges every dirty overlay sector back into the backing file,
// then detaches the overlay so subsequent reads bypass it. For persistent
// containers the cleared bitmap is flushed to the container file.
//
// Commit is not transactional: a failure aborts immediately and leaves the
// overlay and its bitmap intact. Sectors already written before the
// failure keep their dirty bits; their content matches both stores, so the
// stale bits are harmless.
func (d *Device) Commit() error {
	ov := d.overlay
	if ov == nil {
		return ErrNoOverlay
	}
	if d.readOnly {
		return ErrReadOnly
	}
	if d.file == nil {
		return fmt.Errorf("cow: %s: no backing store to commit into", d.filename)
	}

	buf := make([]byte, commitBufSectors*SectorSize)
	for sector := int64(0); sector < d.totalSectors; {
		dirty, n := ov.bitmap.run(sector, d.totalSectors-sector)
		if !dirty {
			sector += n
			continue
		}
		for n > 0 {
			c := n
			if c > commitBufSectors {
				c = commitBufSectors
			}
			chunk := buf[:c*SectorSize]
			// The dirty bits route this read through the overlay.
			if err := d.ReadSectors(sector, chunk); err != nil {
				return err
			}
			if err := writeSectorsAt(d.file, 0, sector, chunk); err != nil {
				return err
			}
			sector += c
			n -= c
		}
	}

	// Everything is merged: mark the container clean and drop the overlay.
	ov.bitmap.clear()
	d.overlay = nil

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if ov.mapping != nil {
		if !ov.anonymous {
			keep(syncMapping(ov.mapping))
		}
		keep(unmapMapping(ov.mapping))
	}
	keep(ov.file.Close())
	return firstErr
}
