package cow

import (
	"fmt"
	"io"
	"os"
)

// CheckResult summarizes an offline consistency check of a COW container.
type CheckResult struct {
	TotalSectors int64
	DirtySectors int64  // sectors held by the overlay
	TrailingBits int64  // set bits past the end of the disk; must be 0
	BackingFile  string // backing path recorded in the header
	DataOffset   int64  // byte offset of overlay sector 0
}

// Check reads a COW container without mapping it and reports its state.
// It fails on files that are not valid containers. A nonzero TrailingBits
// count means the bitmap carries bits for sectors that do not exist.
func Check(path string) (*CheckResult, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("cow: cannot open image %q: %w", path, err)
	}
	defer f.Close()

	hdrBuf := make([]byte, HeaderSize)
	n, err := f.ReadAt(hdrBuf, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("cow: %s: reading header: %w", path, err)
	}
	if n < HeaderSize {
		return nil, fmt.Errorf("%w: %s", ErrTruncatedHeader, path)
	}

	h, err := ParseHeader(hdrBuf)
	if err != nil {
		return nil, fmt.Errorf("cow: %s: %w", path, err)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}

	total := h.TotalSectors()
	bitmap := make(dirtyBitmap, bitmapBytes(total))
	if len(bitmap) > 0 {
		if _, err := io.ReadFull(io.NewSectionReader(f, HeaderSize, int64(len(bitmap))), bitmap); err != nil {
			return nil, fmt.Errorf("%w: %s: bitmap shorter than %d sectors", ErrTruncatedHeader, path, total)
		}
	}

	mapSize := int64(len(bitmap) + HeaderSize)
	res := &CheckResult{
		TotalSectors: total,
		DirtySectors: bitmap.countSet(),
		BackingFile:  h.BackingFile,
		DataOffset:   (mapSize + SectorSize - 1) &^ (SectorSize - 1),
	}

	// Bits in the final partial byte that fall past the end of the disk.
	if rem := total % 8; rem != 0 {
		last := bitmap[len(bitmap)-1]
		for i := rem; i < 8; i++ {
			if last&(1<<i) != 0 {
				res.TrailingBits++
			}
		}
	}
	res.DirtySectors -= res.TrailingBits

	return res, nil
}
