package cow

import "math/bits"

// dirtyBitmap tracks which sectors live in the COW overlay.
// One bit per sector, LSB-first within each byte: bit i set means sector i
// must be read from the overlay instead of the backing file.
//
// For persistent containers the slice aliases a shared file-backed memory
// mapping, so mutations reach the container file through the page cache.
type dirtyBitmap []byte

// bitmapBytes returns the number of bytes needed to track sectors.
func bitmapBytes(sectors int64) int {
	return int((sectors + 7) / 8)
}

func (b dirtyBitmap) set(sector int64) {
	b[sector>>3] |= 1 << (sector & 7)
}

func (b dirtyBitmap) isSet(sector int64) bool {
	return b[sector>>3]&(1<<(sector&7)) != 0
}

// setRange marks sectors [start, start+n) dirty. Idempotent.
func (b dirtyBitmap) setRange(start, n int64) {
	for i := int64(0); i < n; i++ {
		b.set(start + i)
	}
}

// run reports whether sector start is dirty and how many leading sectors
// of [start, start+max) share that state. A nil bitmap means no overlay
// exists: nothing is dirty and the whole range is one run. Batching
// same-state sectors into one run keeps I/O at one transfer per run
// instead of one per sector.
func (b dirtyBitmap) run(start, max int64) (dirty bool, n int64) {
	if b == nil || max == 0 {
		return false, max
	}
	dirty = b.isSet(start)
	for n = 1; n < max; n++ {
		if b.isSet(start+n) != dirty {
			break
		}
	}
	return dirty, n
}

// countSet returns the number of set bits.
func (b dirtyBitmap) countSet() int64 {
	var count int64
	for _, byt := range b {
		count += int64(bits.OnesCount8(byt))
	}
	return count
}

// clear zeroes the whole bitmap.
func (b dirtyBitmap) clear() {
	for i := range b {
		b[i] = 0
	}
}
