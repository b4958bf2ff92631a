package cow

import (
	"fmt"
	"os"
	"path/filepath"
)

// openBackingFile resolves, validates and opens the container's backing
// file, if the header names one. The backing file must still exist and its
// modification time must match the timestamp recorded at snapshot creation;
// any mismatch is fatal, never silently accepted.
func (d *Device) openBackingFile(h *Header) error {
	if h.BackingFile == "" {
		return nil // no backing file: unwritten sectors read as zeros
	}

	path := d.resolveBackingPath(h.BackingFile)

	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cow: %s: backing file %q: %w", d.filename, h.BackingFile, err)
	}
	if uint32(st.ModTime().Unix()) != h.MTime {
		return fmt.Errorf("%w: %s: backing file %q", ErrBackingModified, d.filename, h.BackingFile)
	}

	// The overlay absorbs ordinary writes, but Commit merges into the
	// backing store, so prefer read-write access and degrade to read-only.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		f, err = os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return fmt.Errorf("cow: %s: opening backing file %q: %w", d.filename, h.BackingFile, err)
		}
	}

	d.file = f
	d.backingName = h.BackingFile
	return nil
}

// resolveBackingPath resolves a relative backing path against the
// directory holding the container file.
func (d *Device) resolveBackingPath(backing string) string {
	if filepath.IsAbs(backing) {
		return backing
	}
	return filepath.Join(filepath.Dir(d.filename), backing)
}
