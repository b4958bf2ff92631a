package cow

import (
	"fmt"
	"os"
	"path/filepath"
)

// CreateOptions configures a new COW container.
type CreateOptions struct {
	// Size is the virtual disk size in bytes. Required unless BackingFile
	// is set, in which case it defaults to the backing file's size.
	Size uint64

	// BackingFile is the path to a base image whose sectors show through
	// wherever the container has not been written. Its modification time
	// is recorded in the header and checked on every subsequent open.
	BackingFile string
}

// Create creates a new COW container file at path. The container starts
// with a clean bitmap; its data region grows on demand as sectors are
// written. The returned Device is open for read-write.
func Create(path string, opts CreateOptions) (*Device, error) {
	if len(path) > MaxPathLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPathTooLong, len(path))
	}

	var mtime uint32
	if opts.BackingFile != "" {
		if len(opts.BackingFile) > MaxPathLen {
			return nil, fmt.Errorf("%w: backing file path is %d bytes", ErrPathTooLong, len(opts.BackingFile))
		}
		resolved := opts.BackingFile
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(path), resolved)
		}
		st, err := os.Stat(resolved)
		if err != nil {
			return nil, fmt.Errorf("cow: backing file %q: %w", opts.BackingFile, err)
		}
		mtime = uint32(st.ModTime().Unix())
		if opts.Size == 0 {
			opts.Size = uint64(st.Size())
		}
	}
	if opts.Size == 0 {
		return nil, fmt.Errorf("cow: size is required")
	}

	header := &Header{
		Magic:       Magic,
		Version:     Version,
		BackingFile: opts.BackingFile,
		MTime:       mtime,
		Size:        opts.Size,
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("cow: failed to create file: %w", err)
	}

	if _, err := f.WriteAt(header.Encode(), 0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("cow: failed to write header: %w", err)
	}

	// Extend the file over the zeroed bitmap up to the 512-aligned start
	// of the data region, so the bitmap can be mapped on open.
	mapSize := int64(bitmapBytes(header.TotalSectors()) + HeaderSize)
	dataOffset := (mapSize + SectorSize - 1) &^ (SectorSize - 1)
	if err := f.Truncate(dataOffset); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("cow: failed to size container: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("cow: failed to sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("cow: failed to close: %w", err)
	}

	d, err := Open(path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return d, nil
}

// CreateOverlay creates a new COW container backed by an existing image.
// The container starts empty and reads fall through to the backing file;
// writes go to the container (copy-on-write).
//
//	overlay, err := cow.CreateOverlay("snapshot.cow", "base.img")
func CreateOverlay(path, backingFile string) (*Device, error) {
	return Create(path, CreateOptions{BackingFile: backingFile})
}
