package cow

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCommitConvergence(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.img")
	writeRawImage(t, base, 10, func(s int) byte { return byte(s + 1) })

	path := filepath.Join(dir, "snap.cow")
	d, err := CreateOverlay(path, base)
	if err != nil {
		t.Fatalf("CreateOverlay failed: %v", err)
	}
	defer d.Close()

	for _, s := range []int64{1, 3, 4, 9} {
		if err := d.WriteSectors(s, sectorBuf(1, 0xB0+byte(s))); err != nil {
			t.Fatalf("WriteSectors(%d) failed: %v", s, err)
		}
	}

	// The pre-commit view through the overlay is the reference.
	want := make([]byte, 10*SectorSize)
	if err := d.ReadSectors(0, want); err != nil {
		t.Fatalf("ReadSectors failed: %v", err)
	}

	if err := d.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// The device now reads from the backing store and must agree.
	got := make([]byte, 10*SectorSize)
	if err := d.ReadSectors(0, got); err != nil {
		t.Fatalf("ReadSectors after commit failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("post-commit device view differs from pre-commit view")
	}

	// A fresh open of just the backing file must agree too.
	raw, err := os.ReadFile(base)
	if err != nil {
		t.Fatalf("reading base: %v", err)
	}
	if !bytes.Equal(raw, want) {
		t.Error("backing file differs from pre-commit view")
	}

	if d.DirtySectors() != 0 {
		t.Errorf("DirtySectors after commit = %d, want 0", d.DirtySectors())
	}

	// The container file on disk is marked clean as well.
	res, err := Check(path)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.DirtySectors != 0 {
		t.Errorf("container DirtySectors after commit = %d, want 0", res.DirtySectors)
	}

	// The overlay is detached; a second commit is a reported no-op.
	if err := d.Commit(); !errors.Is(err, ErrNoOverlay) {
		t.Errorf("second Commit error = %v, want ErrNoOverlay", err)
	}
}

func TestCommitNoOverlayOnRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	writeRawImage(t, path, 4, func(s int) byte { return byte(s) })

	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer d.Close()

	if err := d.Commit(); !errors.Is(err, ErrNoOverlay) {
		t.Errorf("Commit error = %v, want ErrNoOverlay", err)
	}
}

func TestCommitReadOnly(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.img")
	writeRawImage(t, base, 4, func(int) byte { return 0x22 })

	d, err := CreateOverlay(filepath.Join(dir, "snap.cow"), base)
	if err != nil {
		t.Fatalf("CreateOverlay failed: %v", err)
	}
	defer d.Close()

	if err := d.WriteSectors(1, sectorBuf(1, 0x99)); err != nil {
		t.Fatalf("WriteSectors failed: %v", err)
	}
	before := d.DirtySectors()

	d.readOnly = true
	if err := d.Commit(); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("Commit error = %v, want ErrReadOnly", err)
	}
	if d.DirtySectors() != before {
		t.Error("rejected commit changed the bitmap")
	}
}

func TestCommitEphemeralSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.img")
	writeRawImage(t, path, 6, func(int) byte { return 0 })

	d, err := OpenSnapshot(path)
	if err != nil {
		t.Fatalf("OpenSnapshot failed: %v", err)
	}
	defer d.Close()

	want := sectorBuf(2, 0xDD)
	if err := d.WriteSectors(2, want); err != nil {
		t.Fatalf("WriteSectors failed: %v", err)
	}
	if err := d.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if d.Snapshot() {
		t.Error("Snapshot = true after commit")
	}

	// Committed data reached the base image.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading base: %v", err)
	}
	if !bytes.Equal(raw[2*SectorSize:4*SectorSize], want) {
		t.Error("committed data missing from base image")
	}

	// The device keeps serving the same bytes, now from the base.
	buf := make([]byte, 2*SectorSize)
	if err := d.ReadSectors(2, buf); err != nil {
		t.Fatalf("ReadSectors after commit failed: %v", err)
	}
	if !bytes.Equal(buf, want) {
		t.Error("post-commit read mismatch")
	}
}

func TestCommitLargeDirtyRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.img")
	writeRawImage(t, path, 400, func(int) byte { return 0 })

	d, err := OpenSnapshot(path)
	if err != nil {
		t.Fatalf("OpenSnapshot failed: %v", err)
	}
	defer d.Close()

	// A dirty run larger than the commit buffer.
	n := commitBufSectors + 44
	if err := d.WriteSectors(0, sectorBuf(n, 0x3C)); err != nil {
		t.Fatalf("WriteSectors failed: %v", err)
	}
	if err := d.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading base: %v", err)
	}
	if !bytes.Equal(raw[:n*SectorSize], sectorBuf(n, 0x3C)) {
		t.Error("large dirty run not fully committed")
	}
	if !bytes.Equal(raw[n*SectorSize:], make([]byte, (400-n)*SectorSize)) {
		t.Error("commit touched sectors past the dirty run")
	}
}
