package vfs

import (
	"testing"

	"voidframe/kernel/block"
)

// buildISO9660Image constructs a minimal single-level ISO9660 image: 16
// empty system-area sectors, one primary volume descriptor at LBA 16 whose
// embedded root directory record points at LBA 18 (one sector, holding "."
// and ".." plus a single file "HELLO.TXT;1" whose data lives at LBA 19).
func buildISO9660Image(t *testing.T) block.Device {
	const sectorSize = 2048
	const totalSectors = 24
	img := make([]byte, sectorSize*totalSectors)

	put32both := func(off int, v uint32) {
		// Little-endian half.
		img[off] = byte(v)
		img[off+1] = byte(v >> 8)
		img[off+2] = byte(v >> 16)
		img[off+3] = byte(v >> 24)
		// Big-endian half immediately follows.
		img[off+4] = byte(v >> 24)
		img[off+5] = byte(v >> 16)
		img[off+6] = byte(v >> 8)
		img[off+7] = byte(v)
	}

	const pvdOff = 16 * sectorSize
	img[pvdOff] = 1
	copy(img[pvdOff+1:], "CD001")
	img[pvdOff+6] = 1

	const rootRecOff = pvdOff + 156
	img[rootRecOff] = 34 // record length
	put32both(rootRecOff+2, 18)  // root extent LBA
	put32both(rootRecOff+10, sectorSize) // root data length (1 sector)
	img[rootRecOff+25] = 0x02 // directory flag
	img[rootRecOff+32] = 1    // file identifier length
	img[rootRecOff+33] = 0x00 // identifier byte 0x00 == "."

	// Root directory extent at LBA 18: "." , "..", then HELLO.TXT;1 -> LBA 19.
	dirOff := 18 * sectorSize
	writeRec := func(off int, idLen int) int {
		return off + idLen
	}
	_ = writeRec

	pos := dirOff
	// "." entry
	img[pos] = 34
	put32both(pos+2, 18)
	put32both(pos+10, sectorSize)
	img[pos+25] = 0x02
	img[pos+32] = 1
	img[pos+33] = 0x00
	pos += 34

	// ".." entry
	img[pos] = 34
	put32both(pos+2, 18)
	put32both(pos+10, sectorSize)
	img[pos+25] = 0x02
	img[pos+32] = 1
	img[pos+33] = 0x01
	pos += 34

	// "HELLO.TXT;1" file entry.
	name := "HELLO.TXT;1"
	recLen := 33 + len(name)
	if recLen%2 != 0 {
		recLen++
	}
	img[pos] = byte(recLen)
	put32both(pos+2, 19)
	put32both(pos+10, uint32(len("hello from iso")))
	img[pos+25] = 0x00 // not a directory
	img[pos+32] = byte(len(name))
	copy(img[pos+33:], name)
	pos += recLen

	// File data at LBA 19.
	copy(img[19*sectorSize:], "hello from iso")

	return block.NewRAMDisk("cdrom0", sectorSize, img)
}

func mountISO9660(t *testing.T) *ISO9660 {
	fs := &ISO9660{}
	if err := fs.Mount(buildISO9660Image(t), "/"); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return fs
}

func TestISO9660MountValidatesIdentifier(t *testing.T) {
	fs := mountISO9660(t)
	if fs.VolumeChecksum == 0 {
		t.Fatalf("expected a non-zero volume checksum after mount")
	}
}

func TestISO9660MountRejectsBadIdentifier(t *testing.T) {
	const sectorSize = 2048
	img := make([]byte, sectorSize*17)
	dev := block.NewRAMDisk("badcd", sectorSize, img)
	fs := &ISO9660{}
	if err := fs.Mount(dev, "/"); err == nil {
		t.Fatalf("expected Mount to reject a volume with no CD001 identifier")
	}
}

func TestISO9660ListRoot(t *testing.T) {
	fs := mountISO9660(t)
	entries, err := fs.ListDir("/")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "HELLO.TXT" {
		t.Fatalf("expected a single HELLO.TXT entry, got %+v", entries)
	}
}

func TestISO9660ReadFile(t *testing.T) {
	fs := mountISO9660(t)
	buf := make([]byte, 64)
	n, err := fs.Read("/HELLO.TXT", buf, len(buf))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello from iso" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestISO9660IsReadOnly(t *testing.T) {
	fs := mountISO9660(t)
	if err := fs.CreateFile("/new.txt"); err == nil {
		t.Fatalf("expected CreateFile to be rejected on a read-only filesystem")
	}
	if _, err := fs.Write("/HELLO.TXT", []byte("x"), 1); err == nil {
		t.Fatalf("expected Write to be rejected on a read-only filesystem")
	}
}

func TestISO9660MissingFileNotFound(t *testing.T) {
	fs := mountISO9660(t)
	if _, err := fs.Size("/NOPE.TXT"); err == nil {
		t.Fatalf("expected Size of a missing file to fail")
	}
}
