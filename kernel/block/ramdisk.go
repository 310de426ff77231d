package block

import "voidframe/kernel"

// RAMDisk is a Device backed entirely by a Go-heap byte slice. It exists for
// early boot (a ramdisk module passed via Multiboot2), for tests, and as the
// backing store devfs/procfs-adjacent virtual block devices use when no
// physical device underlies them.
type RAMDisk struct {
	name       string
	sectorSize uint32
	data       []byte
}

// NewRAMDisk wraps data as a Device with the given name and sector size. The
// slice is used directly (not copied); callers that need an isolated copy
// should pass one in.
func NewRAMDisk(name string, sectorSize uint32, data []byte) *RAMDisk {
	return &RAMDisk{name: name, sectorSize: sectorSize, data: data}
}

func (r *RAMDisk) Name() string       { return r.name }
func (r *RAMDisk) SectorSize() uint32 { return r.sectorSize }
func (r *RAMDisk) TotalSectors() uint64 {
	return uint64(len(r.data)) / uint64(r.sectorSize)
}

func (r *RAMDisk) Read(startLBA uint64, count uint32, buf []byte) *kernel.Error {
	off, n, err := r.bounds(startLBA, count)
	if err != nil {
		return err
	}
	if uint64(len(buf)) < n {
		return errBufferTooSmall
	}
	copy(buf, r.data[off:off+n])
	return nil
}

func (r *RAMDisk) Write(startLBA uint64, count uint32, buf []byte) *kernel.Error {
	off, n, err := r.bounds(startLBA, count)
	if err != nil {
		return err
	}
	if uint64(len(buf)) < n {
		return errBufferTooSmall
	}
	copy(r.data[off:off+n], buf)
	return nil
}

func (r *RAMDisk) bounds(startLBA uint64, count uint32) (off, n uint64, err *kernel.Error) {
	total := r.TotalSectors()
	if startLBA+uint64(count) > total {
		return 0, 0, errOutOfRange
	}
	off = startLBA * uint64(r.sectorSize)
	n = uint64(count) * uint64(r.sectorSize)
	return off, n, nil
}
