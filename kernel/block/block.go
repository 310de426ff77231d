// Package block implements the block-device abstraction beneath the VFS
// (spec.md §3 BlockDevice, §4.8 "Block-device registry"): a capability
// interface every concrete device (RAM disk, a future AHCI/NVMe driver) must
// satisfy, a flat name-keyed registry, and an MBR/GPT partition scanner that
// registers each detected partition as its own derived device with an
// adjusted LBA base.
//
// No teacher analog exists (gopheros never got a block layer); grounded in
// idiom on kernel/mem/pmm's bitmap-plus-lock singleton shape and on
// kernel.Error's typed-error convention used throughout this tree.
package block

import (
	"voidframe/kernel"
	"voidframe/kernel/sync"
)

// DefaultSectorSize is the sector size assumed by the MBR/GPT scanner and by
// RAMDisk when no explicit sector size is supplied.
const DefaultSectorSize = 512

// Device is the capability set every block device implements (spec.md §3).
// Read/Write operate in units of sectors, not bytes; buf must be at least
// count*SectorSize() bytes.
type Device interface {
	Name() string
	SectorSize() uint32
	TotalSectors() uint64
	Read(startLBA uint64, count uint32, buf []byte) *kernel.Error
	Write(startLBA uint64, count uint32, buf []byte) *kernel.Error
}

var (
	errNotFound      = &kernel.Error{Module: "block", Message: "no such block device"}
	errAlreadyExists = &kernel.Error{Module: "block", Message: "block device name already registered"}
	errOutOfRange    = &kernel.Error{Module: "block", Message: "sector range out of bounds"}
	errBufferTooSmall = &kernel.Error{Module: "block", Message: "buffer too small for requested sector count"}

	lock     sync.IRQLock
	registry = map[string]Device{}
)

// Register adds dev to the registry under its own Name() and scans it for
// MBR/GPT partitions, registering each one found as "<name>pN" (spec.md
// §4.8 "On registration, partitions are detected ... and added as derived
// block devices with adjusted LBA bases").
func Register(dev Device) *kernel.Error {
	lock.Acquire()
	if _, exists := registry[dev.Name()]; exists {
		lock.Release()
		return errAlreadyExists
	}
	registry[dev.Name()] = dev
	lock.Release()

	for _, part := range scanPartitions(dev) {
		// Partition discovery failures (corrupt/absent partition table) are
		// not fatal to registering the underlying device; best effort.
		_ = registerPartition(dev, part)
	}
	return nil
}

func registerPartition(dev Device, part partitionEntry) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	name := dev.Name() + "p" + uitoa(uint64(part.index))
	if _, exists := registry[name]; exists {
		return errAlreadyExists
	}
	registry[name] = &Partition{
		parent:  dev,
		name:    name,
		lbaBase: part.startLBA,
		sectors: part.sectorCount,
	}
	return nil
}

// Unregister removes name from the registry. Unregistering an unknown name
// is a no-op.
func Unregister(name string) {
	lock.Acquire()
	defer lock.Release()
	delete(registry, name)
}

// Lookup returns the device registered under name.
func Lookup(name string) (Device, bool) {
	lock.Acquire()
	defer lock.Release()
	dev, ok := registry[name]
	return dev, ok
}

// All returns every currently registered device, including derived
// partitions, in no particular order.
func All() []Device {
	lock.Acquire()
	defer lock.Release()
	out := make([]Device, 0, len(registry))
	for _, dev := range registry {
		out = append(out, dev)
	}
	return out
}

// Partition is a derived block device representing one slice of a parent
// device's LBA range, as produced by the MBR/GPT scanner.
type Partition struct {
	parent  Device
	name    string
	lbaBase uint64
	sectors uint64
}

func (p *Partition) Name() string        { return p.name }
func (p *Partition) SectorSize() uint32  { return p.parent.SectorSize() }
func (p *Partition) TotalSectors() uint64 { return p.sectors }

func (p *Partition) Read(startLBA uint64, count uint32, buf []byte) *kernel.Error {
	if startLBA+uint64(count) > p.sectors {
		return errOutOfRange
	}
	return p.parent.Read(p.lbaBase+startLBA, count, buf)
}

func (p *Partition) Write(startLBA uint64, count uint32, buf []byte) *kernel.Error {
	if startLBA+uint64(count) > p.sectors {
		return errOutOfRange
	}
	return p.parent.Write(p.lbaBase+startLBA, count, buf)
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
