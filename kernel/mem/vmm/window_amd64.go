// +build amd64

package vmm

// Kernel virtual address windows (spec.md §6 "Memory layout at runtime").
// The heap window is carved up by the buddy allocator in alloc.go; the MMIO
// window is a reserved sub-range of it used exclusively by MapMMIO.
const (
	// HeapWindowStart is the first address of the kernel heap window.
	HeapWindowStart = uintptr(0xFFFF800000000000)

	// HeapWindowEnd is one past the last address of the kernel heap window.
	HeapWindowEnd = uintptr(0xFFFFFFFF00000000)

	// mmioWindowSize reserves the top 1GiB of the heap window for MMIO
	// mappings, keeping them out of the buddy allocator's general pool.
	mmioWindowSize = uintptr(1) << 30

	// MMIOWindowStart is the first address available to MapMMIO.
	MMIOWindowStart = HeapWindowEnd - mmioWindowSize

	// MMIOWindowEnd is one past the last address available to MapMMIO.
	MMIOWindowEnd = HeapWindowEnd

	// UserSpaceEnd is one past the highest address a userspace process may
	// occupy (spec.md §6 "User space: below 0x0000_8000_0000_0000"). The
	// syscall layer uses it to validate user-supplied pointers before
	// copying through them.
	UserSpaceEnd = uintptr(0x0000800000000000)
)
