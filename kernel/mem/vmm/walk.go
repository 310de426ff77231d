package vmm

import (
	"unsafe"

	"voidframe/kernel"
	"voidframe/kernel/mem"
)

// ErrInvalidMapping is returned when attempting to unmap or translate a
// virtual address that has no active mapping.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "address is not mapped to a physical frame"}

// pageTableWalker is invoked by walk for each page table level that forms
// part of the translation path of a virtual address. Returning false aborts
// the walk before the next (deeper) level is visited.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// ptePtrFn resolves the virtual address of a page table entry (computed
// using the recursive self-mapping trick) to a pointer so it can be read or
// modified. Tests override this to back the walk with plain Go arrays
// instead of dereferencing arbitrary memory.
var ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(entryAddr)
}

// walk locates, for each of the pageLevels paging structures, the page table
// entry that forms part of the translation path for virtAddr and invokes
// walkFn with it. It relies on the recursive self-mapping installed by
// PageDirectoryTable.Init in the last entry of the active PDT to reach every
// intermediate table using ordinary virtual memory loads: the virtual
// address of the entry at level L is obtained by taking the address used to
// access level L-1's table (or pdtVirtualAddr for the top level) and
// shifting in the table index that corresponds to virtAddr at that level.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := pdtVirtualAddr

	for level := uint8(0); level < pageLevels; level++ {
		shift := pageLevelShifts[level]
		index := (virtAddr >> shift) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableAddr | (index << mem.PointerShift)

		pte := (*pageTableEntry)(ptePtrFn(entryAddr))
		if !walkFn(level, pte) {
			return
		}

		tableAddr = entryAddr << pageLevelBits[level]
	}
}

// pteForAddress returns the lowest-level page table entry that maps
// virtAddr, or ErrInvalidMapping if any level along the path is not present.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		result *pageTableEntry
		err    *kernel.Error
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 {
			result = pte
		}

		return true
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}
