package vmm

import (
	"voidframe/kernel/mem"
	"voidframe/kernel/mem/pmm"
)

// pageTableEntry represents a single entry inside a page table at any of the
// supported page levels. The low 12 bits and bit 63 hold flags while bits
// 12-51 encode the physical frame the entry maps to.
type pageTableEntry uint64

// HasFlags returns true if all bits specified by flags are set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if at least one of the bits specified by flags is set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags ORs in the bits specified by flags.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte |= pageTableEntry(flags)
}

// ClearFlags clears the bits specified by flags.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte &^= pageTableEntry(flags)
}

// Frame returns the physical frame that this entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uint64(pte) & uint64(ptePhysPageMask)) >> mem.PageShift)
}

// SetFrame updates the physical frame that this entry points to, preserving
// the currently set flags.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (*pte &^ pageTableEntry(ptePhysPageMask)) | pageTableEntry(frame.Address()&ptePhysPageMask)
}
