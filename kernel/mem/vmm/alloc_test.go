package vmm

import (
	"testing"

	"voidframe/kernel"
	"voidframe/kernel/mem"
	"voidframe/kernel/mem/pmm"
)

func resetBuddyState() {
	buddyFreeNodes = nil
	buddyFreeList = [buddyOrderCount]*buddyBlock{}
	buddyHash = [buddyHashBuckets]*buddyBlock{}
	buddyReady = false
	buddyUsedBytes = 0
	mmioNext = MMIOWindowStart
}

func mockBuddyMapping(t *testing.T) (mapped map[uintptr]pmm.Frame) {
	mapped = make(map[uintptr]pmm.Frame)

	origMap, origUnmap, origAlloc, origTranslate, origFree, origFence :=
		mapFn, unmapFn, frameAllocator, translateFn, freeFrameFn, mfenceFn
	t.Cleanup(func() {
		mapFn, unmapFn, frameAllocator, translateFn, freeFrameFn, mfenceFn =
			origMap, origUnmap, origAlloc, origTranslate, origFree, origFence
		resetBuddyState()
	})

	var nextFrame pmm.Frame
	mapFn = func(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
		mapped[page.Address()] = frame
		return nil
	}
	unmapFn = func(page Page) *kernel.Error {
		delete(mapped, page.Address())
		return nil
	}
	frameAllocator = func() (pmm.Frame, *kernel.Error) {
		nextFrame++
		return nextFrame, nil
	}
	translateFn = func(virtAddr uintptr) (uintptr, *kernel.Error) {
		page := PageFromAddress(virtAddr)
		frame, ok := mapped[page.Address()]
		if !ok {
			return 0, ErrInvalidMapping
		}
		return frame.Address(), nil
	}
	freeFrameFn = func(pmm.Frame) *kernel.Error { return nil }
	mfenceFn = func() {}

	resetBuddyState()
	return mapped
}

func TestAllocBacksEveryPageReadWrite(t *testing.T) {
	mapped := mockBuddyMapping(t)

	addr, err := Alloc(3 * mem.PageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr%uintptr(mem.PageSize) != 0 {
		t.Fatalf("expected page-aligned address; got 0x%x", addr)
	}

	for page, i := PageFromAddress(addr), 0; i < 3; page, i = page+1, i+1 {
		if _, ok := mapped[page.Address()]; !ok {
			t.Fatalf("expected page %d of allocation to be mapped", i)
		}
	}
}

func TestAllocWithGuardsLeavesGuardPagesUnmapped(t *testing.T) {
	mapped := mockBuddyMapping(t)

	addr, err := AllocWithGuards(mem.PageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leadGuard := PageFromAddress(addr - uintptr(mem.PageSize))
	trailGuard := PageFromAddress(addr + uintptr(mem.PageSize))
	if _, ok := mapped[leadGuard.Address()]; ok {
		t.Fatal("expected leading guard page to be unmapped")
	}
	if _, ok := mapped[trailGuard.Address()]; ok {
		t.Fatal("expected trailing guard page to be unmapped")
	}
	if _, ok := mapped[PageFromAddress(addr).Address()]; !ok {
		t.Fatal("expected interior page to be mapped")
	}
}

func TestAllocStackReturnsHighAddressAboveGuard(t *testing.T) {
	mapped := mockBuddyMapping(t)

	top, err := AllocStack(2 * mem.PageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	guardPage := PageFromAddress(top - uintptr(2*mem.PageSize) - uintptr(mem.PageSize))
	if _, ok := mapped[guardPage.Address()]; ok {
		t.Fatal("expected guard page below the stack to remain unmapped/free")
	}
}

func buddyFreeNodesContainsInUse(addr uintptr) bool {
	b := hashLookup(addr &^ (uintptr(mem.PageSize) - 1))
	return b != nil && b.inUse
}

func TestFreeReleasesBlockForReuse(t *testing.T) {
	mockBuddyMapping(t)

	addr, err := Alloc(mem.PageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := Free(addr, mem.PageSize); err != nil {
		t.Fatalf("unexpected error freeing: %v", err)
	}

	addr2, err := Alloc(mem.PageSize)
	if err != nil {
		t.Fatalf("unexpected error re-allocating: %v", err)
	}
	if addr2 != addr {
		t.Fatalf("expected coalesced block to be reused at 0x%x; got 0x%x", addr, addr2)
	}
}

func TestFreeOfUnknownAddressFails(t *testing.T) {
	mockBuddyMapping(t)

	if err := Free(HeapWindowStart+uintptr(mem.PageSize)*1000, mem.PageSize); err == nil {
		t.Fatal("expected an error when freeing an address the allocator never handed out")
	}
}

func TestBuddyCoalescingAcrossSplits(t *testing.T) {
	mockBuddyMapping(t)

	a, err := Alloc(mem.PageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Alloc(mem.PageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := Free(a, mem.PageSize); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Free(b, mem.PageSize); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A fresh request for the full order should now be satisfiable from
	// the coalesced block without growing the node pool usage.
	before := buddyUsedBytes
	if _, err := Alloc(2 * mem.PageSize); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buddyUsedBytes != before+2*uint64(mem.PageSize) {
		t.Fatalf("expected used bytes to grow by one order's worth; got %d -> %d", before, buddyUsedBytes)
	}
}

func TestMapMMIOUsesReservedWindow(t *testing.T) {
	mockBuddyMapping(t)

	addr, err := MapMMIO(0xFEE00000, mem.PageSize, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr < MMIOWindowStart || addr >= MMIOWindowEnd {
		t.Fatalf("expected MMIO address inside the MMIO window; got 0x%x", addr)
	}
}

func TestAllocStatsReportsUsage(t *testing.T) {
	mockBuddyMapping(t)

	before := AllocStats()
	if _, err := Alloc(mem.PageSize); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := AllocStats()

	if after.UsedBytes != before.UsedBytes+uint64(mem.PageSize) {
		t.Fatalf("expected used bytes to increase by one page; got %d -> %d", before.UsedBytes, after.UsedBytes)
	}
	if after.TotalBytes != before.TotalBytes {
		t.Fatalf("expected total bytes to stay constant; got %d -> %d", before.TotalBytes, after.TotalBytes)
	}
}
