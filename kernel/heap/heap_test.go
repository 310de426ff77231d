package heap

import (
	"testing"
	"unsafe"

	"voidframe/kernel"
	"voidframe/kernel/config"
	"voidframe/kernel/mem"
)

// mockPages backs allocPageFn/freePageFn with real Go-heap buffers so tests
// can exercise the kernel allocator without a real VMM/paging setup.
func mockPages(t *testing.T) (freedSizes *[]mem.Size) {
	origAlloc, origFree, origPanic := allocPageFn, freePageFn, panicFn
	origFreeList := freeListHead
	origStats := stats

	var pins [][]byte
	var frees []mem.Size

	t.Cleanup(func() {
		allocPageFn, freePageFn, panicFn = origAlloc, origFree, origPanic
		freeListHead = origFreeList
		stats = origStats
	})

	allocPageFn = func(size mem.Size) (uintptr, *kernel.Error) {
		buf := make([]byte, int(size)+int(mem.PageSize)) // slack for page alignment
		pins = append(pins, buf)
		addr := uintptr(unsafe.Pointer(&buf[0]))
		aligned := (addr + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
		return aligned, nil
	}
	freePageFn = func(ptr uintptr, size mem.Size) *kernel.Error {
		frees = append(frees, size)
		return nil
	}

	return &frees
}

func resetHeapState() {
	freeListHead = [len(classSizes)]uintptr{}
	stats = Stats{}
}

func TestKmallocKfreeRoundTrip(t *testing.T) {
	mockPages(t)
	resetHeapState()

	ptr, err := Kmalloc(64)
	if err != nil {
		t.Fatalf("Kmalloc failed: %v", err)
	}

	buf := (*[64]byte)(unsafe.Pointer(ptr))
	for i := range buf {
		buf[i] = byte(i)
	}
	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("byte %d corrupted after write", i)
		}
	}

	// Keep a second block of the same class live so freeing ptr does not
	// leave its slab empty (an empty slab is handed back to the page
	// allocator, and the next allocation would then come from a new page).
	if _, err := Kmalloc(64); err != nil {
		t.Fatalf("Kmalloc failed: %v", err)
	}

	Kfree(ptr)

	ptr2, err := Kmalloc(64)
	if err != nil {
		t.Fatalf("second Kmalloc failed: %v", err)
	}
	if ptr2 != ptr {
		t.Errorf("expected freed block to be reused; got %#x want %#x", ptr2, ptr)
	}
}

func TestKcallocZeroesMemory(t *testing.T) {
	mockPages(t)
	resetHeapState()

	ptr, err := Kcalloc(8, 32)
	if err != nil {
		t.Fatalf("Kcalloc failed: %v", err)
	}

	buf := (*[256]byte)(unsafe.Pointer(ptr))
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, b)
		}
	}
}

func TestKreallocGrowsAndPreservesContents(t *testing.T) {
	mockPages(t)
	resetHeapState()

	ptr, err := Kmalloc(16)
	if err != nil {
		t.Fatalf("Kmalloc failed: %v", err)
	}
	src := (*[16]byte)(unsafe.Pointer(ptr))
	for i := range src {
		src[i] = byte(0xA0 + i)
	}

	newPtr, err := Krealloc(ptr, 512)
	if err != nil {
		t.Fatalf("Krealloc failed: %v", err)
	}

	grown := (*[16]byte)(unsafe.Pointer(newPtr))
	for i := range grown {
		if grown[i] != byte(0xA0+i) {
			t.Errorf("byte %d not preserved across realloc: got %#x", i, grown[i])
		}
	}
}

func TestKreallocSameClassIsNoOp(t *testing.T) {
	mockPages(t)
	resetHeapState()

	ptr, _ := Kmalloc(50) // rounds up to the 64-byte class
	newPtr, err := Krealloc(ptr, 60)
	if err != nil {
		t.Fatalf("Krealloc failed: %v", err)
	}
	if newPtr != ptr {
		t.Errorf("expected realloc within the same size class to return the same pointer")
	}
}

func TestStatsTrackOutstandingAllocations(t *testing.T) {
	mockPages(t)
	resetHeapState()

	p1, _ := Kmalloc(64)
	p2, _ := Kmalloc(128)

	st := AllocStats()
	if st.TotalAllocated != 64+128 {
		t.Errorf("expected total allocated 192; got %d", st.TotalAllocated)
	}
	if st.AllocCount != 2 {
		t.Errorf("expected alloc count 2; got %d", st.AllocCount)
	}

	Kfree(p1)
	st = AllocStats()
	if st.TotalAllocated != 128 {
		t.Errorf("expected total allocated 128 after one free; got %d", st.TotalAllocated)
	}
	if st.FreeCount != 1 {
		t.Errorf("expected free count 1; got %d", st.FreeCount)
	}

	Kfree(p2)
}

func TestLargeAllocationRoutesThroughPageAllocator(t *testing.T) {
	frees := mockPages(t)
	resetHeapState()

	ptr, err := Kmalloc(4096)
	if err != nil {
		t.Fatalf("Kmalloc failed: %v", err)
	}

	Kfree(ptr)
	if len(*frees) != 1 || (*frees)[0] != 4096+headerSize {
		t.Errorf("expected the large allocation to be released as a single %d-byte region; got %v", 4096+headerSize, *frees)
	}
}

func TestSlabReclaimedOnceEveryBlockIsFree(t *testing.T) {
	frees := mockPages(t)
	resetHeapState()

	// 2048-byte class: one block per page, so the slab should be handed
	// back to the page allocator as soon as that single block is freed.
	ptr, err := Kmalloc(2048)
	if err != nil {
		t.Fatalf("Kmalloc failed: %v", err)
	}

	before := AllocStats().CoalesceCount
	Kfree(ptr)
	after := AllocStats().CoalesceCount

	if after != before+1 {
		t.Errorf("expected a coalesced slab after freeing its only block; before=%d after=%d", before, after)
	}
	if len(*frees) != 1 {
		t.Errorf("expected exactly one page to be released; got %d", len(*frees))
	}
}

func TestDoubleFreeIsFatalAndNotifiesHook(t *testing.T) {
	mockPages(t)
	resetHeapState()

	origPanic := panicFn
	origHook := doubleFreeHookFn
	defer func() { panicFn = origPanic; doubleFreeHookFn = origHook }()

	var paniced bool
	panicFn = func(e interface{}) { paniced = true }

	var hooked uintptr
	SetDoubleFreeHook(func(p uintptr) { hooked = p })
	defer SetDoubleFreeHook(nil)

	ptr, _ := Kmalloc(32)
	Kfree(ptr)
	Kfree(ptr)

	if !paniced {
		t.Error("expected the second free of the same pointer to panic")
	}
	if hooked != ptr {
		t.Errorf("expected the double-free hook to be called with %#x; got %#x", ptr, hooked)
	}
}

func TestFreeOfCorruptedHeaderIsFatal(t *testing.T) {
	mockPages(t)
	resetHeapState()

	origPanic := panicFn
	defer func() { panicFn = origPanic }()

	var paniced bool
	panicFn = func(e interface{}) { paniced = true }

	ptr, _ := Kmalloc(32)
	h := headerOf(ptr)
	h.magic = 0xdeadbeef

	Kfree(ptr)

	if !paniced {
		t.Error("expected a corrupted header to be fatal")
	}
}

func TestFullValidationWalksFreeListWithoutFalsePositive(t *testing.T) {
	mockPages(t)
	resetHeapState()

	orig := config.Active.HeapValidationLevel
	config.Active.HeapValidationLevel = config.HeapValidationFull
	defer func() { config.Active.HeapValidationLevel = orig }()

	origPanic := panicFn
	defer func() { panicFn = origPanic }()
	var paniced bool
	panicFn = func(e interface{}) { paniced = true }

	ptr, _ := Kmalloc(16)
	other, _ := Kmalloc(16)
	Kfree(ptr)
	Kfree(other)

	if paniced {
		t.Error("FULL validation should not flag a healthy free list as corrupted")
	}
}
