// Package heap implements the general-purpose kernel allocator: kmalloc,
// kfree, krealloc and kcalloc (spec.md §4.3). Small requests are served from
// size-segregated free lists (16 .. 2048 bytes); anything bigger is routed
// straight through the VMM buddy allocator. Each size class is backed by
// single-page slabs carved out of vmm.Alloc on demand and handed back once
// every block in a slab is free again.
package heap

import (
	"unsafe"

	"voidframe/kernel"
	"voidframe/kernel/config"
	"voidframe/kernel/mem"
	"voidframe/kernel/mem/vmm"
	"voidframe/kernel/sync"
)

// classSizes are the supported size-segregated free list classes. A request
// larger than the last entry is satisfied directly from the VMM.
var classSizes = [...]mem.Size{16, 32, 64, 128, 256, 512, 1024, 2048}

const (
	heapMagicAlive = uint32(0x48656170) // "Heap", set while a block is handed out
	heapMagicFree  = uint32(0x46726565) // "Free", set once a block is back on its free list
)

// header immediately precedes every pointer handed back by kmalloc. extra is
// unused for segregated blocks and holds the total VMM-allocated size
// (header included) for large allocations, so kfree knows how much to hand
// back to vmm.Free.
type header struct {
	magic     uint32
	sizeClass uint8
	_         [3]byte
	extra     uint64
}

const headerSize = mem.Size(unsafe.Sizeof(header{}))

// slabHeader sits at the start of every slab page, ahead of its blocks.
type slabHeader struct {
	sizeClass  uint8
	_          [7]byte
	blockCount uint32
	freeCount  uint32
}

const slabHeaderSize = mem.Size(unsafe.Sizeof(slabHeader{}))

// largeClass marks a header as carrying a VMM-backed allocation rather than
// belonging to one of classSizes.
const largeClass = uint8(0xff)

var (
	errHeapOOM         = &kernel.Error{Module: "heap", Message: "heap exhausted"}
	errHeapCorruption  = &kernel.Error{Module: "heap", Message: "corrupted allocation header"}
	errHeapDoubleFree  = &kernel.Error{Module: "heap", Message: "double free detected"}
	errHeapInvalidSize = &kernel.Error{Module: "heap", Message: "requested size exceeds supported range"}

	// panicFn is mocked by tests and is automatically inlined by the compiler.
	panicFn = kernel.Panic

	// doubleFreeHookFn lets Cerberus observe double-free events without
	// heap importing the security package back; nil until registered.
	doubleFreeHookFn func(ptr uintptr)

	// allocPageFn/freePageFn are mocked by tests and are automatically
	// inlined by the compiler.
	allocPageFn = vmm.Alloc
	freePageFn  = vmm.Free

	lock sync.IRQLock

	freeListHead [len(classSizes)]uintptr
	stats        Stats
)

// Stats mirrors spec.md §4.3's stats endpoint.
type Stats struct {
	TotalAllocated uint64
	Peak           uint64
	AllocCount     uint64
	FreeCount      uint64
	CacheHits      uint64 // allocations served from an existing free list entry
	CacheMisses    uint64 // allocations that required a fresh slab (or a direct VMM request)
	CoalesceCount  uint64 // slabs returned to the VMM once fully idle
}

// SetDoubleFreeHook registers a callback invoked (with interrupts already
// disabled, before the allocator panics) whenever kfree observes a
// double-free. Used by the security monitor to bump its violation counters.
func SetDoubleFreeHook(fn func(ptr uintptr)) {
	doubleFreeHookFn = fn
}

func classIndexFor(size mem.Size) int {
	for i, s := range classSizes {
		if size <= s {
			return i
		}
	}
	return -1
}

func headerOf(ptr uintptr) *header {
	return (*header)(unsafe.Pointer(ptr - uintptr(headerSize)))
}

func payloadOf(h *header) uintptr {
	return uintptr(unsafe.Pointer(h)) + uintptr(headerSize)
}

// nextOf reads the intrusive free-list link stored in the first word of a
// free block's payload.
func nextOf(payload uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(payload))
}

func setNext(payload, next uintptr) {
	*(*uintptr)(unsafe.Pointer(payload)) = next
}

// slabOf returns the slab header owning a block at the given payload
// address. Every slab is exactly one page, page-aligned, so the owning
// slab's base is a simple mask.
func slabOf(payload uintptr) *slabHeader {
	base := payload &^ (uintptr(mem.PageSize) - 1)
	return (*slabHeader)(unsafe.Pointer(base))
}

// refillClass carves a freshly allocated page into blocks for classIdx and
// pushes every block but the one returned onto the free list.
func refillClass(classIdx int) (uintptr, *kernel.Error) {
	base, err := allocPageFn(mem.PageSize)
	if err != nil {
		return 0, errHeapOOM
	}

	sizeClass := classSizes[classIdx]
	blockStride := headerSize + sizeClass
	blockCount := uint32((mem.PageSize - slabHeaderSize) / blockStride)

	slab := (*slabHeader)(unsafe.Pointer(base))
	*slab = slabHeader{sizeClass: uint8(classIdx), blockCount: blockCount, freeCount: blockCount}

	cursor := base + uintptr(slabHeaderSize)
	first := cursor
	for i := uint32(0); i < blockCount; i++ {
		h := (*header)(unsafe.Pointer(cursor))
		h.magic = heapMagicFree
		h.sizeClass = uint8(classIdx)
		h.extra = 0

		payload := payloadOf(h)
		if i == blockCount-1 {
			setNext(payload, freeListHead[classIdx])
		} else {
			setNext(payload, cursor+uintptr(blockStride)+uintptr(headerSize))
		}
		cursor += uintptr(blockStride)
	}
	freeListHead[classIdx] = first + uintptr(headerSize)

	// Hand out the first block, taking it off the free list we just built.
	h := headerOf(freeListHead[classIdx])
	payload := freeListHead[classIdx]
	freeListHead[classIdx] = nextOf(payload)
	slab.freeCount--
	h.magic = heapMagicAlive

	return payload, nil
}

// kmallocLocked must be called with lock already held.
func kmallocLocked(size mem.Size) (uintptr, *kernel.Error) {
	if size == 0 {
		size = 1
	}

	if config.Active.HeapValidationLevel == config.HeapValidationFull {
		walkHeap()
	}

	classIdx := classIndexFor(size)
	if classIdx < 0 {
		return kmallocLarge(size)
	}

	if freeListHead[classIdx] == 0 {
		stats.CacheMisses++
		payload, err := refillClass(classIdx)
		if err != nil {
			return 0, err
		}
		accountAlloc(classSizes[classIdx])
		return payload, nil
	}

	stats.CacheHits++
	payload := freeListHead[classIdx]
	h := headerOf(payload)
	freeListHead[classIdx] = nextOf(payload)
	h.magic = heapMagicAlive
	slabOf(payload).freeCount--
	accountAlloc(classSizes[classIdx])
	return payload, nil
}

func kmallocLarge(size mem.Size) (uintptr, *kernel.Error) {
	total := size + headerSize
	base, err := allocPageFn(total)
	if err != nil {
		return 0, errHeapOOM
	}

	h := (*header)(unsafe.Pointer(base))
	h.magic = heapMagicAlive
	h.sizeClass = largeClass
	h.extra = uint64(total)

	stats.CacheMisses++
	accountAlloc(size)
	return payloadOf(h), nil
}

func accountAlloc(size mem.Size) {
	stats.AllocCount++
	stats.TotalAllocated += uint64(size)
	if stats.TotalAllocated > stats.Peak {
		stats.Peak = stats.TotalAllocated
	}
}

// Kmalloc reserves at least size bytes and returns the address of the first
// byte, or an error if the request cannot be satisfied. The contents of the
// returned region are unspecified; use Kcalloc for zeroed memory.
func Kmalloc(size mem.Size) (uintptr, *kernel.Error) {
	if size > classSizes[len(classSizes)-1]*1024 {
		return 0, errHeapInvalidSize
	}

	lock.Acquire()
	defer lock.Release()
	return kmallocLocked(size)
}

// Kcalloc reserves space for n elements of size bytes each, zeroed.
func Kcalloc(n, size mem.Size) (uintptr, *kernel.Error) {
	total := n * size
	ptr, err := Kmalloc(total)
	if err != nil {
		return 0, err
	}
	mem.Memset(ptr, 0, total)
	return ptr, nil
}

// sizeOf returns the usable size of a live allocation, as tracked by its
// header (the size class capacity for segregated blocks, or the originally
// requested size for large allocations).
func sizeOf(h *header) mem.Size {
	if h.sizeClass == largeClass {
		return mem.Size(h.extra) - headerSize
	}
	return classSizes[h.sizeClass]
}

// Krealloc resizes a previous allocation, preserving its contents up to the
// smaller of the old and new sizes. A nil ptr behaves like Kmalloc.
func Krealloc(ptr uintptr, newSize mem.Size) (uintptr, *kernel.Error) {
	if ptr == 0 {
		return Kmalloc(newSize)
	}

	lock.Acquire()
	h := headerOf(ptr)
	if h.magic != heapMagicAlive {
		lock.Release()
		panicFn(errHeapCorruption)
		return 0, errHeapCorruption
	}
	oldSize := sizeOf(h)
	lock.Release()

	if h.sizeClass != largeClass && classIndexFor(newSize) == int(h.sizeClass) {
		return ptr, nil
	}

	newPtr, err := Kmalloc(newSize)
	if err != nil {
		return 0, err
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	mem.Memcopy(ptr, newPtr, copySize)
	Kfree(ptr)
	return newPtr, nil
}

// reclaimSlabIfEmpty returns a slab's page to the VMM once every block in it
// is free, removing its blocks from the class free list first.
func reclaimSlabIfEmpty(classIdx int, slab *slabHeader, slabBase uintptr) {
	if slab.freeCount != slab.blockCount {
		return
	}

	var kept uintptr
	for cur := freeListHead[classIdx]; cur != 0; {
		next := nextOf(cur)
		if slabOf(cur) == slab {
			cur = next
			continue
		}
		setNext(cur, kept)
		kept = cur
		cur = next
	}
	freeListHead[classIdx] = kept

	freePageFn(slabBase, mem.PageSize)
	stats.CoalesceCount++
}

// Kfree releases a previously allocated block. Freeing an address twice, or
// one that was never returned by this allocator, is a fatal heap corruption
// and halts the kernel (after notifying the security monitor, if one is
// registered).
func Kfree(ptr uintptr) {
	lock.Acquire()
	defer lock.Release()

	h := headerOf(ptr)
	switch h.magic {
	case heapMagicFree:
		if doubleFreeHookFn != nil {
			doubleFreeHookFn(ptr)
		}
		panicFn(errHeapDoubleFree)
		return
	case heapMagicAlive:
		// fall through
	default:
		panicFn(errHeapCorruption)
		return
	}

	if config.Active.HeapValidationLevel == config.HeapValidationFull {
		walkHeap()
	}

	size := sizeOf(h)
	stats.FreeCount++
	stats.TotalAllocated -= uint64(size)

	if h.sizeClass == largeClass {
		h.magic = heapMagicFree
		freePageFn(ptr-uintptr(headerSize), mem.Size(h.extra))
		return
	}

	classIdx := int(h.sizeClass)
	h.magic = heapMagicFree
	setNext(ptr, freeListHead[classIdx])
	freeListHead[classIdx] = ptr

	slab := slabOf(ptr)
	slab.freeCount++
	reclaimSlabIfEmpty(classIdx, slab, ptr&^(uintptr(mem.PageSize)-1))
}

// walkHeap performs a FULL-validation diagnostic pass: every free list entry
// must still carry the free magic and belong to the class it is listed
// under. A mismatch indicates a stray write corrupted the list and is fatal.
func walkHeap() {
	for classIdx, head := range freeListHead {
		seen := 0
		for cur := head; cur != 0; cur = nextOf(cur) {
			h := headerOf(cur)
			if h.magic != heapMagicFree || int(h.sizeClass) != classIdx {
				panicFn(errHeapCorruption)
				return
			}
			seen++
			if seen > len(classSizes)*4096 {
				// A cycle would otherwise spin forever.
				panicFn(errHeapCorruption)
				return
			}
		}
	}
}

// AllocStats reports a snapshot of the heap's current bookkeeping.
func AllocStats() Stats {
	lock.Acquire()
	defer lock.Release()
	return stats
}
