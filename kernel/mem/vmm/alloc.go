package vmm

import (
	"voidframe/kernel"
	"voidframe/kernel/cpu"
	"voidframe/kernel/mem"
	"voidframe/kernel/mem/pmm"
)

// Buddy-backed virtual address allocator over the kernel heap window
// (spec.md §4.2 "Virtual address allocator"). Orders span 12 (4 KiB) to 30
// (1 GiB). Each order has a free list of blocks; a fixed-size hash table
// keyed by (address >> minBuddyOrder) gives O(1) buddy lookup during
// coalescing. Block nodes are drawn from a preallocated pool so the
// allocator never needs to allocate memory for its own bookkeeping.
const (
	minBuddyOrder   = 12
	maxBuddyOrder   = 30
	buddyOrderCount = maxBuddyOrder - minBuddyOrder + 1

	// buddyNodePoolSize bounds the number of live (in-use + free) blocks
	// the allocator can track concurrently.
	buddyNodePoolSize = 8192

	// buddyHashBuckets must be a power of two; addrHashIndex relies on it.
	buddyHashBuckets = 16384
)

var (
	errBuddyOutOfSpace = &kernel.Error{Module: "vmm", Message: "virtual address space exhausted"}
	errBuddyOutOfNodes = &kernel.Error{Module: "vmm", Message: "buddy allocator node pool exhausted"}
	errBuddyBadFree    = &kernel.Error{Module: "vmm", Message: "free of an address not owned by the buddy allocator"}
	errBuddySizeTooBig = &kernel.Error{Module: "vmm", Message: "requested size exceeds the largest supported buddy order"}
)

// buddyBlock is a node describing one block of virtual address space. It
// doubles as a free-list entry (linked via next, indexed by order) and a
// hash-table bucket entry (linked via hashNext, indexed by address) so that
// in-use blocks can still be located by address when they are freed.
type buddyBlock struct {
	addr     uintptr
	order    uint8
	inUse    bool
	next     *buddyBlock
	hashNext *buddyBlock
}

var (
	buddyNodePool   [buddyNodePoolSize]buddyBlock
	buddyFreeNodes  *buddyBlock
	buddyFreeList   [buddyOrderCount]*buddyBlock
	buddyHash       [buddyHashBuckets]*buddyBlock
	buddyReady      bool
	buddyUsedBytes  uint64
	buddyTotalBytes = uint64(HeapWindowEnd - HeapWindowStart - mmioWindowSize)
)

// buddyInit seeds the node pool free-list and installs a single block at
// the top supported order (1 GiB) starting at HeapWindowStart. The rest of
// the heap window is not handed out by the buddy allocator.
func buddyInit() {
	for i := range buddyNodePool {
		buddyNodePool[i].next = buddyFreeNodes
		buddyFreeNodes = &buddyNodePool[i]
	}

	root := allocBuddyNode()
	root.addr = HeapWindowStart
	root.order = maxBuddyOrder
	pushFree(root)

	buddyReady = true
}

func allocBuddyNode() *buddyBlock {
	if buddyFreeNodes == nil {
		panicFn(errBuddyOutOfNodes)
		return nil
	}

	n := buddyFreeNodes
	buddyFreeNodes = n.next
	n.next, n.hashNext, n.inUse = nil, nil, false
	return n
}

func releaseBuddyNode(n *buddyBlock) {
	n.next, n.hashNext = buddyFreeNodes, nil
	buddyFreeNodes = n
}

func orderIndex(order uint8) int { return int(order) - minBuddyOrder }

func pushFree(b *buddyBlock) {
	idx := orderIndex(b.order)
	b.next = buddyFreeList[idx]
	buddyFreeList[idx] = b
}

func popFree(order uint8) *buddyBlock {
	idx := orderIndex(order)
	b := buddyFreeList[idx]
	if b == nil {
		return nil
	}
	buddyFreeList[idx] = b.next
	b.next = nil
	return b
}

func removeFree(order uint8, addr uintptr) *buddyBlock {
	idx := orderIndex(order)
	var prev *buddyBlock
	for b := buddyFreeList[idx]; b != nil; b = b.next {
		if b.addr == addr {
			if prev == nil {
				buddyFreeList[idx] = b.next
			} else {
				prev.next = b.next
			}
			b.next = nil
			return b
		}
		prev = b
	}
	return nil
}

func addrHashIndex(addr uintptr) int {
	return int((addr >> minBuddyOrder) & (buddyHashBuckets - 1))
}

func hashInsert(b *buddyBlock) {
	idx := addrHashIndex(b.addr)
	b.hashNext = buddyHash[idx]
	buddyHash[idx] = b
}

func hashRemove(addr uintptr) *buddyBlock {
	idx := addrHashIndex(addr)
	var prev *buddyBlock
	for b := buddyHash[idx]; b != nil; b = b.hashNext {
		if b.addr == addr {
			if prev == nil {
				buddyHash[idx] = b.hashNext
			} else {
				prev.hashNext = b.hashNext
			}
			b.hashNext = nil
			return b
		}
		prev = b
	}
	return nil
}

func hashLookup(addr uintptr) *buddyBlock {
	for b := buddyHash[addrHashIndex(addr)]; b != nil; b = b.hashNext {
		if b.addr == addr {
			return b
		}
	}
	return nil
}

// orderFor returns the smallest buddy order that can satisfy a size-byte
// request.
func orderFor(size mem.Size) uint8 {
	order := uint8(minBuddyOrder)
	for (uintptr(1) << order) < uintptr(size) {
		order++
	}
	return order
}

// buddyAlloc reserves a block of virtual address space of at least size
// bytes, splitting higher-order free blocks as needed, and returns its base
// address. The returned block is recorded in the address hash so that
// buddyFree can find it again.
func buddyAlloc(size mem.Size) (uintptr, *kernel.Error) {
	if !buddyReady {
		buddyInit()
	}

	order := orderFor(size)
	if order > maxBuddyOrder {
		return 0, errBuddySizeTooBig
	}

	// Find the smallest available order >= order that has a free block.
	src := order
	for buddyFreeList[orderIndex(src)] == nil {
		src++
		if src > maxBuddyOrder {
			return 0, errBuddyOutOfSpace
		}
	}

	block := popFree(src)
	// Split the block down to the requested order, pushing the unused
	// buddy halves back onto their own free lists.
	for block.order > order {
		block.order--
		buddyAddr := block.addr + (uintptr(1) << block.order)

		buddy := allocBuddyNode()
		if buddy == nil {
			return 0, errBuddyOutOfNodes
		}
		buddy.addr = buddyAddr
		buddy.order = block.order
		pushFree(buddy)
	}

	block.inUse = true
	hashInsert(block)
	buddyUsedBytes += uint64(1) << block.order
	return block.addr, nil
}

// buddyFree releases a previously allocated block, coalescing it with its
// sibling buddy as far up the order hierarchy as possible.
func buddyFree(addr uintptr) *kernel.Error {
	block := hashRemove(addr)
	if block == nil || !block.inUse {
		return errBuddyBadFree
	}

	buddyUsedBytes -= uint64(1) << block.order
	block.inUse = false

	for block.order < maxBuddyOrder {
		buddyAddr := block.addr ^ (uintptr(1) << block.order)
		buddy := removeFree(block.order, buddyAddr)
		if buddy == nil {
			break
		}

		releaseBuddyNode(buddy)
		if buddyAddr < block.addr {
			block.addr = buddyAddr
		}
		block.order++
	}

	pushFree(block)
	return nil
}

// Alloc reserves `size` bytes of kernel virtual address space, backs every
// page with a freshly allocated, zeroed physical frame mapped read/write,
// and returns the start address.
func Alloc(size mem.Size) (uintptr, *kernel.Error) {
	addr, err := buddyAlloc(size)
	if err != nil {
		return 0, err
	}

	pageCount := size.Pages()
	if err := backPages(addr, pageCount); err != nil {
		buddyFree(addr)
		return 0, err
	}

	return addr, nil
}

// AllocWithGuards reserves size bytes plus a leading and trailing guard
// page. The guard pages are left unmapped so that an access to either one
// faults; the returned pointer is the page immediately after the leading
// guard.
func AllocWithGuards(size mem.Size) (uintptr, *kernel.Error) {
	pageCount := size.Pages()
	total := mem.Size(pageCount+2) * mem.PageSize

	base, err := buddyAlloc(total)
	if err != nil {
		return 0, err
	}

	interior := base + uintptr(mem.PageSize)
	if err := backPages(interior, pageCount); err != nil {
		buddyFree(base)
		return 0, err
	}

	return interior, nil
}

// AllocStack reserves size bytes plus a single low guard page and returns
// the top (high address) of the backed region, suitable for use as an
// initial RSP (stacks grow down toward the guard page).
func AllocStack(size mem.Size) (uintptr, *kernel.Error) {
	pageCount := size.Pages()
	total := mem.Size(pageCount+1) * mem.PageSize

	base, err := buddyAlloc(total)
	if err != nil {
		return 0, err
	}

	stackBase := base + uintptr(mem.PageSize)
	if err := backPages(stackBase, pageCount); err != nil {
		buddyFree(base)
		return 0, err
	}

	return stackBase + uintptr(pageCount)*uintptr(mem.PageSize), nil
}

// Free releases a region previously returned by Alloc, AllocWithGuards or
// AllocStack. size must match the size originally requested; the caller is
// responsible for tracking it (the allocator itself only knows the rounded
// buddy block extents).
func Free(ptr uintptr, size mem.Size) *kernel.Error {
	pageCount := size.Pages()
	base := findOwningBlock(ptr)
	if base == 0 {
		return errBuddyBadFree
	}

	for page, i := PageFromAddress(ptr), uint32(0); i < pageCount; page, i = page+1, i+1 {
		if physAddr, err := translateFn(page.Address()); err == nil {
			unmapFn(page)
			if freeFrameFn != nil {
				freeFrameFn(pmm.Frame(physAddr >> mem.PageShift))
			}
		}
	}

	return buddyFree(base)
}

// findOwningBlock returns the base address of the hashed buddy block whose
// range contains ptr, accounting for the guard-page offsets Alloc* variants
// introduce between the block base and the pointer handed back to callers.
func findOwningBlock(ptr uintptr) uintptr {
	aligned := ptr &^ (uintptr(mem.PageSize) - 1)
	for order := uint8(minBuddyOrder); order <= maxBuddyOrder; order++ {
		candidate := aligned &^ ((uintptr(1) << order) - 1)
		if b := hashLookup(candidate); b != nil && b.inUse {
			return candidate
		}
	}
	return 0
}

// backPages maps pageCount freshly allocated, zeroed physical frames,
// starting at virtAddr, with read/write permissions.
func backPages(virtAddr uintptr, pageCount uint32) *kernel.Error {
	page := PageFromAddress(virtAddr)
	for i := uint32(0); i < pageCount; i, page = i+1, page+1 {
		frame, err := frameAllocator()
		if err != nil {
			return err
		}
		if err := mapFn(page, frame, FlagPresent|FlagRW); err != nil {
			return err
		}
		mem.Memset(page.Address(), 0, mem.PageSize)
	}
	return nil
}

// MapMMIO reserves size bytes from the MMIO sub-window and maps them to the
// given physical address with NOCACHE|WRITETHROUGH semantics (plus any
// caller-supplied flags), issuing a memory fence once the batch completes.
func MapMMIO(physAddr uintptr, size mem.Size, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	pageCount := size.Pages()
	virtAddr, err := mmioReserve(mem.Size(pageCount) * mem.PageSize)
	if err != nil {
		return 0, err
	}

	mmioFlags := FlagPresent | FlagDoNotCache | FlagWriteThroughCaching | flags
	page := PageFromAddress(virtAddr)
	baseFrame := pmm.Frame(physAddr >> mem.PageShift)
	for i := uint32(0); i < pageCount; i++ {
		if err := mapFn(page+Page(i), baseFrame+pmm.Frame(i), mmioFlags); err != nil {
			return 0, err
		}
	}
	mfenceFn()

	return virtAddr, nil
}

// mmioNext tracks the next free address in the MMIO sub-window; MMIO
// mappings are never unmapped in practice (device regions live for the life
// of the system), so a bump allocator is sufficient here.
var mmioNext = MMIOWindowStart

func mmioReserve(size mem.Size) (uintptr, *kernel.Error) {
	aligned := (size + mem.PageSize - 1) &^ (mem.PageSize - 1)
	if mmioNext+uintptr(aligned) > MMIOWindowEnd {
		return 0, errBuddyOutOfSpace
	}
	addr := mmioNext
	mmioNext += uintptr(aligned)
	return addr, nil
}

// Stats describes the buddy allocator's bookkeeping, mirroring the PMM's
// stats() operation one layer up.
type Stats struct {
	TotalBytes uint64
	UsedBytes  uint64
}

// AllocStats reports the current virtual address space bookkeeping.
func AllocStats() Stats {
	return Stats{TotalBytes: buddyTotalBytes, UsedBytes: buddyUsedBytes}
}

// FrameDeallocatorFn is a function that can release a previously allocated
// physical frame back to the PMM.
type FrameDeallocatorFn func(pmm.Frame) *kernel.Error

var (
	mfenceFn    = cpu.MFence
	translateFn = Translate

	// freeFrameFn points at a frame deallocator registered via
	// SetFrameDeallocator. It is nil until the PMM is initialized; Free
	// tolerates that by skipping the physical frame release (the mapping
	// is still torn down), which only matters during early boot before
	// the bitmap allocator takes over from the boot allocator.
	freeFrameFn FrameDeallocatorFn
)

// SetFrameDeallocator registers the function Free uses to release physical
// frames it unmaps. vmm cannot import the pmm allocator package directly
// (the allocator package calls vmm.SetFrameAllocator during Init, which
// would make the two packages import each other), so the dependency runs
// through this setter instead, mirroring SetFrameAllocator.
func SetFrameDeallocator(freeFn FrameDeallocatorFn) {
	freeFrameFn = freeFn
}
