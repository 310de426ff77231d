package allocator

import (
	"voidframe/kernel"
	"voidframe/kernel/mem/pmm"
)

var (
	errDoubleFree = &kernel.Error{Module: "bitmap_alloc", Message: "frame freed twice"}
	errOOM        = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}

	// panicFn is mocked by tests and is automatically inlined by the compiler.
	panicFn = kernel.Panic
)

// Stats reports a snapshot of the bitmap allocator's bookkeeping. It mirrors
// the PMM stats() operation: total frame count, frames currently in use, the
// longest run of consecutive free frames across all pools, and the
// percentage of free frames that are NOT part of that longest run (a crude
// external-fragmentation indicator).
type Stats struct {
	Total            uint32
	Used             uint32
	LargestFreeRun   uint32
	FragmentationPct uint32
}

// cursor identifies a bit position to resume scanning from: a pool index and
// a bit offset within that pool's free bitmap. The zero value starts the
// scan at the first bit of pool 0.
type cursor struct {
	poolIndex int
	bitOffset uint32
}

// nextFree tracks the lowest bit position that might still be free; AllocFrame
// resumes scanning from here instead of rescanning pools that are known to be
// fully reserved.
var nextFree = cursor{poolIndex: 0, bitOffset: 0}

// AllocFrame reserves and returns the next available physical frame from the
// bitmap allocator. It implements the PMM's alloc() operation: a linear scan
// from the "first possibly free" cursor, advancing the cursor past the frame
// it returns.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	for poolIndex := nextFree.poolIndex; poolIndex < len(alloc.pools); poolIndex++ {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			nextFree = cursor{poolIndex: poolIndex + 1, bitOffset: 0}
			continue
		}

		startBit := uint32(0)
		if poolIndex == nextFree.poolIndex {
			startBit = nextFree.bitOffset
		}

		frameCount := uint32(pool.endFrame-pool.startFrame) + 1
		for bit := startBit; bit < frameCount; bit++ {
			block := bit >> 6
			mask := uint64(1) << (63 - (bit & 63))
			if pool.freeBitmap[block]&mask != 0 {
				continue
			}

			frame := pool.startFrame + pmm.Frame(bit)
			alloc.markFrame(poolIndex, frame, markReserved)
			nextFree = cursor{poolIndex: poolIndex, bitOffset: bit + 1}
			return frame, nil
		}

		nextFree = cursor{poolIndex: poolIndex + 1, bitOffset: 0}
	}

	return pmm.InvalidFrame, errOOM
}

// AllocFrames scans for n consecutive free frames within a single pool and
// reserves them, returning the first frame of the run. It is used for DMA
// buffers and large-page backing that require physically contiguous memory.
func (alloc *BitmapAllocator) AllocFrames(n uint32) (pmm.Frame, *kernel.Error) {
	if n == 0 {
		return pmm.InvalidFrame, errOOM
	}

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < n {
			continue
		}

		frameCount := uint32(pool.endFrame-pool.startFrame) + 1
		run := uint32(0)
		for bit := uint32(0); bit < frameCount; bit++ {
			block := bit >> 6
			mask := uint64(1) << (63 - (bit & 63))
			if pool.freeBitmap[block]&mask != 0 {
				run = 0
				continue
			}

			run++
			if run != n {
				continue
			}

			first := bit - n + 1
			startFrame := pool.startFrame + pmm.Frame(first)
			for f := uint32(0); f < n; f++ {
				alloc.markFrame(poolIndex, startFrame+pmm.Frame(f), markReserved)
			}
			return startFrame, nil
		}
	}

	return pmm.InvalidFrame, errOOM
}

// FreeFrame releases a previously allocated frame back to the pool it came
// from. Freeing a frame that is not currently reserved (including a frame
// that was never allocated) is a double-free and is fatal: the PMM conservation
// invariant depends on every free corresponding to exactly one prior alloc.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		panicFn(errDoubleFree)
		return errDoubleFree
	}

	pool := &alloc.pools[poolIndex]
	relFrame := uint32(frame - pool.startFrame)
	block := relFrame >> 6
	mask := uint64(1) << (63 - (relFrame & 63))
	if pool.freeBitmap[block]&mask == 0 {
		panicFn(errDoubleFree)
		return errDoubleFree
	}

	alloc.markFrame(poolIndex, frame, markFree)

	if poolIndex < nextFree.poolIndex || (poolIndex == nextFree.poolIndex && relFrame < nextFree.bitOffset) {
		nextFree = cursor{poolIndex: poolIndex, bitOffset: relFrame}
	}

	return nil
}

// Stats reports the current allocator bookkeeping across all pools.
func (alloc *BitmapAllocator) Stats() Stats {
	stats := Stats{Total: alloc.totalPages, Used: alloc.reservedPages}

	var (
		run    uint32
		best   uint32
		usable = stats.Total - stats.Used
	)
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		frameCount := uint32(pool.endFrame-pool.startFrame) + 1
		for bit := uint32(0); bit < frameCount; bit++ {
			block := bit >> 6
			mask := uint64(1) << (63 - (bit & 63))
			if pool.freeBitmap[block]&mask == 0 {
				run++
				if run > best {
					best = run
				}
			} else {
				run = 0
			}
		}
		run = 0
	}

	stats.LargestFreeRun = best
	if usable > 0 {
		stats.FragmentationPct = uint32(uint64(usable-best) * 100 / uint64(usable))
	}

	return stats
}

// AllocFrame reserves a frame from the package-level FrameAllocator instance.
// It is used as the vmm.FrameAllocatorFn once the bitmap allocator has taken
// over from the early bootstrap allocator.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}

// FreeFrame releases a frame back to the package-level FrameAllocator instance.
func FreeFrame(frame pmm.Frame) *kernel.Error {
	return FrameAllocator.FreeFrame(frame)
}

// AllocFrames reserves n physically contiguous frames from the package-level
// FrameAllocator instance.
func AllocFrames(n uint32) (pmm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrames(n)
}

// PMMStats reports the package-level FrameAllocator's current bookkeeping.
func PMMStats() Stats {
	return FrameAllocator.Stats()
}
