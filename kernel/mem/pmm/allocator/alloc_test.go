package allocator

import (
	"testing"

	"voidframe/kernel"
	"voidframe/kernel/mem/pmm"
)

func newTestAllocator(frames uint32) *BitmapAllocator {
	words := (frames + 63) / 64
	alloc := &BitmapAllocator{
		totalPages: frames,
		pools: []framePool{
			{
				startFrame: pmm.Frame(0),
				endFrame:   pmm.Frame(frames - 1),
				freeCount:  frames,
				freeBitmap: make([]uint64, words),
			},
		},
	}
	nextFree = cursor{poolIndex: 0, bitOffset: 0}
	return alloc
}

func TestAllocFrameConservation(t *testing.T) {
	alloc := newTestAllocator(128)

	seen := make(map[pmm.Frame]bool)
	for i := 0; i < 128; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}
		if seen[frame] {
			t.Fatalf("[alloc %d] frame %d allocated twice", i, frame)
		}
		seen[frame] = true
	}

	if alloc.totalPages-alloc.reservedPages != 0 {
		t.Fatalf("expected all frames to be used; free=%d", alloc.totalPages-alloc.reservedPages)
	}

	if _, err := alloc.AllocFrame(); err != errOOM {
		t.Fatalf("expected errOOM once exhausted; got %v", err)
	}
}

func TestFreeFrameAllowsReuse(t *testing.T) {
	alloc := newTestAllocator(4)

	f0, _ := alloc.AllocFrame()
	f1, _ := alloc.AllocFrame()

	if err := alloc.FreeFrame(f0); err != nil {
		t.Fatalf("unexpected error freeing frame: %v", err)
	}

	reused, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reused != f0 {
		t.Fatalf("expected freed frame %d to be reused; got %d", f0, reused)
	}

	_ = f1
}

func TestFreeFrameDoubleFreeIsFatal(t *testing.T) {
	defer func() { panicFn = kernel.Panic }()

	alloc := newTestAllocator(4)
	frame, _ := alloc.AllocFrame()

	if err := alloc.FreeFrame(frame); err != nil {
		t.Fatalf("unexpected error on first free: %v", err)
	}

	var gotPanic bool
	panicFn = func(interface{}) { gotPanic = true }

	if err := alloc.FreeFrame(frame); err != errDoubleFree {
		t.Fatalf("expected errDoubleFree; got %v", err)
	}
	if !gotPanic {
		t.Fatal("expected double free to invoke panicFn")
	}
}

func TestAllocFramesContiguous(t *testing.T) {
	alloc := newTestAllocator(16)

	start, err := alloc.AllocFrames(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := pmm.Frame(0); i < 4; i++ {
		mask := uint64(1) << (63 - uint(start+i))
		if alloc.pools[0].freeBitmap[0]&mask == 0 {
			t.Fatalf("expected frame %d to be reserved", start+i)
		}
	}
}

func TestStatsReportsFragmentation(t *testing.T) {
	alloc := newTestAllocator(8)

	// Reserve every other frame to fragment the free space.
	for i := pmm.Frame(0); i < 8; i += 2 {
		alloc.markFrame(0, i, markReserved)
	}

	stats := alloc.Stats()
	if stats.Total != 8 || stats.Used != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.LargestFreeRun != 1 {
		t.Fatalf("expected largest free run of 1 with alternating reservations; got %d", stats.LargestFreeRun)
	}
}
