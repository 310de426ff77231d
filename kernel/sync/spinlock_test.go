package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	defer func(orig func()) { pauseFn = orig }(pauseFn)
	pauseFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(50 * time.Millisecond)
	sl.Release()
	wg.Wait()
}

func TestIRQLockSavesAndRestoresFlags(t *testing.T) {
	defer func(origSave func() uint64, origRestore func(uint64), origDisable func()) {
		saveFlagsFn = origSave
		restoreFlagsFn = origRestore
		disableInterruptsFn = origDisable
	}(saveFlagsFn, restoreFlagsFn, disableInterruptsFn)

	disableInterruptsFn = func() {}

	const priorFlags = uint64(0x246)
	saveFlagsFn = func() uint64 { return priorFlags }

	var restoredWith uint64
	restoreFlagsFn = func(flags uint64) { restoredWith = flags }

	var l IRQLock
	l.Acquire()
	if l.inner.TryToAcquire() != false {
		t.Error("expected the underlying spinlock to be held after Acquire")
	}
	l.Release()

	if restoredWith != priorFlags {
		t.Errorf("expected restored flags to equal %#x; got %#x", priorFlags, restoredWith)
	}
	if l.inner.TryToAcquire() != true {
		t.Error("expected the underlying spinlock to be free after Release")
	}
}
