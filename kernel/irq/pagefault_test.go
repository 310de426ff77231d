package irq

import (
	"errors"
	"testing"
)

var errUnmapped = errors.New("unmapped")

func TestClassifyPageFaultNullDeref(t *testing.T) {
	class := ClassifyPageFault(0x10, pfPresent)
	if class != FaultNullDeref {
		t.Fatalf("got %v, want FaultNullDeref", class)
	}
}

func TestClassifyPageFaultSecurityViolation(t *testing.T) {
	class := ClassifyPageFault(kernelSpaceBase+0x1000, pfUser|pfPresent)
	if class != FaultSecurityViolation {
		t.Fatalf("got %v, want FaultSecurityViolation", class)
	}
}

func TestClassifyPageFaultProtectionViolation(t *testing.T) {
	class := ClassifyPageFault(0x500000, pfPresent|pfWrite|pfUser)
	if class != FaultProtectionViolation {
		t.Fatalf("got %v, want FaultProtectionViolation", class)
	}
}

func TestClassifyPageFaultStackOverflow(t *testing.T) {
	defer func(orig func(uintptr) bool) { stackOverflowRangeFn = orig }(stackOverflowRangeFn)
	stackOverflowRangeFn = func(addr uintptr) bool { return addr == 0x700000 }

	class := ClassifyPageFault(0x700000, pfUser)
	if class != FaultStackOverflow {
		t.Fatalf("got %v, want FaultStackOverflow", class)
	}
}

func TestClassifyPageFaultKernelHeapDemandAllocate(t *testing.T) {
	defer func(origWindow, origAlloc func(uintptr) bool) {
		kernelHeapWindowFn, demandAllocateFn = origWindow, origAlloc
	}(kernelHeapWindowFn, demandAllocateFn)

	kernelHeapWindowFn = func(addr uintptr) bool { return true }
	demandAllocateFn = func(addr uintptr) bool { return true }

	class := ClassifyPageFault(0x800000, 0)
	if class != FaultHandled {
		t.Fatalf("got %v, want FaultHandled", class)
	}
}

func TestClassifyPageFaultUnhandledFallthrough(t *testing.T) {
	class := ClassifyPageFault(0x900000, pfUser)
	if class != FaultUnhandledPanic {
		t.Fatalf("got %v, want FaultUnhandledPanic", class)
	}
}

func TestIsUserModeFault(t *testing.T) {
	if !IsUserModeFault(pfUser | pfWrite) {
		t.Fatalf("expected U/S bit to report user mode")
	}
	if IsUserModeFault(pfWrite) {
		t.Fatalf("expected a kernel-mode fault to report false")
	}
}

func TestDisassembleAtUnavailableWhenTranslatorReportsUnmapped(t *testing.T) {
	defer func(orig func(uintptr) (uintptr, error)) { translateFn = orig }(translateFn)
	translateFn = func(uintptr) (uintptr, error) { return 0, errUnmapped }

	if got := DisassembleAt(0xdeadbeef); got != "<unavailable>" {
		t.Fatalf("got %q, want <unavailable>", got)
	}
}
