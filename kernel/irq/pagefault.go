package irq

import (
	"unsafe"

	"golang.org/x/arch/x86/x86asm"

	"voidframe/kernel/kfmt/early"
)

// Page-fault error code bits (Intel SDM Vol. 3A §4.7, Table 4-13).
const (
	pfPresent    = uint64(1) << 0
	pfWrite      = uint64(1) << 1
	pfUser       = uint64(1) << 2
	pfReserved   = uint64(1) << 3
	pfInstrFetch = uint64(1) << 4
)

// nullPageBound is the size of the region starting at address 0 treated as
// a NULL-pointer dereference regardless of error code (spec.md §4.5.1
// "addr < 4 KiB").
const nullPageBound = uintptr(4096)

// kernelSpaceBase is the conventional higher-half split point between user
// and kernel virtual address ranges on amd64 (the canonical-address gap
// sits below this). A user-mode access at or above this address can only
// reach kernel memory through a bug or a deliberate attack.
const kernelSpaceBase = uintptr(0xFFFF800000000000)

// FaultClass is the page-fault analyzer's classification result (spec.md
// §4.5.1's six-way rule list).
type FaultClass uint8

const (
	FaultHandled FaultClass = iota
	FaultNullDeref
	FaultSecurityViolation
	FaultProtectionViolation
	FaultStackOverflow
	FaultUnhandledPanic
)

func (c FaultClass) String() string {
	switch c {
	case FaultHandled:
		return "handled"
	case FaultNullDeref:
		return "null-pointer dereference"
	case FaultSecurityViolation:
		return "security violation"
	case FaultProtectionViolation:
		return "protection violation"
	case FaultStackOverflow:
		return "stack overflow"
	default:
		return "unhandled"
	}
}

var (
	// stackOverflowRangeFn reports whether addr falls within the current
	// process's canonical stack-overflow range (its guard page). Wired by
	// kernel/sched during Init so irq doesn't need to import process/sched.
	stackOverflowRangeFn = func(addr uintptr) bool { return false }

	// kernelHeapWindowFn/demandAllocateFn implement the analyzer's first
	// rule: a non-present fault from kernel mode inside the heap's
	// growable window may be satisfied by mapping a fresh page rather than
	// treated as an error. Wired by kernel/heap.
	kernelHeapWindowFn = func(addr uintptr) bool { return false }
	demandAllocateFn   = func(addr uintptr) bool { return false }
)

// SetStackOverflowRangeFn registers the predicate used to recognize a fault
// address as landing in the current process's stack guard range.
func SetStackOverflowRangeFn(fn func(addr uintptr) bool) {
	stackOverflowRangeFn = fn
}

// SetKernelHeapWindow registers the predicates used to recognize and
// service a demand-allocatable kernel-heap fault.
func SetKernelHeapWindow(inWindow func(addr uintptr) bool, allocate func(addr uintptr) bool) {
	kernelHeapWindowFn = inWindow
	demandAllocateFn = allocate
}

// IsUserModeFault reports whether the U/S bit of a page-fault error code
// indicates the CPU was in user mode when the fault occurred.
func IsUserModeFault(errorCode uint64) bool {
	return errorCode&pfUser != 0
}

// ClassifyPageFault implements spec.md §4.5.1: "Classifies by (error code,
// address, current privilege)". Rules are evaluated in the order the spec
// lists them; the first match wins.
func ClassifyPageFault(faultAddr uintptr, errorCode uint64) FaultClass {
	present := errorCode&pfPresent != 0
	write := errorCode&pfWrite != 0
	userMode := errorCode&pfUser != 0

	switch {
	case !present && !userMode && kernelHeapWindowFn(faultAddr):
		if demandAllocateFn(faultAddr) {
			return FaultHandled
		}
		return FaultUnhandledPanic

	case faultAddr < nullPageBound:
		return FaultNullDeref

	case userMode && faultAddr >= kernelSpaceBase:
		return FaultSecurityViolation

	case write && present:
		return FaultProtectionViolation

	case stackOverflowRangeFn(faultAddr):
		return FaultStackOverflow

	default:
		return FaultUnhandledPanic
	}
}

// DisassembleAt decodes the instruction at rip and renders it in GNU (AT&T)
// syntax, for inclusion in a panic report (spec.md §4.5.3's "prints the
// fault-type description"). Returns "<unavailable>" if rip isn't mapped or
// doesn't decode to a valid instruction; this is diagnostic output, never
// part of a control-flow decision.
func DisassembleAt(rip uintptr) string {
	if rip == 0 {
		return "<unavailable>"
	}
	if translateFn != nil {
		if _, err := translateFn(rip); err != nil {
			return "<unavailable>"
		}
	}

	code := rawBytesAt(rip, 16)
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "<unavailable>"
	}
	return x86asm.GNUSyntax(inst, uint64(rip), nil)
}

// rawBytesAt copies n bytes starting at addr. Confined to this file
// alongside PrintStackTrace's own unsafe frame walk; both are part of the
// interrupt-prologue/fault-reporting "cone" this tree keeps unsafe inside
// of.
func rawBytesAt(addr uintptr, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = *(*byte)(unsafe.Pointer(addr + uintptr(i)))
	}
	return out
}

// PrintFaultReport writes the classification, the faulting address, the
// decoded instruction at the fault RIP, and the register/frame dump — the
// panic-path report described by spec.md §4.5.3.
func PrintFaultReport(class FaultClass, faultAddr uintptr, errorCode uint64, frame *Frame, regs *Regs) {
	early.Printf("\npage fault: %s\n", class.String())
	early.Printf("address: 0x%16x  error code: 0x%x\n", faultAddr, errorCode)
	early.Printf("faulting instruction: %s\n", DisassembleAt(uintptr(frame.RIP)))
	regs.Print()
	frame.Print()
	PrintStackTrace(uintptr(regs.RBP))
}
