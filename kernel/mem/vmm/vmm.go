package vmm

import (
	"voidframe/kernel"
	"voidframe/kernel/cpu"
	"voidframe/kernel/irq"
	"voidframe/kernel/kfmt/early"
	"voidframe/kernel/mem"
	"voidframe/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn                   = kernel.Panic
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2
	classifyPageFaultFn       = irq.ClassifyPageFault

	// userFaultHandlerFn is invoked when the page-fault analyzer (spec.md
	// §4.5.1) classifies a user-mode fault as fatal to the faulting
	// process rather than to the kernel. It returns true once it has
	// rewritten *frame/*regs to resume into a different process, the same
	// way kernel/sched's own context switch does; a false return falls
	// through to the unconditional panic path. Wired by kernel/sched
	// during Init — vmm cannot import sched/process directly without
	// inverting the dependency order kernel/process->kernel/mem/vmm
	// already establishes for its stack allocator.
	userFaultHandlerFn = func(class irq.FaultClass, faultAddr uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs) bool {
		return false
	}
)

// SetUserFaultHandler registers the function that terminates the currently
// running process in response to a fault classification that kills rather
// than panics (spec.md §4.5.1: NULL dereference, security violation,
// protection violation and stack overflow are all "kill" outcomes when the
// fault occurred in user mode).
func SetUserFaultHandler(fn func(class irq.FaultClass, faultAddr uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs) bool) {
	userFaultHandlerFn = fn
}

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

var (
	// ReservedZeroedFrame points to a read-only, zeroed physical frame
	// that is mapped (together with FlagCopyOnWrite) into lazily
	// allocated regions until the first write triggers a CoW fault.
	ReservedZeroedFrame pmm.Frame

	// protectReservedZeroedPage becomes true once ReservedZeroedFrame has
	// been reserved; Map rejects requests to map it with FlagRW set.
	protectReservedZeroedPage bool
)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		var (
			copy    pmm.Frame
			tmpPage Page
			err     *kernel.Error
		)

		if copy, err = frameAllocator(); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else if tmpPage, err = mapTemporaryFn(copy); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else {
			// Copy page contents, mark as RW and remove CoW flag
			mem.Memcopy(faultPage.Address(), tmpPage.Address(), mem.PageSize)
			unmapFn(tmpPage)

			// Update mapping to point to the new frame, flag it as RW and
			// remove the CoW flag
			pageEntry.ClearFlags(FlagCopyOnWrite)
			pageEntry.SetFlags(FlagPresent | FlagRW)
			pageEntry.SetFrame(copy)
			flushTLBEntryFn(faultPage.Address())

			// Fault recovered; retry the instruction that caused the fault
			return
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, nil)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	class := classifyPageFaultFn(faultAddress, errorCode)

	// spec.md §4.5.1: NULL dereference, security violation, protection
	// violation and stack overflow all kill the faulting process rather
	// than panic the kernel when the fault happened in user mode.
	if irq.IsUserModeFault(errorCode) && class != irq.FaultUnhandledPanic && class != irq.FaultHandled {
		if userFaultHandlerFn(class, faultAddress, errorCode, frame, regs) {
			return
		}
	}

	irq.PrintFaultReport(class, faultAddress, errorCode, frame, regs)
	panicFn(err)
}

// kernelCodeSelector mirrors process.go's GDT selector for ring 0 code; its
// low two bits are the requested privilege level, so a nonzero RPL on the
// interrupted CS means the fault came from a user-mode process rather than
// the kernel itself.
const kernelCodeSelector = 0x08

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	early.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	if frame.CS&0x3 != 0 {
		if userFaultHandlerFn(irq.FaultProtectionViolation, readCR2Fn(), 0, frame, regs) {
			return
		}
	}

	panicFn(nil)
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}

// Init initializes the vmm system and installs paging-related exception
// handlers.
func Init() *kernel.Error {
	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}
