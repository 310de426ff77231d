package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the contents of the CR2 register which the CPU populates
// with the faulting address whenever a page fault exception occurs.
func ReadCR2() uint64

// ReadCR3 returns the contents of the CR3 register which points to the
// physical address of the currently active page table directory.
func ReadCR3() uint64

// InB reads a byte from the specified I/O port.
func InB(port uint16) uint8

// OutB writes a byte to the specified I/O port.
func OutB(port uint16, value uint8)

// RDTSC returns the value of the CPU timestamp counter. It is used to derive
// coarse, monotonically increasing tick counts in the absence of a
// programmable timer driver.
func RDTSC() uint64

// MFence issues a full memory fence. MapMMIO uses it after establishing a
// batch of MMIO mappings to guarantee that subsequent device register
// accesses observe the new mappings in order.
func MFence()

// Pause emits the PAUSE instruction to hint the CPU that the current code is
// in a busy-wait spin loop, reducing power draw and memory-order mis-speculation.
func Pause()

// SaveFlags returns the contents of RFLAGS and is used together with
// RestoreFlags to implement IRQ-safe spinlocks: callers save the interrupt
// flag before disabling interrupts and restore it afterwards instead of
// unconditionally re-enabling them.
func SaveFlags() uint64

// RestoreFlags writes flags back into RFLAGS, restoring whatever interrupt
// state was captured by a prior call to SaveFlags.
func RestoreFlags(flags uint64)

// CPUID returns the ID of the CPU executing the call. This kernel never
// brings up a second CPU, so it always returns 0; the scheduler and PCB
// still thread a cpu ID through their calls so a later SMP patch changes
// call sites rather than signatures.
func CPUID() int { return 0 }

// LoadTSSStackPointer updates ring0Rsp in the currently loaded TSS (the
// value the CPU reloads RSP from on every ring3->ring0 transition). The
// scheduler calls this on every context switch so a trap taken while the
// incoming process runs lands on its own kernel stack.
func LoadTSSStackPointer(rsp0 uintptr)

// Reschedule raises the scheduler's software interrupt gate (int 0x81),
// routing a voluntary yield or block through the same Frame/Regs-mutating
// dispatch path the timer uses for preemption.
func Reschedule()
