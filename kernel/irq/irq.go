// Package irq implements the IDT gate layout and the Go-side half of the
// exception/interrupt dispatcher. The assembly ISR stubs (one per vector)
// push the vector number and, for vectors that lack one, a dummy error code,
// then a common prologue saves the general purpose and segment registers and
// jumps to Dispatch with a pointer to the saved Frame and Regs.
package irq

import (
	"voidframe/kernel"
	"voidframe/kernel/hal"
)

// ExceptionNum identifies an IDT vector.
type ExceptionNum uint8

// CPU exception vectors (0-31 are architecturally defined).
const (
	DivideByZeroException              ExceptionNum = 0
	DebugException                     ExceptionNum = 1
	NMIException                       ExceptionNum = 2
	BreakpointException                ExceptionNum = 3
	OverflowException                  ExceptionNum = 4
	BoundRangeExceededException        ExceptionNum = 5
	InvalidOpcodeException             ExceptionNum = 6
	DeviceNotAvailableException        ExceptionNum = 7
	DoubleFaultException               ExceptionNum = 8
	CoprocessorSegmentOverrunException ExceptionNum = 9
	InvalidTSSException                ExceptionNum = 10
	SegmentNotPresentException         ExceptionNum = 11
	StackFaultException                ExceptionNum = 12
	GPFException                       ExceptionNum = 13
	PageFaultException                 ExceptionNum = 14
	X87FPException                     ExceptionNum = 16
	AlignmentCheckException            ExceptionNum = 17
	MachineCheckException              ExceptionNum = 18
	SIMDFPException                    ExceptionNum = 19
	VirtualizationException            ExceptionNum = 20
	SecurityException                  ExceptionNum = 30
)

const (
	// FirstIRQVector is the remapped vector of IRQ0 (the PIT timer) after
	// the PIC has been reprogrammed to avoid clashing with CPU exceptions.
	FirstIRQVector ExceptionNum = 32

	// LastIRQVector is the remapped vector of IRQ15.
	LastIRQVector ExceptionNum = 47

	// TimerVector is the vector the PIT timer interrupt arrives on.
	TimerVector = FirstIRQVector

	// SyscallVector is the software interrupt gate used by the int 0x80
	// syscall convention.
	SyscallVector ExceptionNum = 0x80
)

// fatalExceptions lists the vectors that can never be recovered from,
// regardless of the privilege level they occurred in.
var fatalExceptions = map[ExceptionNum]bool{
	InvalidOpcodeException: true,
	DoubleFaultException:   true,
	GPFException:           true,
}

// Frame describes the portion of the interrupt stack frame that the CPU
// pushes automatically when entering an interrupt or exception handler.
// Its layout must match what the assembly ISR stubs push onto the stack.
type Frame struct {
	RIP    uint64
	CS     uint64
	RSP    uint64
	SS     uint64
	RFlags uint64
}

// Print writes a fixed-width dump of the frame to the active terminal.
func (f *Frame) Print() {
	writeLabeled("RIP", f.RIP, "CS ", f.CS)
	writeLabeled("RSP", f.RSP, "SS ", f.SS)
	writeLabel("RFL", f.RFlags)
}

// Regs describes the general purpose registers saved by the common ISR
// prologue before the dispatcher runs.
type Regs struct {
	RAX, RBX, RCX, RDX             uint64
	RSI, RDI, RBP                  uint64
	R8, R9, R10, R11               uint64
	R12, R13, R14, R15             uint64
}

// Print writes a fixed-width dump of the saved registers to the active
// terminal.
func (r *Regs) Print() {
	writeLabeled("RAX", r.RAX, "RBX", r.RBX)
	writeLabeled("RCX", r.RCX, "RDX", r.RDX)
	writeLabeled("RSI", r.RSI, "RDI", r.RDI)
	writeLabel("RBP", r.RBP)
	writeLabeled("R8 ", r.R8, "R9 ", r.R9)
	writeLabeled("R10", r.R10, "R11", r.R11)
	writeLabeled("R12", r.R12, "R13", r.R13)
	writeLabel("R14", r.R14)
	writeLabelSameLine("R15", r.R15)
}

func writeLabeled(label1 string, v1 uint64, label2 string, v2 uint64) {
	hal.ActiveTerminal.Write([]byte(label1))
	hal.ActiveTerminal.Write([]byte(" = "))
	writeHex16(v1)
	hal.ActiveTerminal.Write([]byte(" "))
	hal.ActiveTerminal.Write([]byte(label2))
	hal.ActiveTerminal.Write([]byte(" = "))
	writeHex16(v2)
	hal.ActiveTerminal.Write([]byte("\n"))
}

func writeLabel(label string, v uint64) {
	hal.ActiveTerminal.Write([]byte(label))
	hal.ActiveTerminal.Write([]byte(" = "))
	writeHex16(v)
	hal.ActiveTerminal.Write([]byte("\n"))
}

func writeLabelSameLine(label string, v uint64) {
	hal.ActiveTerminal.Write([]byte(label))
	hal.ActiveTerminal.Write([]byte(" = "))
	writeHex16(v)
}

const hexDigits = "0123456789abcdef"

func writeHex16(v uint64) {
	var buf [16]byte
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	hal.ActiveTerminal.Write(buf[:])
}

// ExceptionHandler is invoked for exceptions that do not push an error code.
type ExceptionHandler func(frame *Frame, regs *Regs)

// ExceptionHandlerWithCode is invoked for exceptions that push an error code
// (e.g. page faults and general protection faults).
type ExceptionHandlerWithCode func(errorCode uint64, frame *Frame, regs *Regs)

// IRQHandler is invoked for hardware interrupts remapped to vectors 32-47.
type IRQHandler func(frame *Frame, regs *Regs)

var (
	// exceptionHandlers is keyed by vector rather than sized to the 32 CPU
	// exception vectors because software interrupt gates (the syscall gate
	// at 0x80 and the scheduler's reschedule gate just above it) share this
	// same registration path.
	exceptionHandlers         = map[ExceptionNum]ExceptionHandler{}
	exceptionHandlersWithCode [32]ExceptionHandlerWithCode
	irqHandlers               [LastIRQVector - FirstIRQVector + 1]IRQHandler

	// sendEOIFn notifies the interrupt controller that an IRQ has been
	// serviced. Overridden in tests and by the PIC driver once one is
	// registered; defaults to a no-op so the dispatcher remains usable
	// before a controller driver attaches.
	sendEOIFn = func(ExceptionNum) {}

	// tickFn is invoked on every timer interrupt (vector 32) before the
	// registered handler (if any) runs. The scheduler attaches here.
	tickFn = func() {}

	// panicFn is mocked by tests and is automatically inlined by the
	// compiler when compiling the kernel.
	panicFn = kernel.Panic
)

// HandleException registers a handler for a CPU exception vector that does
// not carry an error code (vectors other than 8, 10-14, 17, 30).
func HandleException(vector ExceptionNum, handler ExceptionHandler) {
	exceptionHandlers[vector] = handler
}

// HandleExceptionWithCode registers a handler for a CPU exception vector
// that pushes an error code onto the stack.
func HandleExceptionWithCode(vector ExceptionNum, handler ExceptionHandlerWithCode) {
	exceptionHandlersWithCode[vector] = handler
}

// RegisterHandler attaches a handler function to a hardware IRQ number
// (0-15). The handler runs after EOI has already been sent to the
// controller.
func RegisterHandler(irqNum uint8, handler IRQHandler) {
	irqHandlers[irqNum] = handler
}

// SetEOIHandler installs the function used to acknowledge serviced
// interrupts to the interrupt controller.
func SetEOIHandler(fn func(vector ExceptionNum)) {
	sendEOIFn = fn
}

// SetTickHandler installs the function invoked on every timer tick. The
// scheduler uses this hook to drive preemption.
func SetTickHandler(fn func()) {
	tickFn = fn
}

// Dispatch is the single entry point called by the assembly ISR prologue for
// every vector. It classifies the vector, invokes the registered handler (if
// any) and otherwise falls back to the fault reporter.
//
//go:nosplit
func Dispatch(vector ExceptionNum, errorCode uint64, frame *Frame, regs *Regs) {
	switch {
	case vector == TimerVector:
		tickFn()
		sendEOIFn(vector)
		if h := irqHandlers[vector-FirstIRQVector]; h != nil {
			h(frame, regs)
		}
	case vector > TimerVector && vector <= LastIRQVector:
		sendEOIFn(vector)
		if h := irqHandlers[vector-FirstIRQVector]; h != nil {
			h(frame, regs)
		}
	case vector == PageFaultException:
		if h := exceptionHandlersWithCode[vector]; h != nil {
			h(errorCode, frame, regs)
			return
		}
		reportFault(vector, errorCode, frame, regs)
	case hasErrorCode(vector):
		if h := exceptionHandlersWithCode[vector]; h != nil {
			h(errorCode, frame, regs)
			return
		}
		reportFault(vector, errorCode, frame, regs)
	default:
		if h := exceptionHandlers[vector]; h != nil {
			h(frame, regs)
			return
		}
		reportFault(vector, errorCode, frame, regs)
	}
}

// hasErrorCode reports whether the CPU automatically pushes an error code
// for the given exception vector.
func hasErrorCode(vector ExceptionNum) bool {
	switch vector {
	case DoubleFaultException, InvalidTSSException, SegmentNotPresentException,
		StackFaultException, GPFException, PageFaultException, AlignmentCheckException,
		SecurityException:
		return true
	default:
		return false
	}
}

// reportFault prints the fault context and the stack trace and, for vectors
// that can never be recovered from, halts the system.
func reportFault(vector ExceptionNum, errorCode uint64, frame *Frame, regs *Regs) {
	hal.ActiveTerminal.Write([]byte("\nunhandled exception, error code: "))
	writeHex16(errorCode)
	hal.ActiveTerminal.Write([]byte("\n"))
	regs.Print()
	frame.Print()
	PrintStackTrace(uintptr(regs.RBP))

	if fatalExceptions[vector] {
		panicFn(&kernel.Error{Module: "irq", Message: "unrecoverable fault"})
	}
}
