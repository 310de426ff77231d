package irq

import "unsafe"

// idtEntryCount matches the 256 gates described by the architecture: vectors
// 0-31 are CPU exceptions, 32-47 are the remapped PIC IRQs, 0x80 is the
// syscall gate and the remainder are available for future use.
const idtEntryCount = 256

// gateDescriptor mirrors the amd64 IDT gate format. Its layout must match
// what the assembly lidt helper expects; it is never dereferenced from Go.
type gateDescriptor struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	flags      uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

var idt [idtEntryCount]gateDescriptor

// loadIDT flushes the supplied IDT pointer to the CPU. Implemented in
// assembly; the Go declaration only pins the calling convention.
func loadIDT(idtPtrAddr uintptr)

// stubAddr returns the entry point address of the generic ISR stub
// associated with the given vector. Implemented in assembly: every vector
// gets its own stub so that the vector number (and, where needed, a dummy
// error code) can be pushed before jumping to the common prologue.
func stubAddr(vector uint8) uintptr

// idtPointer is the struct loaded by the lidt instruction: a 16-bit limit
// followed by the 64-bit base address of the IDT.
type idtPointer struct {
	limit uint16
	base  uint64
}

var activeIDTPtr idtPointer

// Init populates all 256 IDT gates with their corresponding ISR stub and
// loads the table into the CPU. It must run once, after the kernel segments
// have been established by the GDT/TSS bring-up code.
func Init(codeSegmentSelector uint16) {
	for vector := 0; vector < idtEntryCount; vector++ {
		setGate(vector, stubAddr(uint8(vector)), codeSegmentSelector)
	}

	activeIDTPtr = idtPointer{
		limit: uint16(idtEntryCount*16 - 1),
		base:  uint64(uintptr(unsafe.Pointer(&idt[0]))),
	}
	loadIDT(uintptr(unsafe.Pointer(&activeIDTPtr)))
}

func setGate(vector int, handlerAddr uintptr, selector uint16) {
	idt[vector] = gateDescriptor{
		offsetLow:  uint16(handlerAddr),
		selector:   selector,
		ist:        0,
		flags:      0x8e, // present, ring 0, 64-bit interrupt gate
		offsetMid:  uint16(handlerAddr >> 16),
		offsetHigh: uint32(handlerAddr >> 32),
	}
}
