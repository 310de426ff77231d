package irq

import (
	"unsafe"

	"voidframe/kernel/kfmt/early"
)

const maxStackFrames = 16

var (
	// translateFn is used to verify that a saved frame pointer actually
	// points to mapped memory before the stack tracer dereferences it. It
	// is installed through SetAddressTranslator; nothing in this tree
	// calls that setter, so translateFn stays nil and frame pointers are
	// read without a mapping check.
	translateFn func(virtAddr uintptr) (uintptr, error)

	// textStart/textEnd bound the kernel's executable image. Return
	// addresses outside this window are treated as corrupt and stop the
	// walk. They are installed through SetTextBounds; while textStart is
	// zero (nothing in this tree calls that setter) return addresses are
	// not range-checked.
	textStart, textEnd uintptr
)

// SetAddressTranslator wires up the function the stack tracer uses to
// confirm that a candidate address is actually mapped before dereferencing
// it.
func SetAddressTranslator(fn func(virtAddr uintptr) (uintptr, error)) {
	translateFn = fn
}

// SetTextBounds records the virtual address range occupied by the kernel's
// executable sections. Return addresses recovered during stack unwinding
// that fall outside this window are rejected.
func SetTextBounds(start, end uintptr) {
	textStart, textEnd = start, end
}

// PrintStackTrace walks the chain of stack frames rooted at rbp, printing up
// to maxStackFrames (return address, frame pointer) pairs. The walk stops as
// soon as a frame fails validation: its frame pointer must be mapped memory
// and its return address must fall within the kernel's text window. Each
// check applies only once its hook (SetAddressTranslator, SetTextBounds)
// has been installed.
func PrintStackTrace(rbp uintptr) {
	early.Printf("stack trace:\n")

	for depth := 0; depth < maxStackFrames && rbp != 0; depth++ {
		if translateFn != nil {
			if _, err := translateFn(rbp); err != nil {
				return
			}
		}

		savedRBP := *(*uintptr)(unsafe.Pointer(rbp))
		retAddr := *(*uintptr)(unsafe.Pointer(rbp + 8))

		if textStart != 0 && (retAddr < textStart || retAddr >= textEnd) {
			return
		}

		early.Printf("  #%d rip: 0x%16x rbp: 0x%16x\n", depth, retAddr, rbp)
		rbp = savedRBP
	}
}
