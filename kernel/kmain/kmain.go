package kmain

import (
	"reflect"

	"voidframe/kernel"
	"voidframe/kernel/config"
	"voidframe/kernel/cpu"
	"voidframe/kernel/goruntime"
	"voidframe/kernel/hal"
	"voidframe/kernel/hal/multiboot"
	"voidframe/kernel/heap"
	"voidframe/kernel/irq"
	"voidframe/kernel/mem/pmm/allocator"
	"voidframe/kernel/mem/vmm"
	"voidframe/kernel/sched"
	"voidframe/kernel/security"
	"voidframe/kernel/syscall"
	"voidframe/kernel/vfs"
)

// kernelCodeSegment is the GDT selector the rt0 code loads CS with before
// jumping into Kmain; it mirrors process.go's kernelCodeSelector and is what
// every IDT gate must point interrupted code back at.
const kernelCodeSegment = 0x08

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		panic(err)
	} else if err = vmm.Init(); err != nil {
		panic(err)
	} else if err = goruntime.Init(); err != nil {
		panic(err)
	}

	config.Init()

	irq.Init(kernelCodeSegment)
	security.Init()
	heap.SetDoubleFreeHook(func(addr uintptr) {
		if cur := sched.Current(); cur != nil {
			security.OnDoubleFree(cur.PID)(addr)
		}
	})

	idleEntry := reflect.ValueOf(idleLoop).Pointer()
	if err = sched.Init(idleEntry); err != nil {
		panic(err)
	}
	syscall.Init()

	if err = vfs.Mount("/", vfs.NewRAMFS(), nil); err != nil {
		panic(err)
	}
	if err = vfs.Mount("/dev", &vfs.DevFS{}, nil); err != nil {
		panic(err)
	}
	if err = vfs.Mount("/proc", &vfs.ProcFS{}, nil); err != nil {
		panic(err)
	}
	if err = vfs.CreateFile(violationsLogPath); err != nil {
		panic(err)
	}
	security.SetLogSink(appendViolationLine)

	cpu.EnableInterrupts()
	idleLoop()

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}

// violationsLogPath is where security.SetLogSink's callback appends one
// line per Cerberus violation, mirroring the original kernel's
// VfsAppendFile("/ProcINFO/Cerberus/violations.log", ...) sink without
// giving kernel/security a compile-time dependency on kernel/vfs.
const violationsLogPath = "/cerberus.log"

// appendViolationLine is registered with security.SetLogSink once the root
// filesystem is mounted. It is wired from kmain rather than from
// kernel/security directly, keeping the boot-order dependency (VFS before
// Cerberus's sink can be used) explicit at the one place that enforces it.
func appendViolationLine(line string) {
	h, err := vfs.Open(violationsLogPath, vfs.OpenWrite)
	if err != nil {
		return
	}
	defer h.Close()

	pos, err := vfs.Size(violationsLogPath)
	if err != nil {
		return
	}
	h.Write([]byte(line+"\n"), &pos)
}

// idleLoop is PID 0: it never does useful work itself, just parks the CPU
// between reschedule interrupts. Its address is handed to sched.Init so the
// scheduler always has something runnable when every other process blocks.
//
//go:noinline
func idleLoop() {
	for {
		cpu.Halt()
	}
}
