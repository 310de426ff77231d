// Package syscall implements the kernel side of the int 0x80 / SYSCALL ABI
// described by spec.md §6: a stable numbered table, three register
// arguments, a return value in the conventional return register, and
// bounce-buffer copying for every user pointer. It registers itself as the
// handler for irq.SyscallVector so kernel/irq's Dispatch routes vector 0x80
// here the same way it routes the timer to kernel/sched.
//
// No teacher analog exists (gopheros never reached a syscall layer); the
// numbered-table dispatch and bounce-buffer copy-in/copy-out are grounded in
// idiom on kernel/loader's own bounds-checked, no-unsafe-leakage style and
// on kernel/vfs/fd.go's existing Open/Read/Write cursor layer, which this
// package sits directly on top of. Following kernel/loader and kernel/heap's
// own convention, every collaborator call goes through a package-level
// `xxxFn` indirection so tests can swap in fakes without touching real
// memory or a live scheduler.
package syscall

import (
	"voidframe/kernel/hal"
	"voidframe/kernel/irq"
	"voidframe/kernel/mem"
	"voidframe/kernel/mem/vmm"
	"voidframe/kernel/process"
	"voidframe/kernel/sched"
	"voidframe/kernel/vfs"
)

// Numbers are the stable syscall numbers from spec.md §6.
const (
	SysRead          = 0
	SysWrite         = 1
	SysOpen          = 2
	SysClose         = 3
	SysCreateFile    = 4
	SysCreateDir     = 5
	SysDelete        = 6
	SysListDir       = 7
	SysCreateProcess = 8
	SysKillProcess   = 9
	SysGetPID        = 10
	SysYield         = 11
	SysIPCSend       = 12
	SysIPCRecv       = 13
	SysExit          = 60
)

// Error returns, negative per the conventional "negative errno" shape a
// freestanding kernel without a libc uses in the return register.
const (
	success     = 0
	errFault    = -1 // EFAULT-equivalent: bad user pointer
	errBadFD    = -2
	errNoEnt    = -3
	errNoMem    = -4
	errFull     = -5
	errDenied   = -6
	errBadCall  = -7
	errTooLarge = -8
)

// maxCopyBytes bounds every bounce buffer this layer allocates, per spec.md
// §6 "copied through bounce buffers of bounded size". A single syscall can
// never move more than this much data in or out of the kernel in one call;
// callers loop for larger transfers, same as a real read(2)/write(2).
const maxCopyBytes = 4096

var (
	// currentFn/yieldFn/createProcessFn/killFn/receiveFn mock kernel/sched's
	// scheduler-state-dependent entry points in tests.
	currentFn       = sched.Current
	yieldFn         = sched.Yield
	createProcessFn = sched.CreateProcess
	killFn          = sched.Kill
	receiveFn       = sched.Receive
	sendFn          = process.Send

	// vfsXxxFn mock kernel/vfs's mount-table-dependent entry points.
	vfsOpenFn       = vfs.Open
	vfsCreateFileFn = vfs.CreateFile
	vfsCreateDirFn  = vfs.CreateDir
	vfsDeleteFn     = vfs.Delete
	vfsListDirFn    = vfs.ListDir

	// readBytesFn/writeBytesFn mock kernel/mem's raw pointer copies so
	// tests can exercise copy-in/copy-out without dereferencing real
	// memory addresses.
	readBytesFn  = mem.ReadBytes
	writeBytesFn = mem.WriteBytes

	// consoleWriteFn mocks the fd 1/2 console sink.
	consoleWriteFn = hal.ActiveTerminal.Write
)

// Init registers the dispatcher as the handler for the software interrupt
// gate spec.md §4.5 calls out as step 5 of the fault dispatcher ("For
// vector 0x80: reads syscall number and three args from specified registers
// and dispatches"). Must run after irq.Init and sched.Init.
func Init() {
	irq.HandleException(irq.SyscallVector, dispatch)
}

// dispatch is the ISR-registered entry point. regs.RAX carries the syscall
// number on entry and the return value on exit, matching the conventional
// "number in, result out" register reuse spec.md §6 describes. RDI/RSI/RDX
// carry up to three arguments, the SYSV-ish convention the rest of this
// tree's register-frame code (kernel/irq, kernel/sched) already assumes.
//
//go:nosplit
func dispatch(frame *irq.Frame, regs *irq.Regs) {
	regs.RAX = uint64(int64(Handle(int(regs.RAX), regs.RDI, regs.RSI, regs.RDX)))
}

// Handle executes one syscall on behalf of the currently scheduled process
// and returns its result (or a negative error code). Exported so tests (and
// a future `int 0x80` trampoline written in assembly) can invoke it
// directly without building a synthetic Frame/Regs pair.
func Handle(num int, a0, a1, a2 uint64) int64 {
	caller := currentFn()
	if caller == nil {
		return errFault
	}

	switch num {
	case SysRead:
		return sysRead(caller, int(a0), uintptr(a1), int(a2))
	case SysWrite:
		return sysWrite(caller, int(a0), uintptr(a1), int(a2))
	case SysOpen:
		return sysOpen(caller, uintptr(a0), int(a1), int(a2))
	case SysClose:
		return sysClose(caller, int(a0))
	case SysCreateFile:
		return sysCreateFile(uintptr(a0), int(a1))
	case SysCreateDir:
		return sysCreateDir(uintptr(a0), int(a1))
	case SysDelete:
		return sysDelete(uintptr(a0), int(a1), a2 != 0)
	case SysListDir:
		return sysListDir(uintptr(a0), int(a1), uintptr(a2))
	case SysCreateProcess:
		return sysCreateProcess(uintptr(a0), int(a1), a2)
	case SysKillProcess:
		return sysKillProcess(caller, process.PID(a0))
	case SysGetPID:
		return int64(caller.PID)
	case SysYield:
		yieldFn()
		return success
	case SysIPCSend:
		return sysIPCSend(caller, process.PID(a0), uintptr(a1), int(a2))
	case SysIPCRecv:
		return sysIPCRecv(caller, uintptr(a0), int(a1))
	case SysExit:
		return sysExit(caller, int(a0))
	default:
		return errBadCall
	}
}

// validateUserRange enforces spec.md §6's "all user pointers are validated
// (canonical, below kernel base, length non-overflowing)": addr+length must
// not overflow and must land entirely below vmm.UserSpaceEnd. The canonical
// check is implicit: every address below UserSpaceEnd (2**47) is
// automatically a canonical amd64 address, since canonical addresses are
// exactly those whose upper bits replicate bit 47.
func validateUserRange(addr uintptr, length int) bool {
	if length < 0 || length > maxCopyBytes {
		return false
	}
	if length == 0 {
		return addr < vmm.UserSpaceEnd
	}
	end := addr + uintptr(length)
	if end < addr { // overflow
		return false
	}
	return addr < vmm.UserSpaceEnd && end <= vmm.UserSpaceEnd
}

// copyIn bounce-copies length bytes from a validated user address into a
// freshly allocated kernel slice.
func copyIn(addr uintptr, length int) ([]byte, bool) {
	if !validateUserRange(addr, length) {
		return nil, false
	}
	return readBytesFn(addr, mem.Size(length)), true
}

// copyOut copies data to a validated user address. If the range fails
// validation nothing is copied and copyOut returns false.
func copyOut(addr uintptr, data []byte) bool {
	if !validateUserRange(addr, len(data)) {
		return false
	}
	writeBytesFn(addr, data)
	return true
}

func sysRead(caller *process.PCB, fd int, bufPtr uintptr, length int) int64 {
	if fd == 0 {
		return 0 // stdin has no backing collaborator at this layer
	}
	of, ok := caller.Files.Get(fd)
	if !ok {
		return errBadFD
	}
	h, ok := of.Cookie.(*vfs.FileHandle)
	if !ok {
		return errBadFD
	}
	if length > maxCopyBytes {
		length = maxCopyBytes
	}
	scratch := make([]byte, length)
	n, err := h.Read(scratch, &of.Position)
	if err != nil {
		return errNoEnt
	}
	if !copyOut(bufPtr, scratch[:n]) {
		return errFault
	}
	return int64(n)
}

func sysWrite(caller *process.PCB, fd int, bufPtr uintptr, length int) int64 {
	buf, ok := copyIn(bufPtr, length)
	if !ok {
		return errFault
	}

	// "write with fd in {1,2} goes to console" (spec.md §6).
	if fd == 1 || fd == 2 {
		consoleWriteFn(buf)
		return int64(len(buf))
	}

	of, ok := caller.Files.Get(fd)
	if !ok {
		return errBadFD
	}
	h, ok := of.Cookie.(*vfs.FileHandle)
	if !ok {
		return errBadFD
	}
	n, err := h.Write(buf, &of.Position)
	if err != nil {
		return errNoEnt
	}
	return int64(n)
}

func sysOpen(caller *process.PCB, pathPtr uintptr, pathLen, flags int) int64 {
	path, ok := copyIn(pathPtr, pathLen)
	if !ok {
		return errFault
	}
	h, err := vfsOpenFn(string(path), flags)
	if err != nil {
		return errNoEnt
	}
	fd, ok := caller.Files.Alloc()
	if !ok {
		return errTooLarge
	}
	of, _ := caller.Files.Get(fd)
	of.Cookie = h
	of.Position = 0
	of.Flags = flags
	return int64(fd)
}

func sysClose(caller *process.PCB, fd int) int64 {
	of, ok := caller.Files.Get(fd)
	if !ok {
		return errBadFD
	}
	if h, ok := of.Cookie.(*vfs.FileHandle); ok {
		h.Close()
	}
	caller.Files.Release(fd)
	return success
}

func sysCreateFile(pathPtr uintptr, pathLen int) int64 {
	path, ok := copyIn(pathPtr, pathLen)
	if !ok {
		return errFault
	}
	if err := vfsCreateFileFn(string(path)); err != nil {
		return errNoEnt
	}
	return success
}

func sysCreateDir(pathPtr uintptr, pathLen int) int64 {
	path, ok := copyIn(pathPtr, pathLen)
	if !ok {
		return errFault
	}
	if err := vfsCreateDirFn(string(path)); err != nil {
		return errNoEnt
	}
	return success
}

func sysDelete(pathPtr uintptr, pathLen int, recursive bool) int64 {
	path, ok := copyIn(pathPtr, pathLen)
	if !ok {
		return errFault
	}
	if err := vfsDeleteFn(string(path), recursive); err != nil {
		return errNoEnt
	}
	return success
}

// sysListDir renders each entry's name, newline-terminated, into the user
// buffer at bufPtr (capped at maxCopyBytes), stopping before the first
// entry that would overflow it. Returns the number of bytes written, or a
// negative error. A three-register ABI leaves no room for a separate
// destination-length argument, so the buffer is assumed to be exactly
// maxCopyBytes, the same cap every other syscall bounce buffer in this
// package uses.
func sysListDir(pathPtr uintptr, pathLen int, bufPtr uintptr) int64 {
	path, ok := copyIn(pathPtr, pathLen)
	if !ok {
		return errFault
	}
	entries, err := vfsListDirFn(string(path))
	if err != nil {
		return errNoEnt
	}

	var out []byte
	for _, e := range entries {
		line := e.Name + "\n"
		if len(out)+len(line) > maxCopyBytes {
			break
		}
		out = append(out, line...)
	}
	if !copyOut(bufPtr, out) {
		return errFault
	}
	return int64(len(out))
}

func sysCreateProcess(namePtr uintptr, nameLen int, entry uint64) int64 {
	name, ok := copyIn(namePtr, nameLen)
	if !ok {
		return errFault
	}
	p, err := createProcessFn(string(name), uintptr(entry))
	if err != nil {
		return errNoMem
	}
	return int64(p.PID)
}

func sysKillProcess(caller *process.PCB, target process.PID) int64 {
	if err := killFn(target, caller.PID); err != nil {
		return errDenied
	}
	return success
}

func sysIPCSend(caller *process.PCB, target process.PID, msgPtr uintptr, length int) int64 {
	if length > len(process.Message{}.Data) {
		length = len(process.Message{}.Data)
	}
	data, ok := copyIn(msgPtr, length)
	if !ok {
		return errFault
	}

	var msg process.Message
	msg.SenderPID = caller.PID
	msg.Len = uint8(len(data))
	copy(msg.Data[:], data)

	if err := sendFn(target, msg); err != nil {
		return errFull
	}
	return success
}

func sysIPCRecv(caller *process.PCB, bufPtr uintptr, length int) int64 {
	msg := receiveFn()
	if caller.KillRequested() {
		return errDenied
	}
	n := int(msg.Len)
	if n > length {
		n = length
	}
	if !copyOut(bufPtr, msg.Data[:n]) {
		return errFault
	}
	return int64(n)
}

func sysExit(caller *process.PCB, code int) int64 {
	caller.Terminate(code)
	yieldFn()
	return success // unreachable once Yield switches away, kept for signature symmetry
}
