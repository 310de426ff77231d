// Package process implements the process control block (spec.md §3/§4.6):
// its fields, its state machine, the per-process IPC mailbox and open-file
// table, and the fixed-size process table that owns every PCB. Unlike
// kernel/mem/vmm and kernel/heap, this layer stays entirely on safe Go —
// spec.md's "unsafe is a cone, not a cloud" design note explicitly excludes
// scheduler state from the unsafe surface, and by this point in the boot
// sequence kernel/goruntime has already made the ordinary Go heap (slices,
// maps, the PCB pointers themselves) usable.
package process

import (
	"voidframe/kernel"
	"voidframe/kernel/mem"
	"voidframe/kernel/mem/vmm"
	"voidframe/kernel/sync"
)

// PID identifies a process. PID 0 is reserved for the idle task and is
// never handed out by Create.
type PID uint32

// State is a PCB's position in the FSM described by spec.md §4.6.
type State uint8

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateZombie
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlocked:
		return "BLOCKED"
	case StateZombie:
		return "ZOMBIE"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Privilege is the PCB's access level.
type Privilege uint8

const (
	PrivUser Privilege = iota
	PrivNormal
	PrivSystem
)

// Flags is a bitmask of per-process scheduling/access-control modifiers.
type Flags uint8

const (
	// FlagImmune processes bypass both demotion and boost-based promotion;
	// they keep their starting queue level for life.
	FlagImmune Flags = 1 << iota
	// FlagCritical processes bypass quantum-expiry demotion. Killing one
	// additionally requires the killer to hold FlagSupervisor.
	FlagCritical
	// FlagSupervisor is an access-control bit honored by syscalls and by
	// Kill's privilege check; it is orthogonal to Privilege.
	FlagSupervisor
)

const (
	// maxProcesses bounds the process table the way the buddy allocator's
	// node pool bounds vmm bookkeeping: a fixed arena sized generously for
	// a single-CPU hobby kernel, not a dynamically growing structure.
	maxProcesses = 256

	// KernelStackSize is the size of the guarded kernel stack Create
	// allocates for every new process via vmm.AllocStack.
	KernelStackSize = mem.Size(4) * mem.PageSize

	// MailboxCapacity bounds each process's IPC inbox (spec.md §4.6 "bounded
	// mailbox").
	MailboxCapacity = 16

	// kernelCodeSelector/kernelDataSelector mirror the GDT layout the rt0
	// assembly establishes before Kmain ever runs (flat code/data segments
	// immediately after the null descriptor). This tree has no ring-3
	// bring-up yet, so every process context below runs in ring 0; the
	// Privilege field is a logical access-control level enforced by
	// syscalls and Kill, not yet a hardware ring.
	kernelCodeSelector = 0x08
	kernelDataSelector = 0x10

	// initialRFlags seeds IF (interrupts enabled) for a freshly created
	// process's first dispatch, per spec.md §4.6 "resumes at entry with
	// RFLAGS=IF".
	initialRFlags = 0x200
)

var (
	errProcessTableFull = &kernel.Error{Module: "process", Message: "process table full"}
	errNotFound         = &kernel.Error{Module: "process", Message: "no such process"}
	errMailboxFull      = &kernel.Error{Module: "process", Message: "mailbox full"}
	errPrivilegeDenied  = &kernel.Error{Module: "process", Message: "privilege escalation refused"}

	// freeStackFn is mocked by tests and is automatically inlined by the
	// compiler.
	allocStackFn = vmm.AllocStack
	freeStackFn  = vmm.Free
	freeImageFn  = vmm.Free

	// canaryHookFn lets Cerberus plant/track a stack canary for every new
	// process without process importing the security package; nil until
	// registered (mirrors vmm.SetFrameDeallocator).
	canaryHookFn func(p *PCB)

	// deliveryHookFn lets kernel/sched wake a process blocked on an empty
	// mailbox the moment Send delivers into it, without process importing
	// sched back.
	deliveryHookFn func(pid PID)

	tableLock sync.IRQLock
	table     [maxProcesses]*PCB
	nextPID   PID = 1
)

// Context holds the saved register state resumed by a context switch. Its
// general-purpose register layout mirrors kernel/irq.Regs so the scheduler's
// context-switch glue can copy between the two without reshuffling fields.
type Context struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP, RSP, RFlags uint64
	CS, SS           uint64

	// CR3 is the physical address of this process's page table root. Zero
	// means "shares the kernel's address space" (this tree has no
	// per-process address space support yet; the field exists so a later
	// patch changes context-switch logic, not PCB layout).
	CR3 uintptr
}

// Message is a fixed-size IPC payload (spec.md §4.6 IPC).
type Message struct {
	SenderPID PID
	Len       uint8
	Data      [32]byte
}

// Mailbox is a bounded FIFO of Messages owned by a single process.
type Mailbox struct {
	messages [MailboxCapacity]Message
	head     int
	count    int
}

// TrySend enqueues msg without blocking, reporting false if the mailbox is
// saturated.
func (m *Mailbox) TrySend(msg Message) bool {
	if m.count == MailboxCapacity {
		return false
	}
	tail := (m.head + m.count) % MailboxCapacity
	m.messages[tail] = msg
	m.count++
	return true
}

// TryReceive dequeues the oldest message, reporting false if the mailbox is
// empty.
func (m *Mailbox) TryReceive() (Message, bool) {
	if m.count == 0 {
		return Message{}, false
	}
	msg := m.messages[m.head]
	m.head = (m.head + 1) % MailboxCapacity
	m.count--
	return msg, true
}

// Empty reports whether the mailbox currently holds no messages.
func (m *Mailbox) Empty() bool { return m.count == 0 }

// OpenFile is a per-descriptor entry in a process's file table. Cookie is an
// opaque handle populated by the VFS layer (the syscall layer stores a
// *vfs.FileHandle); process itself never inspects it.
type OpenFile struct {
	InUse    bool
	Cookie   interface{}
	Position int64
	Flags    int
}

// FileTable is a process's open-file descriptor table. Descriptor 0 is
// reserved (spec.md §3 FileHandle invariant); 1 and 2 are reserved too,
// conventionally for stdout/stderr routed to the console collaborator.
type FileTable struct {
	files []OpenFile
}

// NewFileTable allocates a file table with the given descriptor capacity,
// reserving descriptors 0-2.
func NewFileTable(size int) *FileTable {
	t := &FileTable{files: make([]OpenFile, size)}
	for fd := 0; fd < 3 && fd < size; fd++ {
		t.files[fd].InUse = true
	}
	return t
}

// Alloc reserves the lowest-numbered free descriptor.
func (t *FileTable) Alloc() (int, bool) {
	for fd := 3; fd < len(t.files); fd++ {
		if !t.files[fd].InUse {
			t.files[fd].InUse = true
			return fd, true
		}
	}
	return 0, false
}

// Release frees a descriptor, making it available for reuse. Releasing a
// reserved or already-free descriptor is a no-op.
func (t *FileTable) Release(fd int) {
	if fd < 3 || fd >= len(t.files) {
		return
	}
	t.files[fd] = OpenFile{}
}

// Get returns the descriptor's entry if it is currently in use.
func (t *FileTable) Get(fd int) (*OpenFile, bool) {
	if fd < 0 || fd >= len(t.files) || !t.files[fd].InUse {
		return nil, false
	}
	return &t.files[fd], true
}

// closeAll releases every non-reserved descriptor, used by Terminate.
func (t *FileTable) closeAll() {
	for fd := 3; fd < len(t.files); fd++ {
		t.files[fd] = OpenFile{}
	}
}

// PCB is a schedulable process control block (spec.md §3).
type PCB struct {
	PID       PID
	Name      string
	ParentPID PID
	State     State
	Privilege Privilege
	Flags     Flags

	Context Context

	KernelStackTop uintptr
	UserStackTop   uintptr

	QueueLevel    int
	CPUTicks      uint64
	QuantumCharge uint64
	CreationTick  uint64
	EnqueueTick   uint64
	ExitCode      int

	Mailbox Mailbox
	Files   *FileTable

	// ImageBase/ImageSize describe the loader-allocated user image backing
	// this process, if any; Kill releases it via vmm.Free.
	ImageBase uintptr
	ImageSize mem.Size

	// CPUID is the owning CPU, always 0 on this single-CPU kernel (SMP
	// open-question hook per SPEC_FULL.md).
	CPUID int

	// BlockedOn names the resource a BLOCKED process is waiting on, for
	// diagnostics and procfs.
	BlockedOn string

	killRequested bool

	slot int
}

// KillRequested reports whether another process has asked this one to die.
// Long-running kernel loops (IPC receive, recursive VFS delete, stack
// unwinding) poll this at safe points so Kill can terminate code that is not
// currently scheduled out.
func (p *PCB) KillRequested() bool { return p.killRequested }

// SetCanaryHook registers the function Create calls to plant a stack canary
// on every new process. Used by the security monitor to hook in without
// process importing it back.
func SetCanaryHook(fn func(p *PCB)) {
	canaryHookFn = fn
}

// SetDeliveryHook registers the function Send calls after successfully
// enqueueing a message, so the scheduler can wake a receiver blocked on an
// empty mailbox.
func SetDeliveryHook(fn func(pid PID)) {
	deliveryHookFn = fn
}

// SetStackAllocator overrides the allocator Create/CreateIdle use for a
// process's kernel stack, normally vmm.AllocStack/vmm.Free. Exists for the
// same reason vmm.SetFrameDeallocator does: letting a caller in another
// package (kernel/sched's tests, a future pooled-stack allocator) swap the
// backing implementation without process importing it.
func SetStackAllocator(alloc func(mem.Size) (uintptr, *kernel.Error), free func(uintptr, mem.Size) *kernel.Error) {
	allocStackFn = alloc
	freeStackFn = free
}

// Create allocates a PCB slot and a guarded kernel stack, seeds the saved
// context to resume at entry with interrupts enabled, and returns the new
// PCB in the READY state. The caller (kernel/sched) is responsible for
// enqueueing it; Create only constructs the process.
func Create(name string, entry uintptr, priv Privilege, flags Flags, tick uint64) (*PCB, *kernel.Error) {
	pcb, err := createWithPID(nextPID, name, entry, priv, flags, tick)
	if err != nil {
		return nil, err
	}
	nextPID++
	return pcb, nil
}

// CreateIdle constructs the PID-0 idle task (spec.md §3 "PID 0 is the idle
// task"). It is exempt from the monotonic PID counter since it is the one
// process every kernel boot creates exactly once, before any other PID has
// been handed out.
func CreateIdle(entry uintptr) (*PCB, *kernel.Error) {
	return createWithPID(0, "idle", entry, PrivSystem, FlagImmune|FlagCritical|FlagSupervisor, 0)
}

func createWithPID(pid PID, name string, entry uintptr, priv Privilege, flags Flags, tick uint64) (*PCB, *kernel.Error) {
	stackTop, err := allocStackFn(KernelStackSize)
	if err != nil {
		return nil, err
	}

	tableLock.Acquire()
	defer tableLock.Release()

	slot := -1
	for i, p := range table {
		if p == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		freeStackFn(stackTop, KernelStackSize)
		return nil, errProcessTableFull
	}

	pcb := &PCB{
		PID:            pid,
		Name:           name,
		State:          StateReady,
		Privilege:      priv,
		Flags:          flags,
		KernelStackTop: stackTop,
		CreationTick:   tick,
		EnqueueTick:    tick,
		Files:          NewFileTable(256),
		CPUID:          0,
		slot:           slot,
		Context: Context{
			RIP:    uint64(entry),
			RSP:    uint64(stackTop),
			RFlags: initialRFlags,
			CS:     kernelCodeSelector,
			SS:     kernelDataSelector,
		},
	}

	table[slot] = pcb

	if canaryHookFn != nil {
		canaryHookFn(pcb)
	}

	return pcb, nil
}

// CreateSecure is Create plus a privilege escalation check: a caller may
// never create a process with a higher Privilege than its own.
func CreateSecure(name string, entry uintptr, priv Privilege, flags Flags, tick uint64, callerPriv Privilege) (*PCB, *kernel.Error) {
	if priv > callerPriv {
		return nil, errPrivilegeDenied
	}
	return Create(name, entry, priv, flags, tick)
}

// Lookup returns the PCB for pid, if it is still resident in the table
// (READY, RUNNING, BLOCKED or ZOMBIE — not yet reaped).
func Lookup(pid PID) (*PCB, bool) {
	tableLock.Acquire()
	defer tableLock.Release()

	for _, p := range table {
		if p != nil && p.PID == pid {
			return p, true
		}
	}
	return nil, false
}

// All returns every resident PCB, for the scheduler's boost pass and for
// procfs enumeration.
func All() []*PCB {
	tableLock.Acquire()
	defer tableLock.Release()

	out := make([]*PCB, 0, maxProcesses)
	for _, p := range table {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// RequestKill flags a process for termination without touching scheduler
// queues; kernel/sched.Kill uses this plus its own queue bookkeeping to
// implement spec.md §4.6's Kill operation.
func (p *PCB) RequestKill() { p.killRequested = true }

// Terminate transitions a process to ZOMBIE, releasing everything the spec's
// Kill description calls for except scheduler queue membership (which the
// caller, kernel/sched, owns): its user image, its kernel stack remains
// mapped until Reap (the PCB itself, including the stack the victim might
// still be returning through, is only fully released at Reap), its mailbox,
// and its open files.
func (p *PCB) Terminate(exitCode int) {
	p.State = StateZombie
	p.ExitCode = exitCode
	p.Mailbox = Mailbox{}
	p.Files.closeAll()

	if p.ImageBase != 0 {
		freeImageFn(p.ImageBase, p.ImageSize)
		p.ImageBase, p.ImageSize = 0, 0
	}
}

// Send delivers msg to pid's mailbox without blocking the caller, per
// spec.md §4.6's `send(pid, msg)`. The blocking counterpart, `receive`, needs
// to yield the caller when the mailbox is empty and so lives in
// kernel/sched instead.
func Send(pid PID, msg Message) *kernel.Error {
	target, ok := Lookup(pid)
	if !ok {
		return errNotFound
	}
	if !target.Mailbox.TrySend(msg) {
		return errMailboxFull
	}
	if deliveryHookFn != nil {
		deliveryHookFn(pid)
	}
	return nil
}

// Reap releases a ZOMBIE process's table slot and kernel stack, completing
// the transition to TERMINATED. Reaping a process that is not a zombie is a
// no-op and reports false.
func Reap(pid PID) bool {
	tableLock.Acquire()
	defer tableLock.Release()

	for i, p := range table {
		if p == nil || p.PID != pid {
			continue
		}
		if p.State != StateZombie {
			return false
		}
		freeStackFn(p.KernelStackTop, KernelStackSize)
		p.State = StateTerminated
		table[i] = nil
		return true
	}
	return false
}
