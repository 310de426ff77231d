// Package sched implements the multi-level feedback queue scheduler
// described by spec.md §4.6: per-level ready queues, quantum-expiry
// demotion, periodic anti-starvation boosts, and the create/yield/kill/IPC
// operations built on top of kernel/process's PCB layer.
//
// Context switching piggybacks on the interrupt frame rather than a
// dedicated assembly trampoline: the timer IRQ and the reschedule software
// interrupt both hand Dispatch a pointer to the saved Frame and Regs, and
// the ISR epilogue (outside this tree) resumes execution by iretq-ing
// whatever those structs hold when the handler returns. Swapping a
// process in therefore means overwriting *frame/*regs in place, the same
// trick the teacher's fault handlers use to inspect (but not rewrite) that
// state.
package sched

import (
	"voidframe/kernel"
	"voidframe/kernel/config"
	"voidframe/kernel/cpu"
	"voidframe/kernel/irq"
	"voidframe/kernel/mem"
	"voidframe/kernel/mem/vmm"
	"voidframe/kernel/process"
	"voidframe/kernel/security"
	"voidframe/kernel/sync"
)

// rescheduleVector is the software interrupt gate Yield/Block raise to fall
// into the same Frame/Regs-mutating dispatch path the timer uses, one past
// irq.SyscallVector.
const rescheduleVector = irq.SyscallVector + 1

var (
	errNotFound         = &kernel.Error{Module: "sched", Message: "no such process"}
	errPrivilegeDenied  = &kernel.Error{Module: "sched", Message: "may not kill a higher-privilege process"}
	errSupervisorNeeded = &kernel.Error{Module: "sched", Message: "killing a CRITICAL process requires FlagSupervisor"}

	// loadTSSFn is mocked by tests and is automatically inlined by the
	// compiler when compiling the kernel.
	loadTSSFn = cpu.LoadTSSStackPointer
	reschedFn = cpu.Reschedule

	lock sync.IRQLock

	levels  [][]*process.PCB
	quantum []uint64

	boostInterval uint64
	tickCount     uint64

	current *process.PCB
)

// Init builds the ready queues from config.Active, creates the PID-0 idle
// task at idleEntry, and attaches the scheduler to the timer IRQ and the
// reschedule software interrupt. It must run once, after irq.Init and
// after kernel/process is otherwise unused.
func Init(idleEntry uintptr) *kernel.Error {
	levels = make([][]*process.PCB, config.Active.SchedLevels)
	quantum = make([]uint64, config.Active.SchedLevels)
	for i := range quantum {
		quantum[i] = config.Active.SchedBaseQuantum << uint(i)
	}
	boostInterval = config.Active.SchedBoostTicks
	tickCount = 0

	idle, err := process.CreateIdle(idleEntry)
	if err != nil {
		return err
	}
	idle.State = process.StateRunning
	current = idle

	process.SetDeliveryHook(onMessageDelivered)
	irq.RegisterHandler(uint8(irq.TimerVector-irq.FirstIRQVector), onTimerIRQ)
	irq.HandleException(rescheduleVector, onReschedule)
	irq.SetStackOverflowRangeFn(stackOverflowRange)
	vmm.SetUserFaultHandler(onUserFault)

	// Cerberus stamps watch regions with the scheduler's tick counter
	// (spec.md §3 WatchRegion "alloc-tick"). Read tickCount directly rather
	// than through Ticks(): TrackAlloc calls this while holding security's
	// own lock, and going through Ticks() would acquire sched's lock from
	// inside that call, inverting the scheduler-before-Cerberus lock order
	// spec.md §5 requires. A torn read of a monotonically increasing
	// counter is harmless for a bookkeeping timestamp.
	security.SetTickSource(func() uint64 { return tickCount })

	return nil
}

// Current returns the PCB presently occupying the CPU.
func Current() *process.PCB {
	lock.Acquire()
	defer lock.Release()
	return current
}

// Ticks returns the number of timer interrupts serviced since Init, mostly
// useful for tests asserting on boost/demotion timing.
func Ticks() uint64 {
	lock.Acquire()
	defer lock.Release()
	return tickCount
}

// QueueLengths reports how many processes currently sit in each ready
// level, lowest level (highest priority) first.
func QueueLengths() []int {
	lock.Acquire()
	defer lock.Release()
	out := make([]int, len(levels))
	for i, q := range levels {
		out[i] = len(q)
	}
	return out
}

// CreateProcess creates a NORMAL-privilege process and enqueues it at the
// topmost ready level, per spec.md §4.6 "a process entering READY goes into
// a configurable starting level (topmost for new...)".
func CreateProcess(name string, entry uintptr) (*process.PCB, *kernel.Error) {
	p, err := process.Create(name, entry, process.PrivNormal, 0, currentTick())
	if err != nil {
		return nil, err
	}
	Enqueue(p, 0)
	return p, nil
}

// CreateSecureProcess creates a process with an explicit privilege and flag
// set, refusing escalation above the calling process's own privilege
// (process.CreateSecure's check, evaluated against Current()).
func CreateSecureProcess(name string, entry uintptr, priv process.Privilege, flags process.Flags) (*process.PCB, *kernel.Error) {
	callerPriv := process.PrivSystem
	if caller := Current(); caller != nil {
		callerPriv = caller.Privilege
	}
	p, err := process.CreateSecure(name, entry, priv, flags, currentTick(), callerPriv)
	if err != nil {
		return nil, err
	}
	Enqueue(p, 0)
	return p, nil
}

func currentTick() uint64 {
	lock.Acquire()
	defer lock.Release()
	return tickCount
}

// Enqueue marks p READY and appends it to the tail of the given level
// (clamped to the configured range), recording the current tick so FIFO
// queue order doubles as the spec's enqueue-time tie-break.
func Enqueue(p *process.PCB, level int) {
	lock.Acquire()
	defer lock.Release()
	enqueueLocked(p, level)
}

func enqueueLocked(p *process.PCB, level int) {
	if level < 0 {
		level = 0
	}
	if level >= len(levels) {
		level = len(levels) - 1
	}
	p.State = process.StateReady
	p.QueueLevel = level
	p.EnqueueTick = tickCount
	levels[level] = append(levels[level], p)
}

// Yield voluntarily gives up the CPU without charging the current quantum
// or changing queue level, per spec.md's "a process that blocks before its
// quantum elapses keeps its level".
func Yield() {
	reschedFn()
}

// Block transitions the calling process to BLOCKED (recording what it is
// waiting on for procfs/diagnostics) and immediately reschedules away from
// it. Some other path (Wake, a future timer wakeup) must move it back to
// READY or it never runs again.
func Block(resource string) {
	lock.Acquire()
	if current != nil {
		current.State = process.StateBlocked
		current.BlockedOn = resource
	}
	lock.Release()
	reschedFn()
}

// Wake moves a BLOCKED process back to READY, one level lower in priority
// than it last occupied (spec.md's "...next-lower for recently
// blocked-then-woken"), floored at the bottom level. Waking a process that
// is not BLOCKED is a no-op.
func Wake(p *process.PCB) {
	lock.Acquire()
	defer lock.Release()
	if p.State != process.StateBlocked {
		return
	}
	p.BlockedOn = ""
	level := p.QueueLevel + 1
	if level >= len(levels) {
		level = len(levels) - 1
	}
	enqueueLocked(p, level)
}

// onMessageDelivered is process's delivery hook: a successful Send may have
// unblocked its receiver's Receive loop.
func onMessageDelivered(pid process.PID) {
	if p, ok := process.Lookup(pid); ok {
		Wake(p)
	}
}

// Receive blocks the calling process until its mailbox holds a message or
// it is killed, checking for a kill request on every wait iteration (the
// spec's designated IPC safe point).
func Receive() process.Message {
	for {
		p := Current()
		if p == nil {
			return process.Message{}
		}
		if msg, ok := p.Mailbox.TryReceive(); ok {
			return msg
		}
		if p.KillRequested() {
			return process.Message{}
		}
		Block("mailbox")
	}
}

// Kill terminates target on behalf of caller, enforcing spec.md §4.6's
// privilege rule (a caller may only kill equal-or-lower-privilege
// processes) and its CRITICAL-flag exception (killing one additionally
// requires FlagSupervisor). It removes target from whatever ready queue
// holds it, or reschedules away from it if it was the one running.
func Kill(targetPID, callerPID process.PID) *kernel.Error {
	target, ok := process.Lookup(targetPID)
	if !ok {
		return errNotFound
	}
	caller, ok := process.Lookup(callerPID)
	if !ok {
		return errNotFound
	}

	if target.Privilege > caller.Privilege {
		return errPrivilegeDenied
	}
	if target.Flags&process.FlagCritical != 0 && caller.Flags&process.FlagSupervisor == 0 {
		return errSupervisorNeeded
	}

	lock.Acquire()
	removeFromQueueLocked(target)
	wasCurrent := target == current
	lock.Release()

	target.RequestKill()
	target.Terminate(-1)

	if wasCurrent {
		reschedFn()
	}
	return nil
}

// onUserFault is vmm's hook for the page-fault analyzer's "kill" outcomes
// (spec.md §4.5.1): it reports the fault to Cerberus against the correct
// PID, terminates the process that caused it, and switches away the same
// way Kill does, overwriting *frame/*regs so the interrupt epilogue resumes
// into whatever is selected next instead of re-entering the faulting
// instruction.
func onUserFault(class irq.FaultClass, faultAddr uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs) bool {
	lock.Acquire()
	if current == nil || current.PID == 0 {
		lock.Release()
		return false
	}
	pid, rip := current.PID, frame.RIP
	lock.Release()

	security.AnalyzeFault(faultAddr, errorCode, pid, uintptr(rip))

	lock.Acquire()
	defer lock.Release()
	if current == nil || current.PID != pid {
		return false
	}
	current.RequestKill()
	current.Terminate(-1)
	switchLocked(frame, regs)
	return true
}

// stackOverflowRange reports whether addr falls in the guard page
// immediately below the current process's kernel stack (spec.md §4.5.1's
// "canonical stack-overflow range").
func stackOverflowRange(addr uintptr) bool {
	lock.Acquire()
	defer lock.Release()
	if current == nil {
		return false
	}
	stackBase := current.KernelStackTop - uintptr(process.KernelStackSize)
	guardPage := stackBase - uintptr(mem.PageSize)
	return addr >= guardPage && addr < stackBase
}

func removeFromQueueLocked(p *process.PCB) {
	if p.State != process.StateReady {
		return
	}
	q := levels[p.QueueLevel]
	for i, cand := range q {
		if cand == p {
			levels[p.QueueLevel] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// onTimerIRQ runs on every PIT tick. It charges the running process's own
// per-level quantum (spec.md §4.6 "higher-priority levels get shorter
// quanta"), demotes it on expiry (unless FlagCritical), applies a full
// priority boost every boostInterval ticks, and only switches away from the
// running process once its quantum is actually exhausted — a level-0
// process keeps the CPU across several ticks the same way a level-7
// process does, just for fewer of them.
//
//go:nosplit
func onTimerIRQ(frame *irq.Frame, regs *irq.Regs) {
	lock.Acquire()
	defer lock.Release()

	tickCount++
	if current == nil {
		return
	}

	current.CPUTicks++
	current.QuantumCharge++

	if boostInterval > 0 && tickCount%boostInterval == 0 {
		boostAllLocked()
	}

	// The idle task (PID 0) never actually owns a timeslice — it is the
	// fallback for "nothing else is ready", so every tick re-checks the
	// queues instead of waiting out a quantum nothing is using. Every other
	// process only gives up the CPU once its own per-level quantum (charged
	// against QueueLevel, not a shared counter) is exhausted.
	expired := current.QuantumCharge >= quantum[current.QueueLevel]
	if !expired && current.PID != 0 {
		return
	}

	current.QuantumCharge = 0
	if expired {
		demoteLocked(current)
	}

	saveContext(current, frame, regs)
	switchLocked(frame, regs)
}

// onReschedule services the software interrupt Yield/Block raise: same
// context-switch mechanics as the timer path, minus quantum accounting and
// demotion (a voluntary yield never costs queue level).
//
//go:nosplit
func onReschedule(frame *irq.Frame, regs *irq.Regs) {
	lock.Acquire()
	defer lock.Release()

	if current == nil {
		return
	}
	saveContext(current, frame, regs)
	switchLocked(frame, regs)
}

// switchLocked requeues the outgoing process (unless it blocked or was
// killed out from under itself this tick), selects the next one to run,
// and loads its context into the interrupt frame. Caller holds lock.
func switchLocked(frame *irq.Frame, regs *irq.Regs) {
	// PID 0 (idle) is the fallback selectNextLocked reaches for when every
	// level is empty; it never sits in a ready queue itself.
	if current != nil && current.State == process.StateRunning && current.PID != 0 {
		enqueueLocked(current, current.QueueLevel)
	}

	next := selectNextLocked()
	loadContext(next, frame, regs)
	next.State = process.StateRunning
	current = next
	loadTSSFn(next.KernelStackTop)
}

// selectNextLocked implements the spec's selection rule: the head of the
// lowest-numbered non-empty queue, skipping any candidate Cerberus refuses
// to schedule (spec.md §4.9 pre_schedule_check: already-compromised, or a
// canary mismatch discovered right now). A refused process is dropped from
// its queue into BLOCKED rather than requeued — spec.md's "permanently
// unschedulable until explicitly cleared by a SUPERVISOR action" means it
// must leave the ready set entirely, not just move to the back of it.
// FIFO append/pop order gives round-robin within a level and breaks ties
// by enqueue time for free. Falls back to the idle task (PID 0, never
// itself enqueued, and never run through the Cerberus gate since something
// must always be runnable) if every level is empty.
func selectNextLocked() *process.PCB {
	for lvl := range levels {
		for len(levels[lvl]) > 0 {
			p := levels[lvl][0]
			levels[lvl] = levels[lvl][1:]
			if !security.PreScheduleCheck(p.PID) {
				p.State = process.StateBlocked
				p.BlockedOn = "cerberus: compromised"
				continue
			}
			return p
		}
	}
	if idle, ok := process.Lookup(0); ok {
		return idle
	}
	return current
}

// demoteLocked pushes p one level down (lower priority) on quantum expiry,
// unless it carries FlagCritical or FlagImmune.
func demoteLocked(p *process.PCB) {
	if p.Flags&(process.FlagCritical|process.FlagImmune) != 0 {
		return
	}
	if p.QueueLevel < len(levels)-1 {
		p.QueueLevel++
	}
}

// boostAllLocked promotes every resident process to level 0 except those
// flagged FlagImmune, then rebuilds the ready queues from the new levels.
// RUNNING and BLOCKED processes are repriced too even though neither sits
// in a queue right now, so whichever queue they next land in (via
// switchLocked or Wake) reflects the boost. Promotion resets QuantumCharge
// along with QueueLevel: the process is being handed a fresh timeslice at
// its new (shorter) level, not made to immediately pay for ticks it spent
// accumulating charge at its old one.
func boostAllLocked() {
	for _, p := range process.All() {
		if p.Flags&process.FlagImmune != 0 {
			continue
		}
		switch p.State {
		case process.StateReady, process.StateRunning, process.StateBlocked:
			p.QueueLevel = 0
			p.QuantumCharge = 0
		}
	}

	var ready []*process.PCB
	for lvl := range levels {
		ready = append(ready, levels[lvl]...)
		levels[lvl] = levels[lvl][:0]
	}
	for _, p := range ready {
		levels[p.QueueLevel] = append(levels[p.QueueLevel], p)
	}
}

// saveContext copies the interrupted frame/regs into p's saved Context.
func saveContext(p *process.PCB, frame *irq.Frame, regs *irq.Regs) {
	c := &p.Context
	c.RAX, c.RBX, c.RCX, c.RDX = regs.RAX, regs.RBX, regs.RCX, regs.RDX
	c.RSI, c.RDI, c.RBP = regs.RSI, regs.RDI, regs.RBP
	c.R8, c.R9, c.R10, c.R11 = regs.R8, regs.R9, regs.R10, regs.R11
	c.R12, c.R13, c.R14, c.R15 = regs.R12, regs.R13, regs.R14, regs.R15

	c.RIP, c.RSP, c.RFlags = frame.RIP, frame.RSP, frame.RFlags
	c.CS, c.SS = frame.CS, frame.SS
}

// loadContext is saveContext's mirror image: it overwrites frame/regs with
// p's saved Context, so that whatever ISR epilogue runs after the handler
// returns resumes p rather than whoever was interrupted.
func loadContext(p *process.PCB, frame *irq.Frame, regs *irq.Regs) {
	c := &p.Context
	regs.RAX, regs.RBX, regs.RCX, regs.RDX = c.RAX, c.RBX, c.RCX, c.RDX
	regs.RSI, regs.RDI, regs.RBP = c.RSI, c.RDI, c.RBP
	regs.R8, regs.R9, regs.R10, regs.R11 = c.R8, c.R9, c.R10, c.R11
	regs.R12, regs.R13, regs.R14, regs.R15 = c.R12, c.R13, c.R14, c.R15

	frame.RIP, frame.RSP, frame.RFlags = c.RIP, c.RSP, c.RFlags
	frame.CS, frame.SS = c.CS, c.SS
}
