// Package config holds boot-time tunables that would otherwise be
// compile-time constants. Values are seeded with sane defaults and then
// overridden by parsing `key=value` tokens out of the Multiboot2 command
// line tag, read through multiboot.GetBootCmdLine.
package config

import (
	"strconv"
	"strings"

	"voidframe/kernel/hal/multiboot"
)

// Tunables collects every boot-configurable parameter read by the rest of
// the kernel. A single package-level instance (Active) is populated by
// Init and consulted directly by callers; there is no accessor indirection
// since, like the PMM/VMM singletons, it is populated once during the
// strictly ordered boot sequence.
type Tunables struct {
	// PMM
	MaxDetectedMemory uint64 // parsed and stored only; the frame allocator does not read it, so bitmap sizing is not capped

	// Heap
	HeapValidationLevel HeapValidation

	// Scheduler
	SchedLevels      int
	SchedBoostTicks  uint64
	SchedBaseQuantum uint64 // quantum for level 0; level N gets BaseQuantum<<N

	// Loader
	LoaderMaxFileBytes  uint64
	LoaderMaxImageBytes uint64

	// VFS
	MaxOpenFiles int

	// Process
	ZombieReapGraceTicks uint64

	// Cerberus
	ViolationThreshold int
}

// HeapValidation selects how much runtime checking kmalloc/kfree perform
// (spec.md §4.3).
type HeapValidation uint8

const (
	// HeapValidationNone performs no runtime checks.
	HeapValidationNone HeapValidation = iota
	// HeapValidationBasic checks the allocation header's magic word on free.
	HeapValidationBasic
	// HeapValidationFull additionally walks every size class's free list on
	// every allocation and free.
	HeapValidationFull
)

// Active holds the tunables in effect for the running kernel. It is
// populated once by Init during early boot.
var Active = Defaults()

// Defaults returns the tunable set used when the boot command line supplies
// no overrides.
func Defaults() Tunables {
	return Tunables{
		MaxDetectedMemory:    128 << 20,
		HeapValidationLevel:  HeapValidationBasic,
		SchedLevels:          8,
		SchedBoostTicks:      5000,
		SchedBaseQuantum:     1,
		LoaderMaxFileBytes:   4 << 20,
		LoaderMaxImageBytes:  16 << 20,
		MaxOpenFiles:         256,
		ZombieReapGraceTicks: 10000,
		ViolationThreshold:   3,
	}
}

var getBootCmdLineFn = multiboot.GetBootCmdLine

// Init parses the Multiboot2 boot command line and applies any recognized
// `key=value` overrides on top of the defaults, storing the result in
// Active. Unrecognized keys and malformed values are ignored; a
// misconfigured kernel should boot with defaults rather than refuse to
// boot over a typo on the command line.
func Init() {
	Active = Defaults()
	applyCmdLine(&Active, getBootCmdLineFn())
}

func applyCmdLine(t *Tunables, cmdLine string) {
	for _, token := range strings.Fields(cmdLine) {
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}

		switch key {
		case "mem.max":
			if n, err := strconv.ParseUint(value, 10, 64); err == nil {
				t.MaxDetectedMemory = n
			}
		case "heap.validation":
			switch value {
			case "none":
				t.HeapValidationLevel = HeapValidationNone
			case "basic":
				t.HeapValidationLevel = HeapValidationBasic
			case "full":
				t.HeapValidationLevel = HeapValidationFull
			}
		case "sched.levels":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				t.SchedLevels = n
			}
		case "sched.boost_ticks":
			if n, err := strconv.ParseUint(value, 10, 64); err == nil {
				t.SchedBoostTicks = n
			}
		case "sched.quantum":
			if n, err := strconv.ParseUint(value, 10, 64); err == nil && n > 0 {
				t.SchedBaseQuantum = n
			}
		case "loader.max_file":
			if n, err := strconv.ParseUint(value, 10, 64); err == nil {
				t.LoaderMaxFileBytes = n
			}
		case "loader.max_image":
			if n, err := strconv.ParseUint(value, 10, 64); err == nil {
				t.LoaderMaxImageBytes = n
			}
		case "vfs.max_open_files":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				t.MaxOpenFiles = n
			}
		case "proc.zombie_grace":
			if n, err := strconv.ParseUint(value, 10, 64); err == nil {
				t.ZombieReapGraceTicks = n
			}
		case "cerberus.threshold":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				t.ViolationThreshold = n
			}
		}
	}
}
