package vfs

import (
	"strconv"
	"strings"

	"voidframe/kernel"
	"voidframe/kernel/block"
	"voidframe/kernel/process"
)

// ProcFS synthesizes one directory per resident process from
// process.All(), each holding a single "info" file with the PCB's
// diagnostic fields rendered as text (spec.md §4.8 "procfs ... exposes one
// synthetic entry per resident process"). Like DevFS it carries no backing
// block.Device.
type ProcFS struct{}

func (p *ProcFS) Mount(dev block.Device, mountPoint string) *kernel.Error { return nil }

func (p *ProcFS) ListDir(path string) ([]DirEntry, *kernel.Error) {
	if path == "/" {
		out := make([]DirEntry, 0, 32)
		for _, pcb := range process.All() {
			out = append(out, DirEntry{Name: strconv.FormatUint(uint64(pcb.PID), 10), IsDir: true})
		}
		return out, nil
	}
	pcb, ok := p.lookupPID(path)
	if !ok {
		return nil, errNotFound
	}
	return []DirEntry{{Name: "info", IsDir: false, Size: int64(len(p.renderInfo(pcb)))}}, nil
}

func (p *ProcFS) IsDir(path string) bool {
	if path == "/" {
		return true
	}
	comps := splitPath(path)
	return len(comps) == 1
}

func (p *ProcFS) Read(path string, buf []byte, max int) (int, *kernel.Error) {
	comps := splitPath(path)
	if len(comps) != 2 || comps[1] != "info" {
		return 0, errNotFound
	}
	pcb, ok := p.lookupPID(path)
	if !ok {
		return 0, errNotFound
	}
	info := p.renderInfo(pcb)
	n := len(info)
	if n > max {
		n = max
	}
	copy(buf[:n], info[:n])
	return n, nil
}

func (p *ProcFS) Write(path string, buf []byte, length int) (int, *kernel.Error) {
	return 0, errReadOnlyFS
}

func (p *ProcFS) CreateFile(path string) *kernel.Error             { return errUnsupportedOnBackend }
func (p *ProcFS) CreateDir(path string) *kernel.Error              { return errUnsupportedOnBackend }
func (p *ProcFS) Delete(path string, recursive bool) *kernel.Error { return errReadOnlyFS }

func (p *ProcFS) Size(path string) (int64, *kernel.Error) {
	pcb, ok := p.lookupPID(path)
	if !ok {
		return 0, errNotFound
	}
	return int64(len(p.renderInfo(pcb))), nil
}

func (p *ProcFS) lookupPID(path string) (*process.PCB, bool) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return nil, false
	}
	pid, err := strconv.ParseUint(comps[0], 10, 32)
	if err != nil {
		return nil, false
	}
	return process.Lookup(process.PID(pid))
}

func (p *ProcFS) renderInfo(pcb *process.PCB) string {
	var b strings.Builder
	b.WriteString("pid: ")
	b.WriteString(strconv.FormatUint(uint64(pcb.PID), 10))
	b.WriteString("\nname: ")
	b.WriteString(pcb.Name)
	b.WriteString("\nparent: ")
	b.WriteString(strconv.FormatUint(uint64(pcb.ParentPID), 10))
	b.WriteString("\nstate: ")
	b.WriteString(pcb.State.String())
	b.WriteString("\nqueue_level: ")
	b.WriteString(strconv.Itoa(pcb.QueueLevel))
	b.WriteString("\ncpu_ticks: ")
	b.WriteString(strconv.FormatUint(pcb.CPUTicks, 10))
	if pcb.State == process.StateBlocked && pcb.BlockedOn != "" {
		b.WriteString("\nblocked_on: ")
		b.WriteString(pcb.BlockedOn)
	}
	b.WriteString("\n")
	return b.String()
}
