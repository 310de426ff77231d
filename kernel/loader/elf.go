package loader

import (
	"voidframe/kernel"
	"voidframe/kernel/mem"
)

// ELF64 header/program-header field offsets used by this loader. Only the
// fields needed to locate PT_LOAD segments and the entry point are read;
// section headers, relocations and dynamic linking are out of scope
// (spec.md's Non-goals exclude dynamic linking).
const (
	elfEIClass   = 4
	elfEIData    = 5
	elfEClass64  = 2
	elfEDataLSB  = 1
	elfEType     = 16
	elfETypeExec = 2
	elfEMachine  = 18
	elfEMAMD64   = 62
	elfEEntry    = 24
	elfEPhoff    = 32
	elfEPhentsz  = 54
	elfEPhnum    = 56

	elfPTLoad  = 1
	phPType    = 0
	phPOffset  = 8
	phPVaddr   = 16
	phPFilesz  = 32
	phPMemsz   = 40
)

var (
	errELFNot64Bit   = &kernel.Error{Module: "loader/elf", Message: "not a 64-bit ELF"}
	errELFNotExec    = &kernel.Error{Module: "loader/elf", Message: "ELF type is not ET_EXEC"}
	errELFNoSegments = &kernel.Error{Module: "loader/elf", Message: "ELF has no PT_LOAD segments"}
)

// parseELF64 computes the image span and segment list for a static ELF64
// executable (spec.md §4.7: "ELF: span from lowest p_vaddr to highest
// p_vaddr + p_memsz across PT_LOAD").
func parseELF64(file []byte) (*parsedImage, *kernel.Error) {
	if len(file) < 64 {
		return nil, errTruncatedHeader
	}
	if file[elfEIClass] != elfEClass64 {
		return nil, errELFNot64Bit
	}
	if file[elfEIData] != elfEDataLSB {
		return nil, errWrongArchitecture
	}
	if le16(file, elfEType) != elfETypeExec {
		return nil, errELFNotExec
	}
	if le16(file, elfEMachine) != elfEMAMD64 {
		return nil, errWrongArchitecture
	}

	entry := le64(file, elfEEntry)
	phoff := le64(file, elfEPhoff)
	phentsize := uint64(le16(file, elfEPhentsz))
	phnum := uint64(le16(file, elfEPhnum))

	if phoff+phentsize*phnum > uint64(len(file)) {
		return nil, errSegmentOutOfRange
	}

	var lowest, highest uint64
	first := true
	var segs []segment

	for i := uint64(0); i < phnum; i++ {
		ph := file[phoff+i*phentsize:]
		if le32(ph, phPType) != elfPTLoad {
			continue
		}
		vaddr := le64(ph, phPVaddr)
		filesz := le64(ph, phPFilesz)
		memsz := le64(ph, phPMemsz)
		fileOff := le64(ph, phPOffset)

		if first || vaddr < lowest {
			lowest = vaddr
		}
		if first || vaddr+memsz > highest {
			highest = vaddr + memsz
		}
		first = false

		segs = append(segs, segment{
			fileOff: fileOff,
			fileLen: filesz,
			memOff:  vaddr, // rebased below once lowest is known
			memLen:  memsz,
		})
	}

	if len(segs) == 0 {
		return nil, errELFNoSegments
	}

	for i := range segs {
		segs[i].memOff -= lowest
	}

	return &parsedImage{
		imageSize: mem.Size(highest - lowest),
		entry:     entry - lowest,
		segments:  segs,
	}, nil
}
