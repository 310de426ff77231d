package loader

import (
	"voidframe/kernel"
	"voidframe/kernel/mem"
)

// Mach-O 64 constants for the subset this loader needs: the mach_header_64
// fixed fields and LC_SEGMENT_64 load commands.
const (
	machoMagic64     = 0xFEEDFACF
	machoCPUAMD64    = 0x01000007
	machoFileTypeOff = 12
	machoFTExecute   = 2
	machoNCmdsOff    = 16
	machoSizeCmdsOff = 20
	machoHeaderSize  = 32

	lcSegment64  = 0x19
	lcCmdOff     = 0
	lcCmdSizeOff = 4
	segVMAddrOff = 24
	segVMSizeOff = 32
	segFileOffOff = 40
	segFileSizeOff = 48
)

var errMachOBadFileType = &kernel.Error{Module: "loader/macho", Message: "Mach-O file type is not MH_EXECUTE"}

// parseMachO64 walks a Mach-O 64 load-command list collecting LC_SEGMENT_64
// commands, the Mach-O analog of ELF's PT_LOAD (spec.md §4.7 generalizes
// "image_size ... across PT_LOAD"-style segments to every format).
func parseMachO64(file []byte) (*parsedImage, *kernel.Error) {
	if len(file) < machoHeaderSize {
		return nil, errTruncatedHeader
	}
	if le32(file, 4) != machoCPUAMD64 {
		return nil, errWrongArchitecture
	}
	if le32(file, machoFileTypeOff) != machoFTExecute {
		return nil, errMachOBadFileType
	}

	ncmds := uint64(le32(file, machoNCmdsOff))
	sizeOfCmds := uint64(le32(file, machoSizeCmdsOff))
	if uint64(machoHeaderSize)+sizeOfCmds > uint64(len(file)) {
		return nil, errSegmentOutOfRange
	}

	var lowest, highest uint64
	first := true
	var segs []segment
	var entry uint64
	haveEntry := false

	off := uint64(machoHeaderSize)
	for i := uint64(0); i < ncmds; i++ {
		if off+8 > uint64(len(file)) {
			return nil, errSegmentOutOfRange
		}
		cmd := file[off:]
		cmdType := le32(cmd, lcCmdOff)
		cmdSize := uint64(le32(cmd, lcCmdSizeOff))
		if off+cmdSize > uint64(len(file)) {
			return nil, errSegmentOutOfRange
		}

		if cmdType == lcSegment64 {
			vmaddr := le64(cmd, segVMAddrOff)
			vmsize := le64(cmd, segVMSizeOff)
			fileoff := le64(cmd, segFileOffOff)
			filesize := le64(cmd, segFileSizeOff)

			if first || vmaddr < lowest {
				lowest = vmaddr
			}
			if first || vmaddr+vmsize > highest {
				highest = vmaddr + vmsize
			}
			first = false

			segs = append(segs, segment{
				fileOff: fileoff,
				fileLen: filesize,
				memOff:  vmaddr,
				memLen:  vmsize,
			})
			// LC_MAIN/LC_UNIXTHREAD are not parsed; the vmaddr of the first
			// LC_SEGMENT_64 command, whatever its protection, is used as the
			// entry.
			if !haveEntry {
				entry = vmaddr
				haveEntry = true
			}
		}
		off += cmdSize
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
