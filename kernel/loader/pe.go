package loader

import (
	"voidframe/kernel"
	"voidframe/kernel/mem"
)

// PE32+ constants for the subset of fields this loader needs: the DOS
// stub's e_lfanew pointer to the PE header, the COFF machine field, and the
// PE32+ optional header's image size/entry/section table.
const (
	peELfanewOff = 0x3C

	coffMachineOff      = 4
	coffMachineAMD64    = 0x8664
	coffNumSectionsOff  = 6
	coffOptHeaderSzOff  = 20
	coffOptHeaderOff    = 24

	peMagicOff           = 0
	pe32PlusMagic        = 0x20B
	peEntryOff           = 16
	peSizeOfImageOff     = 56

	sectionHeaderSize      = 40
	sectionVirtualSizeOff  = 8
	sectionVirtualAddrOff  = 12
	sectionRawSizeOff      = 16
	sectionRawPtrOff       = 20
)

var (
	errPEBadSignature = &kernel.Error{Module: "loader/pe", Message: "missing PE\\0\\0 signature"}
	errPENot64Bit     = &kernel.Error{Module: "loader/pe", Message: "not a PE32+ (64-bit) optional header"}
)

// parsePE32Plus handles a 64-bit Portable Executable: locates the COFF/
// optional headers via e_lfanew, validates the AMD64 machine type and
// PE32+ optional-header magic, and builds one segment per section
// (spec.md §4.7: "PE: [image size] from Optional Header").
func parsePE32Plus(file []byte) (*parsedImage, *kernel.Error) {
	if len(file) < peELfanewOff+4 {
		return nil, errTruncatedHeader
	}
	peOff := uint64(le32(file, peELfanewOff))
	if peOff+24 > uint64(len(file)) {
		return nil, errSegmentOutOfRange
	}
	if string(file[peOff:peOff+4]) != "PE\x00\x00" {
		return nil, errPEBadSignature
	}

	// The coff*Off constants are relative to the start of the PE signature.
	coff := file[peOff:]
	if le16(coff, coffMachineOff) != coffMachineAMD64 {
		return nil, errWrongArchitecture
	}
	numSections := uint64(le16(coff, coffNumSectionsOff))
	optHeaderSize := uint64(le16(coff, coffOptHeaderSzOff))

	optOff := peOff + coffOptHeaderOff
	if optOff+optHeaderSize > uint64(len(file)) {
		return nil, errSegmentOutOfRange
	}
	opt := file[optOff:]
	if le16(opt, peMagicOff) != pe32PlusMagic {
		return nil, errPENot64Bit
	}

	entry := uint64(le32(opt, peEntryOff))
	imageSize := uint64(le32(opt, peSizeOfImageOff))

	sectionTableOff := optOff + optHeaderSize
	var segs []segment
	for i := uint64(0); i < numSections; i++ {
		off := sectionTableOff + i*sectionHeaderSize
		if off+sectionHeaderSize > uint64(len(file)) {
			return nil, errSegmentOutOfRange
		}
		sh := file[off:]
		rawSize := uint64(le32(sh, sectionRawSizeOff))
		rawPtr := uint64(le32(sh, sectionRawPtrOff))
		virtAddr := uint64(le32(sh, sectionVirtualAddrOff))
		virtSize := uint64(le32(sh, sectionVirtualSizeOff))

		if rawSize == 0 {
			continue
		}
		segs = append(segs, segment{
			fileOff: rawPtr,
			fileLen: rawSize,
			memOff:  virtAddr,
			memLen:  virtSize,
		})
	}

	return &parsedImage{
		imageSize: mem.Size(imageSize),
		entry:     entry,
		segments:  segs,
	}, nil
}
