package loader

import (
	"voidframe/kernel"
	"voidframe/kernel/mem"
)

// a.out exec header layout (the classic 32-byte header: magic, text size,
// data size, bss size, symbol table size, entry, text relocation size,
// data relocation size). spec.md §4.7 recognizes the four historical magic
// numbers (OMAGIC/NMAGIC/ZMAGIC/QMAGIC as octal 0407/0410/0413/0314) and
// defines image_size as "text + data + bss".
const (
	aoutHeaderSize = 32
	aoutAMagicOff  = 0
	aoutATextOff   = 4
	aoutADataOff   = 8
	aoutABssOff    = 12
	aoutAEntryOff  = 20

	aoutOMAGIC = 0o407
	aoutNMAGIC = 0o410
	aoutZMAGIC = 0o413
	aoutQMAGIC = 0o314

	// ZMAGIC/QMAGIC page-align the text segment to this boundary; OMAGIC/
	// NMAGIC pack text and data contiguously right after the header.
	aoutPageSize = 4096
)

// parseAOut builds the text+data segment list for a classic a.out
// executable. Only the two loadable regions (text, data) are modeled; bss
// contributes to image_size but has no file content to copy, matching the
// already-zeroed allocation.
func parseAOut(file []byte) (*parsedImage, *kernel.Error) {
	if len(file) < aoutHeaderSize {
		return nil, errTruncatedHeader
	}

	magic := le32(file, aoutAMagicOff) & 0xFFFF
	textSize := uint64(le32(file, aoutATextOff))
	dataSize := uint64(le32(file, aoutADataOff))
	bssSize := uint64(le32(file, aoutABssOff))
	entry := uint64(le32(file, aoutAEntryOff))

	var headerSkip uint64
	switch magic {
	case aoutOMAGIC, aoutNMAGIC:
		headerSkip = aoutHeaderSize
	case aoutZMAGIC, aoutQMAGIC:
		headerSkip = aoutPageSize
	default:
		return nil, errUnrecognizedMagic
	}

	imageSize := textSize + dataSize + bssSize

	segs := []segment{
		{fileOff: headerSkip, fileLen: textSize, memOff: 0, memLen: textSize},
		{fileOff: headerSkip + textSize, fileLen: dataSize, memOff: textSize, memLen: dataSize},
	}

	return &parsedImage{
		imageSize: mem.Size(imageSize),
		entry:     entry,
		segments:  segs,
	}, nil
}
