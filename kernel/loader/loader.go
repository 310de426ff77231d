// Package loader implements the executable-format dispatcher (spec.md
// §4.7): magic-byte sniffing into one of four format-specific loaders,
// shared header-bounds/size validation, VMM-backed image allocation, and
// process creation at the translated entry point.
//
// No teacher analog exists (gopheros boots its own Go runtime rather than
// loading foreign executables); grounded in idiom on kernel/vfs's
// Driver-dispatch-by-inspection shape and on vmm.AllocWithGuards/process.
// CreateSecure as already used by kmain's own boot path.
package loader

import (
	"voidframe/kernel"
	"voidframe/kernel/config"
	"voidframe/kernel/mem"
	"voidframe/kernel/mem/vmm"
	"voidframe/kernel/process"
	"voidframe/kernel/sched"
)

var (
	errFileTooLarge      = &kernel.Error{Module: "loader", Message: "file exceeds the configured maximum size"}
	errImageTooLarge     = &kernel.Error{Module: "loader", Message: "computed image size exceeds the configured maximum"}
	errUnrecognizedMagic = &kernel.Error{Module: "loader", Message: "unrecognized executable magic"}
	errTruncatedHeader   = &kernel.Error{Module: "loader", Message: "file too small to hold a format header"}
	errSegmentOutOfRange = &kernel.Error{Module: "loader", Message: "segment offset/size extends past end of file"}
	errWrongArchitecture = &kernel.Error{Module: "loader", Message: "executable is not x86-64 little-endian"}
	errNotExecutableType = &kernel.Error{Module: "loader", Message: "file is not an executable type"}
)

// segment is one loadable region: copy fileLen bytes from file[fileOff:] to
// image[memOff:], the rest up to memLen already zero from the fresh
// allocation.
type segment struct {
	fileOff uint64
	fileLen uint64
	memOff  uint64
	memLen  uint64
}

// parsedImage is what each format-specific parser produces; Load does the
// shared allocate/copy/create work from here on.
type parsedImage struct {
	imageSize mem.Size
	entry     uint64 // offset from the start of the image, not an absolute address
	segments  []segment
}

type formatParser func(file []byte) (*parsedImage, *kernel.Error)

// allocImageFn/freeImageFn/createProcessFn are indirections so tests can swap
// in mocks the same way process_test.go and sched's tests already do,
// without loader importing any of their internal test helpers.
var (
	allocImageFn   = vmm.AllocWithGuards
	freeImageFn    = vmm.Free
	createProcessFn = sched.CreateSecureProcess
)

// Load dispatches on file's magic bytes, validates and loads the image, and
// creates a new process at its entry point with priv (spec.md §4.7
// "Validation and creation return the new PID on success or 0 on any
// failure, with the partial allocation released").
func Load(name string, file []byte, priv process.Privilege) (process.PID, *kernel.Error) {
	maxFile := config.Active.LoaderMaxFileBytes
	if maxFile == 0 {
		maxFile = config.Defaults().LoaderMaxFileBytes
	}
	if uint64(len(file)) > maxFile {
		return 0, errFileTooLarge
	}

	parse, err := detectFormat(file)
	if err != nil {
		return 0, err
	}

	img, err := parse(file)
	if err != nil {
		return 0, err
	}

	maxImage := config.Active.LoaderMaxImageBytes
	if maxImage == 0 {
		maxImage = config.Defaults().LoaderMaxImageBytes
	}
	if uint64(img.imageSize) > maxImage {
		return 0, errImageTooLarge
	}

	for _, seg := range img.segments {
		if seg.fileOff+seg.fileLen > uint64(len(file)) {
			return 0, errSegmentOutOfRange
		}
		if seg.memOff+seg.memLen > uint64(img.imageSize) {
			return 0, errSegmentOutOfRange
		}
	}

	base, aerr := allocImageFn(img.imageSize)
	if aerr != nil {
		return 0, aerr
	}

	for _, seg := range img.segments {
		if seg.fileLen == 0 {
			continue
		}
		mem.WriteBytes(base+uintptr(seg.memOff), file[seg.fileOff:seg.fileOff+seg.fileLen])
	}

	entry := base + uintptr(img.entry)

	flags := process.Flags(0)
	pcb, cerr := createProcessFn(name, entry, priv, flags)
	if cerr != nil {
		freeImageFn(base, img.imageSize)
		return 0, cerr
	}

	pcb.ImageBase = base
	pcb.ImageSize = img.imageSize
	return pcb.PID, nil
}

// detectFormat sniffs file's magic bytes per spec.md §4.7's table.
func detectFormat(file []byte) (formatParser, *kernel.Error) {
	if len(file) < 4 {
		return nil, errTruncatedHeader
	}

	switch {
	case file[0] == 0x7F && file[1] == 'E' && file[2] == 'L' && file[3] == 'F':
		return parseELF64, nil
	case file[0] == 'M' && file[1] == 'Z':
		return parsePE32Plus, nil
	case le32(file, 0) == 0xFEEDFACF:
		return parseMachO64, nil
	case isAOutMagic(le32(file, 0)):
		return parseAOut, nil
	default:
		return nil, errUnrecognizedMagic
	}
}

func isAOutMagic(magic uint32) bool {
	switch magic {
	case 0o407, 0o410, 0o413, 0o314:
		return true
	default:
		return false
	}
}

func le16(b []byte, off int) uint16 { return uint16(b[off]) | uint16(b[off+1])<<8 }
func le32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}
func le64(b []byte, off int) uint64 {
	return uint64(le32(b, off)) | uint64(le32(b, off+4))<<32
}
