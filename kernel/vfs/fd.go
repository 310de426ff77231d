// Per-file-descriptor state (spec.md §4.8): Open/Read/Write/Seek/Close
// bridge a process's FileTable descriptors to the mount-table/driver split
// in vfs.go. Drivers themselves are stateless with respect to an open
// file's cursor (ramfs.Read always starts at offset 0 — see its doc
// comment); this file is the "one layer up" that owns that cursor, stored
// in the process.OpenFile entry the syscall layer already carries.
//
// No teacher analog (gopheros never reached a file-descriptor layer);
// grounded on kernel/process.OpenFile's existing Cookie/Position fields,
// which were already shaped for exactly this handle.
package vfs

import (
	"voidframe/kernel"
)

const (
	// OpenRead/OpenWrite/OpenCreate mirror the access-mode bits a caller
	// passes to Open (spec.md §4.8's file-descriptor open flags).
	OpenRead   = 1 << 0
	OpenWrite  = 1 << 1
	OpenCreate = 1 << 2
)

var (
	errBadFlags    = &kernel.Error{Module: "vfs", Message: "invalid open flags"}
	errIsDirectory = &kernel.Error{Module: "vfs", Message: "path is a directory"}
)

// FileHandle is the Cookie a process.OpenFile carries once Open succeeds.
// It is immutable for the lifetime of the descriptor; the mutable cursor
// lives in the OpenFile itself (Position), not here.
type FileHandle struct {
	path string
}

// Open validates path against the mount table (creating it first if
// OpenCreate is set and it doesn't exist yet) and returns the handle a
// caller stores as a process.OpenFile's Cookie.
func Open(path string, flags int) (*FileHandle, *kernel.Error) {
	if flags&(OpenRead|OpenWrite|OpenCreate) == 0 {
		return nil, errBadFlags
	}

	if _, err := Size(path); err != nil {
		if flags&OpenCreate == 0 {
			return nil, err
		}
		if err := CreateFile(path); err != nil {
			return nil, err
		}
	} else if IsDir(path) {
		return nil, errIsDirectory
	}

	return &FileHandle{path: path}, nil
}

// Read fills buf starting at *pos (the descriptor's current seek offset),
// advances *pos by the number of bytes read, and returns that count.
// Drivers only know how to read from offset 0, so this reads enough of
// the file to cover [0, *pos+len(buf)) into a scratch buffer and slices
// out the requested window.
func (h *FileHandle) Read(buf []byte, pos *int64) (int, *kernel.Error) {
	if len(buf) == 0 {
		return 0, nil
	}

	size, err := Size(h.path)
	if err != nil {
		return 0, err
	}
	if *pos >= size {
		return 0, nil
	}

	want := *pos + int64(len(buf))
	if want > size {
		want = size
	}
	scratch := make([]byte, want)
	n, err := Read(h.path, scratch, len(scratch))
	if err != nil {
		return 0, err
	}

	if int64(n) <= *pos {
		return 0, nil
	}
	copied := copy(buf, scratch[*pos:n])
	*pos += int64(copied)
	return copied, nil
}

// Write replaces the file's tail starting at *pos with buf's contents
// (backends here don't support sparse writes past current EOF; a write
// past the end is truncated to start exactly at EOF), advancing *pos by
// the number of bytes actually written.
func (h *FileHandle) Write(buf []byte, pos *int64) (int, *kernel.Error) {
	if len(buf) == 0 {
		return 0, nil
	}

	size, err := Size(h.path)
	if err != nil {
		return 0, err
	}
	at := *pos
	if at > size {
		at = size
	}

	var merged []byte
	if at > 0 {
		merged = make([]byte, at)
		if _, err := Read(h.path, merged, int(at)); err != nil {
			return 0, err
		}
	}
	merged = append(merged, buf...)

	n, err := Write(h.path, merged, len(merged))
	if err != nil {
		return 0, err
	}

	written := n - int(at)
	if written < 0 {
		written = 0
	}
	*pos = at + int64(written)
	return written, nil
}

// Close releases any resources the handle owns. Backends in this tree are
// stateless per-handle, so this is currently a no-op; it exists so the
// syscall layer has a single symmetric call for fd teardown regardless of
// backend.
func (h *FileHandle) Close() *kernel.Error {
	return nil
}

// Path returns the absolute path the handle was opened against.
func (h *FileHandle) Path() string { return h.path }
