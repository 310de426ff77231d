package mem

import "unsafe"

// ReadUint64 reads a 64-bit word at addr. Callers above this package (the
// security monitor's canary checks, in particular) use this instead of their
// own unsafe.Pointer arithmetic, keeping the "unsafe is a cone, not a cloud"
// design note intact: kernel/security compiles without importing unsafe at
// all.
func ReadUint64(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

// WriteUint64 writes v as a 64-bit word at addr.
func WriteUint64(addr uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = v
}

// ReadBytes copies size bytes starting at addr into a freshly allocated
// slice. Used where a block of raw memory has to be handed to code that
// expects a Go []byte (the syscall layer's reads of caller buffers).
func ReadBytes(addr uintptr, size Size) []byte {
	out := make([]byte, size)
	if size == 0 {
		return out
	}
	src := *(*[]byte)(unsafe.Pointer(&sliceHeader{Data: addr, Len: int(size), Cap: int(size)}))
	copy(out, src)
	return out
}

// WriteBytes copies data into memory starting at addr.
func WriteBytes(addr uintptr, data []byte) {
	if len(data) == 0 {
		return
	}
	dst := *(*[]byte)(unsafe.Pointer(&sliceHeader{Data: addr, Len: len(data), Cap: len(data)}))
	copy(dst, data)
}

// sliceHeader mirrors reflect.SliceHeader without importing reflect a second
// time in this file; kept local so ReadBytes/WriteBytes can build a slice
// over an arbitrary address the same way Memset/Memcopy already do.
type sliceHeader struct {
	Data uintptr
	Len  int
	Cap  int
}
