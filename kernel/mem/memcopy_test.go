package mem

import (
	"testing"
	"unsafe"
)

func TestMemcopy(t *testing.T) {
	// Memcopy with a 0 size should be a no-op
	Memcopy(uintptr(0), uintptr(0), 0)

	src := make([]byte, 256)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, 256)

	Memcopy(uintptr(unsafe.Pointer(&src[0])), uintptr(unsafe.Pointer(&dst[0])), Size(len(src)))

	for i := range src {
		if dst[i] != src[i] {
			t.Errorf("expected byte %d to be 0x%x; got 0x%x", i, src[i], dst[i])
		}
	}
}
