//go:build windows

package pagemap

import "unsafe"

// unsafeSlice builds a []byte view over a raw mapped address, the way
// the teacher's Windows mmap shim does via reflect.SliceHeader.
func unsafeSlice(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
