//go:build wasip1

package main

import "unsafe"

// allocations keeps buffers handed to the host reachable until freed.
var allocations = map[uint32][]byte{}

//go:wasmimport env log
func hostLog(level, ptr, size uint32)

func logf(level uint32, msg string) {
	if msg == "" {
		return
	}
	buf := []byte(msg)
	hostLog(level, uint32(uintptr(unsafe.Pointer(unsafe.SliceData(buf)))), uint32(len(buf)))
}

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	allocations[ptr] = buf
	return ptr
}

//go:wasmexport free
func free(ptr uint32) {
	delete(allocations, ptr)
}

//go:wasmexport profile_resolve
func profileResolve(ptr, size uint32) uint64 {
	input := allocations[ptr]
	if uint32(len(input)) > size {
		input = input[:size]
	}

	out := handle(input)
	logf(0, "resolved "+string(input))

	outPtr := malloc(uint32(len(out)))
	copy(allocations[outPtr], out)
	return uint64(outPtr)<<32 | uint64(len(out))
}
