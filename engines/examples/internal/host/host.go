//go:build tinygo || wasm

// Package host exposes the functions the transcription daemon provides to
// engine modules, plus the buffer bookkeeping every engine needs to satisfy
// the alloc/packed-result calling convention.
package host

import "unsafe"

// Log forwards text to the host runtime via the imported host_log function.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// pinned keeps host-written buffers reachable until Release.
var pinned = map[uintptr][]byte{}

// Alloc reserves size bytes the host will write into and returns their address.
func Alloc(size uint32) uintptr {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	pinned[ptr] = buf
	return ptr
}

// Bytes returns the pinned buffer at ptr, truncated to length.
func Bytes(ptr, length uint32) []byte {
	buf, ok := pinned[uintptr(ptr)]
	if !ok || uint32(len(buf)) < length {
		return nil
	}
	return buf[:length]
}

// Release drops a buffer obtained from Alloc.
func Release(ptr uint32) {
	delete(pinned, uintptr(ptr))
}

var result []byte

// Pack keeps data alive until the next Pack call and returns it in the
// ptr<<32|len form the host reads results in. Empty data packs to zero,
// which the host treats as failure.
func Pack(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	result = data
	return uint64(uintptr(unsafe.Pointer(&result[0])))<<32 | uint64(len(result))
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)
