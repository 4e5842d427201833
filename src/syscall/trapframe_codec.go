package syscall

import (
	"unsafe"

	"nucleus/src/defs"
)

// unsafeSizeofTrapframe is the in-memory size of defs.Trapframe. Real
// hardware interprets the pushed bytes directly; since nothing here
// actually runs in ring 0, we round-trip through the same Go struct
// layout instead of a wire-format decoder.
const unsafeSizeofTrapframe = int(unsafe.Sizeof(defs.Trapframe{}))

func decodeTrapframe(raw []byte) defs.Trapframe {
	var tf defs.Trapframe
	if len(raw) < unsafeSizeofTrapframe {
		return tf
	}
	tf = *(*defs.Trapframe)(unsafe.Pointer(&raw[0]))
	return tf
}
