package linutil

import (
	"encoding/binary"
)

const (
	_AT_NULL  = 0
	_AT_ENTRY = 9
)

// EntryPointFromAuxv searches the elf auxiliary vector of a 64bit process
// for the entry point address.
// For a description of the auxiliary vector (auxv) format see:
// System V Application Binary Interface, AMD64 Architecture Processor
// Supplement, section 3.4.3.
func EntryPointFromAuxv(auxv []byte) uint64 {
	const ptrSize = 8
	for len(auxv) >= 2*ptrSize {
		tag := binary.LittleEndian.Uint64(auxv)
		val := binary.LittleEndian.Uint64(auxv[ptrSize:])
		auxv = auxv[2*ptrSize:]

		switch tag {
		case _AT_NULL:
			return 0
		case _AT_ENTRY:
			return val
		}
	}
	return 0
}
