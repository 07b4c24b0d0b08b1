package amd64util

// Debug register layout described in the Intel 64 and IA-32 Architectures
// Software Developer's Manual, Vol. 3B, section 17.2.

const (
	// NumAddressRegisters is the number of debug registers (DR0-DR3) that
	// can hold a breakpoint address.
	NumAddressRegisters = 4

	// DR6 is the index of the debug status register.
	DR6 = 6
	// DR7 is the index of the debug control register.
	DR7 = 7

	// dr7FixedBits are LE, GE and the reserved bit 10, which must be set
	// whenever a slot is enabled.
	dr7FixedBits = 1<<8 | 1<<9 | 1<<10
)

func lenrwBitsOffset(idx uint8) uint8 {
	return 16 + idx*4
}

func enableBitOffset(idx uint8) uint8 {
	return idx * 2
}

// EnableMask returns the local and global enable bits of slot idx.
func EnableMask(idx uint8) uint64 {
	return 1<<enableBitOffset(idx) | 1<<(enableBitOffset(idx)+1)
}

// SetExecBreakpoint returns dr7 with slot idx configured as an instruction
// execution breakpoint: its R/W and LEN fields are cleared and its local
// and global enable bits are set, together with the fixed control bits.
func SetExecBreakpoint(dr7 uint64, idx uint8) uint64 {
	dr7 &^= 0xf << lenrwBitsOffset(idx)
	return dr7 | EnableMask(idx) | dr7FixedBits
}

// ClearBreakpoint returns dr7 with the enable bits of slot idx cleared.
// The bits of every other slot are left untouched.
func ClearBreakpoint(dr7 uint64, idx uint8) uint64 {
	return dr7 &^ EnableMask(idx)
}

// Enabled reports whether slot idx is enabled in dr7.
func Enabled(dr7 uint64, idx uint8) bool {
	return dr7&EnableMask(idx) != 0
}

// ActiveBreakpoint returns the enabled slot whose condition bit is set in
// dr6.
func ActiveBreakpoint(dr6, dr7 uint64) (idx uint8, ok bool) {
	for idx := uint8(0); idx < NumAddressRegisters; idx++ {
		if !Enabled(dr7, idx) {
			continue
		}
		if dr6&(1<<idx) != 0 {
			return idx, true
		}
	}
	return 0, false
}
