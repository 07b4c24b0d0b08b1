package proc

import (
	"fmt"

	"github.com/xdb-debugger/xdb/pkg/proc/amd64util"
)

// BreakpointInstruction is the x86 INT3 trap.
var BreakpointInstruction = []byte{0xCC}

// BreakpointKind selects how a breakpoint is installed in the target.
type BreakpointKind uint8

const (
	// SoftwareBreakpoint overwrites the first byte of the instruction with
	// a trap.
	SoftwareBreakpoint BreakpointKind = iota
	// HardwareBreakpoint uses one of the four CPU debug address registers
	// and leaves code untouched.
	HardwareBreakpoint
)

func (k BreakpointKind) String() string {
	switch k {
	case SoftwareBreakpoint:
		return "software"
	case HardwareBreakpoint:
		return "hardware"
	}
	return fmt.Sprintf("BreakpointKind(%d)", uint8(k))
}

// Breakpoint represents a physical breakpoint. Stores information on the break
// point including the byte of data that originally was stored at that
// address.
type Breakpoint struct {
	ID   int
	Addr uint64 // Address breakpoint is set for.
	Kind BreakpointKind

	// Size is the length of the instruction covered by a software
	// breakpoint, used to move the PC past it after a hit. Zero for
	// hardware breakpoints.
	Size int
	// OriginalData is the data the trap replaced. Only set while a software
	// breakpoint is enabled.
	OriginalData []byte
	// HWIndex is the debug register holding the address of a hardware
	// breakpoint.
	HWIndex uint8

	TotalHitCount uint64 // Number of times the breakpoint has been reached

	enabled bool
}

// NewSoftwareBreakpoint returns a disabled software breakpoint covering an
// instruction of size bytes at addr.
func NewSoftwareBreakpoint(addr uint64, size int) *Breakpoint {
	return &Breakpoint{Addr: addr, Kind: SoftwareBreakpoint, Size: size}
}

// NewHardwareBreakpoint returns a disabled hardware breakpoint at addr
// using debug register idx.
func NewHardwareBreakpoint(addr uint64, idx int) (*Breakpoint, error) {
	if idx < 0 || idx >= amd64util.NumAddressRegisters {
		return nil, InvalidRegisterIndexError{Index: idx}
	}
	return &Breakpoint{Addr: addr, Kind: HardwareBreakpoint, HWIndex: uint8(idx)}, nil
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint %d at %#x (%s)", bp.ID, bp.Addr, bp.Kind)
}

// Enabled returns true if the breakpoint is currently installed.
func (bp *Breakpoint) Enabled() bool { return bp.enabled }

// IsHardware returns true for breakpoints held in debug registers.
func (bp *Breakpoint) IsHardware() bool { return bp.Kind == HardwareBreakpoint }

// Address returns the address of the breakpoint.
func (bp *Breakpoint) Address() uint64 { return bp.Addr }

// TrapSize returns the covered instruction length, 0 for hardware
// breakpoints.
func (bp *Breakpoint) TrapSize() int {
	if bp.IsHardware() {
		return 0
	}
	return bp.Size
}

// Original returns the bytes hidden by the trap of an enabled software
// breakpoint.
func (bp *Breakpoint) Original() ([]byte, bool) {
	if bp.IsHardware() || !bp.enabled {
		return nil, false
	}
	return bp.OriginalData, true
}

// Enable installs the breakpoint. Enabling an enabled breakpoint does
// nothing.
func (bp *Breakpoint) Enable(t Tracee) error {
	if bp.enabled {
		return nil
	}
	var err error
	switch bp.Kind {
	case SoftwareBreakpoint:
		err = bp.enableSoftware(t)
	case HardwareBreakpoint:
		err = bp.enableHardware(t)
	}
	if err != nil {
		return err
	}
	bp.enabled = true
	return nil
}

// Disable removes the breakpoint from the target. Disabling a disabled
// breakpoint does nothing.
func (bp *Breakpoint) Disable(t Tracee) error {
	if !bp.enabled {
		return nil
	}
	var err error
	switch bp.Kind {
	case SoftwareBreakpoint:
		err = bp.disableSoftware(t)
	case HardwareBreakpoint:
		err = bp.disableHardware(t)
	}
	if err != nil {
		return err
	}
	bp.enabled = false
	return nil
}

func (bp *Breakpoint) enableSoftware(t Tracee) error {
	original, err := t.ReadMemory(bp.Addr, len(BreakpointInstruction))
	if err != nil {
		return err
	}
	if err := t.WriteMemory(bp.Addr, BreakpointInstruction); err != nil {
		return err
	}
	bp.OriginalData = original
	return nil
}

func (bp *Breakpoint) disableSoftware(t Tracee) error {
	if err := t.WriteMemory(bp.Addr, bp.OriginalData); err != nil {
		return err
	}
	bp.OriginalData = nil
	return nil
}

func (bp *Breakpoint) enableHardware(t Tracee) error {
	dr7, err := t.ReadDebugRegister(amd64util.DR7)
	if err != nil {
		return err
	}
	if err := t.WriteDebugRegister(int(bp.HWIndex), bp.Addr); err != nil {
		return err
	}
	if err := t.WriteDebugRegister(amd64util.DR6, 0); err != nil {
		return err
	}
	return t.WriteDebugRegister(amd64util.DR7, amd64util.SetExecBreakpoint(dr7, bp.HWIndex))
}

func (bp *Breakpoint) disableHardware(t Tracee) error {
	dr7, err := t.ReadDebugRegister(amd64util.DR7)
	if err != nil {
		return err
	}
	// The slot is switched off before its address is cleared, the kernel
	// validates the address of enabled slots.
	if err := t.WriteDebugRegister(amd64util.DR7, amd64util.ClearBreakpoint(dr7, bp.HWIndex)); err != nil {
		return err
	}
	return t.WriteDebugRegister(int(bp.HWIndex), 0)
}
