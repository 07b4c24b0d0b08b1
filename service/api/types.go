package api

import (
	"errors"
	"fmt"
)

// ErrNotExecutable is returned when the debugger is asked to launch a
// file that is not an x86-64 ELF executable.
var ErrNotExecutable = errors.New("not an executable file")

// DebuggerState represents the current context of the debugger.
type DebuggerState struct {
	// Pid is the process ID of the target.
	Pid int `json:"pid"`
	// Running is true while the target executes.
	Running bool `json:"running"`
	// PC is the instruction pointer of a stopped target.
	PC uint64 `json:"pc"`
	// Breakpoint is the breakpoint at which the debugged process is
	// suspended, and may be empty if the process is not suspended.
	Breakpoint *Breakpoint `json:"breakPoint,omitempty"`
	// Status describes the last wait status of the target.
	Status string `json:"status"`
	// StopSignal is the signal that stopped the target, 0 if it is running
	// or gone.
	StopSignal int `json:"stopSignal"`
	// Exited indicates whether the debugged process has exited.
	Exited     bool `json:"exited"`
	ExitStatus int  `json:"exitStatus"`
	// Detached is true once the target has been released.
	Detached bool `json:"detached"`
}

// Breakpoint addresses a location at which process execution may be
// suspended.
type Breakpoint struct {
	// ID is a unique identifier for the breakpoint.
	ID int `json:"id"`
	// Addr is the address of the breakpoint.
	Addr uint64 `json:"addr"`
	// Hardware is true for breakpoints held in a debug register.
	Hardware bool `json:"hardware"`
	// HWIndex is the debug register used by a hardware breakpoint.
	HWIndex int `json:"hwIndex"`
	// Size is the length of the instruction covered by a software
	// breakpoint.
	Size int `json:"size"`
	// Enabled is true while the breakpoint is installed in the target.
	Enabled bool `json:"enabled"`
	// number of times a breakpoint has been reached
	TotalHitCount uint64 `json:"totalHitCount"`
}

// Kind returns a short description of the kind of breakpoint.
func (bp *Breakpoint) Kind() string {
	if bp.Hardware {
		return fmt.Sprintf("hardware DR%d", bp.HWIndex)
	}
	return "software"
}

// Register holds information on a CPU register.
type Register struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

// Registers is a list of registers.
type Registers []Register

// Get returns the value of the register called name.
func (regs Registers) Get(name string) (uint64, bool) {
	for _, reg := range regs {
		if reg.Name == name {
			return reg.Value, true
		}
	}
	return 0, false
}

// AsmInstruction represents one assembly instruction at some address
type AsmInstruction struct {
	// Addr is the address of this instruction.
	Addr uint64 `json:"addr"`
	// DestAddr is the destination of a direct call or jump, 0 otherwise.
	DestAddr uint64 `json:"destAddr"`
	// Text is the formatted representation of the instruction.
	Text string `json:"text"`
	// Bytes is the instruction as read from memory, with the original code
	// in place of software breakpoints.
	Bytes []byte `json:"bytes"`
	// Breakpoint is true if a breakpoint is set at this instruction.
	Breakpoint bool `json:"breakpoint"`
	// Hardware is true if the breakpoint is a hardware breakpoint.
	Hardware bool `json:"hardware"`
	// AtPC is true if this is the instruction the target is stopped at.
	AtPC bool `json:"atPC"`
}

// AsmInstructions is a slice of single instructions.
type AsmInstructions []AsmInstruction

// AssemblyFlavour describes the output
// of disassembled code.
type AssemblyFlavour int

const (
	// GNUFlavour will disassemble using GNU assembly syntax.
	GNUFlavour AssemblyFlavour = iota
	// IntelFlavour will disassemble using Intel assembly syntax.
	IntelFlavour
	// GoFlavour will disassemble using Go assembly syntax.
	GoFlavour
)
