package service

import (
	"context"

	"github.com/xdb-debugger/xdb/service/api"
)

// Client represents a debugger service client. All client methods are
// synchronous.
type Client interface {
	// Returns the pid of the process we are debugging.
	ProcessPid() int
	// LaunchedProcess returns true if the debugger started the target.
	LaunchedProcess() bool
	// EntryPoint returns the entry point of the executable.
	EntryPoint() (uint64, error)

	// Detach detaches the debugger, optionally killing the process.
	Detach(killProcess bool) error

	// State returns the current debugger state.
	State() *api.DebuggerState
	// Continue resumes process execution.
	Continue() error
	// StepInstruction will step a single cpu instruction.
	StepInstruction() error
	// Halt suspends the process.
	Halt() error
	// WaitForStop blocks until the process stops or exits.
	WaitForStop(ctx context.Context) (*api.DebuggerState, error)

	// CreateSoftwareBreakpoint creates a new software breakpoint.
	CreateSoftwareBreakpoint(addr uint64) (*api.Breakpoint, error)
	// CreateHardwareBreakpoint creates a new breakpoint held in a debug
	// register.
	CreateHardwareBreakpoint(addr uint64) (*api.Breakpoint, error)
	// ClearBreakpoint deletes the breakpoint at addr.
	ClearBreakpoint(addr uint64) (*api.Breakpoint, error)
	// ClearAllBreakpoints deletes every breakpoint.
	ClearAllBreakpoints() error
	// ToggleBreakpoint cycles the breakpoint at addr between none, software
	// and hardware.
	ToggleBreakpoint(addr uint64) (*api.Breakpoint, error)
	// Breakpoints lists all breakpoints.
	Breakpoints() []*api.Breakpoint
	// FindBreakpoint returns the breakpoint at addr, or nil.
	FindBreakpoint(addr uint64) *api.Breakpoint

	// ReadMemory reads size bytes of target memory at addr.
	ReadMemory(addr uint64, size int) ([]byte, error)
	// WriteMemory writes data to target memory at addr.
	WriteMemory(addr uint64, data []byte) error

	// Registers returns the general purpose registers.
	Registers() (api.Registers, error)
	// SetRegister changes the value of a register.
	SetRegister(name string, value uint64) error

	// Disassemble returns count instructions starting at the disassembly
	// anchor.
	Disassemble(count int, flavour api.AssemblyFlavour) (api.AsmInstructions, error)
	// Goto moves the disassembly anchor.
	Goto(addr uint64)
	// ScrollUp moves the disassembly anchor one instruction back.
	ScrollUp() error
	// ScrollDown moves the disassembly anchor one instruction forward.
	ScrollDown() error
}
