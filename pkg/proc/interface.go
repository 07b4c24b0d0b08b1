package proc

// MemoryReadWriter is an interface for reading or writing to
// the target's memory.
type MemoryReadWriter interface {
	ReadMemory(addr uint64, size int) ([]byte, error)
	WriteMemory(addr uint64, data []byte) error
}

// DebugRegisterReadWriter gives access to the CPU debug register file of
// the target: indices 0-3 hold breakpoint addresses, 6 is the status
// register and 7 the control register.
type DebugRegisterReadWriter interface {
	ReadDebugRegister(idx int) (uint64, error)
	WriteDebugRegister(idx int, value uint64) error
}

// Tracee is the part of a traced process that breakpoints need in order to
// install and remove themselves.
type Tracee interface {
	MemoryReadWriter
	DebugRegisterReadWriter
	SetPC(pc uint64) error
}

// Process represents the target of the debugger.
type Process interface {
	Tracee
	Info
	ProcessManipulation

	// Breakpoints returns the breakpoint manager of this process.
	Breakpoints() *BreakpointManager
}

// Info is an interface that provides general information on the target.
type Info interface {
	Pid() int
	Stopped() bool
	Exited() bool
	// ChildProcess reports whether the target was launched by us rather
	// than attached to.
	ChildProcess() bool

	// Registers reads the general purpose registers of the target and
	// stores them as the current context.
	Registers() (Registers, error)
	// Context returns the registers read by the last call to Registers.
	Context() Registers
	SetRegister(name string, value uint64) error
}

// ProcessManipulation is an interface for changing the execution state of a process.
type ProcessManipulation interface {
	Continue() error
	Interrupt() error
	StepInstruction() error
	Kill() error
	Detach() error

	// TryNextStatus returns the next stop status posted by the stop
	// notifier without blocking.
	TryNextStatus() (StopStatus, bool)
	// StopStatuses returns the channel the stop notifier posts to. It is
	// closed once the target no longer exists.
	StopStatuses() <-chan StopStatus
	// UpdateStatus records a stop status drained from the notifier.
	UpdateStatus(s StopStatus) error
}
