package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrHardwareSlotsExhausted is returned when all four debug register
	// slots are already holding a hardware breakpoint.
	ErrHardwareSlotsExhausted = errors.New("hardware breakpoints exhausted")

	// ErrNotStopped is returned by operations that require the target to be
	// in a tracing stop.
	ErrNotStopped = errors.New("process must be stopped")

	// ErrNotRunning is returned by Interrupt when the target is already
	// stopped: asking the kernel to stop a stopped tracee is not a no-op.
	ErrNotRunning = errors.New("process is not running")
)

// AttachError is returned when tracing of the target could not begin.
type AttachError struct {
	Pid  int
	Path string
	Err  error
}

func (e AttachError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("could not launch process %q: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("could not attach to pid %d: %v", e.Pid, e.Err)
}

func (e AttachError) Unwrap() error { return e.Err }

// IOError is returned when the kernel rejects a memory or register access.
type IOError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e IOError) Error() string {
	return fmt.Sprintf("%s %#x: %v", e.Op, e.Addr, e.Err)
}

func (e IOError) Unwrap() error { return e.Err }

// InvalidRegisterIndexError is returned for a debug register index that
// does not exist or cannot hold a breakpoint address.
type InvalidRegisterIndexError struct {
	Index int
}

func (e InvalidRegisterIndexError) Error() string {
	return fmt.Sprintf("invalid debug register index %d", e.Index)
}

// BreakpointExistsError is returned when trying to set a breakpoint at
// an address that already has a breakpoint set for it.
type BreakpointExistsError struct {
	Addr uint64
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("Breakpoint exists at %#x", bpe.Addr)
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}

// DecodeUnavailableError is returned when the instruction window around an
// address could not be fetched or decoded.
type DecodeUnavailableError struct {
	Addr uint64
	Err  error
}

func (e DecodeUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("memory at %#x is unavailable: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("memory at %#x is unavailable", e.Addr)
}

func (e DecodeUnavailableError) Unwrap() error { return e.Err }

// UnknownRegisterError is returned when a register is referenced by a name
// that does not belong to the general purpose register set.
type UnknownRegisterError struct {
	Name string
}

func (e UnknownRegisterError) Error() string {
	return fmt.Sprintf("unknown register %q", e.Name)
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}
