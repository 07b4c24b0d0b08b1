//go:build linux && amd64

package native

import (
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/xdb-debugger/xdb/pkg/proc"
	"github.com/xdb-debugger/xdb/pkg/proc/amd64util"
	"github.com/xdb-debugger/xdb/pkg/proc/linutil"
)

// Registers reads the general purpose registers of the target and makes
// them the current context.
func (dbp *Process) Registers() (proc.Registers, error) {
	if err := dbp.checkStopped(); err != nil {
		return nil, err
	}
	var err error
	var regs linutil.AMD64PtraceRegs
	dbp.execPtraceFunc(func() { err = ptraceGetRegs(dbp.pid, &regs) })
	if err != nil {
		return nil, proc.IOError{Op: "read registers", Err: err}
	}
	dbp.regs = regs
	dbp.regsValid = true
	return dbp.Context(), nil
}

// Context returns a copy of the registers read by the last call to
// Registers. Its contents are stale once the target is resumed.
func (dbp *Process) Context() proc.Registers {
	regs := dbp.regs
	return linutil.NewAMD64Registers(&regs)
}

// SetRegister changes the value of the general purpose register called
// name.
func (dbp *Process) SetRegister(name string, value uint64) error {
	if err := dbp.checkStopped(); err != nil {
		return err
	}
	off, err := linutil.RegisterOffset(name)
	if err != nil {
		return err
	}
	dbp.execPtraceFunc(func() { err = ptracePoke(sys.PTRACE_POKEUSR, dbp.pid, off, value) })
	if err != nil {
		return proc.IOError{Op: "write register " + name, Addr: uint64(off), Err: err}
	}
	return dbp.regs.Set(name, value)
}

// SetPC moves the instruction pointer to pc.
func (dbp *Process) SetPC(pc uint64) error {
	return dbp.SetRegister("rip", pc)
}

func debugRegisterOffset(idx int) (uintptr, error) {
	switch {
	case idx >= 0 && idx < amd64util.NumAddressRegisters, idx == amd64util.DR6, idx == amd64util.DR7:
		return debugRegUserOffset + uintptr(idx)*unsafe.Sizeof(uint64(0)), nil
	}
	return 0, proc.InvalidRegisterIndexError{Index: idx}
}

// ReadDebugRegister returns the value of debug register idx. Only the four
// address registers, DR6 and DR7 can be accessed.
func (dbp *Process) ReadDebugRegister(idx int) (uint64, error) {
	off, err := debugRegisterOffset(idx)
	if err != nil {
		return 0, err
	}
	if err := dbp.checkStopped(); err != nil {
		return 0, err
	}
	var v uint64
	dbp.execPtraceFunc(func() { v, err = ptracePeek(sys.PTRACE_PEEKUSR, dbp.pid, off) })
	if err != nil {
		return 0, proc.IOError{Op: "read debug register", Addr: uint64(idx), Err: err}
	}
	return v, nil
}

// WriteDebugRegister sets debug register idx to value.
func (dbp *Process) WriteDebugRegister(idx int, value uint64) error {
	off, err := debugRegisterOffset(idx)
	if err != nil {
		return err
	}
	if err := dbp.checkStopped(); err != nil {
		return err
	}
	dbp.execPtraceFunc(func() { err = ptracePoke(sys.PTRACE_POKEUSR, dbp.pid, off, value) })
	if err != nil {
		return proc.IOError{Op: "write debug register", Addr: uint64(idx), Err: err}
	}
	return nil
}
