//go:build linux && amd64

package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/xdb-debugger/xdb/pkg/proc"
	"github.com/xdb-debugger/xdb/pkg/proc/linutil"
)

const debugRegUserOffset = 848 // offset of debug registers in the user struct, see source/arch/x86/kernel/ptrace.c

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(pid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(pid), uintptr(0), uintptr(sig), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// ptracePeek executes a PEEKDATA or PEEKUSR request. The raw system call
// stores the word at the address passed as data.
func ptracePeek(req, pid int, addr uintptr) (uint64, error) {
	var word uint64
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(req), uintptr(pid), addr, uintptr(unsafe.Pointer(&word)), 0, 0)
	if e1 != 0 {
		return 0, e1
	}
	return word, nil
}

// ptracePoke executes a POKEDATA or POKEUSR request.
func ptracePoke(req, pid int, addr uintptr, word uint64) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(req), uintptr(pid), addr, uintptr(word), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// ptraceGetRegs reads the general purpose registers of pid.
func ptraceGetRegs(pid int, regs *linutil.AMD64PtraceRegs) error {
	var sysregs sys.PtraceRegs
	if err := sys.PtraceGetRegs(pid, &sysregs); err != nil {
		return err
	}
	*regs = linutil.AMD64PtraceRegs(sysregs)
	return nil
}

// peekData and pokeData must only be called from the ptrace goroutine.

func (dbp *Process) peekData(addr uint64) (uint64, error) {
	w, err := ptracePeek(sys.PTRACE_PEEKDATA, dbp.pid, uintptr(addr))
	if err != nil {
		return 0, proc.IOError{Op: "peek", Addr: addr, Err: err}
	}
	return w, nil
}

func (dbp *Process) pokeData(addr, word uint64) error {
	if err := ptracePoke(sys.PTRACE_POKEDATA, dbp.pid, uintptr(addr), word); err != nil {
		return proc.IOError{Op: "poke", Addr: addr, Err: err}
	}
	return nil
}

// ReadMemory reads size bytes of target memory starting at addr.
func (dbp *Process) ReadMemory(addr uint64, size int) (data []byte, err error) {
	if err := dbp.checkStopped(); err != nil {
		return nil, err
	}
	dbp.execPtraceFunc(func() { data, err = proc.ReadWords(dbp.peekData, addr, size) })
	return data, err
}

// WriteMemory writes data to the target memory at addr.
func (dbp *Process) WriteMemory(addr uint64, data []byte) (err error) {
	if err := dbp.checkStopped(); err != nil {
		return err
	}
	dbp.execPtraceFunc(func() { err = proc.WriteWords(dbp.peekData, dbp.pokeData, addr, data) })
	if err == nil && dbp.log != nil && len(data) > 0 {
		dbp.log.Debugf("wrote %d bytes at %#x", len(data), addr)
	}
	return err
}
