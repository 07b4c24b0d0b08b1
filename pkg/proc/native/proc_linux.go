//go:build linux && amd64

package native

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/xdb-debugger/xdb/pkg/proc"
	"github.com/xdb-debugger/xdb/pkg/proc/linutil"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant
)

// LaunchConfig describes a program to start under the debugger.
type LaunchConfig struct {
	// Args is the program to run followed by its arguments.
	Args []string
	// WorkingDir is the working directory of the program, empty to use ours.
	WorkingDir string
	// DisableASLR turns off address space randomization for the program.
	DisableASLR bool
	// TTY is the path of a terminal to use as the program's controlling
	// terminal and standard streams.
	TTY string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Launch creates and begins debugging a new process. The process is
// stopped at its first instruction when Launch returns.
func Launch(cfg LaunchConfig) (*Process, error) {
	if len(cfg.Args) == 0 {
		return nil, proc.AttachError{Err: fmt.Errorf("no program specified")}
	}
	var (
		process *exec.Cmd
		err     error
	)

	dbp := newProcess(0)
	dbp.execPtraceFunc(func() {
		if cfg.DisableASLR {
			oldPersonality, _, err := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
			if err == syscall.Errno(0) {
				newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
				syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
				defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
			}
		}

		process = exec.Command(cfg.Args[0])
		process.Args = cfg.Args
		process.Stdin, process.Stdout, process.Stderr = os.Stdin, os.Stdout, os.Stderr
		if cfg.Stdin != nil {
			process.Stdin = cfg.Stdin
		}
		if cfg.Stdout != nil {
			process.Stdout = cfg.Stdout
		}
		if cfg.Stderr != nil {
			process.Stderr = cfg.Stderr
		}
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}
		if cfg.TTY != "" {
			dbp.ctty, err = attachProcessToTTY(process, cfg.TTY)
			if err != nil {
				return
			}
		}
		if cfg.WorkingDir != "" {
			process.Dir = cfg.WorkingDir
		}
		err = process.Start()
	})
	if err != nil {
		dbp.release()
		return nil, proc.AttachError{Path: cfg.Args[0], Err: err}
	}
	dbp.pid = process.Process.Pid
	dbp.childProcess = true
	if err := dbp.initialize(); err != nil {
		_ = sys.Kill(dbp.pid, sys.SIGKILL)
		dbp.release()
		return nil, proc.AttachError{Path: cfg.Args[0], Err: fmt.Errorf("waiting for target execve failed: %w", err)}
	}
	dbp.log.Debugf("launched %q as pid %d", cfg.Args[0], dbp.pid)
	return dbp, nil
}

// Attach to an existing process with the given PID. The process is
// stopped when Attach returns.
func Attach(pid int) (*Process, error) {
	dbp := newProcess(pid)

	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(dbp.pid) })
	if err != nil {
		dbp.release()
		return nil, proc.AttachError{Pid: pid, Err: err}
	}
	if err := dbp.initialize(); err != nil {
		dbp.execPtraceFunc(func() { _ = ptraceDetach(dbp.pid, 0) })
		dbp.release()
		return nil, proc.AttachError{Pid: pid, Err: err}
	}
	dbp.log.Debugf("attached to pid %d", dbp.pid)
	return dbp, nil
}

// initialize waits for the first stop of a new tracee, reads its registers
// and starts the stop notifier.
func (dbp *Process) initialize() error {
	var s sys.WaitStatus
	for {
		_, err := sys.Wait4(dbp.pid, &s, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	status := proc.StopStatus(s)
	if !status.Stopped() {
		dbp.exited = true
		return fmt.Errorf("process %d %s", dbp.pid, status)
	}
	dbp.stopped = true
	if _, err := dbp.Registers(); err != nil {
		return err
	}
	go dbp.notify()
	return nil
}

// EntryPoint returns the entry point address of the executable, as
// reported by the kernel.
func (dbp *Process) EntryPoint() (uint64, error) {
	auxvbuf, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", dbp.pid))
	if err != nil {
		return 0, fmt.Errorf("could not read auxiliary vector: %v", err)
	}
	return linutil.EntryPointFromAuxv(auxvbuf), nil
}

// Continue resumes the process. A signal that stopped the process and is
// not one of ours is delivered to it.
func (dbp *Process) Continue() error {
	if err := dbp.checkStopped(); err != nil {
		return err
	}
	sig := dbp.pendingSignal
	var err error
	dbp.execPtraceFunc(func() { err = ptraceCont(dbp.pid, sig) })
	if err != nil {
		return proc.IOError{Op: "continue", Err: err}
	}
	dbp.pendingSignal = 0
	dbp.resumed()
	return nil
}

// StepInstruction executes exactly one instruction. If the PC is on an
// enabled breakpoint it is disabled for the step: a software breakpoint
// has its original code restored and a hardware breakpoint would fault
// again before the instruction runs.
func (dbp *Process) StepInstruction() error {
	if err := dbp.checkStopped(); err != nil {
		return err
	}
	if !dbp.regsValid {
		if _, err := dbp.Registers(); err != nil {
			return err
		}
	}
	if bp := dbp.breakpoints.Find(dbp.regs.Rip); bp != nil && bp.Enabled() {
		if err := bp.Disable(dbp); err != nil {
			return err
		}
		dbp.steppedOver = bp
	}
	sig := dbp.pendingSignal
	var err error
	dbp.execPtraceFunc(func() { err = ptraceSingleStep(dbp.pid, sig) })
	if err != nil {
		dbp.rearm()
		return proc.IOError{Op: "single step", Err: err}
	}
	dbp.pendingSignal = 0
	dbp.resumed()
	return nil
}

func (dbp *Process) resumed() {
	dbp.stopped = false
	dbp.regsValid = false
}

// rearm enables the breakpoint disabled by StepInstruction.
func (dbp *Process) rearm() error {
	bp := dbp.steppedOver
	if bp == nil {
		return nil
	}
	dbp.steppedOver = nil
	return bp.Enable(dbp)
}

// Interrupt asks a running process to stop. The process is stopped once
// the resulting stop status has been passed to UpdateStatus.
// Stopping a process that is already in a tracing stop would leave a
// stale SIGSTOP queued, so that is refused with proc.ErrNotRunning.
func (dbp *Process) Interrupt() error {
	if dbp.exited {
		return proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitStatus}
	}
	if dbp.detached || dbp.stopped {
		return proc.ErrNotRunning
	}
	if err := sys.Tgkill(dbp.pid, dbp.pid, sys.SIGSTOP); err != nil {
		return fmt.Errorf("halt err %s on pid %d", err, dbp.pid)
	}
	return nil
}

// UpdateStatus records a wait status drained from StopStatuses. Stops
// refresh the register snapshot, exits release the process.
func (dbp *Process) UpdateStatus(s proc.StopStatus) error {
	if dbp.exited || dbp.detached {
		return nil
	}
	switch {
	case s.Gone():
		dbp.postExit(s)
		return nil
	case s.Stopped():
		dbp.stopped = true
		switch sig := s.StopSignal(); sig {
		case sys.SIGTRAP, sys.SIGSTOP:
		default:
			dbp.pendingSignal = int(sig)
		}
		if err := dbp.rearm(); err != nil {
			return err
		}
		_, err := dbp.Registers()
		return err
	}
	return nil
}

// Kill kills the target process. Killing a process that is gone does
// nothing.
func (dbp *Process) Kill() error {
	if dbp.exited || dbp.detached {
		return nil
	}
	if err := sys.Kill(dbp.pid, sys.SIGKILL); err != nil && err != sys.ESRCH {
		return fmt.Errorf("could not deliver signal %v", err)
	}
	for s := range dbp.statusChan {
		if s.Gone() {
			dbp.postExit(s)
			return nil
		}
	}
	// The notifier found the process gone without reporting an exit.
	dbp.postExit(proc.NewSignaledStatus(sys.SIGKILL))
	return nil
}

// Detach removes every breakpoint and releases the process, which keeps
// running.
func (dbp *Process) Detach() error {
	if err := dbp.checkStopped(); err != nil {
		return err
	}
	if err := dbp.rearm(); err != nil {
		return err
	}
	if err := dbp.breakpoints.ClearAll(dbp); err != nil {
		return err
	}
	var err error
	dbp.execPtraceFunc(func() { err = ptraceDetach(dbp.pid, dbp.pendingSignal) })
	if err != nil {
		return proc.IOError{Op: "detach", Err: err}
	}
	dbp.detached = true
	dbp.stopped = false
	dbp.release()

	// For some reason the process will sometimes enter stopped state after a
	// detach, this doesn't happen immediately either.
	// We have to wait a bit here, then check if the process is stopped and
	// SIGCONT it if it is.
	time.Sleep(50 * time.Millisecond)
	if s := status(dbp.pid); s == statusStopped || s == statusTraceStop {
		_ = sys.Kill(dbp.pid, sys.SIGCONT)
	}
	return nil
}
