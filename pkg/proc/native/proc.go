//go:build linux && amd64

package native

import (
	"os"
	"runtime"

	"github.com/xdb-debugger/xdb/pkg/logflags"
	"github.com/xdb-debugger/xdb/pkg/proc"
	"github.com/xdb-debugger/xdb/pkg/proc/linutil"
)

// statusBufferLen is the number of stop statuses the notifier can post
// before the consumer drains them.
const statusBufferLen = 16

// Process represents all of the information the debugger
// is holding onto regarding the process we are debugging.
type Process struct {
	pid int // Process Pid

	childProcess bool // this process was launched, not attached to
	stopped      bool
	exited       bool
	detached     bool
	exitStatus   int

	// regs is the register snapshot taken by the last call to Registers.
	regs      linutil.AMD64PtraceRegs
	regsValid bool

	// pendingSignal is delivered to the target by the next resume.
	pendingSignal int
	// steppedOver is a software breakpoint disabled while single stepping
	// off its address. It is enabled again when the step completes.
	steppedOver *proc.Breakpoint

	breakpoints *proc.BreakpointManager

	statusChan chan proc.StopStatus
	// done is closed when the target is released, the notifier stops
	// posting once it is.
	done chan struct{}

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	ctty           *os.File

	log logflags.Logger
}

// newProcess returns an initialized Process struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(pid int) *Process {
	dbp := &Process{
		pid:            pid,
		breakpoints:    proc.NewBreakpointManager(),
		statusChan:     make(chan proc.StopStatus, statusBufferLen),
		done:           make(chan struct{}),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.NativeLogger(),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Pid returns the process ID.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// Stopped returns whether the target is in a tracing stop.
func (dbp *Process) Stopped() bool {
	return dbp.stopped
}

// Exited returns whether the debugged process has exited.
func (dbp *Process) Exited() bool {
	return dbp.exited
}

// Detached returns whether the target has been released.
func (dbp *Process) Detached() bool {
	return dbp.detached
}

// ExitStatus returns the exit code of an exited process.
func (dbp *Process) ExitStatus() int {
	return dbp.exitStatus
}

// ChildProcess returns true if the target was launched by us.
func (dbp *Process) ChildProcess() bool {
	return dbp.childProcess
}

// Breakpoints returns the breakpoints installed in the process.
func (dbp *Process) Breakpoints() *proc.BreakpointManager {
	return dbp.breakpoints
}

// StopStatuses returns the channel the stop notifier posts wait statuses
// to. It is closed when the target is gone.
func (dbp *Process) StopStatuses() <-chan proc.StopStatus {
	return dbp.statusChan
}

// TryNextStatus returns the next posted wait status, if any, without
// blocking.
func (dbp *Process) TryNextStatus() (proc.StopStatus, bool) {
	select {
	case s, ok := <-dbp.statusChan:
		return s, ok
	default:
		return 0, false
	}
}

// checkStopped returns an error unless the process can receive ptrace
// requests.
func (dbp *Process) checkStopped() error {
	if dbp.exited {
		return proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitStatus}
	}
	if dbp.detached || !dbp.stopped {
		return proc.ErrNotStopped
	}
	return nil
}

func (dbp *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

// release stops the ptrace goroutine and the notifier. The process can not
// be used after this.
func (dbp *Process) release() {
	select {
	case <-dbp.done:
		return
	default:
	}
	close(dbp.done)
	close(dbp.ptraceChan)
	if dbp.ctty != nil {
		dbp.ctty.Close()
	}
}

func (dbp *Process) postExit(s proc.StopStatus) {
	dbp.exited = true
	dbp.stopped = false
	dbp.regsValid = false
	if s.Exited() {
		dbp.exitStatus = s.ExitStatus()
	} else {
		dbp.exitStatus = -int(s.Signal())
	}
	dbp.log.Debugf("process %d %s", dbp.pid, s)
	dbp.release()
}
