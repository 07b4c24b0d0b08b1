//go:build linux && amd64

package native

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/xdb-debugger/xdb/pkg/logflags"
	"github.com/xdb-debugger/xdb/pkg/proc"
	"github.com/xdb-debugger/xdb/pkg/proc/amd64util"
	protest "github.com/xdb-debugger/xdb/pkg/proc/test"
)

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")
	runtime.LockOSThread()
	os.Exit(protest.RunTestsWithFixtures(m))
}

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

func withTestProcess(name string, t *testing.T, fn func(p *Process, fixture protest.Fixture)) {
	fixture := protest.BuildFixture(t, name)
	p, err := Launch(LaunchConfig{Args: []string{fixture.Path}, DisableASLR: true})
	if err != nil {
		if errors.Is(err, sys.EPERM) {
			t.Skipf("ptrace not permitted: %v", err)
		}
		t.Fatal("Launch():", err)
	}
	defer p.Kill()
	fn(p, fixture)
}

// waitForStatus drains the next stop status and passes it to UpdateStatus.
func waitForStatus(t *testing.T, p *Process) proc.StopStatus {
	t.Helper()
	select {
	case s, ok := <-p.StopStatuses():
		if !ok {
			t.Fatal("stop notifier exited")
		}
		assertNoError(p.UpdateStatus(s), t, "UpdateStatus")
		return s
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the target to stop")
	}
	return 0
}

func currentPC(t *testing.T, p *Process) uint64 {
	regs, err := p.Registers()
	assertNoError(err, t, "Registers")
	return regs.PC()
}

func TestLaunchStopsAtEntryPoint(t *testing.T) {
	withTestProcess("exit42", t, func(p *Process, fixture protest.Fixture) {
		if !p.Stopped() || !p.ChildProcess() {
			t.Fatalf("stopped=%v child=%v", p.Stopped(), p.ChildProcess())
		}
		if pc := currentPC(t, p); pc != fixture.Entry {
			t.Fatalf("PC %#x, entry point %#x", pc, fixture.Entry)
		}
		entry, err := p.EntryPoint()
		assertNoError(err, t, "EntryPoint")
		if entry != fixture.Entry {
			t.Fatalf("auxv entry point %#x, ELF entry point %#x", entry, fixture.Entry)
		}
	})
}

func TestBreakpointAtEntryPoint(t *testing.T) {
	withTestProcess("exit42", t, func(p *Process, fixture protest.Fixture) {
		original, err := p.ReadMemory(fixture.Entry, 5)
		assertNoError(err, t, "ReadMemory")

		bp, err := p.Breakpoints().AddSoftware(p, fixture.Entry, 5)
		assertNoError(err, t, "AddSoftware")
		trap, err := p.ReadMemory(fixture.Entry, 1)
		assertNoError(err, t, "ReadMemory")
		if trap[0] != 0xCC {
			t.Fatalf("breakpoint not written: %#x", trap[0])
		}

		assertNoError(p.Continue(), t, "Continue")
		s := waitForStatus(t, p)
		if !s.Trapped() {
			t.Fatalf("unexpected status %s", s)
		}
		hit, corrected, err := p.Breakpoints().CorrectAfterTrap(p, s, currentPC(t, p))
		assertNoError(err, t, "CorrectAfterTrap")
		if !corrected || hit != bp {
			t.Fatalf("breakpoint not recognized: %v %v", hit, corrected)
		}
		if hit.Addr != fixture.Entry {
			t.Fatalf("hit breakpoint at %#x", hit.Addr)
		}
		if pc := currentPC(t, p); pc != fixture.Entry+5 {
			t.Fatalf("PC %#x after correction, expected %#x", pc, fixture.Entry+5)
		}

		_, err = p.Breakpoints().Remove(p, fixture.Entry)
		assertNoError(err, t, "Remove")
		restored, err := p.ReadMemory(fixture.Entry, 5)
		assertNoError(err, t, "ReadMemory")
		if !bytes.Equal(restored, original) {
			t.Fatalf("code not restored: %x, expected %x", restored, original)
		}

		assertNoError(p.Continue(), t, "Continue")
		s = waitForStatus(t, p)
		if !s.Exited() || s.ExitStatus() != 42 {
			t.Fatalf("unexpected status %s", s)
		}
		if !p.Exited() {
			t.Fatal("process not marked as exited")
		}
		if err := p.Continue(); !errors.As(err, &proc.ErrProcessExited{}) {
			t.Fatalf("Continue after exit returned %v", err)
		}
	})
}

func TestHardwareBreakpoint(t *testing.T) {
	withTestProcess("exit42", t, func(p *Process, fixture protest.Fixture) {
		addr := fixture.Entry + 5
		bp, err := p.Breakpoints().AddHardware(p, addr)
		assertNoError(err, t, "AddHardware")

		dr7, err := p.ReadDebugRegister(amd64util.DR7)
		assertNoError(err, t, "ReadDebugRegister")
		if !amd64util.Enabled(dr7, bp.HWIndex) {
			t.Fatalf("slot %d not enabled in DR7 %#x", bp.HWIndex, dr7)
		}

		assertNoError(p.Continue(), t, "Continue")
		s := waitForStatus(t, p)
		if !s.Trapped() {
			t.Fatalf("unexpected status %s", s)
		}
		if pc := currentPC(t, p); pc != addr {
			t.Fatalf("stopped at %#x, expected %#x", pc, addr)
		}
		hit, err := p.Breakpoints().HardwareHit(p, s)
		assertNoError(err, t, "HardwareHit")
		if hit != bp {
			t.Fatalf("hardware breakpoint not recognized: %v", hit)
		}

		_, err = p.Breakpoints().Remove(p, addr)
		assertNoError(err, t, "Remove")
		dr7, err = p.ReadDebugRegister(amd64util.DR7)
		assertNoError(err, t, "ReadDebugRegister")
		if amd64util.Enabled(dr7, bp.HWIndex) {
			t.Fatalf("slot %d still enabled in DR7 %#x", bp.HWIndex, dr7)
		}

		assertNoError(p.Continue(), t, "Continue")
		if s := waitForStatus(t, p); !s.Exited() || s.ExitStatus() != 42 {
			t.Fatalf("unexpected status %s", s)
		}
	})
}

func TestStepInstruction(t *testing.T) {
	withTestProcess("exit42", t, func(p *Process, fixture protest.Fixture) {
		assertNoError(p.StepInstruction(), t, "StepInstruction")
		waitForStatus(t, p)
		if pc := currentPC(t, p); pc != fixture.Entry+5 {
			t.Fatalf("PC %#x after step, expected %#x", pc, fixture.Entry+5)
		}

		// Stepping off a breakpoint executes the original instruction and
		// leaves the breakpoint in place.
		_, err := p.Breakpoints().AddSoftware(p, fixture.Entry+5, 5)
		assertNoError(err, t, "AddSoftware")
		assertNoError(p.StepInstruction(), t, "StepInstruction")
		waitForStatus(t, p)
		regs, err := p.Registers()
		assertNoError(err, t, "Registers")
		if regs.PC() != fixture.Entry+10 {
			t.Fatalf("PC %#x after step, expected %#x", regs.PC(), fixture.Entry+10)
		}
		if rax, _ := regs.Get("rax"); rax != 60 {
			t.Fatalf("instruction under breakpoint not executed: rax=%d", rax)
		}
		trap, err := p.ReadMemory(fixture.Entry+5, 1)
		assertNoError(err, t, "ReadMemory")
		if trap[0] != 0xCC {
			t.Fatalf("breakpoint not re-armed: %#x", trap[0])
		}
	})
}

func TestStepOverHardwareBreakpoint(t *testing.T) {
	withTestProcess("exit42", t, func(p *Process, fixture protest.Fixture) {
		bp, err := p.Breakpoints().AddHardware(p, fixture.Entry)
		assertNoError(err, t, "AddHardware")

		assertNoError(p.StepInstruction(), t, "StepInstruction")
		s := waitForStatus(t, p)
		if pc := currentPC(t, p); pc != fixture.Entry+5 {
			t.Fatalf("PC %#x after step, expected %#x", pc, fixture.Entry+5)
		}
		if hit, err := p.Breakpoints().HardwareHit(p, s); err != nil || hit != nil {
			t.Fatalf("step reported as a breakpoint hit: %v %v", hit, err)
		}

		if !bp.Enabled() {
			t.Fatal("hardware breakpoint not re-armed")
		}
		dr7, err := p.ReadDebugRegister(amd64util.DR7)
		assertNoError(err, t, "ReadDebugRegister")
		if !amd64util.Enabled(dr7, bp.HWIndex) {
			t.Fatalf("slot %d not enabled in DR7 %#x after the step", bp.HWIndex, dr7)
		}
		addr, err := p.ReadDebugRegister(int(bp.HWIndex))
		assertNoError(err, t, "ReadDebugRegister")
		if addr != fixture.Entry {
			t.Fatalf("DR%d = %#x, expected %#x", bp.HWIndex, addr, fixture.Entry)
		}
	})
}

func TestMemoryPartialWrite(t *testing.T) {
	withTestProcess("exit42", t, func(p *Process, fixture protest.Fixture) {
		before, err := p.ReadMemory(fixture.Entry, 16)
		assertNoError(err, t, "ReadMemory")

		patch := []byte{0x90, 0x90, 0x90}
		assertNoError(p.WriteMemory(fixture.Entry+3, patch), t, "WriteMemory")
		after, err := p.ReadMemory(fixture.Entry, 16)
		assertNoError(err, t, "ReadMemory")

		want := append([]byte(nil), before...)
		copy(want[3:], patch)
		if !bytes.Equal(after, want) {
			t.Fatalf("memory after partial write:\n%x\nexpected:\n%x", after, want)
		}
	})
}

func TestSetRegister(t *testing.T) {
	withTestProcess("exit42", t, func(p *Process, fixture protest.Fixture) {
		assertNoError(p.SetRegister("rcx", 0x1234), t, "SetRegister")
		if v, _ := p.Context().Get("rcx"); v != 0x1234 {
			t.Fatalf("snapshot not updated: %#x", v)
		}
		regs, err := p.Registers()
		assertNoError(err, t, "Registers")
		if v, _ := regs.Get("rcx"); v != 0x1234 {
			t.Fatalf("rcx = %#x after write", v)
		}
		if err := p.SetRegister("xmm0", 1); !errors.As(err, &proc.UnknownRegisterError{}) {
			t.Fatalf("expected UnknownRegisterError, got %v", err)
		}
		if _, err := p.ReadDebugRegister(5); !errors.As(err, &proc.InvalidRegisterIndexError{}) {
			t.Fatalf("expected InvalidRegisterIndexError, got %v", err)
		}
	})
}

func TestInterrupt(t *testing.T) {
	withTestProcess("spin", t, func(p *Process, fixture protest.Fixture) {
		if err := p.Interrupt(); err != proc.ErrNotRunning {
			t.Fatalf("Interrupt on a stopped process returned %v", err)
		}
		assertNoError(p.Continue(), t, "Continue")
		time.Sleep(50 * time.Millisecond)
		assertNoError(p.Interrupt(), t, "Interrupt")
		s := waitForStatus(t, p)
		if !s.Stopped() || s.StopSignal() != sys.SIGSTOP {
			t.Fatalf("unexpected status %s", s)
		}
		if !p.Stopped() {
			t.Fatal("process not stopped")
		}
		if pc := currentPC(t, p); pc != fixture.Entry {
			t.Fatalf("PC %#x, expected the loop at %#x", pc, fixture.Entry)
		}

		assertNoError(p.Kill(), t, "Kill")
		if !p.Exited() {
			t.Fatal("process not exited after Kill")
		}
		assertNoError(p.Kill(), t, "second Kill")
	})
}

func TestSignalForwarding(t *testing.T) {
	withTestProcess("segv", t, func(p *Process, fixture protest.Fixture) {
		assertNoError(p.Continue(), t, "Continue")
		s := waitForStatus(t, p)
		if !s.Stopped() || s.StopSignal() != sys.SIGSEGV {
			t.Fatalf("unexpected status %s", s)
		}
		assertNoError(p.Continue(), t, "Continue")
		s = waitForStatus(t, p)
		if !s.Signaled() || s.Signal() != sys.SIGSEGV {
			t.Fatalf("SIGSEGV not delivered: %s", s)
		}
	})
}

func TestAttachDetach(t *testing.T) {
	fixture := protest.BuildFixture(t, "spin")
	cmd := exec.Command(fixture.Path)
	assertNoError(cmd.Start(), t, "Start")
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	p, err := Attach(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, sys.EPERM) {
			t.Skipf("ptrace not permitted: %v", err)
		}
		t.Fatal("Attach():", err)
	}
	if !p.Stopped() || p.ChildProcess() {
		t.Fatalf("stopped=%v child=%v", p.Stopped(), p.ChildProcess())
	}
	_, err = p.Breakpoints().AddSoftware(p, fixture.Entry, 2)
	assertNoError(err, t, "AddSoftware")
	_, err = p.Breakpoints().AddHardware(p, fixture.Entry)
	if _, exists := err.(proc.BreakpointExistsError); !exists {
		t.Fatalf("duplicate breakpoint accepted: %v", err)
	}

	assertNoError(p.Detach(), t, "Detach")
	if p.Breakpoints().Len() != 0 {
		t.Fatal("breakpoints left after detach")
	}
	if _, err := p.ReadMemory(fixture.Entry, 1); err != proc.ErrNotStopped {
		t.Fatalf("ReadMemory after Detach returned %v", err)
	}
	// The process keeps looping without its breakpoint.
	time.Sleep(50 * time.Millisecond)
	if err := sys.Kill(cmd.Process.Pid, 0); err != nil {
		t.Fatalf("process gone after detach: %v", err)
	}
}
