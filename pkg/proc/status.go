package proc

import (
	"fmt"

	sys "golang.org/x/sys/unix"
)

// StopStatus is a raw wait status word as reported by wait4 for the
// traced process.
type StopStatus sys.WaitStatus

// NewStoppedStatus returns the status of a process stopped by sig.
func NewStoppedStatus(sig sys.Signal) StopStatus {
	return StopStatus(uint32(sig)<<8 | 0x7f)
}

// NewExitedStatus returns the status of a process that exited with code.
func NewExitedStatus(code int) StopStatus {
	return StopStatus(uint32(code&0xff) << 8)
}

// NewSignaledStatus returns the status of a process terminated by sig.
func NewSignaledStatus(sig sys.Signal) StopStatus {
	return StopStatus(uint32(sig) & 0x7f)
}

func (s StopStatus) ws() sys.WaitStatus { return sys.WaitStatus(s) }

// Raw returns the status word.
func (s StopStatus) Raw() uint32 { return uint32(s) }

func (s StopStatus) Exited() bool    { return s.ws().Exited() }
func (s StopStatus) ExitStatus() int { return s.ws().ExitStatus() }
func (s StopStatus) Signaled() bool  { return s.ws().Signaled() }
func (s StopStatus) Stopped() bool   { return s.ws().Stopped() }

func (s StopStatus) Signal() sys.Signal     { return s.ws().Signal() }
func (s StopStatus) StopSignal() sys.Signal { return s.ws().StopSignal() }

// Gone reports whether the process no longer exists after this status.
func (s StopStatus) Gone() bool {
	return s.Exited() || s.Signaled()
}

// Trapped reports whether this is a SIGTRAP stop.
func (s StopStatus) Trapped() bool {
	return s.Stopped() && s.StopSignal() == sys.SIGTRAP
}

func (s StopStatus) String() string {
	switch {
	case s.Exited():
		return fmt.Sprintf("exited with status %d", s.ExitStatus())
	case s.Signaled():
		return fmt.Sprintf("killed by %s (%d)", signalName(s.Signal()), int(s.Signal()))
	case s.Stopped():
		return fmt.Sprintf("Received stop signal %s (%d)", signalName(s.StopSignal()), int(s.StopSignal()))
	}
	return fmt.Sprintf("status %#x", uint32(s))
}

func signalName(sig sys.Signal) string {
	if name := sys.SignalName(sig); name != "" {
		return name
	}
	return "UNKNOWN"
}
