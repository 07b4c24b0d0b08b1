//go:build linux && amd64

package native

import (
	"bytes"
	"fmt"
	"os"

	sys "golang.org/x/sys/unix"

	"github.com/xdb-debugger/xdb/pkg/logflags"
	"github.com/xdb-debugger/xdb/pkg/proc"
)

// Process states, as shown by /proc/pid/stat.
const (
	statusStopped   = 'T'
	statusTraceStop = 't'
)

// notify is the stop notifier. It collects every wait status of the
// target and posts it on statusChan, until the target no longer exists
// or is released. It never issues ptrace requests.
func (dbp *Process) notify() {
	log := logflags.NotifierLogger()
	defer close(dbp.statusChan)
	for {
		var s sys.WaitStatus
		wpid, err := sys.Wait4(dbp.pid, &s, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			// ECHILD once the process is reaped or detached from.
			log.Debugf("wait4 for %d: %v", dbp.pid, err)
			return
		}
		if wpid != dbp.pid {
			continue
		}
		status := proc.StopStatus(s)
		log.Debugf("pid %d: %s (%#x)", wpid, status, status.Raw())
		select {
		case dbp.statusChan <- status:
		case <-dbp.done:
			return
		}
		if status.Gone() {
			return
		}
	}
}

// status returns the state of pid as reported by /proc/pid/stat.
func status(pid int) rune {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	// The second field of /proc/pid/stat is the name of the task in
	// parentheses. Both parenthesis and spaces can appear inside the name
	// and no escaping happens, the state follows the last ')'.
	i := bytes.LastIndexByte(buf, ')')
	if i < 0 || i+2 >= len(buf) {
		return '\000'
	}
	return rune(buf[i+2])
}
