package debugger

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/xdb-debugger/xdb/pkg/proc"
	"github.com/xdb-debugger/xdb/service/api"
)

//lint:file-ignore ST1005 errors here can be capitalized

func attachErrorMessage(pid int, err error) error {
	var aerr proc.AttachError
	if !errors.As(err, &aerr) {
		return err
	}
	if errors.Is(aerr.Err, syscall.EPERM) {
		bs, rerr := os.ReadFile("/proc/sys/kernel/yama/ptrace_scope")
		if rerr == nil && len(bs) >= 1 && bs[0] != '0' {
			// Yama documentation: https://www.kernel.org/doc/Documentation/security/Yama.txt
			return fmt.Errorf("Could not attach to pid %d: this could be caused by a kernel security setting, try writing \"0\" to /proc/sys/kernel/yama/ptrace_scope", pid)
		}
		fi, serr := os.Stat(fmt.Sprintf("/proc/%d", pid))
		if serr != nil {
			return err
		}
		if fi.Sys().(*syscall.Stat_t).Uid != uint32(os.Getuid()) {
			return fmt.Errorf("Could not attach to pid %d: current user does not own the process", pid)
		}
	}
	return err
}

func verifyBinaryFormat(exePath string) error {
	path, err := exec.LookPath(exePath)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if (fi.Mode() & 0111) == 0 {
		return api.ErrNotExecutable
	}

	ef, err := elf.NewFile(f)
	if err != nil || ef.Machine != elf.EM_X86_64 {
		return api.ErrNotExecutable
	}
	return nil
}
