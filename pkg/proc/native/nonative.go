//go:build !linux || !amd64

package native

import (
	"errors"
	"io"

	"github.com/xdb-debugger/xdb/pkg/proc"
)

var ErrNativeBackendDisabled = errors.New("native backend is only available on linux/amd64")

// LaunchConfig describes a program to start under the debugger.
type LaunchConfig struct {
	Args        []string
	WorkingDir  string
	DisableASLR bool
	TTY         string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Process is not available on this platform.
type Process struct {
	proc.Process
}

// Launch returns ErrNativeBackendDisabled.
func Launch(LaunchConfig) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

// Attach returns ErrNativeBackendDisabled.
func Attach(int) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

// EntryPoint returns ErrNativeBackendDisabled.
func (*Process) EntryPoint() (uint64, error) {
	return 0, ErrNativeBackendDisabled
}
