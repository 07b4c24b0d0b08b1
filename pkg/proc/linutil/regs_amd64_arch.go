package linutil

import (
	"strings"
	"unsafe"

	"github.com/xdb-debugger/xdb/pkg/proc"
)

// AMD64PtraceRegs is the struct used by the linux kernel to return the
// general purpose registers for AMD64 CPUs. It is also the first field of
// the kernel's struct user, so the offset of a field is also its offset
// for PTRACE_PEEKUSER and PTRACE_POKEUSER.
type AMD64PtraceRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// amd64RegisterNames lists the fields of AMD64PtraceRegs in kernel order.
var amd64RegisterNames = [...]string{
	"r15", "r14", "r13", "r12", "rbp", "rbx", "r11", "r10", "r9", "r8",
	"rax", "rcx", "rdx", "rsi", "rdi", "orig_rax", "rip", "cs", "eflags",
	"rsp", "ss", "fs_base", "gs_base", "ds", "es", "fs", "gs",
}

var amd64RegisterAliases = map[string]string{
	"pc":     "rip",
	"sp":     "rsp",
	"bp":     "rbp",
	"rflags": "eflags",
	"flags":  "eflags",
}

// amd64DisplayOrder is the order registers are listed in by Slice.
var amd64DisplayOrder = [...]int{16, 19, 10, 5, 11, 12, 14, 13, 4, 9, 8, 7, 6, 3, 2, 1, 0, 15, 17, 18, 20, 21, 22, 23, 24, 25, 26}

func amd64RegisterIndex(name string) (int, bool) {
	name = strings.ToLower(name)
	if alias, ok := amd64RegisterAliases[name]; ok {
		name = alias
	}
	for i, n := range amd64RegisterNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// RegisterOffset returns the offset in the kernel's struct user of the
// general purpose register called name. Names are case insensitive, pc,
// sp, bp and rflags are accepted as aliases.
func RegisterOffset(name string) (uintptr, error) {
	idx, ok := amd64RegisterIndex(name)
	if !ok {
		return 0, proc.UnknownRegisterError{Name: name}
	}
	return uintptr(idx) * unsafe.Sizeof(uint64(0)), nil
}

func (r *AMD64PtraceRegs) fields() *[len(amd64RegisterNames)]uint64 {
	return (*[len(amd64RegisterNames)]uint64)(unsafe.Pointer(r))
}

// Set changes the register called name.
func (r *AMD64PtraceRegs) Set(name string, value uint64) error {
	idx, ok := amd64RegisterIndex(name)
	if !ok {
		return proc.UnknownRegisterError{Name: name}
	}
	r.fields()[idx] = value
	return nil
}

// AMD64Registers implements the proc.Registers interface for the native/linux
// backend, on AMD64.
type AMD64Registers struct {
	Regs *AMD64PtraceRegs
}

func NewAMD64Registers(regs *AMD64PtraceRegs) *AMD64Registers {
	return &AMD64Registers{Regs: regs}
}

// Slice returns the registers as a list of (name, value) pairs.
func (r *AMD64Registers) Slice() []proc.Register {
	f := r.Regs.fields()
	out := make([]proc.Register, 0, len(amd64DisplayOrder))
	for _, idx := range amd64DisplayOrder {
		name := amd64RegisterNames[idx]
		if name == "eflags" {
			name = "rflags"
		}
		out = append(out, proc.Register{Name: name, Value: f[idx]})
	}
	return out
}

// Get returns the value of the register called name.
func (r *AMD64Registers) Get(name string) (uint64, error) {
	idx, ok := amd64RegisterIndex(name)
	if !ok {
		return 0, proc.UnknownRegisterError{Name: name}
	}
	return r.Regs.fields()[idx], nil
}

// PC returns the value of RIP register.
func (r *AMD64Registers) PC() uint64 {
	return r.Regs.Rip
}

// SP returns the value of RSP register.
func (r *AMD64Registers) SP() uint64 {
	return r.Regs.Rsp
}

func (r *AMD64Registers) BP() uint64 {
	return r.Regs.Rbp
}

// Copy returns a copy of these registers that is guaranteed not to change.
func (r *AMD64Registers) Copy() *AMD64Registers {
	regs := *r.Regs
	return &AMD64Registers{Regs: &regs}
}
