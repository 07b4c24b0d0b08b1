package api

import (
	"github.com/xdb-debugger/xdb/pkg/proc"
)

// ConvertBreakpoint converts from a proc.Breakpoint to
// an api.Breakpoint.
func ConvertBreakpoint(bp *proc.Breakpoint) *Breakpoint {
	if bp == nil {
		return nil
	}
	return &Breakpoint{
		ID:            bp.ID,
		Addr:          bp.Addr,
		Hardware:      bp.IsHardware(),
		HWIndex:       int(bp.HWIndex),
		Size:          bp.TrapSize(),
		Enabled:       bp.Enabled(),
		TotalHitCount: bp.TotalHitCount,
	}
}

// ConvertBreakpoints converts a slice of physical breakpoints into a slice
// of API breakpoints.
func ConvertBreakpoints(bps []*proc.Breakpoint) []*Breakpoint {
	r := make([]*Breakpoint, 0, len(bps))
	for _, bp := range bps {
		r = append(r, ConvertBreakpoint(bp))
	}
	return r
}

// ConvertRegisters converts proc.Registers to api.Registers.
func ConvertRegisters(in proc.Registers) Registers {
	if in == nil {
		return nil
	}
	slice := in.Slice()
	out := make(Registers, 0, len(slice))
	for _, reg := range slice {
		out = append(out, Register{Name: reg.Name, Value: reg.Value})
	}
	return out
}

// ConvertAsmInstruction converts from proc.AsmInstruction to api.AsmInstruction.
func ConvertAsmInstruction(inst proc.AsmInstruction, text string) AsmInstruction {
	var destAddr uint64
	if dest, ok := inst.DestAddr(); ok {
		destAddr = dest
	}
	return AsmInstruction{
		Addr:       inst.Addr,
		DestAddr:   destAddr,
		Text:       text,
		Bytes:      inst.Bytes,
		Breakpoint: inst.Breakpoint,
		Hardware:   inst.Hardware,
		AtPC:       inst.AtPC,
	}
}
