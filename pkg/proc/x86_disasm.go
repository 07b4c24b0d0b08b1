package proc

import (
	"errors"

	"golang.org/x/arch/x86/x86asm"
)

// errPrefixOnly is returned for bytes that decode to a lone prefix: either
// an invalid instruction after a prefix or an instruction cut short by
// the end of the buffer.
var errPrefixOnly = errors.New("incomplete instruction")

// x86AsmDecode decodes the 64bit instruction at the start of mem, located at
// pc, into asmInst. Bytes that do not decode produce a one byte
// BadInstruction record; the decode error is still returned.
func x86AsmDecode(asmInst *AsmInstruction, pc uint64, mem []byte) error {
	asmInst.Addr = pc
	inst, err := x86asm.Decode(mem, 64)
	if err == nil && inst.Op == 0 {
		err = errPrefixOnly
	}
	if err != nil {
		asmInst.Inst = nil
		asmInst.Size = 1
		asmInst.Bytes = append([]byte(nil), mem[:asmInst.Size]...)
		asmInst.Kind = BadInstruction
		return err
	}

	asmInst.Size = inst.Len
	asmInst.Bytes = append([]byte(nil), mem[:asmInst.Size]...)
	asmInst.Inst = &inst
	asmInst.Kind = OtherInstruction

	switch inst.Op {
	case x86asm.JMP, x86asm.LJMP:
		asmInst.Kind = JmpInstruction
	case x86asm.CALL, x86asm.LCALL:
		asmInst.Kind = CallInstruction
	case x86asm.RET, x86asm.LRET:
		asmInst.Kind = RetInstruction
	case x86asm.INT:
		asmInst.Kind = HardBreakInstruction
	}
	return nil
}

// Text will return the assembly instruction in human readable format
// according to flavour. symLookup may be nil.
func (instr *AsmInstruction) Text(flavour AssemblyFlavour, symLookup func(uint64) (string, uint64)) string {
	if instr.Inst == nil {
		return "(bad)"
	}
	switch flavour {
	case GNUFlavour:
		return x86asm.GNUSyntax(*instr.Inst, instr.Addr, symLookup)
	case GoFlavour:
		return x86asm.GoSyntax(*instr.Inst, instr.Addr, symLookup)
	case IntelFlavour:
		fallthrough
	default:
		return x86asm.IntelSyntax(*instr.Inst, instr.Addr, symLookup)
	}
}

// DestAddr returns the target of a direct call or jump.
func (instr *AsmInstruction) DestAddr() (uint64, bool) {
	if instr.Inst == nil {
		return 0, false
	}
	switch instr.Inst.Op {
	case x86asm.CALL, x86asm.LCALL, x86asm.JMP, x86asm.LJMP,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JS, x86asm.JNS,
		x86asm.JO, x86asm.JNO, x86asm.JP, x86asm.JNP, x86asm.JRCXZ:
	default:
		return 0, false
	}
	switch arg := instr.Inst.Args[0].(type) {
	case x86asm.Rel:
		return uint64(int64(instr.Addr) + int64(instr.Size) + int64(arg)), true
	case x86asm.Imm:
		return uint64(arg), true
	}
	return 0, false
}
