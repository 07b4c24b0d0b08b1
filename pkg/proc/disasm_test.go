package proc

import (
	"bytes"
	"errors"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

// movSyscall is "mov eax, 0xffffffff; syscall": a five byte instruction
// followed by a two byte one. No shorter suffix of the first instruction
// decodes to an instruction ending right before the syscall.
var movSyscall = []byte{0xb8, 0xff, 0xff, 0xff, 0xff, 0x0f, 0x05}

func nopMemory(code []byte, size int) []byte {
	mem := bytes.Repeat([]byte{0x90}, size)
	copy(mem, code)
	return mem
}

func TestDecodeFivePlusTwo(t *testing.T) {
	f := newFakeTracee(testBase, nopMemory(movSyscall, 64), 64)
	c := NewInstructionCache(0)
	if c.WindowSize() != DefaultWindowSize {
		t.Fatalf("default window size %#x", c.WindowSize())
	}
	c.SetAnchor(testBase)
	insts, err := c.Window(f, nil, 3)
	assertNoError(err, t, "Window")
	if len(insts) != 3 {
		t.Fatalf("got %d instructions", len(insts))
	}
	if insts[0].Addr != testBase || insts[0].Size != 5 || insts[0].Inst.Op != x86asm.MOV {
		t.Fatalf("first instruction: %#x %d %v", insts[0].Addr, insts[0].Size, insts[0].Inst)
	}
	if insts[1].Addr != testBase+5 || insts[1].Size != 2 || insts[1].Inst.Op != x86asm.SYSCALL {
		t.Fatalf("second instruction: %#x %d %v", insts[1].Addr, insts[1].Size, insts[1].Inst)
	}
	if !bytes.Equal(insts[1].Bytes, movSyscall[5:]) {
		t.Fatalf("instruction bytes %x", insts[1].Bytes)
	}
	if insts[2].Addr != testBase+7 {
		t.Fatalf("third instruction at %#x", insts[2].Addr)
	}
	if txt := insts[1].Text(IntelFlavour, nil); txt != "syscall" {
		t.Fatalf("text %q", txt)
	}
}

func TestFindPrevious(t *testing.T) {
	f := newFakeTracee(testBase, nopMemory(movSyscall, 64), 64)
	c := NewInstructionCache(0)
	c.SetAnchor(testBase + 5)

	prev, err := c.FindPrevious(f, nil, testBase+5)
	assertNoError(err, t, "FindPrevious")
	if prev != testBase {
		t.Fatalf("previous instruction at %#x, expected %#x", prev, uint64(testBase))
	}

	assertNoError(c.ScrollUp(f, nil), t, "ScrollUp")
	if c.Anchor() != testBase {
		t.Fatalf("anchor %#x after ScrollUp", c.Anchor())
	}
	assertNoError(c.ScrollDown(f, nil), t, "ScrollDown")
	if c.Anchor() != testBase+5 {
		t.Fatalf("anchor %#x after ScrollDown", c.Anchor())
	}
	assertNoError(c.ScrollDown(f, nil), t, "ScrollDown")
	if c.Anchor() != testBase+7 {
		t.Fatalf("anchor %#x after ScrollDown", c.Anchor())
	}
	// The cache now knows the instruction ending at the anchor.
	assertNoError(c.ScrollUp(f, nil), t, "ScrollUp")
	if c.Anchor() != testBase+5 {
		t.Fatalf("anchor %#x after ScrollUp", c.Anchor())
	}

	// Nothing decodes before the start of memory.
	_, err = c.FindPrevious(f, nil, testBase)
	if !errors.As(err, &DecodeUnavailableError{}) {
		t.Fatalf("FindPrevious at the start of memory returned %v", err)
	}
}

func TestWindowHidesBreakpoints(t *testing.T) {
	f := newFakeTracee(testBase, nopMemory(movSyscall, 64), 64)
	m := NewBreakpointManager()
	_, err := m.AddSoftware(f, testBase, 5)
	assertNoError(err, t, "AddSoftware")
	_, err = m.AddSoftware(f, testBase+5, 2)
	assertNoError(err, t, "AddSoftware")

	c := NewInstructionCache(0)
	c.SetAnchor(testBase)
	insts, err := c.Window(f, m, 2)
	assertNoError(err, t, "Window")
	if insts[0].Size != 5 || insts[0].Bytes[0] != 0xb8 || insts[1].Inst.Op != x86asm.SYSCALL {
		t.Fatalf("breakpoints visible in disassembly: %x %x", insts[0].Bytes, insts[1].Bytes)
	}
	if f.at(testBase) != 0xCC {
		t.Fatal("decoding removed the breakpoint")
	}

	// The cache agrees with memory once the breakpoints are gone.
	assertNoError(m.ClearAll(f), t, "ClearAll")
	plain, err := Disassemble(f, nil, testBase, testBase+7)
	assertNoError(err, t, "Disassemble")
	for i := range plain {
		if plain[i].Addr != insts[i].Addr || !bytes.Equal(plain[i].Bytes, insts[i].Bytes) {
			t.Fatalf("instruction %d differs: %#x %x / %#x %x", i, plain[i].Addr, plain[i].Bytes, insts[i].Addr, insts[i].Bytes)
		}
	}
}

func TestBadBytes(t *testing.T) {
	// 0x06 (push es) does not exist in 64bit mode.
	f := newFakeTracee(testBase, nopMemory([]byte{0x06, 0x90}, 32), 32)
	c := NewInstructionCache(0)
	c.SetAnchor(testBase)
	insts, err := c.Window(f, nil, 2)
	assertNoError(err, t, "Window")
	if insts[0].Inst != nil || insts[0].Size != 1 || insts[0].Kind != BadInstruction {
		t.Fatalf("bad byte decoded as %v", insts[0].Inst)
	}
	if txt := insts[0].Text(GNUFlavour, nil); txt != "(bad)" {
		t.Fatalf("text %q", txt)
	}
	if insts[1].Addr != testBase+1 {
		t.Fatalf("decoding did not resume after the bad byte: %#x", insts[1].Addr)
	}
}

func TestTruncatedTail(t *testing.T) {
	insts := decodeAll(testBase, movSyscall[:6])
	if len(insts) != 1 || insts[0].Size != 5 {
		t.Fatalf("truncated syscall should be dropped: %d instructions", len(insts))
	}
}

func TestWindowShrinksAtEndOfMemory(t *testing.T) {
	f := newFakeTracee(testBase, nopMemory(nil, 0x40), 0x40)
	c := NewInstructionCache(0)
	c.SetAnchor(testBase + 0x10)
	insts, err := c.Window(f, nil, 4)
	assertNoError(err, t, "Window")
	if len(insts) != 4 || insts[0].Addr != testBase+0x10 {
		t.Fatalf("window %v", insts)
	}
	for _, inst := range c.Instructions() {
		if inst.End() > testBase+0x40 {
			t.Fatalf("record past the end of memory at %#x", inst.Addr)
		}
	}
}

func TestDecodeUnavailable(t *testing.T) {
	f := newFakeTracee(testBase, nil, 0x40)
	c := NewInstructionCache(0)
	c.SetAnchor(0x1000)
	_, err := c.Window(f, nil, 1)
	var derr DecodeUnavailableError
	if !errors.As(err, &derr) || derr.Addr != 0x1000 {
		t.Fatalf("expected DecodeUnavailableError, got %v", err)
	}
}

func TestPrune(t *testing.T) {
	f := newFakeTracee(testBase, nopMemory(nil, 0x200), 0x200)
	c := NewInstructionCache(0x20)
	c.SetAnchor(testBase)
	assertNoError(c.Refresh(f, nil), t, "Refresh")
	c.SetAnchor(testBase + 0x20)
	assertNoError(c.Refresh(f, nil), t, "Refresh")
	if c.Len() != 0x40 {
		t.Fatalf("expected 0x40 records, got %#x", c.Len())
	}

	c.SetAnchor(testBase + 0x40)
	c.Prune()
	if _, ok := c.Lookup(testBase); ok {
		t.Fatal("record at twice the window size from the anchor kept")
	}
	if _, ok := c.Lookup(testBase + 1); !ok {
		t.Fatal("record just inside the limit dropped")
	}

	c.Purge()
	if c.Len() != 0 {
		t.Fatal("Purge left records")
	}
}

func TestRefreshPrunes(t *testing.T) {
	f := newFakeTracee(testBase, nopMemory(nil, 0x200), 0x200)
	c := NewInstructionCache(0x20)
	for _, off := range []uint64{0, 0x80, 0x100, 0x180} {
		c.SetAnchor(testBase + off)
		assertNoError(c.Refresh(f, nil), t, "Refresh")
	}
	if c.Len() != 0x20 {
		t.Fatalf("expected only the last window to be cached, got %#x records", c.Len())
	}
	if _, ok := c.Lookup(testBase + 0x100); ok {
		t.Fatal("record from a distant window kept")
	}

	// Jumping around with Window keeps the cache bounded as well.
	for _, off := range []uint64{0, 0x100, 0x40, 0x1c0} {
		c.SetAnchor(testBase + off)
		_, err := c.Window(f, nil, 4)
		assertNoError(err, t, "Window")
	}
	for _, inst := range c.Instructions() {
		if distance(inst.Addr, c.Anchor()) >= 0x40 {
			t.Fatalf("record at %#x kept, anchor %#x", inst.Addr, c.Anchor())
		}
	}
}

func TestWindowBeforeUnmappedPage(t *testing.T) {
	// Fewer bytes than the smallest halved read are mapped after the
	// anchor.
	f := newFakeTracee(testBase, nopMemory(nil, 0x40), 0x40)
	c := NewInstructionCache(0)
	c.SetAnchor(testBase + 0x38)
	insts, err := c.Window(f, nil, 8)
	assertNoError(err, t, "Window")
	if len(insts) != 8 || insts[0].Addr != testBase+0x38 || insts[7].End() != testBase+0x40 {
		t.Fatalf("window %v", insts)
	}

	insts, err = c.Window(f, nil, 10)
	assertNoError(err, t, "Window")
	if len(insts) != 8 {
		t.Fatalf("expected the window to stop at the end of memory, got %d instructions", len(insts))
	}

	// A multi byte instruction ending exactly at the end of memory.
	f = newFakeTracee(testBase, nopMemory(nil, 0x40), 0x40)
	copy(f.mem[0x39:], movSyscall)
	c = NewInstructionCache(0)
	c.SetAnchor(testBase + 0x39)
	insts, err = c.Window(f, nil, 2)
	assertNoError(err, t, "Window")
	if len(insts) != 2 || insts[0].Size != 5 || insts[1].Inst.Op != x86asm.SYSCALL {
		t.Fatalf("window %v", insts)
	}
}

func TestDestAddr(t *testing.T) {
	// call rel32 -> +0x10 relative to the next instruction.
	f := newFakeTracee(testBase, nopMemory([]byte{0xe8, 0x10, 0, 0, 0}, 32), 32)
	insts, err := Disassemble(f, nil, testBase, testBase+5)
	assertNoError(err, t, "Disassemble")
	if !insts[0].IsCall() {
		t.Fatal("not a call")
	}
	if dest, ok := insts[0].DestAddr(); !ok || dest != testBase+5+0x10 {
		t.Fatalf("destination %#x %v", dest, ok)
	}
}
