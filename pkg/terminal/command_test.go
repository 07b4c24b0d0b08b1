package terminal

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/xdb-debugger/xdb/pkg/proc"
	"github.com/xdb-debugger/xdb/service/api"
)

func call(t *testing.T, term *Term, cmdstr string) {
	t.Helper()
	if err := term.cmds.Call(cmdstr, term); err != nil {
		t.Fatalf("%q: %v", cmdstr, err)
	}
}

func assertOutput(t *testing.T, buf *bytes.Buffer, want ...string) {
	t.Helper()
	out := buf.String()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Fatalf("output does not contain %q:\n%s", w, out)
		}
	}
	buf.Reset()
}

func TestBreakpointCommands(t *testing.T) {
	c := newFakeClient()
	term, buf := newTestTerm(c)

	call(t, term, "break 401010")
	assertOutput(t, buf, "Breakpoint 1 at 0x401010 (software) set")
	call(t, term, "hbreak 0x401005")
	assertOutput(t, buf, "Breakpoint 2 at 0x401005 (hardware DR0) set")
	call(t, term, "b entry")
	assertOutput(t, buf, "Breakpoint 3 at 0x401000 (software) set")

	call(t, term, "breakpoints")
	assertOutput(t, buf, "Breakpoint 1", "hardware DR0", "0x401000")

	call(t, term, "clear 0x401010")
	assertOutput(t, buf, "Breakpoint 1 at 0x401010 (software) cleared")
	err := term.cmds.Call("clear 0x401010", term)
	var nbp proc.NoBreakpointError
	if !errors.As(err, &nbp) {
		t.Fatalf("expected NoBreakpointError, got %v", err)
	}

	call(t, term, "clearall")
	assertOutput(t, buf, "Breakpoint 2", "Breakpoint 3")
	if len(c.bps) != 0 {
		t.Fatalf("breakpoints left: %v", c.bps)
	}
	call(t, term, "bp")
	assertOutput(t, buf, "No breakpoints set")

	if err := term.cmds.Call("break", term); err == nil {
		t.Fatal("break without an address")
	}
	if err := term.cmds.Call("break nothex", term); err == nil {
		t.Fatal("break with an invalid address")
	}
}

func TestToggleCommand(t *testing.T) {
	c := newFakeClient()
	term, buf := newTestTerm(c)
	call(t, term, "toggle 401000")
	assertOutput(t, buf, "(software) set")
	call(t, term, "toggle 401000")
	assertOutput(t, buf, "(hardware DR0) set")
	call(t, term, "toggle 401000")
	assertOutput(t, buf, "Breakpoint at 0x401000 cleared")
}

func TestWriteAndExamine(t *testing.T) {
	c := newFakeClient()
	term, buf := newTestTerm(c)
	call(t, term, "write 0x402000 90 90 c3")
	assertOutput(t, buf, "Wrote 3 bytes at 0x402000")
	call(t, term, `write 402003 "41 42"`)
	assertOutput(t, buf, "Wrote 2 bytes at 0x402003")
	call(t, term, "x 0x402000 5")
	assertOutput(t, buf, "0x402000:  90 90 c3 41 42 ")

	for _, bad := range []string{"write 0x402000", "write 0x402000 9", "write 0x402000 zz", "x", "x 0x402000 0", "x 0x402000 5000"} {
		if err := term.cmds.Call(bad, term); err == nil {
			t.Errorf("%q did not fail", bad)
		}
	}
}

func TestHexdump(t *testing.T) {
	var buf bytes.Buffer
	mem := []byte("0123456789abcdef\x00\xcc")
	hexdump(&buf, 0x1000, mem)
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines:\n%s", buf.String())
	}
	if lines[0] != "0x1000:  30 31 32 33 34 35 36 37 38 39 61 62 63 64 65 66  |0123456789abcdef|" {
		t.Errorf("first line %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "0x1010:  00 cc ") || !strings.HasSuffix(lines[1], "|..|") {
		t.Errorf("second line %q", lines[1])
	}
}

func TestRegisterCommands(t *testing.T) {
	c := newFakeClient()
	term, buf := newTestTerm(c)
	call(t, term, "regs")
	assertOutput(t, buf, "rax", "000000003c", "rip")
	call(t, term, "set rax 0x10")
	assertOutput(t, buf, "rax = 0x10")
	if v, _ := c.regs.Get("rax"); v != 0x10 {
		t.Fatalf("rax %#x", v)
	}
	var uerr proc.UnknownRegisterError
	if err := term.cmds.Call("set xyz 1", term); !errors.As(err, &uerr) {
		t.Fatalf("expected UnknownRegisterError, got %v", err)
	}
	if err := term.cmds.Call("set rax", term); err == nil {
		t.Fatal("set without a value")
	}
}

func TestRunCommands(t *testing.T) {
	c := newFakeClient()
	term, buf := newTestTerm(c)

	call(t, term, "si")
	assertOutput(t, buf, "Stopped at: 0x401005: Received stop signal SIGTRAP (5)", "=>", "syscall")
	if c.stepped != 1 {
		t.Fatalf("stepped %d times", c.stepped)
	}

	call(t, term, "c")
	assertOutput(t, buf, "Process 100 has exited: exited with status 42")
	if c.continued != 1 {
		t.Fatalf("continued %d times", c.continued)
	}
}

func TestKillCommand(t *testing.T) {
	c := newFakeClient()
	term, buf := newTestTerm(c)
	err := term.cmds.Call("kill", term)
	if _, ok := err.(ExitRequestError); !ok {
		t.Fatalf("kill did not exit the terminal: %v", err)
	}
	if !c.killed {
		t.Fatal("process not killed")
	}
	assertOutput(t, buf, "killed by SIGKILL (9)")
}

func TestDetachCommand(t *testing.T) {
	c := newFakeClient()
	term, buf := newTestTerm(c)
	err := term.cmds.Call("detach", term)
	if _, ok := err.(ExitRequestError); !ok {
		t.Fatalf("detach did not exit the terminal: %v", err)
	}
	if !c.detached || !term.detached {
		t.Fatal("process not detached")
	}
	assertOutput(t, buf, "Detached from process 100")
}

func TestDisassembleCommands(t *testing.T) {
	c := newFakeClient()
	term, buf := newTestTerm(c)

	call(t, term, "disassemble 1")
	assertOutput(t, buf, "mov eax, 0x3c")
	if strings.Contains(buf.String(), "syscall") {
		t.Fatal("count not honored")
	}
	if c.flavour != api.IntelFlavour {
		t.Fatalf("default flavour %d", c.flavour)
	}

	gnu := "gnu"
	term.conf.DisassembleFlavor = &gnu
	call(t, term, "goto 0x401005")
	if c.anchor != 0x401005 || c.flavour != api.GNUFlavour {
		t.Fatalf("goto: anchor %#x flavour %d", c.anchor, c.flavour)
	}
	buf.Reset()

	call(t, term, "down 3")
	call(t, term, "up")
	if c.scrolls != 2 {
		t.Fatalf("scrolled %d", c.scrolls)
	}
}

func TestAliasesAndCompletion(t *testing.T) {
	c := newFakeClient()
	term, buf := newTestTerm(c)
	term.cmds.Merge(map[string][]string{"continue": {"go"}})
	call(t, term, "go")
	assertOutput(t, buf, "has exited")

	got := term.cmds.Complete("cl")
	sort.Strings(got)
	if strings.Join(got, ",") != "clear,clearall" {
		t.Fatalf("completions of cl: %v", got)
	}
	if got := term.cmds.Complete("g"); len(got) != 2 {
		t.Fatalf("completions of g: %v", got)
	}
	if got := term.cmds.Complete("break 0x"); got != nil {
		t.Fatalf("arguments completed: %v", got)
	}

	if err := term.cmds.Call("nosuchcommand", term); err != errNoCmd {
		t.Fatalf("unknown command: %v", err)
	}
	call(t, term, "")
}

func TestHelp(t *testing.T) {
	term, buf := newTestTerm(newFakeClient())
	call(t, term, "help")
	assertOutput(t, buf, "Running the program:", "hbreak", "stepi (alias: si)")
	call(t, term, "help toggle")
	assertOutput(t, buf, "toggle <address>")
}

func TestSplitArgs(t *testing.T) {
	v, err := splitArgs(`0x401000 "90 90" 'c3'`)
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 3 || v[1] != "90 90" || v[2] != "c3" {
		t.Fatalf("wrong split %q", v)
	}
	if _, err := splitArgs("`date`"); err == nil {
		t.Fatal("backtick accepted")
	}
	if v, err := splitArgs("  "); err != nil || v != nil {
		t.Fatalf("empty arguments: %q %v", v, err)
	}
}

func TestParseAddress(t *testing.T) {
	c := newFakeClient()
	term, _ := newTestTerm(c)
	for _, tc := range []struct {
		in   string
		addr uint64
	}{
		{"0x10", 0x10},
		{"10", 0x10},
		{"7FFFF000", 0x7ffff000},
		{"pc", 0x401000},
		{"entry", 0x401000},
	} {
		addr, err := parseAddress(term, tc.in)
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if addr != tc.addr {
			t.Errorf("%q: got %#x expected %#x", tc.in, addr, tc.addr)
		}
	}
	if _, err := parseAddress(term, "main"); err == nil {
		t.Error("symbol accepted as address")
	}
	c.state.Running = true
	if _, err := parseAddress(term, "pc"); !errors.Is(err, proc.ErrNotStopped) {
		t.Errorf("pc of a running process: %v", err)
	}
}

func TestDisasmPrint(t *testing.T) {
	var buf bytes.Buffer
	disasmPrint(api.AsmInstructions{
		{Addr: 0x401000, Bytes: []byte{0xb8, 0x3c, 0, 0, 0}, Text: "mov eax, 0x3c", Breakpoint: true, AtPC: true},
		{Addr: 0x401005, Bytes: []byte{0xe8, 0, 0, 0, 0}, Text: "call 0x40100a", DestAddr: 0x40100a, Breakpoint: true, Hardware: true},
	}, &buf, "\033[33m")
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("wrong output:\n%s", buf.String())
	}
	if !strings.HasPrefix(lines[0], "=>") || !strings.Contains(lines[0], "0x401000*") || !strings.Contains(lines[0], "\033[33mmov eax, 0x3c\033[0m") {
		t.Errorf("pc line %q", lines[0])
	}
	if !strings.Contains(lines[1], "0x401005h") || !strings.HasSuffix(lines[1], "; 0x40100a") {
		t.Errorf("call line %q", lines[1])
	}
}
