// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/xdb-debugger/xdb/pkg/proc"
	"github.com/xdb-debugger/xdb/service"
	"github.com/xdb-debugger/xdb/service/api"
)

const (
	defaultExamineLen = 64
	maxExamineLen     = 1000
	killTimeout       = 5 * time.Second
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the xdb terminal.
type Commands struct {
	cmds   []command
	client service.Client

	// completions indexes every alias for tab completion.
	completions *trie.Trie
}

// ExitRequestError is returned when the user
// exits the terminal.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands(client service.Client) *Commands {
	c := &Commands{client: client}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: `Run until breakpoint or program termination.

	continue

Press Ctrl-C to stop the program while it runs.`},
		{aliases: []string{"stepi", "si"}, group: runCmds, cmdFn: stepInstruction, helpMsg: `Single step a single cpu instruction.

A software breakpoint at the program counter is stepped over and stays set.`},
		{aliases: []string{"kill"}, group: runCmds, cmdFn: kill, helpMsg: `Kill the program and exit.`},
		{aliases: []string{"detach"}, group: runCmds, cmdFn: detach, helpMsg: `Detach from the program and exit.

Every breakpoint is removed first, the program keeps running.`},
		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: breakpoint, helpMsg: `Sets a software breakpoint.

	break <address>

The address is hexadecimal, with or without the 0x prefix, or one of "pc" and "entry".
The breakpoint replaces the first byte of the instruction with a trap, when it is hit the
program counter is moved past the instruction.`},
		{aliases: []string{"hbreak", "hb"}, group: breakCmds, cmdFn: hardwareBreakpoint, helpMsg: `Sets a hardware breakpoint.

	hbreak <address>

The breakpoint uses one of the four debug address registers, program code is not modified.`},
		{aliases: []string{"toggle"}, group: breakCmds, cmdFn: toggle, helpMsg: `Cycles the breakpoint at an address.

	toggle <address>

No breakpoint becomes a software breakpoint, a software breakpoint becomes a hardware
breakpoint and a hardware breakpoint is cleared.`},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clear, helpMsg: `Deletes breakpoint.

	clear <address>`},
		{aliases: []string{"clearall"}, group: breakCmds, cmdFn: clearAll, helpMsg: `Deletes all breakpoints.`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: `Print out info for active breakpoints.`},
		{aliases: []string{"regs"}, group: dataCmds, cmdFn: regs, helpMsg: `Print contents of CPU registers.`},
		{aliases: []string{"set"}, group: dataCmds, cmdFn: setRegister, helpMsg: `Changes the value of a register.

	set <register> <value>

Setting pc (or rip) moves the disassembly window to the new program counter.`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemoryCmd, helpMsg: `Examine raw memory at the given address.

	examinemem <address> [length]

Software breakpoints show up as int3 (0xcc) bytes. Length defaults to 64 bytes.`},
		{aliases: []string{"write"}, group: dataCmds, cmdFn: writeMemoryCmd, helpMsg: `Writes bytes to memory.

	write <address> <hex bytes>

For example "write 0x401000 90 90" writes two nops. Bytes under a software breakpoint
are saved in the breakpoint and the trap stays in place.`},
		{aliases: []string{"disassemble", "disass"}, group: disasmCmds, cmdFn: disassCommand, helpMsg: `Disassembler.

	disassemble [count]

Prints count instructions starting at the disassembly window.`},
		{aliases: []string{"goto"}, group: disasmCmds, cmdFn: gotoCommand, helpMsg: `Moves the disassembly window.

	goto <address>`},
		{aliases: []string{"up"}, group: disasmCmds, cmdFn: scrollUp, helpMsg: `Moves the disassembly window up.

	up [n]`},
		{aliases: []string{"down"}, group: disasmCmds, cmdFn: scrollDown, helpMsg: `Moves the disassembly window down.

	down [n]`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

If the program was launched by the debugger it is killed, otherwise you are asked
whether to kill it or detach from it.`},
	}

	c.buildCompletions()
	return c
}

func (c *Commands) buildCompletions() {
	c.completions = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.completions.Add(alias, nil)
		}
	}
}

// Complete returns the command aliases starting with line.
func (c *Commands) Complete(line string) []string {
	line = strings.ToLower(strings.TrimLeft(line, " "))
	if strings.Contains(line, " ") {
		return nil
	}
	return c.completions.PrefixSearch(line)
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	c.completions.Add(cmdstr, nil)
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.buildCompletions()
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits a command line the way a shell would, without
// expanding anything.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

// parseAddress converts a hexadecimal address, or one of the names "pc"
// and "entry", to an address.
func parseAddress(t *Term, s string) (uint64, error) {
	switch strings.ToLower(s) {
	case "pc", "rip":
		state := t.client.State()
		if state.Running || state.Exited {
			return 0, proc.ErrNotStopped
		}
		return state.PC, nil
	case "entry":
		return t.client.EntryPoint()
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	addr, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

func parseOneAddress(t *Term, args string) (uint64, error) {
	v, err := splitArgs(args)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, errors.New("wrong number of arguments: an address is required")
	}
	return parseAddress(t, v[0])
}

func parseOptionalCount(arg string, def int) (int, error) {
	if arg == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(arg, 0, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("count must be a positive integer: %q", arg)
	}
	return int(n), nil
}

func cont(t *Term, args string) error {
	if err := t.client.Continue(); err != nil {
		return err
	}
	return t.waitForStop(context.Background())
}

func stepInstruction(t *Term, args string) error {
	if err := t.client.StepInstruction(); err != nil {
		return err
	}
	return t.waitForStop(context.Background())
}

func kill(t *Term, args string) error {
	if t.client.State().Exited {
		return errors.New("process has already exited")
	}
	if err := t.client.Detach(true); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := t.waitForStop(ctx); err != nil {
		return err
	}
	return ExitRequestError{}
}

func detach(t *Term, args string) error {
	if err := t.client.Detach(false); err != nil {
		return err
	}
	t.detached = true
	fmt.Fprintf(t.stdout, "Detached from process %d\n", t.client.ProcessPid())
	return ExitRequestError{}
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func formatBreakpoint(bp *api.Breakpoint) string {
	return fmt.Sprintf("Breakpoint %d at %#x (%s)", bp.ID, bp.Addr, bp.Kind())
}

func breakpoint(t *Term, args string) error {
	addr, err := parseOneAddress(t, args)
	if err != nil {
		return err
	}
	bp, err := t.client.CreateSoftwareBreakpoint(addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s set\n", formatBreakpoint(bp))
	return nil
}

func hardwareBreakpoint(t *Term, args string) error {
	addr, err := parseOneAddress(t, args)
	if err != nil {
		return err
	}
	bp, err := t.client.CreateHardwareBreakpoint(addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s set\n", formatBreakpoint(bp))
	return nil
}

func toggle(t *Term, args string) error {
	addr, err := parseOneAddress(t, args)
	if err != nil {
		return err
	}
	bp, err := t.client.ToggleBreakpoint(addr)
	if err != nil {
		return err
	}
	if bp == nil {
		fmt.Fprintf(t.stdout, "Breakpoint at %#x cleared\n", addr)
		return nil
	}
	fmt.Fprintf(t.stdout, "%s set\n", formatBreakpoint(bp))
	return nil
}

func clear(t *Term, args string) error {
	addr, err := parseOneAddress(t, args)
	if err != nil {
		return err
	}
	bp, err := t.client.ClearBreakpoint(addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s cleared\n", formatBreakpoint(bp))
	return nil
}

func clearAll(t *Term, args string) error {
	bps := t.client.Breakpoints()
	if err := t.client.ClearAllBreakpoints(); err != nil {
		return err
	}
	for _, bp := range bps {
		fmt.Fprintf(t.stdout, "%s cleared\n", formatBreakpoint(bp))
	}
	return nil
}

func breakpoints(t *Term, args string) error {
	bps := t.client.Breakpoints()
	if len(bps) == 0 {
		fmt.Fprintln(t.stdout, "No breakpoints set")
		return nil
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, bp := range bps {
		fmt.Fprintf(w, "Breakpoint %d\tat %#x\t%s\thits %d\n", bp.ID, bp.Addr, bp.Kind(), bp.TotalHitCount)
	}
	return w.Flush()
}

func regs(t *Term, args string) error {
	regs, err := t.client.Registers()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', tabwriter.AlignRight)
	for _, reg := range regs {
		fmt.Fprintf(w, "%s\t%#016x\t\n", reg.Name, reg.Value)
	}
	return w.Flush()
}

func setRegister(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return errors.New("wrong number of arguments: set <register> <value>")
	}
	value, err := strconv.ParseUint(v[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid value %q", v[1])
	}
	if err := t.client.SetRegister(v[0], value); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s = %#x\n", strings.ToLower(v[0]), value)
	return nil
}

func examineMemoryCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 1 || len(v) > 2 {
		return errors.New("wrong number of arguments: examinemem <address> [length]")
	}
	addr, err := parseAddress(t, v[0])
	if err != nil {
		return err
	}
	var lenarg string
	if len(v) == 2 {
		lenarg = v[1]
	}
	n, err := parseOptionalCount(lenarg, defaultExamineLen)
	if err != nil {
		return err
	}
	if n > maxExamineLen {
		return fmt.Errorf("read memory range must be less than or equal to %d bytes", maxExamineLen)
	}
	mem, err := t.client.ReadMemory(addr, n)
	if err != nil {
		return err
	}
	hexdump(t.stdout, addr, mem)
	return nil
}

// hexdump prints mem, read at addr, sixteen bytes per line.
func hexdump(w io.Writer, addr uint64, mem []byte) {
	const perLine = 16
	for off := 0; off < len(mem); off += perLine {
		line := mem[off:]
		if len(line) > perLine {
			line = line[:perLine]
		}
		var hexs, ascii strings.Builder
		for i := 0; i < perLine; i++ {
			if i < len(line) {
				fmt.Fprintf(&hexs, "%02x ", line[i])
				if line[i] >= 0x20 && line[i] < 0x7f {
					ascii.WriteByte(line[i])
				} else {
					ascii.WriteByte('.')
				}
			} else {
				hexs.WriteString("   ")
			}
		}
		fmt.Fprintf(w, "%#x:  %s |%s|\n", addr+uint64(off), hexs.String(), ascii.String())
	}
}

func writeMemoryCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 2 {
		return errors.New("wrong number of arguments: write <address> <hex bytes>")
	}
	addr, err := parseAddress(t, v[0])
	if err != nil {
		return err
	}
	data, err := parseHexBytes(v[1:])
	if err != nil {
		return err
	}
	if err := t.client.WriteMemory(addr, data); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Wrote %d bytes at %#x\n", len(data), addr)
	return nil
}

func parseHexBytes(words []string) ([]byte, error) {
	var s strings.Builder
	for _, w := range words {
		s.WriteString(strings.TrimPrefix(strings.ReplaceAll(w, " ", ""), "0x"))
	}
	data, err := hex.DecodeString(s.String())
	if err != nil {
		return nil, fmt.Errorf("invalid bytes: %v", err)
	}
	if len(data) == 0 {
		return nil, errors.New("nothing to write")
	}
	return data, nil
}

func disassCommand(t *Term, args string) error {
	n, err := parseOptionalCount(args, t.conf.GetInstructionCount())
	if err != nil {
		return err
	}
	return t.printDisassembly(n)
}

func gotoCommand(t *Term, args string) error {
	addr, err := parseOneAddress(t, args)
	if err != nil {
		return err
	}
	t.client.Goto(addr)
	return t.printDisassembly(t.conf.GetInstructionCount())
}

func scrollUp(t *Term, args string) error {
	return scroll(t, args, t.client.ScrollUp)
}

func scrollDown(t *Term, args string) error {
	return scroll(t, args, t.client.ScrollDown)
}

func scroll(t *Term, args string, fn func() error) error {
	n, err := parseOptionalCount(args, 1)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := fn(); err != nil {
			return err
		}
	}
	return t.printDisassembly(t.conf.GetInstructionCount())
}

func (t *Term) printDisassembly(count int) error {
	insts, err := t.client.Disassemble(count, t.flavour())
	if err != nil {
		return err
	}
	disasmPrint(insts, t.stdout, t.pcColor())
	return nil
}

func (t *Term) flavour() api.AssemblyFlavour {
	if t.conf != nil && t.conf.DisassembleFlavor != nil {
		switch *t.conf.DisassembleFlavor {
		case "go":
			return api.GoFlavour
		case "gnu", "att":
			return api.GNUFlavour
		}
	}
	return api.IntelFlavour
}

// waitForStop blocks until the target stops and prints where it stopped.
func (t *Term) waitForStop(ctx context.Context) error {
	state, err := t.client.WaitForStop(ctx)
	if state != nil {
		printcontext(t, state)
	}
	return err
}

func printcontext(t *Term, state *api.DebuggerState) {
	if state.Exited {
		fmt.Fprintf(t.stdout, "Process %d has exited: %s\n", state.Pid, state.Status)
		return
	}
	if state.Detached {
		fmt.Fprintf(t.stdout, "Process %d detached\n", state.Pid)
		return
	}
	if state.Running {
		fmt.Fprintf(t.stdout, "Process %d is running\n", state.Pid)
		return
	}
	if bp := state.Breakpoint; bp != nil {
		fmt.Fprintf(t.stdout, "> %s hit (%d)\n", formatBreakpoint(bp), bp.TotalHitCount)
	}
	if state.Status != "" {
		fmt.Fprintf(t.stdout, "Stopped at: %#x: %s\n", state.PC, state.Status)
	} else {
		fmt.Fprintf(t.stdout, "Stopped at: %#x\n", state.PC)
	}
	if err := t.printDisassembly(t.conf.GetInstructionCount()); err != nil {
		fmt.Fprintf(t.stdout, "%v\n", err)
	}
}
