package debugger

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/xdb-debugger/xdb/pkg/logflags"
	"github.com/xdb-debugger/xdb/pkg/proc"
	"github.com/xdb-debugger/xdb/pkg/proc/native"
	"github.com/xdb-debugger/xdb/service"
	"github.com/xdb-debugger/xdb/service/api"
)

var _ service.Client = &Debugger{}

// Debugger service.
//
// Debugger provides a higher level of
// abstraction over proc.Process.
// It handles converting from internal types to
// the types expected by clients. It also owns the instruction cache and
// applies the breakpoint bookkeeping that follows every stop of the
// target.
type Debugger struct {
	config *Config
	// arguments to launch a new process.
	processArgs []string

	processMutex sync.Mutex
	target       proc.Process
	cache        *proc.InstructionCache
	log          logflags.Logger

	running      bool
	runningMutex sync.Mutex

	// lastStatus and stopBreakpoint describe the last stop of the target.
	lastStatus     proc.StopStatus
	stopBreakpoint *proc.Breakpoint

	// pending holds statuses drained by Halt before anyone waited for
	// them, wake tells WaitForStop about them.
	pending []proc.StopStatus
	wake    chan struct{}
}

// Config provides the configuration to start a Debugger.
//
// Only one of ProcessArgs or AttachPid should be specified. If ProcessArgs is
// provided, a new process will be launched. Otherwise, the debugger will try
// to attach to an existing process with AttachPid.
type Config struct {
	// WorkingDir is working directory of the new process. This field is used
	// only when launching a new process.
	WorkingDir string

	// AttachPid is the PID of an existing process to which the debugger should
	// attach.
	AttachPid int

	// DisableASLR turns off address space randomization for a launched
	// process.
	DisableASLR bool

	// TTY is the terminal used by a launched process.
	TTY string

	// Stdin, Stdout and Stderr are the standard streams of a launched
	// process.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// WindowSize is the number of bytes decoded at a time by the
	// instruction cache, 0 selects the default.
	WindowSize int
}

// New creates a new Debugger. ProcessArgs specify the commandline arguments for the
// new process.
func New(config *Config, processArgs []string) (*Debugger, error) {
	logger := logflags.DebuggerLogger()

	var (
		p   *native.Process
		err error
	)
	// Create the process by either attaching or launching.
	switch {
	case config.AttachPid > 0:
		logger.Infof("attaching to pid %d", config.AttachPid)
		p, err = native.Attach(config.AttachPid)
		if err != nil {
			return nil, attachErrorMessage(config.AttachPid, err)
		}
	default:
		if len(processArgs) == 0 {
			return nil, errors.New("no program to launch")
		}
		if err := verifyBinaryFormat(processArgs[0]); err != nil {
			return nil, err
		}
		logger.Infof("launching process with args: %v", processArgs)
		p, err = native.Launch(native.LaunchConfig{
			Args:        processArgs,
			WorkingDir:  config.WorkingDir,
			DisableASLR: config.DisableASLR,
			TTY:         config.TTY,
			Stdin:       config.Stdin,
			Stdout:      config.Stdout,
			Stderr:      config.Stderr,
		})
		if err != nil {
			return nil, err
		}
	}
	d := newDebugger(config, p)
	d.processArgs = processArgs
	return d, nil
}

// newDebugger wraps an already stopped target.
func newDebugger(config *Config, p proc.Process) *Debugger {
	d := &Debugger{
		config: config,
		target: p,
		cache:  proc.NewInstructionCache(config.WindowSize),
		log:    logflags.DebuggerLogger(),
		wake:   make(chan struct{}, 1),
	}
	d.cache.SetAnchor(p.Context().PC())
	return d
}

// ProcessPid returns the PID of the process
// the debugger is debugging.
func (d *Debugger) ProcessPid() int {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return d.target.Pid()
}

// LaunchedProcess returns true if the target was started by the debugger.
func (d *Debugger) LaunchedProcess() bool {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return d.target.ChildProcess()
}

// EntryPoint returns the entry point of the executable.
func (d *Debugger) EntryPoint() (uint64, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	ep, ok := d.target.(interface{ EntryPoint() (uint64, error) })
	if !ok {
		return 0, errors.New("entry point not available")
	}
	return ep.EntryPoint()
}

func (d *Debugger) isRunning() bool {
	d.runningMutex.Lock()
	defer d.runningMutex.Unlock()
	return d.running
}

func (d *Debugger) setRunning(running bool) {
	d.runningMutex.Lock()
	d.running = running
	d.runningMutex.Unlock()
}

// Detach releases the target. If kill is true the target is killed,
// otherwise every breakpoint is removed and the target keeps running.
func (d *Debugger) Detach(kill bool) error {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	if kill {
		d.log.Debug("killing process")
		d.pending = nil
		return d.target.Kill()
	}
	d.log.Debug("detaching")
	if err := d.target.Detach(); err != nil {
		return err
	}
	d.pending = nil
	d.cache.Purge()
	return nil
}

// Continue resumes the target. Use WaitForStop or Poll to observe the
// next stop.
func (d *Debugger) Continue() error {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	if err := d.target.Continue(); err != nil {
		return err
	}
	d.resumed()
	return nil
}

// StepInstruction executes a single instruction. Use WaitForStop or Poll
// to observe the resulting stop.
func (d *Debugger) StepInstruction() error {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	if err := d.target.StepInstruction(); err != nil {
		return err
	}
	d.resumed()
	return nil
}

func (d *Debugger) resumed() {
	d.stopBreakpoint = nil
	d.setRunning(true)
}

// Halt asks a running target to stop. It is safe to call while another
// goroutine is blocked in WaitForStop.
// A target that already reported a stop nobody has processed yet is not
// signalled again: the status is kept for the next Poll or WaitForStop and
// proc.ErrNotRunning is returned.
func (d *Debugger) Halt() error {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	if s, ok := d.target.TryNextStatus(); ok {
		d.log.Debugf("not halting, target already reported %s", s)
		d.pending = append(d.pending, s)
		select {
		case d.wake <- struct{}{}:
		default:
		}
		return proc.ErrNotRunning
	}
	d.log.Debug("halting")
	return d.target.Interrupt()
}

// nextStatusLocked returns the oldest status not processed yet, without
// blocking.
func (d *Debugger) nextStatusLocked() (proc.StopStatus, bool) {
	if len(d.pending) > 0 {
		s := d.pending[0]
		d.pending = d.pending[1:]
		return s, true
	}
	return d.target.TryNextStatus()
}

// Poll processes the next stop status of the target, if there is one,
// without blocking.
func (d *Debugger) Poll() (*api.DebuggerState, bool, error) {
	d.processMutex.Lock()
	s, ok := d.nextStatusLocked()
	d.processMutex.Unlock()
	if !ok {
		return nil, false, nil
	}
	state, err := d.handleStatus(s)
	return state, true, err
}

// WaitForStop blocks until the target stops or exits, or ctx is done.
func (d *Debugger) WaitForStop(ctx context.Context) (*api.DebuggerState, error) {
	for {
		d.processMutex.Lock()
		if len(d.pending) > 0 {
			s, _ := d.nextStatusLocked()
			d.processMutex.Unlock()
			return d.handleStatus(s)
		}
		ch := d.target.StopStatuses()
		d.processMutex.Unlock()
		select {
		case s, ok := <-ch:
			if !ok {
				d.setRunning(false)
				return d.State(), nil
			}
			return d.handleStatus(s)
		case <-d.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// handleStatus records a wait status of the target. For stops it moves
// the PC past a software breakpoint that was hit and re-centers the
// instruction cache on the PC.
func (d *Debugger) handleStatus(s proc.StopStatus) (*api.DebuggerState, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	d.log.Debugf("%s", s)
	d.lastStatus = s
	err := d.target.UpdateStatus(s)
	if !s.Stopped() {
		d.setRunning(false)
		d.cache.Purge()
		return d.stateLocked(), err
	}
	d.setRunning(false)
	if err != nil {
		return d.stateLocked(), err
	}

	bps := d.target.Breakpoints()
	bp, _, err := bps.CorrectAfterTrap(d.target, s, d.target.Context().PC())
	if err != nil {
		return d.stateLocked(), err
	}
	if bp == nil {
		bp, err = bps.HardwareHit(d.target, s)
		if err != nil {
			return d.stateLocked(), err
		}
	}
	d.stopBreakpoint = bp
	if bp != nil {
		d.log.Debugf("hit %s", bp)
	}
	d.cache.SetAnchor(d.target.Context().PC())
	d.cache.Prune()
	return d.stateLocked(), nil
}

// State returns the current state of the debugger.
func (d *Debugger) State() *api.DebuggerState {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return d.stateLocked()
}

func (d *Debugger) stateLocked() *api.DebuggerState {
	state := &api.DebuggerState{
		Pid:        d.target.Pid(),
		Running:    d.isRunning(),
		Exited:     d.target.Exited(),
		Breakpoint: api.ConvertBreakpoint(d.stopBreakpoint),
	}
	if d.lastStatus != 0 || state.Exited {
		state.Status = d.lastStatus.String()
	}
	if state.Exited {
		state.ExitStatus = d.lastStatus.ExitStatus()
		if d.lastStatus.Signaled() {
			state.ExitStatus = -int(d.lastStatus.Signal())
		}
	}
	if d.target.Stopped() {
		state.PC = d.target.Context().PC()
		if d.lastStatus.Stopped() {
			state.StopSignal = int(d.lastStatus.StopSignal())
		}
	}
	if detached, ok := d.target.(interface{ Detached() bool }); ok {
		state.Detached = detached.Detached()
	}
	return state
}

// instructionSize returns the length of the instruction at addr, as seen
// with breakpoints removed. Undecodable bytes count as one byte.
func (d *Debugger) instructionSize(addr uint64) (int, error) {
	if inst, ok := d.cache.Lookup(addr); ok {
		return inst.Size, nil
	}
	insts, err := proc.Disassemble(d.target, d.target.Breakpoints(), addr, addr+proc.MaxInstructionLength)
	if err != nil {
		// The instruction may end close to an unmapped page.
		insts, err = proc.Disassemble(d.target, d.target.Breakpoints(), addr, addr+1)
		if err != nil {
			return 0, err
		}
	}
	if len(insts) == 0 {
		return 1, nil
	}
	return insts[0].Size, nil
}

// CreateSoftwareBreakpoint sets a software breakpoint at addr.
func (d *Debugger) CreateSoftwareBreakpoint(addr uint64) (*api.Breakpoint, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	size, err := d.instructionSize(addr)
	if err != nil {
		return nil, err
	}
	bp, err := d.target.Breakpoints().AddSoftware(d.target, addr, size)
	if err != nil {
		return nil, err
	}
	d.log.Infof("created breakpoint: %s", bp)
	return api.ConvertBreakpoint(bp), nil
}

// CreateHardwareBreakpoint sets a hardware breakpoint at addr.
func (d *Debugger) CreateHardwareBreakpoint(addr uint64) (*api.Breakpoint, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	bp, err := d.target.Breakpoints().AddHardware(d.target, addr)
	if err != nil {
		return nil, err
	}
	d.log.Infof("created breakpoint: %s", bp)
	return api.ConvertBreakpoint(bp), nil
}

// ClearBreakpoint removes the breakpoint at addr.
func (d *Debugger) ClearBreakpoint(addr uint64) (*api.Breakpoint, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	bp, err := d.target.Breakpoints().Remove(d.target, addr)
	if err != nil {
		return nil, err
	}
	if bp == nil {
		return nil, proc.NoBreakpointError{Addr: addr}
	}
	d.log.Infof("cleared breakpoint: %s", bp)
	return api.ConvertBreakpoint(bp), nil
}

// ClearAllBreakpoints removes every breakpoint.
func (d *Debugger) ClearAllBreakpoints() error {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return d.target.Breakpoints().ClearAll(d.target)
}

// ToggleBreakpoint cycles the breakpoint at addr from none to software to
// hardware and back to none. It returns the breakpoint now set at addr,
// nil if there is none.
func (d *Debugger) ToggleBreakpoint(addr uint64) (*api.Breakpoint, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	bps := d.target.Breakpoints()
	size := 1
	if bps.Find(addr) == nil {
		var err error
		size, err = d.instructionSize(addr)
		if err != nil {
			return nil, err
		}
	}
	bp, err := bps.ToggleAt(d.target, addr, size)
	return api.ConvertBreakpoint(bp), err
}

// Breakpoints returns the list of current breakpoints, sorted by address.
func (d *Debugger) Breakpoints() []*api.Breakpoint {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return api.ConvertBreakpoints(d.target.Breakpoints().List())
}

// FindBreakpoint returns the breakpoint at addr, or nil.
func (d *Debugger) FindBreakpoint(addr uint64) *api.Breakpoint {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return api.ConvertBreakpoint(d.target.Breakpoints().Find(addr))
}

// ReadMemory returns size bytes of target memory at addr, exactly as they
// are in the target: software breakpoints show up as traps.
func (d *Debugger) ReadMemory(addr uint64, size int) ([]byte, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return d.target.ReadMemory(addr, size)
}

// WriteMemory writes data at addr. Bytes under enabled software
// breakpoints are recorded as their new original data and the traps stay
// in place.
func (d *Debugger) WriteMemory(addr uint64, data []byte) error {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	if len(data) == 0 {
		return nil
	}
	data = append([]byte(nil), data...)
	end := addr + uint64(len(data))
	type update struct {
		bp   *proc.Breakpoint
		data []byte
	}
	var updates []update
	for _, bp := range d.target.Breakpoints().List() {
		orig, ok := bp.Original()
		if !ok || bp.Addr < addr || bp.Addr >= end {
			continue
		}
		neworig := append([]byte(nil), orig...)
		for i := range neworig {
			if a := bp.Addr + uint64(i); a < end {
				neworig[i] = data[a-addr]
				data[a-addr] = proc.BreakpointInstruction[i]
			}
		}
		updates = append(updates, update{bp, neworig})
	}
	if err := d.target.WriteMemory(addr, data); err != nil {
		return err
	}
	for _, u := range updates {
		u.bp.OriginalData = u.data
	}
	d.cache.Purge()
	return nil
}

// Registers returns the general purpose registers of the stopped target.
func (d *Debugger) Registers() (api.Registers, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	if !d.target.Stopped() {
		return nil, proc.ErrNotStopped
	}
	return api.ConvertRegisters(d.target.Context()), nil
}

// SetRegister changes the value of a general purpose register.
func (d *Debugger) SetRegister(name string, value uint64) error {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	oldpc := d.target.Context().PC()
	if err := d.target.SetRegister(name, value); err != nil {
		return err
	}
	if pc := d.target.Context().PC(); pc != oldpc {
		d.cache.SetAnchor(pc)
	}
	return nil
}

// SetPC moves the instruction pointer of the target to addr.
func (d *Debugger) SetPC(addr uint64) error {
	return d.SetRegister("rip", addr)
}

// Disassemble returns count instructions starting at the disassembly
// anchor, which follows the PC at every stop and can be moved with Goto,
// ScrollUp and ScrollDown.
func (d *Debugger) Disassemble(count int, flavour api.AssemblyFlavour) (api.AsmInstructions, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	bps := d.target.Breakpoints()
	insts, err := d.cache.Window(d.target, bps, count)
	if err != nil {
		return nil, err
	}
	var pc uint64
	if d.target.Stopped() {
		pc = d.target.Context().PC()
	}
	r := make(api.AsmInstructions, 0, len(insts))
	for _, inst := range insts {
		if bp := bps.Find(inst.Addr); bp != nil {
			inst.Breakpoint = true
			inst.Hardware = bp.IsHardware()
		}
		inst.AtPC = pc != 0 && inst.Addr == pc
		r = append(r, api.ConvertAsmInstruction(inst, inst.Text(proc.AssemblyFlavour(flavour), nil)))
	}
	return r, nil
}

// Goto moves the disassembly anchor to addr.
func (d *Debugger) Goto(addr uint64) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	d.cache.SetAnchor(addr)
}

// ScrollDown moves the disassembly anchor one instruction forward.
func (d *Debugger) ScrollDown() error {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return d.cache.ScrollDown(d.target, d.target.Breakpoints())
}

// ScrollUp moves the disassembly anchor one instruction back.
func (d *Debugger) ScrollUp() error {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return d.cache.ScrollUp(d.target, d.target.Breakpoints())
}
