package proc

import (
	"fmt"
	"sort"

	"github.com/xdb-debugger/xdb/pkg/proc/amd64util"
)

// BreakpointManager tracks the breakpoints installed in a single target
// and owns the four hardware breakpoint slots.
type BreakpointManager struct {
	M map[uint64]*Breakpoint

	// freeSlots lists the unused debug address registers in ascending
	// order.
	freeSlots []uint8

	breakpointIDCounter int
}

// NewBreakpointManager creates a new BreakpointManager with every hardware
// slot free.
func NewBreakpointManager() *BreakpointManager {
	m := &BreakpointManager{M: make(map[uint64]*Breakpoint)}
	for i := uint8(0); i < amd64util.NumAddressRegisters; i++ {
		m.freeSlots = append(m.freeSlots, i)
	}
	return m
}

// Len returns the number of breakpoints.
func (m *BreakpointManager) Len() int { return len(m.M) }

// HardwareInUse returns the number of hardware slots currently taken.
func (m *BreakpointManager) HardwareInUse() int {
	return amd64util.NumAddressRegisters - len(m.freeSlots)
}

// Find returns the breakpoint at addr, or nil.
func (m *BreakpointManager) Find(addr uint64) *Breakpoint {
	return m.M[addr]
}

// List returns all breakpoints sorted by address.
func (m *BreakpointManager) List() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(m.M))
	for _, bp := range m.M {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

// AddSoftware installs a software breakpoint at addr covering an
// instruction of size bytes.
func (m *BreakpointManager) AddSoftware(t Tracee, addr uint64, size int) (*Breakpoint, error) {
	if _, exists := m.M[addr]; exists {
		return nil, BreakpointExistsError{Addr: addr}
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid instruction size %d for breakpoint at %#x", size, addr)
	}
	bp := NewSoftwareBreakpoint(addr, size)
	if err := bp.Enable(t); err != nil {
		return nil, err
	}
	m.insert(bp)
	return bp, nil
}

// AddHardware installs a hardware breakpoint at addr in the lowest free
// debug register.
func (m *BreakpointManager) AddHardware(t Tracee, addr uint64) (*Breakpoint, error) {
	if _, exists := m.M[addr]; exists {
		return nil, BreakpointExistsError{Addr: addr}
	}
	if len(m.freeSlots) == 0 {
		return nil, ErrHardwareSlotsExhausted
	}
	bp, err := NewHardwareBreakpoint(addr, int(m.freeSlots[0]))
	if err != nil {
		return nil, err
	}
	if err := bp.Enable(t); err != nil {
		return nil, err
	}
	m.freeSlots = m.freeSlots[1:]
	m.insert(bp)
	return bp, nil
}

func (m *BreakpointManager) insert(bp *Breakpoint) {
	m.breakpointIDCounter++
	bp.ID = m.breakpointIDCounter
	m.M[bp.Addr] = bp
}

// Remove disables and forgets the breakpoint at addr, returning it. It
// returns nil, nil if there is no breakpoint at addr. If the breakpoint
// can not be disabled it is kept.
func (m *BreakpointManager) Remove(t Tracee, addr uint64) (*Breakpoint, error) {
	bp, ok := m.M[addr]
	if !ok {
		return nil, nil
	}
	if err := bp.Disable(t); err != nil {
		return nil, err
	}
	if bp.IsHardware() {
		m.releaseSlot(bp.HWIndex)
	}
	delete(m.M, addr)
	return bp, nil
}

func (m *BreakpointManager) releaseSlot(idx uint8) {
	for _, free := range m.freeSlots {
		if free == idx {
			return
		}
	}
	m.freeSlots = append(m.freeSlots, idx)
	sort.Slice(m.freeSlots, func(i, j int) bool { return m.freeSlots[i] < m.freeSlots[j] })
}

// ToggleAt cycles the breakpoint at addr through no breakpoint, software
// breakpoint and hardware breakpoint. The breakpoint left at addr is
// returned, nil if it was removed.
// When no hardware slot is available, or the hardware breakpoint can not
// be installed, the software breakpoint is kept.
func (m *BreakpointManager) ToggleAt(t Tracee, addr uint64, size int) (*Breakpoint, error) {
	bp, ok := m.M[addr]
	switch {
	case !ok:
		return m.AddSoftware(t, addr, size)
	case bp.IsHardware():
		_, err := m.Remove(t, addr)
		return nil, err
	}
	if len(m.freeSlots) == 0 {
		return bp, ErrHardwareSlotsExhausted
	}
	if _, err := m.Remove(t, addr); err != nil {
		return bp, err
	}
	hw, err := m.AddHardware(t, addr)
	if err != nil {
		if rerr := bp.Enable(t); rerr != nil {
			return nil, fmt.Errorf("%v (software breakpoint at %#x lost: %v)", err, addr, rerr)
		}
		m.M[addr] = bp
		return bp, err
	}
	return hw, nil
}

// ClearAll removes every breakpoint, restoring the original code and debug
// registers. Breakpoints that can not be removed are kept and the first
// error is returned.
func (m *BreakpointManager) ClearAll(t Tracee) error {
	var firstErr error
	for _, bp := range m.List() {
		if _, err := m.Remove(t, bp.Addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CorrectAfterTrap handles a stop caused by one of our software
// breakpoints. The trap is one byte long, so the reported pc is one byte
// past the breakpoint address; if a software breakpoint is enabled there
// the PC is moved to the end of the instruction it covers (addr+Size).
// It returns the breakpoint that was hit and whether the PC was changed.
func (m *BreakpointManager) CorrectAfterTrap(t Tracee, status StopStatus, pc uint64) (*Breakpoint, bool, error) {
	if !status.Trapped() || pc == 0 {
		return nil, false, nil
	}
	addr := pc - uint64(len(BreakpointInstruction))
	bp, ok := m.M[addr]
	if !ok || bp.IsHardware() || !bp.Enabled() {
		return nil, false, nil
	}
	if err := t.SetPC(addr + uint64(bp.Size)); err != nil {
		return bp, false, err
	}
	bp.TotalHitCount++
	return bp, true, nil
}

// HardwareHit returns the hardware breakpoint that caused a SIGTRAP stop,
// if any, and clears the condition bits in the status register.
func (m *BreakpointManager) HardwareHit(t Tracee, status StopStatus) (*Breakpoint, error) {
	if !status.Trapped() || m.HardwareInUse() == 0 {
		return nil, nil
	}
	dr6, err := t.ReadDebugRegister(amd64util.DR6)
	if err != nil {
		return nil, err
	}
	dr7, err := t.ReadDebugRegister(amd64util.DR7)
	if err != nil {
		return nil, err
	}
	idx, ok := amd64util.ActiveBreakpoint(dr6, dr7)
	if !ok {
		return nil, nil
	}
	if err := t.WriteDebugRegister(amd64util.DR6, dr6&^0xf); err != nil {
		return nil, err
	}
	for _, bp := range m.M {
		if bp.IsHardware() && bp.HWIndex == idx {
			bp.TotalHitCount++
			return bp, nil
		}
	}
	return nil, nil
}
