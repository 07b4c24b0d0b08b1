package proc

import (
	"errors"
	"sort"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/arch/x86/x86asm"

	"github.com/xdb-debugger/xdb/pkg/logflags"
)

const (
	// DefaultWindowSize is the number of bytes decoded on a cache refresh.
	DefaultWindowSize = 0x150

	// MaxInstructionLength is the longest valid x86-64 instruction.
	MaxInstructionLength = 15

	minWindowRead   = 16
	previousMemoLen = 1024
)

// AsmInstruction represents one assembly instruction.
type AsmInstruction struct {
	Addr  uint64
	Bytes []byte
	Size  int
	Kind  AsmInstructionKind

	// Inst is nil for bytes that do not decode.
	Inst *x86asm.Inst

	Breakpoint bool
	Hardware   bool
	AtPC       bool
}

type AsmInstructionKind uint8

const (
	OtherInstruction AsmInstructionKind = iota
	CallInstruction
	RetInstruction
	JmpInstruction
	HardBreakInstruction
	BadInstruction
)

func (instr *AsmInstruction) IsCall() bool {
	return instr.Kind == CallInstruction
}

func (instr *AsmInstruction) IsRet() bool {
	return instr.Kind == RetInstruction
}

func (instr *AsmInstruction) IsJmp() bool {
	return instr.Kind == JmpInstruction
}

// End returns the address following the instruction.
func (instr *AsmInstruction) End() uint64 {
	return instr.Addr + uint64(instr.Size)
}

// AssemblyFlavour is the assembly syntax to display.
type AssemblyFlavour int

const (
	// GNUFlavour will display GNU assembly syntax.
	GNUFlavour = AssemblyFlavour(iota)
	// IntelFlavour will display Intel assembly syntax.
	IntelFlavour
	// GoFlavour will display Go assembly syntax.
	GoFlavour
)

// ParseAssemblyFlavour converts a configuration value to an AssemblyFlavour.
func ParseAssemblyFlavour(s string) (AssemblyFlavour, bool) {
	switch s {
	case "", "gnu", "att":
		return GNUFlavour, true
	case "intel":
		return IntelFlavour, true
	case "go":
		return GoFlavour, true
	}
	return GNUFlavour, false
}

// BreakpointLookup finds the breakpoint installed at an address.
// *BreakpointManager implements it.
type BreakpointLookup interface {
	Find(addr uint64) *Breakpoint
	List() []*Breakpoint
}

// InstructionCache keeps decoded instructions around an anchor address
// (normally the PC). Records are sorted by address, never overlap and
// always reflect the original code: software breakpoint traps are
// replaced by the bytes they hide before decoding.
type InstructionCache struct {
	window uint64
	anchor uint64
	insts  []AsmInstruction

	// previous memoises FindPrevious, keyed by address.
	previous *lru.Cache
}

// NewInstructionCache returns an empty cache decoding windowSize bytes at
// a time. A non positive windowSize selects DefaultWindowSize.
func NewInstructionCache(windowSize int) *InstructionCache {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if windowSize < minWindowRead {
		windowSize = minWindowRead
	}
	previous, err := lru.New(previousMemoLen)
	if err != nil {
		panic(err)
	}
	return &InstructionCache{window: uint64(windowSize), previous: previous}
}

// WindowSize returns the number of bytes decoded by each refresh.
func (c *InstructionCache) WindowSize() int { return int(c.window) }

// Anchor returns the address the cache is centered on.
func (c *InstructionCache) Anchor() uint64 { return c.anchor }

// SetAnchor moves the cache to addr. Nothing is decoded until the next
// Refresh or Window call.
func (c *InstructionCache) SetAnchor(addr uint64) { c.anchor = addr }

// Len returns the number of cached records.
func (c *InstructionCache) Len() int { return len(c.insts) }

// Instructions returns a copy of every cached record, in address order.
func (c *InstructionCache) Instructions() []AsmInstruction {
	return append([]AsmInstruction(nil), c.insts...)
}

// Purge drops every record. It must be called after the target's code
// may have changed, for example after a memory write.
func (c *InstructionCache) Purge() {
	c.insts = nil
	c.previous.Purge()
}

// Prune drops records too far from the anchor: anything at a distance of
// twice the window size or more.
func (c *InstructionCache) Prune() {
	limit := 2 * c.window
	kept := c.insts[:0]
	for _, inst := range c.insts {
		if distance(inst.Addr, c.anchor) < limit {
			kept = append(kept, inst)
		}
	}
	c.insts = kept
}

func distance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Refresh decodes the window starting at the anchor, merges the result
// into the cache and prunes records too far from the anchor.
func (c *InstructionCache) Refresh(mem MemoryReadWriter, bps BreakpointLookup) error {
	if err := c.refresh(mem, bps); err != nil {
		return err
	}
	c.Prune()
	return nil
}

func (c *InstructionCache) refresh(mem MemoryReadWriter, bps BreakpointLookup) error {
	data, err := c.fetch(mem, c.anchor)
	if err != nil {
		return DecodeUnavailableError{Addr: c.anchor, Err: err}
	}
	overlayOriginal(data, c.anchor, bps)
	insts := decodeAll(c.anchor, data)
	if len(insts) == 0 {
		return DecodeUnavailableError{Addr: c.anchor, Err: x86asm.ErrTruncated}
	}
	c.merge(insts)
	logflags.DisasmLogger().Debugf("decoded %d instructions at %#x (%d bytes)", len(insts), c.anchor, len(data))
	return nil
}

// fetch reads the window at addr, halving the read size when the end of
// the window falls in unmapped memory. Below minWindowRead bytes the size
// shrinks one byte at a time, so that code ending right before an
// unmapped page is still read in full.
func (c *InstructionCache) fetch(mem MemoryReadWriter, addr uint64) ([]byte, error) {
	var firstErr error
	for size := c.window; size >= minWindowRead; size /= 2 {
		data, err := mem.ReadMemory(addr, int(size))
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	for size := minWindowRead - 1; size > 0; size-- {
		if data, err := mem.ReadMemory(addr, size); err == nil {
			return data, nil
		}
	}
	return nil, firstErr
}

// overlayOriginal replaces the traps of enabled software breakpoints inside
// data (which starts at addr) with the bytes they hide.
func overlayOriginal(data []byte, addr uint64, bps BreakpointLookup) {
	if bps == nil {
		return
	}
	end := addr + uint64(len(data))
	for _, bp := range bps.List() {
		original, ok := bp.Original()
		if !ok {
			continue
		}
		for i, b := range original {
			a := bp.Addr + uint64(i)
			if a >= addr && a < end {
				data[a-addr] = b
			}
		}
	}
}

// merge inserts insts, which must be contiguous and sorted, replacing any
// cached record overlapping the decoded range.
func (c *InstructionCache) merge(insts []AsmInstruction) {
	start, end := insts[0].Addr, insts[len(insts)-1].End()
	merged := make([]AsmInstruction, 0, len(c.insts)+len(insts))
	for _, inst := range c.insts {
		if inst.End() <= start || inst.Addr >= end {
			merged = append(merged, inst)
		}
	}
	merged = append(merged, insts...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Addr < merged[j].Addr })
	c.insts = merged
}

// index returns the position of the record at addr.
func (c *InstructionCache) index(addr uint64) (int, bool) {
	i := sort.Search(len(c.insts), func(i int) bool { return c.insts[i].Addr >= addr })
	return i, i < len(c.insts) && c.insts[i].Addr == addr
}

// Lookup returns the cached record at addr.
func (c *InstructionCache) Lookup(addr uint64) (AsmInstruction, bool) {
	i, ok := c.index(addr)
	if !ok {
		return AsmInstruction{}, false
	}
	return c.insts[i], true
}

// Window returns count consecutive records starting at the anchor,
// refreshing the cache when the anchor is missing or fewer than count
// records follow it. Fewer than count records are returned when the
// readable memory ends first.
func (c *InstructionCache) Window(mem MemoryReadWriter, bps BreakpointLookup, count int) ([]AsmInstruction, error) {
	if count <= 0 {
		return nil, nil
	}
	if !c.contiguous(c.anchor, count) {
		if err := c.Refresh(mem, bps); err != nil {
			return nil, err
		}
	}
	i, ok := c.index(c.anchor)
	if !ok {
		return nil, DecodeUnavailableError{Addr: c.anchor}
	}
	// Extend forward when the window did not cover count records.
	for !c.contiguous(c.anchor, count) {
		last := c.lastContiguous(i)
		next := c.insts[last].End()
		if next <= c.anchor {
			break
		}
		saved := c.anchor
		c.anchor = next
		err := c.refresh(mem, bps)
		c.anchor = saved
		if err != nil {
			break
		}
		i, _ = c.index(c.anchor)
	}
	last := c.lastContiguous(i)
	if n := last - i + 1; n > count {
		last = i + count - 1
	}
	r := append([]AsmInstruction(nil), c.insts[i:last+1]...)
	c.Prune()
	return r, nil
}

// lastContiguous returns the index of the last record in the run of
// adjacent records starting at index i.
func (c *InstructionCache) lastContiguous(i int) int {
	for i+1 < len(c.insts) && c.insts[i].End() == c.insts[i+1].Addr {
		i++
	}
	return i
}

// contiguous reports whether count adjacent records start at addr.
func (c *InstructionCache) contiguous(addr uint64, count int) bool {
	i, ok := c.index(addr)
	if !ok {
		return false
	}
	return c.lastContiguous(i)-i+1 >= count
}

// ScrollDown moves the anchor to the instruction following it.
func (c *InstructionCache) ScrollDown(mem MemoryReadWriter, bps BreakpointLookup) error {
	insts, err := c.Window(mem, bps, 1)
	if err != nil {
		return err
	}
	c.anchor = insts[0].End()
	return nil
}

// ScrollUp moves the anchor to the instruction preceding it.
func (c *InstructionCache) ScrollUp(mem MemoryReadWriter, bps BreakpointLookup) error {
	prev, err := c.FindPrevious(mem, bps, c.anchor)
	if err != nil {
		return err
	}
	c.anchor = prev
	return nil
}

// FindPrevious returns the address of the instruction ending at addr.
// x86 code can not be decoded backwards, so every length from 1 to
// MaxInstructionLength is tried: a length L is accepted when the bytes at
// addr-L decode to exactly one instruction of length L followed by the
// instruction already known at addr. The shortest matching length wins
// unless the cache already holds a record ending at addr.
func (c *InstructionCache) FindPrevious(mem MemoryReadWriter, bps BreakpointLookup, addr uint64) (uint64, error) {
	if i, ok := c.index(addr); ok && i > 0 && c.insts[i-1].End() == addr {
		return c.insts[i-1].Addr, nil
	}
	if v, ok := c.previous.Get(addr); ok {
		return v.(uint64), nil
	}

	known, err := c.decodeAt(mem, bps, addr)
	if err != nil {
		return 0, err
	}
	for l := 1; l <= MaxInstructionLength; l++ {
		if uint64(l) > addr {
			break
		}
		start := addr - uint64(l)
		data, err := mem.ReadMemory(start, l+len(known.Bytes))
		if err != nil {
			continue
		}
		overlayOriginal(data, start, bps)
		if matchesPrevious(data, l, known) {
			c.previous.Add(addr, start)
			return start, nil
		}
	}
	return 0, DecodeUnavailableError{Addr: addr, Err: errNoPreviousInstruction}
}

var errNoPreviousInstruction = errors.New("no instruction boundary found before address")

// matchesPrevious reports whether data decodes to an instruction of
// length l followed by exactly known.
func matchesPrevious(data []byte, l int, known AsmInstruction) bool {
	first, err := x86asm.Decode(data, 64)
	if err != nil || first.Op == 0 || first.Len != l {
		return false
	}
	second, err := x86asm.Decode(data[l:], 64)
	if err != nil || known.Inst == nil {
		return false
	}
	return second.Len == known.Size && second == *known.Inst
}

// decodeAt returns the decoded instruction at addr, from the cache when
// possible.
func (c *InstructionCache) decodeAt(mem MemoryReadWriter, bps BreakpointLookup, addr uint64) (AsmInstruction, error) {
	if inst, ok := c.Lookup(addr); ok && inst.Inst != nil {
		return inst, nil
	}
	data, err := mem.ReadMemory(addr, MaxInstructionLength)
	if err != nil {
		// The instruction may end just before an unmapped page.
		for size := MaxInstructionLength - 1; size > 0 && err != nil; size-- {
			data, err = mem.ReadMemory(addr, size)
		}
		if err != nil {
			return AsmInstruction{}, DecodeUnavailableError{Addr: addr, Err: err}
		}
	}
	overlayOriginal(data, addr, bps)
	var inst AsmInstruction
	if err := x86AsmDecode(&inst, addr, data); err != nil {
		return AsmInstruction{}, DecodeUnavailableError{Addr: addr, Err: err}
	}
	return inst, nil
}

// decodeAll decodes data, which starts at addr, sequentially. Bytes that
// do not form an instruction become one byte records. An incomplete
// instruction at the end of data is dropped: it is decoded by the refresh
// of the following window.
func decodeAll(addr uint64, data []byte) []AsmInstruction {
	r := make([]AsmInstruction, 0, len(data)/4)
	pc := addr
	for len(data) > 0 {
		var inst AsmInstruction
		err := x86AsmDecode(&inst, pc, data)
		if err == x86asm.ErrTruncated || (err == errPrefixOnly && len(data) < MaxInstructionLength) {
			break
		}
		r = append(r, inst)
		pc += uint64(inst.Size)
		data = data[inst.Size:]
	}
	return r
}

// Disassemble decodes the code between startAddr and endAddr without
// caching. The result reflects the original code under software
// breakpoints.
func Disassemble(mem MemoryReadWriter, bps BreakpointLookup, startAddr, endAddr uint64) ([]AsmInstruction, error) {
	if endAddr <= startAddr {
		return nil, nil
	}
	data, err := mem.ReadMemory(startAddr, int(endAddr-startAddr))
	if err != nil {
		return nil, err
	}
	overlayOriginal(data, startAddr, bps)
	return decodeAll(startAddr, data), nil
}
