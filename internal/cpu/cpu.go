// Package cpu implements the MERA-400 instruction interpreter: the
// fetch/decode/execute cycle, the register file, and interrupt servicing.
// RunState names the eight OFF/RUN/STOP/WAIT/CYCLE/CLM/CLO/BIN states, but
// Step executes only in RUN and returns ErrHalted in every other state; this
// package performs no CYCLE, CLM, CLO, BIN or WAIT processing of its own and
// has no binary loader.
package cpu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jfilipowicz/em400core/internal/intr"
	"github.com/jfilipowicz/em400core/internal/mem"
)

// RunState is one of the CPU's eight operating states.
type RunState int

const (
	StateOff RunState = iota
	StateRun
	StateStop
	StateWait
	StateCycle
	StateCLM // clear-master reset
	StateCLO // clear-operator reset
	StateBin // binary-load protocol, reading a loader tape word by word
)

func (s RunState) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateRun:
		return "RUN"
	case StateStop:
		return "STOP"
	case StateWait:
		return "WAIT"
	case StateCycle:
		return "CYCLE"
	case StateCLM:
		return "CLM"
	case StateCLO:
		return "CLO"
	case StateBin:
		return "BIN"
	default:
		return "?"
	}
}

// ErrHalted is returned by Step when the CPU is not in a state that fetches
// instructions.
var ErrHalted = errors.New("cpu: not running")

// CPU holds the full architectural register file plus the emulator-only
// bookkeeping (tracer, table, timing) needed to run it.
type CPU struct {
	mu sync.Mutex

	R [8]uint16 // general registers R0-R7

	IC uint16 // instruction counter
	IR uint16 // current instruction register (the fetched word)
	AC uint16 // computed argument
	AR uint16 // effective address register

	KB uint16 // keys register (front-panel switches)
	NB uint16 // current block/segment selector (IC's block)
	RM uint16 // interrupt mask, mirrors intr.Controller's mask
	MC uint16 // modification count: nonzero while mid modification chain

	P bool // skip-pending: the next fetched instruction is skipped
	Q bool // user/protected mode, mirrored into R0's FlagQ bit
	BS bool // block-switch bit, carried in SR across context save/restore

	// R0's low 12 bits double as the Z/M/V/C/L/E/G/Y/X/soft-U/soft-L/Q
	// flag word (see alu.go's Flag* constants and flags()/setFlags()
	// below); there is no separate flags field, so a context switch's
	// plain R0 save/restore carries the flag word through unchanged.

	RALARM bool // memory-fault latch, set by fault() on a handler-triggered no-mem trap
	StopOnNoMem bool // transition to STOP when a no-mem fault sets RALARM
	RegRestrict uint16 // bit i set: R[i] (i in 1..7) refuses handler writes
	ModificationsPresent bool // whether the MD pre-modification chain hardware is installed

	ZC17 bool // carry out of bit 17 captured by the last MD pre-modification

	State RunState
	cond  *sync.Cond

	Mem      *mem.Memory
	Intr     *intr.Controller
	Table    *OpTable
	AWP      AWPUnit
	Channels Channel
	Trace    *Tracer

	// clock tick pending; set by Tick from an external timer, consumed by
	// the cycle loop, grounds the Clock interrupt source.
	clockPending bool

	nominalCycleTime time.Duration
	lastAbsolute     time.Time
}

// New builds an idle CPU (state OFF) wired to the given memory and
// interrupt controller, with a freshly built opcode table. Modification
// chaining is enabled and user-mode I/O restriction is disabled by default; callers
// that need the configured variants use SetUserIOIllegal and the
// RegRestrict/ModificationsPresent/StopOnNoMem fields directly.
func New(m *mem.Memory, ic *intr.Controller) *CPU {
	c := &CPU{
		Mem:                   m,
		Intr:                  ic,
		Table:                 BuildOpTable(false),
		ModificationsPresent:  true,
		nominalCycleTime:      100 * time.Nanosecond,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetUserIOIllegal rebuilds the opcode table with OU/IN's FlagUserIllegal
// bit set or cleared, matching the cpu.user_io_illegal configuration
// option. Call before RequestState(StateRun).
func (c *CPU) SetUserIOIllegal(enabled bool) {
	c.Table = BuildOpTable(enabled)
}

// flags returns the current Z/M/V/C/L/E/G/Y/X/soft-U/soft-L/Q flag word
// packed into R0's low 12 bits.
func (c *CPU) flags() uint16 {
	return c.R[0] & 0x0FFF
}

// setFlags replaces the flag bits in R0's low 12 bits, leaving R0's upper
// nibble (the register's ordinary accumulator use, e.g. BLC/BRC's test
// bits) untouched.
func (c *CPU) setFlags(f uint16) {
	c.R[0] = (c.R[0] &^ 0x0FFF) | (f & 0x0FFF)
}

// flagSet reports whether every bit in mask is set in the current flag word.
func (c *CPU) flagSet(mask uint16) bool {
	return c.flags()&mask == mask
}

// setQ updates the user/protected-mode bit, keeping R0's FlagQ mirror in
// sync so a context switch's R0 save/restore carries it along exactly.
func (c *CPU) setQ(q bool) {
	c.Q = q
	if q {
		c.R[0] |= FlagQ
	} else {
		c.R[0] &^= FlagQ
	}
}

// setR writes a general register through the REG_RESTRICT_WRITE gate: R0 is
// always writable (it is also the flag word, never itself restricted), but
// R1..R7 refuse the write when the corresponding RegRestrict bit is set,
// leaving the register at its prior value.
func (c *CPU) setR(idx int, v uint16) {
	if idx != 0 && c.RegRestrict&(1<<uint(idx)) != 0 {
		return
	}
	c.R[idx] = v
}

// RequestState transitions the CPU to a new state, waking anyone waiting
// on the state condition variable (front-panel watchers, test harnesses).
func (c *CPU) RequestState(s RunState) {
	c.mu.Lock()
	c.State = s
	c.cond.Broadcast()
	c.mu.Unlock()
}

// WaitForState blocks until the CPU's state matches want or timeout
// elapses, returning false on timeout.
func (c *CPU) WaitForState(want RunState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timedOut := false
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		timedOut = true
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.State != want {
		if timedOut || !time.Now().Before(deadline) {
			return false
		}
		c.cond.Wait()
	}
	return true
}

// Tick marks one real-time clock interrupt as pending; called by an
// external periodic timer.
func (c *CPU) Tick() {
	c.mu.Lock()
	c.clockPending = true
	c.mu.Unlock()
}

// Step runs exactly one fetch/decode/execute cycle, including interrupt
// delivery when one is due. It returns the wall-clock duration the cycle
// should be throttled to (possibly negative, see note below).
func (c *CPU) Step() (time.Duration, error) {
	c.mu.Lock()
	state := c.State
	c.mu.Unlock()
	if state != StateRun {
		return 0, ErrHalted
	}

	if c.clockPending {
		c.clockPending = false
		c.Intr.Set(intr.Clock)
	}

	if !c.P && c.MC == 0 && c.Intr.Deliverable() {
		if err := c.serviceInterrupt(); err != nil {
			return 0, err
		}
		return c.nominalCycleTime, nil
	}

	pPending := c.P
	c.P = false

	word, err := c.Mem.ReadWord(c.NB, c.IC)
	if err != nil {
		c.raiseNoMemory()
		return 0, nil
	}
	c.IR = word
	c.IC++

	desc := c.Table[word]

	// An instruction is ineffective (treated exactly like an explicit
	// skip) when P was pending, or when R0 masked against the opcode's
	// own mask/result pair doesn't match. Every filled table entry
	// currently leaves SkipMask/SkipResult at zero, so this reduces to
	// pPending alone; see Descriptor's doc comment.
	skip := pPending || (c.R[0]&desc.SkipMask) != desc.SkipResult

	if skip {
		// A skip-pending instruction is fetched but never decoded or
		// executed; if it carries a long argument, that word is skipped
		// too so the following fetch lands back on a real instruction.
		if desc.Arg == ArgLong {
			c.IC++
		}
		c.MC = 0
		return c.nominalCycleTime, nil
	}

	if desc.Flags&FlagIllegal != 0 || (desc.Flags&FlagUserIllegal != 0 && c.Q) {
		c.Intr.Set(intr.Illegal)
		c.MC = 0
		return c.nominalCycleTime, nil
	}

	f := decodeFields(word)
	if err := c.prepareArg(desc, f); err != nil {
		var fe *mem.FaultError
		if errors.As(err, &fe) {
			c.raiseNoMemory()
			return c.nominalCycleTime, nil
		}
		return 0, err
	}

	elapsed := c.dispatch(desc.Handler, f)

	nominal := time.Duration(desc.BaseTime)
	if desc.Handler == hOU {
		// After an output instruction the reference core allows the next
		// cycle to run ahead of nominal time, carving out negative
		// throttle so a fast line doesn't stall on backpressure.
		nominal -= elapsed
	}
	if c.Trace != nil {
		c.Trace.Record(c, word, f)
	}
	return nominal, nil
}

// prepareArg computes AC (and AR, for ArgLong) per the opcode's argument
// class, applying any pending modification chain carry before B-indexing.
func (c *CPU) prepareArg(desc Descriptor, f fields) error {
	switch desc.Arg {
	case ArgNone:
		return nil
	case ArgByte:
		c.AC = uint16(f.body)
		return nil
	case ArgShort7:
		c.AC = uint16(f.shortImm7())
		return nil
	case ArgShort10:
		c.AC = uint16(f.shortImm10())
		return nil
	case ArgLong:
		base, err := c.Mem.ReadWord(c.NB, c.IC)
		if err != nil {
			return err
		}
		c.IC++
		ac := base
		if c.MC != 0 && c.ModificationsPresent {
			sum, flags := addWord(ac, c.AR, false)
			ac = sum
			c.ZC17 = flags&FlagC != 0
			c.MC--
		}
		if rb := f.regB(); rb != 0 {
			sum, _ := addWord(ac, c.R[rb], false)
			ac = sum
		}
		if f.d() {
			ind, err := c.Mem.ReadWord(c.NB, ac)
			if err != nil {
				return err
			}
			ac = ind
		}
		c.AC = ac
		c.AR = ac
		return nil
	default:
		return fmt.Errorf("cpu: unknown arg kind %v", desc.Arg)
	}
}

// serviceInterrupt transfers control to the handler for the
// highest-priority pending, unmasked source through transferContext: it
// saves {IC, R0, SR} at vector+0..2, then loads the new {IC, R0, SR} from
// vector+3..5. A fault on a save word raises NoMemory before anything is
// loaded; a fault on a restore word raises NoMemory but leaves the fields
// already read in place, and the remaining destination fields keep their
// prior values rather than being zeroed.
func (c *CPU) serviceInterrupt() error {
	served, ok := c.Intr.Serve(c.channelSpec)
	if !ok {
		return nil
	}
	return c.transferContext(vectorBase(served.Source, served.Spec))
}

// transferContext performs the six-word context switch at the given vector
// base: save {IC, R0, SR} to vector+0..2, then load {IC, R0, SR} from
// vector+3..5. Each of the three restore words is applied to its
// destination field as soon as it is read; a fault on any one of them
// raises NoMemory and leaves every field not yet read at its prior value,
// rather than the whole switch being all-or-nothing.
func (c *CPU) transferContext(vector uint16) error {
	if err := c.Mem.WriteWord(0, vector, c.IC); err != nil {
		c.Intr.Set(intr.NoMemory)
		return nil
	}
	if err := c.Mem.WriteWord(0, vector+1, c.R[0]); err != nil {
		c.Intr.Set(intr.NoMemory)
		return nil
	}
	if err := c.Mem.WriteWord(0, vector+2, c.statusWord()); err != nil {
		c.Intr.Set(intr.NoMemory)
		return nil
	}

	newIC, err := c.Mem.ReadWord(0, vector+3)
	if err != nil {
		c.Intr.Set(intr.NoMemory)
		return nil
	}
	c.IC = newIC

	newR0, err := c.Mem.ReadWord(0, vector+4)
	if err != nil {
		c.Intr.Set(intr.NoMemory)
		return nil
	}
	c.R[0] = newR0

	newSR, err := c.Mem.ReadWord(0, vector+5)
	if err != nil {
		c.Intr.Set(intr.NoMemory)
		return nil
	}
	c.setStatusWord(newSR)

	return nil
}

// raiseNoMemory raises the NoMemory interrupt for an ordinary handler or
// fetch-path fault: it also sets RALARM and, when StopOnNoMem is
// configured, transitions the CPU to STOP. transferContext's own
// context-switch memory traffic (always through block 0, "the controller
// itself") deliberately calls c.Intr.Set(intr.NoMemory) directly instead of
// this helper, so a fault while saving/restoring context never itself sets
// RALARM.
func (c *CPU) raiseNoMemory() {
	c.Intr.Set(intr.NoMemory)
	c.RALARM = true
	if c.StopOnNoMem {
		c.RequestState(StateStop)
	}
}

// vectorBase maps an interrupt source to its vector table offset; channel
// sources fold in the line number from the served specification.
func vectorBase(src intr.Source, spec intr.Spec) uint16 {
	if src >= intr.Channel0 {
		return 0x40 + uint16(spec&0xFF)*6
	}
	return uint16(src) * 6
}

// channelSpec is passed to intr.Controller.Serve to resolve a channel
// source's latched specification. With no channel controller wired in, a
// channel interrupt source never has a real specification to report.
func (c *CPU) channelSpec(channel int) intr.Spec {
	if c.Channels == nil {
		return 0
	}
	return c.Channels.IntSpec(channel)
}

// statusWord packs the SR word for context save/restore: Q in bit 15, BS in
// bit 14 and the interrupt mask RM in bits 9..0 (the flag word travels in R0).
func (c *CPU) statusWord() uint16 {
	var w uint16
	if c.Q {
		w |= 1 << 15
	}
	if c.BS {
		w |= 1 << 14
	}
	w |= c.RM & 0x3FF
	return w
}

func (c *CPU) setStatusWord(w uint16) {
	c.setQ(w&(1<<15) != 0)
	c.BS = w&(1<<14) != 0
	c.RM = w & 0x3FF
	c.Intr.SetMask(c.RM)
}
