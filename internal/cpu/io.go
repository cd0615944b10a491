package cpu

import "github.com/jfilipowicz/em400core/internal/intr"

// IOStatus is one of the four outcomes io_dispatch reports for an OU/IN
// transfer; it selects one of four "return vectors" at IC+status (the
// OK/EN/NE/PE skip chain) rather than raising an interrupt.
type IOStatus int

const (
	IOOk        IOStatus = iota // transfer accepted
	IOEngaged                   // line/channel busy
	IONoDevice                  // no such channel or line
	IOParityErr                 // transfer-level error
)

// Channel is the interface the CPU calls into for OU/IN instructions and for
// resolving a channel source's latched interrupt specification.
// internal/mx implements this for the real multiplexer; tests substitute a
// stub.
type Channel interface {
	Cmd(channel int, dir ChannelDir, word uint16) (status IOStatus, data uint16, err error)
	IntSpec(channel int) intr.Spec
}

// ChannelDir distinguishes an output transfer from an input transfer, since
// a single Cmd entry point serves both OU and IN.
type ChannelDir int

const (
	DirOut ChannelDir = iota
	DirIn
)

// doOutput implements OU: field3 names the channel, AC carries the
// command/data word. The dispatcher's status selects one of the four
// return vectors at IC+status.
func (c *CPU) doOutput(f fields) {
	c.applyIOStatus(c.dispatchIO(f, DirOut))
}

// doInput implements IN: the channel's response word lands in R[field3]
// and the dispatcher's status selects one of the four return vectors.
func (c *CPU) doInput(f fields) {
	status, data := IONoDevice, uint16(0)
	if c.Channels != nil {
		s, d, err := c.Channels.Cmd(int(f.field3), DirIn, c.AC)
		if err != nil {
			status = IOParityErr
		} else {
			status, data = s, d
		}
	}
	c.setR(f.field3, data)
	c.applyIOStatus(status)
}

// dispatchIO is doOutput's half of the Cmd call: OU carries no register to
// receive data, only the status.
func (c *CPU) dispatchIO(f fields, dir ChannelDir) IOStatus {
	if c.Channels == nil {
		return IONoDevice
	}
	status, _, err := c.Channels.Cmd(int(f.field3), dir, c.AC)
	if err != nil {
		return IOParityErr
	}
	return status
}

// applyIOStatus implements the OK/EN/NE/PE skip chain: the word stored at
// IC+status becomes the new IC, one of four return vectors immediately
// following the instruction.
func (c *CPU) applyIOStatus(status IOStatus) {
	addr := c.IC + uint16(status)
	word, err := c.Mem.ReadWord(c.NB, addr)
	if err != nil {
		c.fault()
		return
	}
	c.IC = word
}

// doAWP dispatches one of the eight AD/SD/MW/DW/AF/SF/MF/DF instructions
// (group 0o37) to the arithmetic unit. field3 selects the operation; a CPU
// with no AWP installed raises AWPError, matching a chassis with no
// arithmetic unit card.
func (c *CPU) doAWP(f fields) {
	if c.AWP == nil {
		c.Intr.Set(intr.AWPError)
		return
	}
	op := AWPOp(f.field3)
	acc := [2]uint16{c.R[0], c.R[1]}
	result, flags, err := c.AWP.Dispatch(op, acc, c.AC)
	if err != nil {
		c.Intr.Set(intr.AWPError)
		return
	}
	c.R[0], c.R[1] = result[0], result[1]
	c.setFlags(flags)
}

// doAWPNarrow implements the NRF instruction, group 0o71's narrow
// (single-word) arithmetic-unit dispatch, selected by the low two bits of
// field3 rather than the full 3-bit AWP op field.
func (c *CPU) doAWPNarrow(f fields) {
	if c.AWP == nil {
		c.Intr.Set(intr.AWPError)
		return
	}
	op := AWPOp(f.field3 & 0b11)
	acc := [2]uint16{c.R[0], 0}
	result, flags, err := c.AWP.Dispatch(op, acc, uint16(f.body))
	if err != nil {
		c.Intr.Set(intr.AWPError)
		return
	}
	c.R[0] = result[0]
	c.setFlags(flags)
}
