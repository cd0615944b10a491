package cpu

import (
	"time"

	"github.com/jfilipowicz/em400core/internal/intr"
)

// dispatch runs the handler named by id against the already-prepared
// AC/AR/fields, returning how long the handler itself took (only OU uses
// this return value, to compute the post-output negative-time carve-out).
func (c *CPU) dispatch(id HandlerID, f fields) time.Duration {
	start := time.Now()
	switch id {
	case hLW:
		c.setR(f.field3, c.AC)
	case hTW:
		v, err := c.Mem.ReadWord(c.NB, c.AC)
		if err != nil {
			c.fault()
			break
		}
		c.setR(f.field3, v)
		c.setZM(v)
	case hLS:
		// LS blends Rx with AC through the mask carried in R7: the bits
		// R7 has set come from AC, the rest are left alone.
		mask := c.R[7]
		c.setR(f.field3, (c.R[f.field3] &^ mask) | (c.AC & mask))
	case hRI:
		target := uint16(0)
		if c.Q {
			target = c.NB
		}
		if err := c.Mem.WriteWord(target, c.R[f.field3], c.AC); err != nil {
			c.fault()
			break
		}
		c.setR(f.field3, c.R[f.field3]+1)
	case hRW:
		target := uint16(0)
		if c.Q {
			target = c.NB
		}
		if err := c.Mem.WriteWord(target, c.AC, c.R[f.field3]); err != nil {
			c.fault()
		}
	case hPW:
		if err := c.Mem.WriteWord(c.NB, c.AR, c.R[f.field3]); err != nil {
			c.fault()
		}
	case hRJ:
		c.setR(f.field3, c.IC)
		c.IC = c.AC
	case hIS:
		v, err := c.Mem.ReadWord(c.NB, c.AC)
		if err != nil {
			c.fault()
			break
		}
		if v == c.R[f.field3] {
			c.P = true
		}
	case hBB:
		if c.R[f.field3]&c.AC == c.AC {
			c.P = true
		}
	case hBM:
		c.setR(f.field3, c.R[f.field3]|c.AC)
		c.setZM(c.R[f.field3])
	case hBS:
		c.setR(f.field3, c.R[f.field3]^c.AC)
		c.setZM(c.R[f.field3])
	case hBC:
		if c.R[f.field3]&c.AC == c.AC {
			c.P = true
		}
	case hBN:
		if c.R[f.field3]&c.AC == 0 {
			c.P = true
		}
	case hOU:
		c.doOutput(f)
	case hIN:
		c.doInput(f)

	case hAWP:
		c.doAWP(f)

	case hAW:
		sum, flags := addWord(c.R[f.field3], c.AC, false)
		c.setR(f.field3, sum)
		c.setFlags(flags)
	case hACarry:
		carry := c.flagSet(FlagC)
		sum, flags := addWord(c.R[f.field3], c.AC, carry)
		c.setR(f.field3, sum)
		c.setFlags(flags)
	case hSW:
		diff, flags := subWord(c.R[f.field3], c.AC)
		c.setR(f.field3, diff)
		c.setFlags(flags)
	case hCW:
		c.setFlags(compareWord(c.R[f.field3], c.AC))
	case hOR:
		c.setR(f.field3, c.R[f.field3]|c.AC)
		c.setZM(c.R[f.field3])
	case hOM:
		v, err := c.Mem.ReadWord(c.NB, c.AR)
		if err != nil {
			c.fault()
			break
		}
		v |= c.R[f.field3]
		if err := c.Mem.WriteWord(c.NB, c.AR, v); err != nil {
			c.fault()
		}
	case hNR:
		c.setR(f.field3, c.R[f.field3]&c.AC)
		c.setZM(c.R[f.field3])
	case hNM:
		v, err := c.Mem.ReadWord(c.NB, c.AR)
		if err != nil {
			c.fault()
			break
		}
		v &= c.R[f.field3]
		if err := c.Mem.WriteWord(c.NB, c.AR, v); err != nil {
			c.fault()
		}
	case hER:
		c.setR(f.field3, c.AC)
		c.setZM(c.R[f.field3])
	case hEM:
		if err := c.Mem.WriteWord(c.NB, c.AR, c.R[f.field3]); err != nil {
			c.fault()
		}
	case hXR:
		c.setR(f.field3, c.R[f.field3]^c.AC)
		c.setZM(c.R[f.field3])
	case hXM:
		v, err := c.Mem.ReadWord(c.NB, c.AR)
		if err != nil {
			c.fault()
			break
		}
		v ^= c.R[f.field3]
		if err := c.Mem.WriteWord(c.NB, c.AR, v); err != nil {
			c.fault()
		}
	case hCL:
		v, err := c.Mem.ReadWord(c.NB, c.AR)
		if err != nil {
			c.fault()
			break
		}
		c.setFlags(compareWord(c.R[f.field3], v))
	case hLB:
		b, err := c.Mem.ReadByte(c.NB, uint32(c.AR))
		if err != nil {
			c.fault()
			break
		}
		c.setR(f.field3, (c.R[f.field3]&0xFF00)|uint16(b))
	case hRB:
		if err := c.Mem.WriteByte(c.NB, uint32(c.AR), uint8(c.R[f.field3])); err != nil {
			c.fault()
		}
	case hCB:
		b, err := c.Mem.ReadByte(c.NB, uint32(c.AR))
		if err != nil {
			c.fault()
			break
		}
		c.setFlags(compareWord(c.R[f.field3]&0xFF, uint16(b)))

	case hAWT:
		sum, flags := addWord(c.R[f.field3], c.AC, false)
		c.setR(f.field3, sum)
		c.setFlags(flags)
	case hTRB:
		sum, _ := addWord(c.R[f.field3], c.AC, false)
		c.setR(f.field3, sum)
		if c.R[f.field3] == 0 {
			c.P = true
		}
	case hIRB:
		c.setR(f.field3, c.R[f.field3]+1)
		if c.R[f.field3] != 0 {
			c.IC, _ = addWord(c.IC, c.AC, false)
		}
	case hDRB:
		c.setR(f.field3, c.R[f.field3]-1)
		if c.R[f.field3] != 0 {
			c.IC, _ = addWord(c.IC, c.AC, false)
		}
	case hCWT:
		c.setFlags(compareWord(c.R[f.field3], c.AC))
	case hLWT:
		c.setR(f.field3, c.AC)
		c.setZM(c.R[f.field3])
	case hLWS:
		c.setR(f.field3, uint16(int16(c.AC)))
		c.setZM(c.R[f.field3])
	case hRWS:
		c.IC, _ = addWord(c.IC, c.AC, false)

	case hJumpRel:
		c.IC, _ = addWord(c.IC, c.AC, false)
	case hJVS:
		c.IC, _ = addWord(c.IC, c.AC, false)
		c.setFlags(c.flags() &^ FlagV)
	case hJumpAbs:
		c.IC = c.AC
	case hLJ:
		target := uint16(0)
		if c.Q {
			target = c.NB
		}
		if err := c.Mem.WriteWord(target, c.AC, c.IC); err != nil {
			c.fault()
			break
		}
		c.IC = c.AC + 1

	case hBLC:
		// Branch (skip-pending) unless every body-selected bit of R0's upper
		// nibble is set; R0's low 12 bits are the flag word, so the test
		// bits live above it, not across the full byte.
		if (c.R[0]>>12)&uint16(f.body) != uint16(f.body)&0xF {
			c.P = true
		}
	case hEXL:
		c.Intr.Set(intr.SoftUpper) // software interrupt vector
	case hBRC:
		if (c.R[0]>>12)&uint16(f.body)&0xF == 0 {
			c.P = true
		}
	case hNRF:
		c.doAWPNarrow(f)

	case hRIC:
		c.setR(f.field3, c.IC)
	case hZLB:
		c.setR(f.field3, c.R[f.field3]&0x00FF)
	case hSXU:
		x := c.flags() &^ FlagX
		if c.R[f.field3]&0x8000 != 0 {
			x |= FlagX
		}
		c.setFlags(x)
	case hNGA:
		c.setR(f.field3, ^c.R[f.field3]+1)
	case hSLZ:
		r, flags := shiftLeftInsert(c.R[f.field3], 0)
		c.setR(f.field3, r)
		c.setFlags((c.flags() &^ FlagC) | flags)
	case hSLY:
		r, flags := shiftLeftInsert(c.R[f.field3], boolBit(c.flagSet(FlagY)))
		c.setR(f.field3, r)
		c.setFlags((c.flags() &^ (FlagC | FlagY) | flags) | carryToFlag(flags, FlagY))
	case hSLX:
		r, flags := shiftLeftInsert(c.R[f.field3], boolBit(c.flagSet(FlagX)))
		c.setR(f.field3, r)
		c.setFlags((c.flags() &^ (FlagC | FlagX) | flags) | carryToFlag(flags, FlagX))
	case hSVZ:
		before := c.R[f.field3]
		r, flags := shiftLeftInsert(before, 0)
		c.setR(f.field3, r)
		flags = applySignChangeV(before, r, flags)
		c.setFlags((c.flags() &^ (FlagC | FlagV)) | flags)
	case hSVY:
		before := c.R[f.field3]
		r, flags := shiftLeftInsert(before, boolBit(c.flagSet(FlagY)))
		c.setR(f.field3, r)
		flags = applySignChangeV(before, r, flags)
		c.setFlags((c.flags() &^ (FlagC | FlagV | FlagY) | flags) | carryToFlag(flags, FlagY))
	case hSVX:
		before := c.R[f.field3]
		r, flags := shiftLeftInsert(before, boolBit(c.flagSet(FlagX)))
		c.setR(f.field3, r)
		flags = applySignChangeV(before, r, flags)
		c.setFlags((c.flags() &^ (FlagC | FlagV | FlagX) | flags) | carryToFlag(flags, FlagX))
	case hSRY:
		r, flags := shiftRightInsert(c.R[f.field3], boolBit(c.flagSet(FlagY)))
		c.setR(f.field3, r)
		c.setFlags((c.flags() &^ (FlagC | FlagY) | flags) | carryToFlag(flags, FlagY))
	case hSRX:
		r, flags := shiftRightInsert(c.R[f.field3], boolBit(c.flagSet(FlagX)))
		c.setR(f.field3, r)
		c.setFlags((c.flags() &^ (FlagC | FlagX) | flags) | carryToFlag(flags, FlagX))
	case hSRZ:
		r, flags := shiftRightInsert(c.R[f.field3], 0)
		c.setR(f.field3, r)
		c.setFlags((c.flags() &^ FlagC) | flags)
	case hSHC:
		n := uint(f.body & 0x3)
		c.setR(f.field3, rotateRight16(c.R[f.field3], n))
	case hNGL:
		c.setR(f.field3, ^c.R[f.field3])
		z := c.flags() &^ FlagZ
		if c.R[f.field3] == 0 {
			z |= FlagZ
		}
		c.setFlags(z)
	case hRPC:
		c.setR(f.field3, c.R[0])
	case hRKY:
		c.setR(f.field3, c.KB)
	case hZRB:
		c.setR(f.field3, c.R[f.field3]&0xFF00)
	case hSXL:
		x := c.flags() &^ FlagX
		if c.R[f.field3]&1 != 0 {
			x |= FlagX
		}
		c.setFlags(x)
	case hNGC:
		v := ^c.R[f.field3]
		if c.flagSet(FlagC) {
			v++
		}
		c.setR(f.field3, v)
	case hLPC:
		c.setR(0, c.R[f.field3])

	case hHLT:
		c.RequestState(StateWait)
	case hMCL:
		c.MC = 0
		c.Mem.UnmapAll()
	case hSoftInt:
		if f.body&1 != 0 {
			c.setFlags(c.flags() | FlagSoftLower)
			c.Intr.Set(intr.SoftLower)
		} else {
			c.setFlags(c.flags() | FlagSoftUpper)
			c.Intr.Set(intr.SoftUpper)
		}
	case hGIU:
		c.RM |= uint16(c.AC) & 0x3FF
		c.Intr.SetMask(c.RM)
	case hGIL:
		c.RM &^= uint16(c.AC) & 0x3FF
		c.Intr.SetMask(c.RM)
	case hLIP:
		if c.ModificationsPresent {
			c.MC = 1
		}
	case hCRON:
		c.clockPending = false

	case hMB:
		c.setR(f.field3, c.MC)
	case hIM:
		c.Intr.SetMask(c.AC)
		c.RM = c.AC
	case hKI:
		c.setR(f.field3, c.Intr.GetNChan())
	case hFI:
		c.Intr.PutNChan(c.AC)
	case hSP:
		var ctx [3]uint16
		if n, _ := c.Mem.ReadBlock(c.NB, c.AR, ctx[:], 3); n < 3 {
			c.fault()
			break
		}
		c.IC = ctx[0]
		c.R[0] = ctx[1]
		c.setStatusWord(ctx[2])
	case hMD:
		if c.ModificationsPresent {
			c.MC = 1
			c.AR = c.AC
		}
	case hRZ:
		if err := c.Mem.WriteWord(c.NB, c.AR, 0); err != nil {
			c.fault()
		}
	case hIB:
		v, err := c.Mem.ReadWord(c.NB, c.AR)
		if err != nil {
			c.fault()
			break
		}
		v++
		if err := c.Mem.WriteWord(c.NB, c.AR, v); err != nil {
			c.fault()
			break
		}
		if v == 0 {
			c.P = true
		}

	default:
		c.Intr.Set(intr.Illegal)
	}
	return time.Since(start)
}

// boolBit renders a flag test as the 0/1 shift-insert value the insert
// family of shiftLeftInsert/shiftRightInsert expects.
func boolBit(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

// applySignChangeV ORs FlagV into flags when a shift changed the operand's
// sign bit, the SV* family's extra overflow indication.
func applySignChangeV(before, after uint16, flags uint16) uint16 {
	if signChanged(before, after) {
		flags |= FlagV
	}
	return flags
}

func (c *CPU) setZM(v uint16) {
	c.setFlags((c.flags() &^ (FlagZ | FlagM)) | zmFlags(v))
}

func (c *CPU) fault() {
	c.raiseNoMemory()
}
