package cpu

import (
	"fmt"
	"io"
)

// Tracer writes one line per executed instruction, in the spirit of the
// reference emulator's step tracer: enough to reconstruct a run by eye,
// never a full disassembly.
type Tracer struct {
	w      io.Writer
	count  uint64
	Enable bool
}

// NewTracer wraps w; tracing only writes output while Enable is true, so
// callers can toggle it at a breakpoint without reallocating.
func NewTracer(w io.Writer) *Tracer {
	return &Tracer{w: w, Enable: true}
}

// Record emits one trace line for the instruction just executed.
func (t *Tracer) Record(c *CPU, word uint16, f fields) {
	if t == nil || !t.Enable || t.w == nil {
		return
	}
	t.count++
	fmt.Fprintf(t.w, "%08d NB:%d IC:%04X IR:%04X op:%02o f3:%d AC:%04X R0:%04X R1:%04X flags:%04X P:%v Q:%v\n",
		t.count, c.NB, c.IC, word, f.opcode, f.field3, c.AC, c.R[0], c.R[1], c.flags(), c.P, c.Q)
}
