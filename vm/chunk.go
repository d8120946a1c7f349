package vm

import (
	"fmt"

	"github.com/loxc/loxc/debug"
)

//go:generate stringer -type=OpCode
type OpCode byte

// MaxCallArity bounds the contiguous OpCall0..OpCallN opcode family: arity
// is encoded in the opcode itself, so the family can only span as many
// opcode slots as we're willing to spend out of the 256 available.
const MaxCallArity = 32

const (
	OpReturn OpCode = iota
	OpConst
	OpNil
	OpTrue
	OpFalse
	OpPop
	OpGetLocal
	OpSetLocal
	OpGetGlobal
	OpDefGlobal
	OpSetGlobal
	OpEqual
	OpGreater
	OpLess
	OpNot
	OpNeg
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpPrint
	OpJump
	OpJumpUnless
	OpLoop

	// OpCall0 starts the contiguous call-opcode family; OpCall0+n calls
	// with n arguments, for 0 <= n < MaxCallArity.
	OpCall0
)

// OpCallN is the last opcode in the call family, i.e. OpCall0+MaxCallArity-1.
const OpCallN = OpCall0 + MaxCallArity - 1

// OpCallFor returns the call opcode for the given argument count, or false
// if argCount exceeds MaxCallArity-1.
func OpCallFor(argCount int) (OpCode, bool) {
	if argCount < 0 || argCount >= MaxCallArity {
		return 0, false
	}
	return OpCall0 + OpCode(argCount), true
}

// CallArity returns the argument count encoded by a call-family opcode.
func (op OpCode) CallArity() int { return int(op - OpCall0) }
func (op OpCode) IsCall() bool   { return op >= OpCall0 && op <= OpCallN }

type Chunk struct {
	code []byte
	// Contract: len(lines) == len(code)
	lines  []int
	consts []Value
}

func NewChunk() *Chunk { return &Chunk{} }

func (c *Chunk) Write(b byte, line int) {
	c.code = append(c.code, b)
	c.lines = append(c.lines, line)
	debug.AssertEq(len(c.code), len(c.lines))
}

// AddConst appends const_ to the pool and returns its index. Callers that
// may trigger an allocator GC pass during this call MUST first protect
// const_ with the push/pop stack discipline in gc.go.
func (c *Chunk) AddConst(const_ Value) (idx int) {
	idx = len(c.consts)
	c.consts = append(c.consts, const_)
	return
}

func (c *Chunk) Code() []byte    { return c.code }
func (c *Chunk) Lines() []int    { return c.lines }
func (c *Chunk) Consts() []Value { return c.consts }

func (c *Chunk) DisassembleInst(offset int) (res string, newOffset int) {
	sprintf := func(format string, a ...any) { res += fmt.Sprintf(format, a...) }

	sprintf("%04d ", offset)
	if offset > 0 && c.lines[offset] == c.lines[offset-1] {
		sprintf("   | ")
	} else {
		sprintf("%4d ", c.lines[offset])
	}

	inst := OpCode(c.code[offset])
	switch {
	// Operators with a one-byte constant/slot-index operand.
	case inst == OpConst || inst == OpGetLocal || inst == OpSetLocal ||
		inst == OpGetGlobal || inst == OpDefGlobal || inst == OpSetGlobal:
		const_ := c.code[offset+1]
		sprintf("%-16s %4d", inst, const_)
		if inst == OpConst || inst == OpGetGlobal || inst == OpDefGlobal || inst == OpSetGlobal {
			sprintf(" '%s'", c.consts[const_])
		}
		return res, offset + 2

	// Two-byte big-endian branch offset operators.
	case inst == OpJump || inst == OpJumpUnless || inst == OpLoop:
		hi, lo := c.code[offset+1], c.code[offset+2]
		jump := int(hi)<<8 | int(lo)
		sign := 1
		if inst == OpLoop {
			sign = -1
		}
		sprintf("%-16s %4d -> %d", inst, offset, offset+3+sign*jump)
		return res, offset + 3

	// Call family: arity is baked into the opcode, no operand bytes.
	case inst.IsCall():
		sprintf("%-16s (%d args)", inst, inst.CallArity())
		return res, offset + 1

	// Nullary operators.
	default:
		sprintf("%s", inst)
		return res, offset + 1
	}
}

func (c *Chunk) Disassemble(name string) (res string) {
	res = fmt.Sprintf("== %s ==\n", name)
	for i := 0; i < len(c.code); {
		var delta string
		delta, i = c.DisassembleInst(i)
		res += delta + "\n"
	}
	return res
}
