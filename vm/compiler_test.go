package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func compile(t *testing.T, src string) VFun {
	t.Helper()
	p := NewParser()
	fun, err := p.Compile(src)
	assert.NoError(t, err)
	return fun
}

// Property: code and lines are always the same length.
func TestCodeLinesParity(t *testing.T) {
	fun := compile(t, `var a = 1 + 2 * 3; if (a > 0) { print a; } else { print -a; }`)
	chunk := fun.Chunk()
	assert.Equal(t, len(chunk.Code()), len(chunk.Lines()))
}

// Property: every forward jump gets patched to a reachable, in-bounds
// target — here, the OP_JUMP_IF_FALSE lands on the else branch.
func TestJumpPatchedForward(t *testing.T) {
	fun := compile(t, `if (true) { 1; } else { 2; }`)
	code := fun.Chunk().Code()

	var jumpUnlessAt = -1
	for i := 0; i < len(code); {
		op := OpCode(code[i])
		if op == OpJumpUnless {
			jumpUnlessAt = i
		}
		switch {
		case op == OpConst || op == OpGetLocal || op == OpSetLocal ||
			op == OpGetGlobal || op == OpDefGlobal || op == OpSetGlobal:
			i += 2
		case op == OpJump || op == OpJumpUnless || op == OpLoop:
			i += 3
		case op.IsCall():
			i++
		default:
			i++
		}
	}
	assert.GreaterOrEqual(t, jumpUnlessAt, 0)

	hi, lo := code[jumpUnlessAt+1], code[jumpUnlessAt+2]
	target := jumpUnlessAt + 3 + (int(hi)<<8 | int(lo))
	assert.LessOrEqual(t, target, len(code))
}

// Property: a while loop's back-edge jumps strictly backward, landing
// exactly on the condition re-check.
func TestLoopBackEdge(t *testing.T) {
	fun := compile(t, `while (true) { 1; }`)
	code := fun.Chunk().Code()

	var loopAt = -1
	for i, b := range code {
		if OpCode(b) == OpLoop {
			loopAt = i
			break
		}
	}
	assert.GreaterOrEqual(t, loopAt, 0)

	hi, lo := code[loopAt+1], code[loopAt+2]
	backJump := int(hi)<<8 | int(lo)
	target := loopAt + 3 - backJump
	assert.Less(t, target, loopAt)
	assert.GreaterOrEqual(t, target, 0)
	assert.Equal(t, 0, target) // The condition is the first instruction.
}

// Property: every function chunk ends in an implicit OP_NIL, OP_RETURN,
// appended even after a terminal return in the source.
func TestImplicitNilReturn(t *testing.T) {
	fun := compile(t, `var a = 1;`)
	code := fun.Chunk().Code()
	n := len(code)
	assert.Equal(t, OpNil, OpCode(code[n-2]))
	assert.Equal(t, OpReturn, OpCode(code[n-1]))
}

// Property: a local's resolved slot equals its position on the runtime
// stack relative to the frame base — the first declared local in a
// scope gets slot 0, the second slot 1, and so on.
func TestLocalSlotIsStackPosition(t *testing.T) {
	fun := compile(t, `{ var x = 1; var y = 2; print x; print y; }`)
	code := fun.Chunk().Code()

	var slots []byte
	for i := 0; i < len(code); i++ {
		if OpCode(code[i]) == OpGetLocal {
			slots = append(slots, code[i+1])
			i++
		}
	}
	assert.Equal(t, []byte{0, 1}, slots)
}

// Property: no local outlives the scope depth it was declared at — a
// block's locals are all popped by endScope before the block exits,
// observable as one OP_POP per local at the closing brace.
func TestScopeExitPopsLocals(t *testing.T) {
	fun := compile(t, `{ var x = 1; var y = 2; }`)
	code := fun.Chunk().Code()

	pops := 0
	for _, b := range code {
		if OpCode(b) == OpPop {
			pops++
		}
	}
	assert.Equal(t, 2, pops)
}

// Property: redeclaring a name in the same scope is a compile error,
// but shadowing in a nested scope is not.
func TestRedeclarationVsShadowing(t *testing.T) {
	_, err := NewParser().Compile(`{ var a = 1; var a = 2; }`)
	assert.ErrorContains(t, err, "already declared in this scope")

	_, err = NewParser().Compile(`{ var a = 1; { var a = 2; } }`)
	assert.NoError(t, err)
}

// Property: the constant pool never exceeds 256 entries (one-byte
// index) — the 257th mkConst call reports a compile error instead of
// silently wrapping the index.
func TestConstantPoolOverflow(t *testing.T) {
	p := NewParser()
	p.wrapCompiler(FScript)
	for i := 0; i < 256; i++ {
		assert.Equal(t, byte(i), p.mkConst(VNum(i)))
	}
	assert.Nil(t, p.errors)
	p.mkConst(VNum(256))
	assert.ErrorContains(t, p.errors, "too many constants")
}

// Property: the call-opcode family is contiguous and indexed by arity,
// bounded by MaxCallArity.
func TestCallOpcodeFamily(t *testing.T) {
	for n := 0; n < MaxCallArity; n++ {
		op, ok := OpCallFor(n)
		assert.True(t, ok)
		assert.Equal(t, n, op.CallArity())
		assert.True(t, op.IsCall())
	}
	_, ok := OpCallFor(MaxCallArity)
	assert.False(t, ok)
}

// Property: nested `fun` compilation maintains an unbroken enclosing
// chain, and every frame in it is visible as a GC root.
func TestNestedCompilerChainIsGCRoots(t *testing.T) {
	p := NewParser()
	p.wrapCompiler(FScript)
	p.wrapCompiler(FFun)
	p.wrapCompiler(FFun)

	roots := GrayCompilerRoots(p.Compiler)
	assert.Len(t, roots, 3)
	assert.Nil(t, p.Compiler.enclosing.enclosing.enclosing)
}

// Property: gcStack.protect, the push/pop protocol mkConst wraps around
// the pool-growing call, pins its value for exactly the duration of the
// wrapped call.
func TestMkConstProtectsDuringGrowth(t *testing.T) {
	p := NewParser()
	p.wrapCompiler(FScript)

	var depthDuringGrowth int
	p.gcStack.protect(VNum(1), func() { depthDuringGrowth = len(p.gcStack.vals) })
	assert.Equal(t, 1, depthDuringGrowth)
	assert.Equal(t, 0, len(p.gcStack.vals))
}
