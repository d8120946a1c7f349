package vm

import (
	"fmt"
	"math"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/josharian/intern"
	"github.com/loxc/loxc/debug"
	e "github.com/loxc/loxc/errors"
	"github.com/loxc/loxc/utils"
	"github.com/sirupsen/logrus"
)

// MaxLocals bounds a single Compiler frame's locals stack.
const MaxLocals = math.MaxUint8 + 1

// Uninit is a Compiler's scope depth at global scope (outside any block),
// and doubles as the sentinel resolveLocal returns for "not a local, try
// globals".
const Uninit = -1

// Local is one declared name on a Compiler's locals stack.
type Local struct {
	name  Token
	depth int
}

// FunType distinguishes the implicit top-level script function from a
// `fun`-declared one; `return` is rejected only in FScript, and only
// FFun frames carry a function name.
//
//go:generate stringer -type=FunType
type FunType int

const (
	FFun FunType = iota
	FScript
)

// Compiler is one frame of the nested compiler-context stack: one per
// function-in-progress, chained to the frame that was active when it
// began.
type Compiler struct {
	enclosing *Compiler
	fun       VFun
	funType   FunType
	locals    []Local
	depth     int
}

// NewCompiler allocates a frame for a new function-in-progress, wired to
// enclosing as its parent in the chain.
func NewCompiler(enclosing *Compiler, funType FunType) *Compiler {
	return &Compiler{enclosing: enclosing, fun: NewVFun(), funType: funType, depth: Uninit}
}

func (c *Compiler) addLocal(name Token) {
	if len(c.locals) >= MaxLocals {
		logrus.Panicln("too many local variables in one function")
	}
	c.locals = append(c.locals, Local{name, c.depth})
}

// Parser drives the fused scan/parse/emit pass. It embeds the token
// stream adapter and owns the gcStack used to protect constants during
// pool growth.
type Parser struct {
	*Scanner
	*Compiler
	prev, curr Token

	gcStack Stack

	loopStart    *int
	loopEndHoles []int

	errors    *multierror.Error
	panicMode bool
}

func NewParser() *Parser { return &Parser{} }

// wrapCompiler replaces the current Compiler with a fresh frame whose
// enclosing frame is the current one, for a nested `fun` body (or the outermost script, when
// funType == FScript).
func (p *Parser) wrapCompiler(funType FunType) {
	res := NewCompiler(p.Compiler, funType)
	if funType != FScript {
		funName := intern.String(p.prev.String())
		res.fun.name = &funName
	}
	p.Compiler = res
}

/* ---- Pratt expression parser ---- */

func (p *Parser) emitConst(val Value) { p.emitBytes(byte(OpConst), p.mkConst(val)) }

// mkConst pins val on the shared stack while the pool grows (push/pop
// GC root protection), then returns the one-byte pool index.
func (p *Parser) mkConst(val Value) (idx byte) {
	p.gcStack.protect(val, func() {
		const_ := p.currChunk().AddConst(val)
		if const_ > math.MaxUint8 {
			p.Error("too many constants in one chunk")
			const_ = 0
		}
		idx = byte(const_)
	})
	return
}

func (p *Parser) num(_canAssign bool) {
	val, err := strconv.ParseFloat(p.prev.String(), 64)
	if err != nil {
		p.Error(fmt.Sprintf("invalid number literal: %s", err))
		val = 0
	}
	p.emitConst(VNum(val))
}

func (p *Parser) grouping(_canAssign bool) {
	p.expr()
	p.consume(TRParen, "expect ')' after expression")
}

func (p *Parser) lit(_canAssign bool) {
	switch p.prev.Type {
	case TFalse:
		p.emitBytes(byte(OpFalse))
	case TNil:
		p.emitBytes(byte(OpNil))
	case TTrue:
		p.emitBytes(byte(OpTrue))
	default:
		panic(e.Unreachable)
	}
}

func (p *Parser) str(_canAssign bool) {
	runes := p.prev.Runes
	// Copy the lexeme inside the quotes as a string: start+1, length-2.
	unquoted := string(runes[1 : len(runes)-1])
	p.emitConst(NewVStr(unquoted))
}

func (p *Parser) var_(canAssign bool) { p.namedVar(p.prev, canAssign) }

// namedVar resolves name to a local slot, falling back to a global name
// constant, then chooses get/set based on canAssign.
func (p *Parser) namedVar(name Token, canAssign bool) {
	slot := p.resolveLocal(name)

	var (
		arg      byte
		get, set OpCode
	)
	if slot == Uninit {
		arg, get, set = p.identConst(&name), OpGetGlobal, OpSetGlobal
	} else {
		arg, get, set = byte(slot), OpGetLocal, OpSetLocal
	}

	switch {
	case canAssign && p.match(TEqual):
		p.expr()
		p.emitBytes(byte(set), arg)
	default:
		p.emitBytes(byte(get), arg)
	}
}

func (p *Parser) unary(_canAssign bool) {
	op := p.prev.Type
	p.parsePrec(PrecUnary)
	switch op {
	case TBang:
		p.emitBytes(byte(OpNot))
	case TMinus:
		p.emitBytes(byte(OpNeg))
	default:
		panic(e.Unreachable)
	}
}

func (p *Parser) binary(_canAssign bool) {
	op := p.prev.Type
	rule := parseRules[op]

	// Left-associative: parse the RHS at one precedence level higher.
	p.parsePrec(rule.Prec + 1)

	switch op {
	case TBangEqual:
		p.emitBytes(byte(OpEqual), byte(OpNot))
	case TEqualEqual:
		p.emitBytes(byte(OpEqual))
	case TGreater:
		p.emitBytes(byte(OpGreater))
	case TGreaterEqual:
		p.emitBytes(byte(OpLess), byte(OpNot))
	case TLess:
		p.emitBytes(byte(OpLess))
	case TLessEqual:
		p.emitBytes(byte(OpGreater), byte(OpNot))
	case TPlus:
		p.emitBytes(byte(OpAdd))
	case TMinus:
		p.emitBytes(byte(OpSub))
	case TStar:
		p.emitBytes(byte(OpMul))
	case TSlash:
		p.emitBytes(byte(OpDiv))
	default:
		panic(e.Unreachable)
	}
}

func (p *Parser) and(_canAssign bool) {
	// If the LHS is falsey, `LHS and RHS == LHS`: skip the RHS.
	endJump := p.emitJump(OpJumpUnless)
	p.emitBytes(byte(OpPop)) // Discard the (truthy) LHS.
	p.parsePrec(PrecAnd)
	p.patchJump(endJump)
}

func (p *Parser) or(_canAssign bool) {
	// If the LHS is truthy, `LHS or RHS == LHS`: skip the RHS.
	elseJump := p.emitJump(OpJumpUnless)
	endJump := p.emitJump(OpJump)
	p.patchJump(elseJump)
	p.emitBytes(byte(OpPop)) // Discard the (falsey) LHS.
	p.parsePrec(PrecOr)
	p.patchJump(endJump)
}

func (p *Parser) call(_canAssign bool) {
	argCount := p.argList()
	op, ok := OpCallFor(argCount)
	if !ok {
		p.Error(fmt.Sprintf("can't have more than %d arguments", MaxCallArity-1))
		return
	}
	p.emitBytes(byte(op))
}

func (p *Parser) argList() (argCount int) {
	if !p.check(TRParen) {
		for {
			p.expr()
			argCount++
			if !p.match(TComma) {
				break
			}
		}
	}
	p.consume(TRParen, "expect ')' after arguments")
	return
}

func (p *Parser) expr() { p.parsePrec(PrecAssign) }

/* ---- Statement parser ---- */

func (p *Parser) exprStmt() {
	p.expr()
	p.consume(TSemi, "expect ';' after expression")
	p.emitBytes(byte(OpPop))
}

func (p *Parser) printStmt() {
	p.expr()
	p.consume(TSemi, "expect ';' after value")
	p.emitBytes(byte(OpPrint))
}

func (p *Parser) block() {
	for !p.check(TRBrace) && !p.check(TEOF) {
		p.decl()
	}
	p.consume(TRBrace, "expect '}' after block")
}

func (p *Parser) ifStmt() {
	p.consume(TLParen, "expect '(' after 'if'")
	p.expr()
	p.consume(TRParen, "expect ')' after condition")

	p.beginScope()
	thenJump := p.emitJump(OpJumpUnless) // <-- else branch
	p.emitBytes(byte(OpPop))             // Drop the condition for `then`.
	p.stmt()

	elseJump := p.emitJump(OpJump) // <-- past else
	p.patchJump(thenJump)          // --> else branch

	p.emitBytes(byte(OpPop)) // Drop the condition for `else`.
	if p.match(TElse) {
		p.stmt()
	}
	p.patchJump(elseJump) // --> past else
	p.endScope()
}

func (p *Parser) whileStmt() {
	p.beginLoop()
	p.consume(TLParen, "expect '(' after 'while'")
	p.expr()
	p.consume(TRParen, "expect ')' after condition")

	p.beginScope()
	exitJump := p.emitJump(OpJumpUnless)
	p.emitBytes(byte(OpPop)) // Condition.
	p.stmt()
	p.emitLoop(*p.loopStart)

	p.patchJump(exitJump)
	p.emitBytes(byte(OpPop)) // Condition.
	p.endLoop()              // A break has already popped the condition.
	p.endScope()
}

// forStmt desugars `for (init; cond; incr) body` onto the same
// scope/jump/loop primitives whileStmt uses.
func (p *Parser) forStmt() {
	p.beginScope()
	defer p.endScope()

	p.consume(TLParen, "expect '(' after 'for'")
	switch {
	case p.match(TSemi):
		// No initializer.
	case p.match(TVar):
		p.varDecl()
	default:
		p.exprStmt()
	}

	start := p.beginLoop()
	var exitJump *int
	if !p.match(TSemi) {
		p.expr()
		p.consume(TSemi, "expect ';' after loop condition")
		hole := p.emitJump(OpJumpUnless)
		exitJump = &hole
		p.emitBytes(byte(OpPop)) // Condition.
	}

	if !p.match(TRParen) {
		bodyJump := p.emitJump(OpJump)
		p.beginLoop() // Increment becomes the new loop target.
		p.expr()
		p.emitBytes(byte(OpPop)) // Pure side effect.
		p.consume(TRParen, "expect ')' after for clauses")

		p.emitLoop(start)
		p.patchJump(bodyJump)
	}

	p.stmt()
	p.emitLoop(*p.loopStart)

	if exitJump != nil {
		p.patchJump(*exitJump)
		p.emitBytes(byte(OpPop)) // Condition.
	}
	p.endLoop()
}

func (p *Parser) breakStmt() {
	p.consume(TSemi, "expect ';' after 'break'")
	hole := p.emitJump(OpJump)
	p.loopEndHoles = append(p.loopEndHoles, hole)
}

func (p *Parser) continueStmt() {
	p.consume(TSemi, "expect ';' after 'continue'")
	p.emitLoop(*p.loopStart)
}

func (p *Parser) returnStmt() {
	if p.match(TSemi) {
		p.emitReturn()
		return
	}
	p.expr()
	p.consume(TSemi, "expect ';' after return value")
	p.emitBytes(byte(OpReturn))
}

func (p *Parser) stmt() {
	switch {
	case p.match(TBreak):
		if !p.isInLoop() {
			p.Error("expect 'break' in a loop")
			return
		}
		p.breakStmt()
	case p.match(TContinue):
		if !p.isInLoop() {
			p.Error("expect 'continue' in a loop")
			return
		}
		p.continueStmt()
	case p.match(TPrint):
		p.printStmt()
	case p.match(TFor):
		p.forStmt()
	case p.match(TIf):
		p.ifStmt()
	case p.match(TReturn):
		if p.funType == FScript {
			p.Error("can't return from top-level code")
			return
		}
		p.returnStmt()
	case p.match(TWhile):
		p.whileStmt()
	case p.match(TLBrace):
		p.beginScope()
		p.block()
		p.endScope()
	default:
		p.exprStmt()
	}
}

// fun_ compiles a function body in its own nested Compiler frame. The
// name is declared by the caller AFTER this returns, so inside its own
// body the name never resolves to a local; a global function still
// reaches itself through the global lookup at run time.
func (p *Parser) fun_() {
	p.wrapCompiler(FFun)
	p.beginScope()

	p.consume(TLParen, "expect '(' after function name")
	if !p.check(TRParen) {
		for {
			if p.fun.arity++; p.fun.arity >= MaxCallArity {
				p.ErrorAtCurr(fmt.Sprintf("can't have more than %d parameters", MaxCallArity-1))
			}
			// Parameters have no initializer between name and declaration,
			// so (unlike varDecl/funDecl) they're declared immediately.
			if name, global, ok := p.parseVar("expect parameter name"); ok {
				p.declareVar(name, global)
			}
			if !p.match(TComma) {
				break
			}
		}
	}
	p.consume(TRParen, "expect ')' after parameters")
	p.consume(TLBrace, "expect '{' before function body")
	p.block()

	// The frame ends completely, so there's no lingering scope to close.
	fun := p.endCompiler()
	p.emitBytes(byte(OpConst), p.mkConst(fun))
}

func (p *Parser) funDecl() {
	name, global, ok := p.parseVar("expect function name")
	p.fun_()
	if ok {
		p.declareVar(name, global)
	}
}

func (p *Parser) varDecl() {
	name, global, ok := p.parseVar("expect variable name")
	switch {
	case p.match(TEqual):
		p.expr()
	default:
		p.emitBytes(byte(OpNil))
	}
	p.consume(TSemi, "expect ';' after variable declaration")
	if ok {
		p.declareVar(name, global)
	}
}

func (p *Parser) decl() {
	switch {
	case p.match(TFun):
		p.funDecl()
	case p.match(TVar):
		p.varDecl()
	default:
		p.stmt()
	}
	if p.panicMode {
		p.sync()
	}
}

/* ---- Parse rule table ---- */

type ParseFn = func(p *Parser, canAssign bool)

type ParseRule struct {
	Prefix, Infix ParseFn
	Prec
}

// parseRules is the fixed, statically known mapping from token kind to
// its parse rule. Every token kind has an entry; unlisted ones default
// to the zero ParseRule (none, none, PrecNone).
var parseRules []ParseRule

func init() {
	parseRules = make([]ParseRule, TEOF+1)
	parseRules[TLParen] = ParseRule{(*Parser).grouping, (*Parser).call, PrecCall}
	parseRules[TMinus] = ParseRule{(*Parser).unary, (*Parser).binary, PrecTerm}
	parseRules[TPlus] = ParseRule{nil, (*Parser).binary, PrecTerm}
	parseRules[TSlash] = ParseRule{nil, (*Parser).binary, PrecFactor}
	parseRules[TStar] = ParseRule{nil, (*Parser).binary, PrecFactor}
	parseRules[TBang] = ParseRule{(*Parser).unary, nil, PrecNone}
	parseRules[TBangEqual] = ParseRule{nil, (*Parser).binary, PrecEqual}
	parseRules[TEqualEqual] = ParseRule{nil, (*Parser).binary, PrecEqual}
	parseRules[TGreater] = ParseRule{nil, (*Parser).binary, PrecComp}
	parseRules[TGreaterEqual] = ParseRule{nil, (*Parser).binary, PrecComp}
	parseRules[TLess] = ParseRule{nil, (*Parser).binary, PrecComp}
	parseRules[TLessEqual] = ParseRule{nil, (*Parser).binary, PrecComp}
	parseRules[TIdent] = ParseRule{(*Parser).var_, nil, PrecNone}
	parseRules[TStr] = ParseRule{(*Parser).str, nil, PrecNone}
	parseRules[TNum] = ParseRule{(*Parser).num, nil, PrecNone}
	parseRules[TAnd] = ParseRule{nil, (*Parser).and, PrecAnd}
	parseRules[TFalse] = ParseRule{(*Parser).lit, nil, PrecNone}
	parseRules[TNil] = ParseRule{(*Parser).lit, nil, PrecNone}
	parseRules[TOr] = ParseRule{nil, (*Parser).or, PrecOr}
	parseRules[TTrue] = ParseRule{(*Parser).lit, nil, PrecNone}
}

func (p *Parser) parsePrec(prec Prec) {
	p.advance()

	prefix := parseRules[p.prev.Type].Prefix
	if prefix == nil {
		p.Error("expect expression")
		return
	}
	canAssign := prec <= PrecAssign
	prefix(p, canAssign)

	for prec <= parseRules[p.curr.Type].Prec {
		p.advance()
		infix := parseRules[p.prev.Type].Infix
		if infix == nil {
			panic(e.Unreachable)
		}
		infix(p, canAssign)
	}

	if canAssign && p.match(TEqual) {
		p.Error("invalid assignment target")
	}
}

/* ---- Token stream adapter ---- */

func (p *Parser) check(ty TokenType) bool     { return p.curr.Type == ty }
func (p *Parser) checkPrev(ty TokenType) bool { return p.prev.Type == ty }

func (p *Parser) advance() {
	p.prev = p.curr
	for {
		if p.curr = p.ScanToken(); !p.check(TErr) {
			break
		}
		p.ErrorAtCurr(p.curr.String())
	}
}

func (p *Parser) match(ty TokenType) (matched bool) {
	if !p.check(ty) {
		return false
	}
	p.advance()
	return true
}

// consume reports at the previous token's line on mismatch, and still
// advances, so a single pass can surface more than one diagnostic.
func (p *Parser) consume(ty TokenType, errorMsg string) *Token {
	if !p.check(ty) {
		p.Error(errorMsg)
		p.advance()
		return nil
	}
	p.advance()
	return &p.prev
}

/* ---- Public entry point & compiling helpers ---- */

// Compile is the public entry point: compile(source) -> function | failure.
// had_error (tracked via p.errors) determines whether res is valid;
// callers MUST check err before using res.
func (p *Parser) Compile(src string) (res VFun, err error) {
	p.wrapCompiler(FScript)
	p.Scanner = NewScanner(src)

	p.advance()
	for !p.match(TEOF) {
		p.decl()
	}

	res = p.endCompiler()
	return res, p.errors.ErrorOrNil()
}

func (p *Parser) currChunk() *Chunk { return p.fun.chunk }

// emitBytes appends to code, recording the owning line, one entry per
// byte (the len(code)==len(lines) invariant is maintained by Chunk.Write).
func (p *Parser) emitBytes(bs ...byte) {
	for _, b := range bs {
		p.currChunk().Write(b, p.prev.Line)
	}
}

func (p *Parser) emitReturn() { p.emitBytes(byte(OpNil), byte(OpReturn)) }

// endCompiler appends the trailing OP_NULL, OP_RETURN, pops the frame,
// and hands back the completed function (still returned even on error;
// Compile's caller is the one that checks had_error before trusting it).
func (p *Parser) endCompiler() (res VFun) {
	p.emitReturn()
	res = p.fun
	if debug.DEBUG {
		logrus.Debugln(p.currChunk().Disassemble(res.Name()))
	}
	p.Compiler = p.Compiler.enclosing
	return
}

func (p *Parser) identConst(name *Token) byte { return p.mkConst(NewVStr(name.String())) }

// parseVar consumes the name token and, only for globals, eagerly records
// the name's constant-pool index. It does NOT yet bind the name — that's
// declareVar's job, called later by the caller once any initializer/body
// has been compiled, so a declaration's own RHS cannot see it.
func (p *Parser) parseVar(errorMsg string) (name Token, global *byte, ok bool) {
	target := p.consume(TIdent, errorMsg)
	if target == nil {
		return Token{}, nil, false
	}
	name = *target
	if p.depth == Uninit {
		global = utils.Box(p.identConst(target))
	}
	return name, global, true
}

// declareVar, for a global, emits OP_DEFINE_GLOBAL with the name constant
// recorded by parseVar; for a local, it checks for a same-scope
// redeclaration and appends to locals.
func (p *Parser) declareVar(name Token, global *byte) {
	if global != nil {
		p.emitBytes(byte(OpDefGlobal), *global)
		return
	}
	for i := len(p.locals) - 1; i >= 0; i-- {
		local := p.locals[i]
		if local.depth < p.depth {
			break // Shadowing a shallower scope is fine.
		}
		if name.Eq(local.name) {
			p.Error("variable with this name already declared in this scope")
		}
	}
	if len(p.locals) >= MaxLocals {
		p.Error("too many local variables in one function")
		return
	}
	p.addLocal(name)
}

func (p *Parser) beginLoop() (start int) {
	start = len(p.currChunk().code)
	p.loopStart = &start
	return
}

func (p *Parser) endLoop() {
	for _, hole := range p.loopEndHoles {
		p.patchJump(hole)
	}
	p.loopStart = nil
	p.loopEndHoles = p.loopEndHoles[:0]
}

func (p *Parser) isInLoop() bool { return p.loopStart != nil }

func (p *Parser) beginScope() { p.depth++ }

// endScope pops every local declared deeper than the scope we're
// leaving, one OP_POP per slot — no local may outlive its declaring
// scope depth.
func (p *Parser) endScope() {
	p.depth--
	debug.Assertf(p.depth >= Uninit, "scope depth underflow: %d", p.depth)
	for len(p.locals) > 0 && p.locals[len(p.locals)-1].depth > p.depth {
		p.emitBytes(byte(OpPop))
		p.locals = p.locals[:len(p.locals)-1]
	}
}

// resolveLocal scans top-down so inner declarations shadow outer ones;
// the returned slot equals the local's stack position.
func (p *Parser) resolveLocal(name Token) (slot int) {
	for i := len(p.locals) - 1; i >= 0; i-- {
		if name.Eq(p.locals[i].name) {
			return i
		}
	}
	return Uninit
}

// emitJump emits a placeholder forward branch, patched later by patchJump.
func (p *Parser) emitJump(inst OpCode) (offset int) {
	p.emitBytes(byte(inst), 0xff, 0xff)
	return len(p.currChunk().code) - 2
}

// patchJump backfills a previously emitted placeholder jump offset.
func (p *Parser) patchJump(offset int) {
	code := p.currChunk().code
	jump := len(code) - (offset + 2)
	if jump > math.MaxUint16 {
		p.Error("too much code to jump over")
		jump = 0
	}
	code[offset], code[offset+1] = byte(jump>>8&0xff), byte(jump&0xff)
}

// emitLoop emits a backward jump to start.
func (p *Parser) emitLoop(start int) {
	p.emitBytes(byte(OpLoop))
	code := p.currChunk().code
	backJump := len(code) + 2 - start
	if backJump > math.MaxUint16 {
		p.Error("loop body too large")
		backJump = 0
	}
	p.emitBytes(byte(backJump>>8&0xff), byte(backJump&0xff))
}

/* ---- Precedence ---- */

//go:generate stringer -type=Prec
type Prec int

const (
	PrecNone   Prec = iota
	PrecAssign      // =
	PrecOr          // or
	PrecAnd         // and
	PrecEqual       // == !=
	PrecComp        // < > <= >=
	PrecTerm        // + -
	PrecFactor      // * /
	PrecUnary       // ! -
	PrecCall        // ()
	PrecPrimary
)

/* ---- Error handling ---- */

// sync skips tokens until a statement boundary, so a single pass can
// report more than one error.
func (p *Parser) sync() {
	p.panicMode = false
	for !p.check(TEOF) && !p.checkPrev(TSemi) {
		switch p.curr.Type {
		case TClass, TFun, TVar, TFor, TIf, TWhile, TPrint, TReturn:
			return
		default:
			p.advance()
		}
	}
}

// ErrorAt reports reason at tk's line (`[line N] Error: <message>`),
// then enters panic mode so a cascade of spurious diagnostics from the
// same failure point is suppressed until sync() resumes at the next
// statement boundary.
func (p *Parser) ErrorAt(tk Token, reason string) {
	if p.panicMode {
		return
	}
	p.panicMode = true

	err := &e.CompilationError{Line: tk.Line, Reason: reason}

	if debug.DEBUG {
		logrus.Debugln(err)
	}
	p.errors = multierror.Append(p.errors, err)
}

func (p *Parser) Error(reason string)       { p.ErrorAt(p.prev, reason) }
func (p *Parser) ErrorAtCurr(reason string) { p.ErrorAt(p.curr, reason) }
func (p *Parser) HadError() bool            { return p.errors != nil }
