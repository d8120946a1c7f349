package vm

import (
	"fmt"
	"os"

	"github.com/loxc/loxc/debug"
	e "github.com/loxc/loxc/errors"
	"github.com/sirupsen/logrus"
)

// frame is one activation record: a function plus its own instruction
// pointer and the stack slot its locals start at. The compiler hands
// this VM a VFun per OpCall; this VM owns what happens to it at
// runtime.
type frame struct {
	fun    VFun
	ip     int
	slotAt int
}

// VM is the stack-based interpreter consuming the bytecode this
// compiler emits. It is not part of the CORE spec; it exists so the
// module is runnable end to end and so compiler output can be observed
// behaviorally by tests.
type VM struct {
	frames  []frame
	stack   []Value
	globals map[string]Value
	out     func(string)
}

func NewVM() *VM {
	return &VM{
		globals: make(map[string]Value),
		out:     func(s string) { fmt.Println(s) },
	}
}

// SetOutput redirects what OpPrint writes to, letting callers (tests,
// embedders) capture output instead of going straight to stdout.
func (vm *VM) SetOutput(out func(string)) { vm.out = out }

// Global returns the current value bound to name at global scope, or
// false if it is undefined. Exposed for tests that want to assert on
// state without relying on `print`.
func (vm *VM) Global(name string) (Value, bool) {
	v, ok := vm.globals[name]
	return v, ok
}

func (vm *VM) push(v Value) { vm.stack = append(vm.stack, v) }

func (vm *VM) pop() (last Value) {
	n := len(vm.stack)
	last, vm.stack = vm.stack[n-1], vm.stack[:n-1]
	return
}

func (vm *VM) peek(distance int) Value { return vm.stack[len(vm.stack)-1-distance] }

func (vm *VM) curr() *frame { return &vm.frames[len(vm.frames)-1] }

// Interpret compiles and runs src in one call, the entry point the CLI
// and the test suite drive.
func (vm *VM) Interpret(src string) error {
	p := NewParser()
	fun, err := p.Compile(src)
	if err != nil {
		return err
	}
	vm.push(fun)
	vm.frames = append(vm.frames, frame{fun: fun, slotAt: len(vm.stack) - 1})
	return vm.run()
}

func (vm *VM) run() error {
	readByte := func() byte {
		f := vm.curr()
		b := f.fun.Chunk().Code()[f.ip]
		f.ip++
		return b
	}
	readShort := func() int {
		hi, lo := readByte(), readByte()
		return int(hi)<<8 | int(lo)
	}
	readConst := func() Value { return vm.curr().fun.Chunk().Consts()[readByte()] }
	line := func() int {
		f := vm.curr()
		return f.fun.Chunk().Lines()[f.ip-1]
	}
	runtimeErr := func(format string, a ...any) error {
		return &e.RuntimeError{Line: line(), Reason: fmt.Sprintf(format, a...)}
	}

	for {
		if debug.DEBUG {
			f := vm.curr()
			inst, _ := f.fun.Chunk().DisassembleInst(f.ip)
			logrus.Debugln(inst)
		}

		op := OpCode(readByte())
		switch {
		case op.IsCall():
			argCount := op.CallArity()
			callee := vm.peek(argCount)
			fun, ok := callee.(VFun)
			if !ok {
				return runtimeErr("can only call functions")
			}
			if fun.Arity() != argCount {
				return runtimeErr("expected %d arguments but got %d", fun.Arity(), argCount)
			}
			// The callee itself occupies the slot just below its arguments;
			// local slot 0 (the first parameter) sits one above that.
			vm.frames = append(vm.frames, frame{fun: fun, slotAt: len(vm.stack) - argCount - 1})
			continue
		}

		switch op {
		case OpReturn:
			result := vm.pop()
			f := vm.frames[len(vm.frames)-1]
			vm.frames = vm.frames[:len(vm.frames)-1]
			if len(vm.frames) == 0 {
				return nil
			}
			vm.stack = vm.stack[:f.slotAt]
			vm.push(result)

		case OpConst:
			vm.push(readConst())

		case OpNil:
			vm.push(VNil{})
		case OpTrue:
			vm.push(VBool(true))
		case OpFalse:
			vm.push(VBool(false))

		case OpPop:
			vm.pop()

		case OpGetLocal:
			slot := int(readByte())
			vm.push(vm.stack[vm.curr().slotAt+1+slot])
		case OpSetLocal:
			slot := int(readByte())
			vm.stack[vm.curr().slotAt+1+slot] = vm.peek(0)

		case OpGetGlobal:
			name := readConst().(VStr)
			val, ok := vm.globals[string(name)]
			if !ok {
				return runtimeErr("undefined variable '%s'", string(name))
			}
			vm.push(val)
		case OpDefGlobal:
			name := readConst().(VStr)
			vm.globals[string(name)] = vm.pop()
		case OpSetGlobal:
			name := readConst().(VStr)
			if _, ok := vm.globals[string(name)]; !ok {
				return runtimeErr("undefined variable '%s'", string(name))
			}
			vm.globals[string(name)] = vm.peek(0)

		case OpEqual:
			b, a := vm.pop(), vm.pop()
			vm.push(VEq(a, b))
		case OpGreater:
			b, a := vm.pop(), vm.pop()
			res, ok := VGreater(a, b)
			if !ok {
				return runtimeErr("operands must be numbers")
			}
			vm.push(res)
		case OpLess:
			b, a := vm.pop(), vm.pop()
			res, ok := VLess(a, b)
			if !ok {
				return runtimeErr("operands must be numbers")
			}
			vm.push(res)

		case OpNot:
			vm.push(!VTruthy(vm.pop()))
		case OpNeg:
			res, ok := VNeg(vm.pop())
			if !ok {
				return runtimeErr("operand must be a number")
			}
			vm.push(res)

		case OpAdd:
			b, a := vm.pop(), vm.pop()
			res, ok := VAdd(a, b)
			if !ok {
				return runtimeErr("operands must be two numbers or two strings")
			}
			vm.push(res)
		case OpSub:
			b, a := vm.pop(), vm.pop()
			res, ok := VSub(a, b)
			if !ok {
				return runtimeErr("operands must be numbers")
			}
			vm.push(res)
		case OpMul:
			b, a := vm.pop(), vm.pop()
			res, ok := VMul(a, b)
			if !ok {
				return runtimeErr("operands must be numbers")
			}
			vm.push(res)
		case OpDiv:
			b, a := vm.pop(), vm.pop()
			res, ok := VDiv(a, b)
			if !ok {
				return runtimeErr("operands must be numbers")
			}
			vm.push(res)

		case OpPrint:
			vm.out(fmt.Sprint(vm.pop()))

		case OpJump:
			vm.curr().ip += readShort()
		case OpJumpUnless:
			offset := readShort()
			if !bool(VTruthy(vm.peek(0))) {
				vm.curr().ip += offset
			}
		case OpLoop:
			vm.curr().ip -= readShort()

		default:
			return runtimeErr("unknown opcode %v", op)
		}
	}
}

// REPL drives an interactive read-compile-run loop over readLine,
// writing each line's print output to writeLine; compile and runtime
// errors go to the log and to standard error. It holds
// globals across lines, the way a Lox REPL session is expected to.
func (vm *VM) REPL(readLine func() (string, error), writeLine func(string)) {
	vm.out = writeLine
	for {
		line, err := readLine()
		if err != nil {
			return
		}
		if err := vm.Interpret(line); err != nil {
			logrus.Errorln(err)
			fmt.Fprintln(os.Stderr, err)
		}
	}
}
