package vm

import "fmt"

// Value is the tagged union of runtime values the compiler can fold into
// a constant pool entry or the VM can push onto its stack.
type Value interface{ isValue() }

func NewValue() Value { return VNil{} }

type VBool bool

func (VBool) isValue()        {}
func (v VBool) String() string { return fmt.Sprintf("%t", v) }

type VNil struct{}

func (VNil) isValue()        {}
func (v VNil) String() string { return "nil" }

type VNum float64

func (VNum) isValue()        {}
func (v VNum) String() string { return fmt.Sprintf("%g", v) }

// VStr is an interned-by-value string. A real allocator would intern
// these against a shared string table so equality is a pointer
// comparison; that lives one layer below this compiler, so VStr here
// just wraps the Go string directly.
type VStr string

func (VStr) isValue()        {}
func (v VStr) String() string { return fmt.Sprintf("%q", string(v)) }

func NewVStr(s string) VStr { return VStr(s) }

// VFun is a function-in-progress or completed function object. Name is
// nil for the top-level script function.
type VFun struct {
	name  *string
	arity int
	chunk *Chunk
}

func (VFun) isValue() {}

func (v VFun) String() string {
	if v.name == nil {
		return "<script>"
	}
	return fmt.Sprintf("<fn %s>", *v.name)
}

func (v VFun) Name() string {
	if v.name == nil {
		return "<script>"
	}
	return *v.name
}

func (v VFun) Arity() int    { return v.arity }
func (v VFun) Chunk() *Chunk { return v.chunk }

func NewVFun() VFun { return VFun{chunk: NewChunk()} }

func VAdd(v, w Value) (res Value, ok bool) {
	res = NewValue()
	switch v := v.(type) {
	case VNum:
		if w, ok2 := w.(VNum); ok2 {
			return v + w, true
		}
	case VStr:
		if w, ok2 := w.(VStr); ok2 {
			return v + w, true
		}
	}
	return
}

func VSub(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok1 := v.(VNum); ok1 {
		if w, ok2 := w.(VNum); ok2 {
			return v - w, true
		}
	}
	return
}

func VMul(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok1 := v.(VNum); ok1 {
		if w, ok2 := w.(VNum); ok2 {
			return v * w, true
		}
	}
	return
}

func VDiv(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok1 := v.(VNum); ok1 {
		if w, ok2 := w.(VNum); ok2 {
			return v / w, true
		}
	}
	return
}

func VGreater(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok1 := v.(VNum); ok1 {
		if w, ok2 := w.(VNum); ok2 {
			return VBool(v > w), true
		}
	}
	return
}

func VLess(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok1 := v.(VNum); ok1 {
		if w, ok2 := w.(VNum); ok2 {
			return VBool(v < w), true
		}
	}
	return
}

func VNeg(v Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok1 := v.(VNum); ok1 {
		return -v, true
	}
	return
}

func VTruthy(v Value) VBool {
	switch v := v.(type) {
	case VBool:
		return v
	case VNil:
		return false
	default:
		return true
	}
}

func VEq(v, w Value) VBool {
	switch v := v.(type) {
	case VBool:
		if w, ok := w.(VBool); ok {
			return v == w
		}
	case VNum:
		if w, ok := w.(VNum); ok {
			return v == w
		}
	case VStr:
		if w, ok := w.(VStr); ok {
			return v == w
		}
	case VNil:
		_, ok := w.(VNil)
		return VBool(ok)
	}
	return false
}
