package vm_test

import (
	"strings"
	"testing"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/loxc/loxc/vm"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func init() { logrus.SetLevel(logrus.DebugLevel) }

// run compiles and interprets src on a fresh VM, returning every line
// `print` wrote (in order) alongside any error Interpret reported.
func run(t *testing.T, src string) ([]string, error) {
	t.Helper()
	var lines []string
	vm_ := vm.NewVM()
	vm_.SetOutput(func(s string) { lines = append(lines, s) })
	err := vm_.Interpret(src)
	return lines, err
}

func assertPrints(t *testing.T, src string, want ...string) {
	t.Helper()
	t.Parallel()
	lines, err := run(t, src)
	assert.NoError(t, err)
	assert.Equal(t, want, lines)
}

func assertErr(t *testing.T, src string, errSubstr string) {
	t.Helper()
	t.Parallel()
	_, err := run(t, src)
	assert.ErrorContains(t, err, errSubstr)
}

func TestCalculator(t *testing.T) {
	assertPrints(t, heredoc.Doc(`
		print 2 + 2;
		print 11.4 + 5.14 / 19198.10;
		print -6 * (-4 + -3) == 6 * 4 + 2 * ((((9))));
	`), "4", "11.400267734827926", "true")
}

func TestStringConcat(t *testing.T) {
	assertPrints(t, `print "trick" + " or " + "treat";`, `"trick or treat"`)
}

func TestVarsBlocks(t *testing.T) {
	assertPrints(t, heredoc.Doc(`
		var foo = 2;
		print foo;
		print foo + 3 == 1 + foo * foo;
		var bar;
		print bar;
		bar = foo = 2;
		print foo;
		print bar;
		{ foo = foo + 1; var bar; var foo1 = foo; foo1 = foo1 + 1; }
		print foo;
	`), "2", "true", "nil", "2", "2", "3")
}

func TestShadowing(t *testing.T) {
	assertPrints(t, heredoc.Doc(`
		var a = "outer";
		{
			var a = "inner";
			print a;
		}
		print a;
	`), `"inner"`, `"outer"`)
}

func TestRedeclareSameScope(t *testing.T) {
	assertErr(t, `{ var a = 1; var a = 2; }`, "already declared in this scope")
}

func TestIfElse(t *testing.T) {
	assertPrints(t, heredoc.Doc(`
		var foo = 2;
		if (foo == 2) foo = foo + 1; else { foo = 42; }
		print foo;
		if (foo == 2) { foo = foo + 1; } else foo = nil;
		print foo;
		if (!foo) foo = 1;
		print foo;
	`), "3", "nil", "1")
}

func TestAndOr(t *testing.T) {
	assertPrints(t, heredoc.Doc(`
		print "trick" or nil;
		print 996 or 7;
		print nil or "hi";
		print nil and "unreached";
		print true and "then";
	`), `"trick"`, "996", `"hi"`, "nil", `"then"`)
}

func TestWhileLoop(t *testing.T) {
	assertPrints(t, heredoc.Doc(`
		var i = 0;
		var sum = 0;
		while (i < 5) {
			sum = sum + i;
			i = i + 1;
		}
		print sum;
	`), "10")
}

func TestForLoop(t *testing.T) {
	assertPrints(t, heredoc.Doc(`
		var sum = 0;
		for (var i = 0; i < 5; i = i + 1) {
			sum = sum + i;
		}
		print sum;
	`), "10")
}

func TestBreakContinue(t *testing.T) {
	assertPrints(t, heredoc.Doc(`
		var sum = 0;
		for (var i = 0; i < 10; i = i + 1) {
			if (i == 5) break;
			if (i == 2) continue;
			sum = sum + i;
		}
		print sum;
	`), "8") // 0+1+3+4
}

func TestBreakOutsideLoop(t *testing.T) {
	assertErr(t, `break;`, "expect 'break' in a loop")
}

func TestContinueOutsideLoop(t *testing.T) {
	assertErr(t, `continue;`, "expect 'continue' in a loop")
}

func TestFunctionCallsAndReturn(t *testing.T) {
	assertPrints(t, heredoc.Doc(`
		fun add(a, b) {
			return a + b;
		}
		print add(2, 3);

		fun sum(n) {
			if (n == 0) return 0;
			return n + sum(n - 1);
		}
		print sum(5);
	`), "5", "15")
}

func TestFunctionImplicitNilReturn(t *testing.T) {
	assertPrints(t, heredoc.Doc(`
		fun noop() {}
		print noop();
	`), "nil")
}

func TestLocalFunctionCannotReferenceOuterScopeLocals(t *testing.T) {
	// No upvalue capture (Non-goal: no closures): a `fun` declared inside
	// a block resolves names against only its own parameter list, so it
	// can't see the outer block's locals, including its own name.
	assertErr(t, heredoc.Doc(`
		{
			fun fact(n) {
				if (n == 0) return 1;
				return n * fact(n - 1);
			}
			print fact(5);
		}
	`), "undefined variable")
}

func TestLocalOwnInitializerSeesOuterBinding(t *testing.T) {
	assertPrints(t, heredoc.Doc(`
		var a = 1;
		{
			var a = a + 1;
			print a;
		}
	`), "2")
}

func TestArityMismatch(t *testing.T) {
	assertErr(t, heredoc.Doc(`
		fun add(a, b) { return a + b; }
		print add(1);
	`), "expected 2 arguments but got 1")
}

func TestTopLevelReturnRejected(t *testing.T) {
	assertErr(t, `return 1;`, "can't return from top-level code")
}

func TestUndefinedVariable(t *testing.T) {
	assertErr(t, `print nope;`, "undefined variable")
}

func TestTypeErrors(t *testing.T) {
	assertErr(t, `print 1 + "two";`, "operands must be")
	assertErr(t, `print -"str";`, "operand must be a number")
}

func TestParseErrorReporting(t *testing.T) {
	_, err := run(t, `var = 1;`)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "[line 1] Error:")
}

func TestMultipleSyntaxErrorsSurfaceInOnePass(t *testing.T) {
	// Each malformed declaration ends at a semicolon, a clean sync point,
	// so panic mode lifts in time to report the second error too.
	_, err := run(t, heredoc.Doc(`
		var 1;
		var 2;
	`))
	assert.Error(t, err)
	// multierror's default formatting prints one summary line and then one
	// "[line N] Error: ..." entry per wrapped error, so count the entries.
	assert.GreaterOrEqual(t, strings.Count(err.Error(), "] Error:"), 2)
}
