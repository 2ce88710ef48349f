package plan

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// GuardEnv is the recorded state a guard may reference.
type GuardEnv struct {
	Outputs map[string]any
	Context map[string]any
	Policy  map[string]any
	Status  map[string]any
}

func (g GuardEnv) vars() map[string]any {
	return map[string]any{
		"outputs": orEmpty(g.Outputs),
		"context": orEmpty(g.Context),
		"policy":  orEmpty(g.Policy),
		"status":  orEmpty(g.Status),
	}
}

var guardCache sync.Map // string -> *vm.Program

func compileGuard(src string) (*vm.Program, error) {
	if p, ok := guardCache.Load(src); ok {
		return p.(*vm.Program), nil
	}

	env := GuardEnv{}.vars()

	prog, err := expr.Compile(src, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", ErrGuard, src, err)
	}

	guardCache.Store(src, prog)

	return prog, nil
}

// EvalGuard evaluates a guard. An empty guard is true.
func EvalGuard(src string, env GuardEnv) (bool, error) {
	if src == "" {
		return true, nil
	}

	prog, err := compileGuard(src)
	if err != nil {
		return false, err
	}

	out, err := expr.Run(prog, env.vars())
	if err != nil {
		return false, fmt.Errorf("%w: eval %q: %v", ErrGuard, src, err)
	}

	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T", ErrGuard, src, out)
	}

	return b, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
