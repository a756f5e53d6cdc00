package condition

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrNotBool is returned when an expression evaluates to a non-boolean value.
var ErrNotBool = errors.New("condition did not evaluate to a bool")

var nameShape = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)

var literals = map[string]bool{"true": true, "false": true, "True": true, "False": true}

// Evaluator decides whether a command's condition holds. Conditions are either
// names registered in the pipeline's condition table or inline expressions in
// a closed grammar: comparisons, boolean operators, in / not in, literals and
// the functions system(), machine(), architecture() and environ(key[, default]).
// The same functions are reachable as platform.system() and so on. No other
// identifier or call compiles, so evaluation cannot reach the filesystem or
// spawn processes.
//
// Evaluator is safe for concurrent use.
type Evaluator struct {
	conditions map[string]string
	facts      Facts
	logger     *slog.Logger
	env        map[string]any

	mu       sync.Mutex
	programs map[string]*vm.Program
	failures map[string]error
}

// New creates an Evaluator over the registered condition table.
func New(conditions map[string]string, facts Facts, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if facts.LookupEnv == nil {
		facts.LookupEnv = func(string) (string, bool) { return "", false }
	}
	e := &Evaluator{
		conditions: conditions,
		facts:      facts,
		logger:     logger,
		programs:   make(map[string]*vm.Program),
		failures:   make(map[string]error),
	}
	e.env = e.buildEnv()
	return e
}

// Evaluate resolves a condition. Empty conditions hold. A registered name
// evaluates its registered expression. An unregistered string shaped like a
// name holds, with a warning, so that typos in optional platform gates do not
// silently disable commands. Anything else is compiled as an expression;
// compile errors, runtime errors and non-boolean results do not hold.
func (e *Evaluator) Evaluate(nameOrExpr string) bool {
	if nameOrExpr == "" {
		return true
	}

	source := nameOrExpr
	if registered, ok := e.conditions[nameOrExpr]; ok {
		source = registered
	} else if nameShape.MatchString(nameOrExpr) && !literals[nameOrExpr] {
		e.logger.Warn("condition not found, defaulting to run", "condition", nameOrExpr)
		return true
	}

	ok, err := e.eval(source)
	if err != nil {
		e.logger.Error("condition evaluation failed, skipping command",
			"condition", nameOrExpr, "expression", source, "error", err)
		return false
	}
	return ok
}

// Check compiles every registered condition and reports the first error for
// each one that does not compile, keyed by name.
func (e *Evaluator) Check() map[string]error {
	bad := make(map[string]error)
	for name, source := range e.conditions {
		if _, err := e.program(source); err != nil {
			bad[name] = err
		}
	}
	return bad
}

func (e *Evaluator) eval(source string) (bool, error) {
	program, err := e.program(source)
	if err != nil {
		return false, err
	}
	output, err := expr.Run(program, e.env)
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", source, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("%w (%q gave %T: %v)", ErrNotBool, source, output, output)
	}
	return result, nil
}

// program returns the compiled form of source, compiling at most once per
// distinct string. Compile failures are cached too.
func (e *Evaluator) program(source string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.programs[source]; ok {
		return p, nil
	}
	if err, ok := e.failures[source]; ok {
		return nil, err
	}

	p, err := expr.Compile(source, e.options()...)
	if err != nil {
		err = fmt.Errorf("compile condition %q: %w", source, err)
		e.failures[source] = err
		return nil, err
	}
	e.programs[source] = p
	return p, nil
}

func (e *Evaluator) options() []expr.Option {
	f := e.facts
	return []expr.Option{
		expr.Env(e.env),
		expr.AsBool(),
		expr.DisableAllBuiltins(),
		expr.Function("system", func(...any) (any, error) { return f.System, nil }, new(func() string)),
		expr.Function("machine", func(...any) (any, error) { return f.Machine, nil }, new(func() string)),
		expr.Function("architecture", func(...any) (any, error) { return f.Architecture, nil }, new(func() string)),
		expr.Function("environ", e.environ,
			new(func(string) string),
			new(func(string, string) string),
		),
	}
}

func (e *Evaluator) environ(params ...any) (any, error) {
	key, _ := params[0].(string)
	if v, ok := e.facts.LookupEnv(key); ok {
		return v, nil
	}
	if len(params) > 1 {
		return params[1], nil
	}
	return "", nil
}

// buildEnv exposes the literal aliases and the platform namespace. The
// namespace mirrors Python's platform module, where architecture() returns a
// (bits, linkage) pair.
func (e *Evaluator) buildEnv() map[string]any {
	f := e.facts
	return map[string]any{
		"True":  true,
		"False": false,
		"platform": map[string]any{
			"system":       func() string { return f.System },
			"machine":      func() string { return f.Machine },
			"architecture": func() []string { return []string{f.Architecture, f.Linkage} },
		},
	}
}
