package expr

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Variables lists the map-typed activation keys a predicate may reference.
// Keys missing from an activation are bound to empty maps.
var Variables = []string{"request", "response", "constants", "settings", "content", "post", "query", "user", "flags"}

// Environment compiles `expression` rule conditions.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the rule context variables plus two helpers:
// lookup(map, key) returns null for absent keys, and like(value, pattern)
// glob-matches with `*` wildcards.
func NewEnvironment() (*Environment, error) {
	opts := make([]cel.EnvOption, 0, len(Variables)+4)
	for _, name := range Variables {
		opts = append(opts, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
	}
	opts = append(opts,
		cel.Variable("now", cel.TimestampType),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookup),
			),
		),
		cel.Function("like",
			cel.Overload("like_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(like),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Predicate is a compiled boolean expression.
type Predicate struct {
	source  string
	program cel.Program
}

// Compile checks that expression type-checks to bool (or dyn, resolved at
// evaluation time) and prepares it for repeated evaluation.
func (e *Environment) Compile(expression string) (Predicate, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return Predicate{}, errors.New("expr: expression required")
	}
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Predicate{}, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Predicate{}, fmt.Errorf("expr: %q must return bool, got %s", source, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Predicate{}, fmt.Errorf("expr: program %q: %w", source, err)
	}
	return Predicate{source: source, program: program}, nil
}

// Match evaluates the predicate. Errors (missing keys, type mismatches) are
// returned to the caller, which treats them as "does not match".
func (p Predicate) Match(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, errors.New("expr: predicate not compiled")
	}
	val, _, err := p.program.Eval(Activation(vars))
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	if val.Type() == types.BoolType {
		if b, ok := val.Value().(bool); ok {
			return b, nil
		}
	}
	return false, fmt.Errorf("expr: %q yielded %s, want bool", p.source, val.Type().TypeName())
}

// String returns the trimmed source expression.
func (p Predicate) String() string { return p.source }

// Activation copies vars and binds every declared variable that is absent.
func Activation(vars map[string]any) map[string]any {
	out := make(map[string]any, len(Variables)+1)
	for k, v := range vars {
		out[k] = v
	}
	for _, name := range Variables {
		if _, ok := out[name]; !ok {
			out[name] = map[string]any{}
		}
	}
	if _, ok := out["now"]; !ok {
		out["now"] = time.Now()
	}
	return out
}

func lookup(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup needs a map")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}

var globs sync.Map

func like(value ref.Val, pattern ref.Val) ref.Val {
	s, ok := value.Value().(string)
	if !ok {
		return types.NewErr("expr: like needs a string value")
	}
	p, ok := pattern.Value().(string)
	if !ok {
		return types.NewErr("expr: like needs a string pattern")
	}
	if cached, ok := globs.Load(p); ok {
		return types.Bool(cached.(glob.Glob).Match(s))
	}
	g, err := glob.Compile(p)
	if err != nil {
		return types.NewErr("expr: like pattern %q: %v", p, err)
	}
	globs.Store(p, g)
	return types.Bool(g.Match(s))
}
