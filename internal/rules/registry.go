package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/millipress/millicache/internal/config"
	"github.com/millipress/millicache/internal/expr"
	"github.com/millipress/millicache/internal/templates"
)

// Condition decides whether it holds against a context.
type Condition interface {
	Matches(c *Context) (bool, error)
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(c *Context) (bool, error)

func (f ConditionFunc) Matches(c *Context) (bool, error) { return f(c) }

// ActionKind separates actions that end a stage from deferred ones.
type ActionKind int

const (
	// Trigger actions are queued and run once after the stage finishes.
	Trigger ActionKind = iota
	// Stop actions run immediately and halt the stage.
	Stop
)

func (k ActionKind) String() string {
	if k == Stop {
		return "stop"
	}
	return "trigger"
}

// Action mutates the stage decision.
type Action interface {
	Kind() ActionKind
	Apply(c *Context, d *Decision) error
}

type actionFunc struct {
	kind ActionKind
	fn   func(c *Context, d *Decision) error
}

func (a actionFunc) Kind() ActionKind                    { return a.kind }
func (a actionFunc) Apply(c *Context, d *Decision) error { return a.fn(c, d) }

// NewAction builds an Action from a function.
func NewAction(kind ActionKind, fn func(c *Context, d *Decision) error) Action {
	return actionFunc{kind: kind, fn: fn}
}

// ConditionFactory compiles one configured condition.
type ConditionFactory func(b *Builder, spec config.RuleConditionConfig) (Condition, error)

// ActionFactory compiles one configured action.
type ActionFactory func(b *Builder, spec config.RuleActionConfig) (Action, error)

// Registry maps condition and action type names to their factories. Built-in
// and host registrations go through the same calls.
type Registry struct {
	mu         sync.RWMutex
	conditions map[string]ConditionFactory
	actions    map[string]ActionFactory
}

// NewRegistry returns a registry preloaded with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{
		conditions: make(map[string]ConditionFactory),
		actions:    make(map[string]ActionFactory),
	}
	registerBuiltinConditions(r)
	registerBuiltinActions(r)
	return r
}

// RegisterCondition installs or replaces a condition type.
func (r *Registry) RegisterCondition(name string, factory ConditionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions[normalizeType(name)] = factory
}

// RegisterAction installs or replaces an action type.
func (r *Registry) RegisterAction(name string, factory ActionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[normalizeType(name)] = factory
}

// RegisterConditionFunc registers a callback condition. The callback receives
// the resolved configured value.
func (r *Registry) RegisterConditionFunc(name string, fn func(c *Context, value any) (bool, error)) {
	r.RegisterCondition(name, func(b *Builder, spec config.RuleConditionConfig) (Condition, error) {
		value, err := b.compileValue(name, spec.Value)
		if err != nil {
			return nil, err
		}
		return ConditionFunc(func(c *Context) (bool, error) {
			resolved, err := value.Resolve(c)
			if err != nil {
				return false, err
			}
			return fn(c, resolved)
		}), nil
	})
}

// RegisterActionFunc registers a callback action of the given kind.
func (r *Registry) RegisterActionFunc(name string, kind ActionKind, fn func(c *Context, d *Decision, value any) error) {
	r.RegisterAction(name, func(b *Builder, spec config.RuleActionConfig) (Action, error) {
		value, err := b.compileValue(name, spec.Value)
		if err != nil {
			return nil, err
		}
		return NewAction(kind, func(c *Context, d *Decision) error {
			resolved, err := value.Resolve(c)
			if err != nil {
				return err
			}
			return fn(c, d, resolved)
		}), nil
	})
}

// ConditionTypes lists the registered condition names.
func (r *Registry) ConditionTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.conditions))
	for name := range r.conditions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActionTypes lists the registered action names.
func (r *Registry) ActionTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) condition(name string) (ConditionFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.conditions[normalizeType(name)]
	return f, ok
}

func (r *Registry) action(name string) (ActionFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.actions[normalizeType(name)]
	return f, ok
}

func normalizeType(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}

// Builder compiles configured rules against a registry.
type Builder struct {
	registry *Registry
	env      *expr.Environment
	renderer *templates.Renderer
}

// NewBuilder wires the compilers rule values may need. env and renderer may be
// nil when expression conditions and templates are not used.
func NewBuilder(registry *Registry, env *expr.Environment, renderer *templates.Renderer) *Builder {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Builder{registry: registry, env: env, renderer: renderer}
}

// Condition compiles one condition.
func (b *Builder) Condition(spec config.RuleConditionConfig) (Condition, error) {
	factory, ok := b.registry.condition(spec.Type)
	if !ok {
		return nil, fmt.Errorf("rules: unknown condition type %q", spec.Type)
	}
	return factory(b, spec)
}

// Action compiles one action.
func (b *Builder) Action(spec config.RuleActionConfig) (Action, error) {
	factory, ok := b.registry.action(spec.Type)
	if !ok {
		return nil, fmt.Errorf("rules: unknown action type %q", spec.Type)
	}
	return factory(b, spec)
}
