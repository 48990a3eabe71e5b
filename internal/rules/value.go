package rules

import (
	"fmt"

	"github.com/millipress/millicache/internal/templates"
)

// Value is a configured value whose strings may carry {category.field}
// placeholders or template actions, resolved per evaluation.
type Value struct {
	raw   any
	tmpls map[int]*templates.Template
}

func (b *Builder) compileValue(name string, raw any) (Value, error) {
	v := Value{raw: raw}
	for idx, item := range toList(raw) {
		s, ok := item.(string)
		if !ok || !templates.IsTemplate(s) {
			continue
		}
		if b.renderer == nil {
			return Value{}, fmt.Errorf("rules: %s uses a template but no renderer is configured", name)
		}
		tmpl, err := b.renderer.CompileInline(name, s)
		if err != nil {
			return Value{}, err
		}
		if v.tmpls == nil {
			v.tmpls = make(map[int]*templates.Template)
		}
		v.tmpls[idx] = tmpl
	}
	return v, nil
}

// Raw returns the configured value untouched.
func (v Value) Raw() any { return v.raw }

// IsSet reports whether a value was configured.
func (v Value) IsSet() bool { return v.raw != nil }

// Resolve renders templates and placeholders. Lists stay lists.
func (v Value) Resolve(c *Context) (any, error) {
	switch raw := v.raw.(type) {
	case []any, []string:
		items := toList(raw)
		out := make([]any, len(items))
		for i, item := range items {
			resolved, err := v.resolveItem(c, i, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	}
	return v.resolveItem(c, 0, v.raw)
}

// Strings resolves the value and flattens it into a string list.
func (v Value) Strings(c *Context) ([]string, error) {
	resolved, err := v.Resolve(c)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	items := toList(resolved)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := Stringify(item); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func (v Value) resolveItem(c *Context, idx int, item any) (any, error) {
	s, ok := item.(string)
	if !ok {
		return item, nil
	}
	if tmpl, ok := v.tmpls[idx]; ok {
		rendered, err := tmpl.Render(c.Data())
		if err != nil {
			return nil, err
		}
		s = rendered
	}
	return c.Resolve(s), nil
}
