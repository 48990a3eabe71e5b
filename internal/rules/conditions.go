package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/millipress/millicache/internal/config"
)

func registerBuiltinConditions(r *Registry) {
	r.RegisterCondition("constant", newConstantCondition)
	r.RegisterCondition("cookie", newCookieCondition)
	r.RegisterCondition("request_method", newMethodCondition)
	r.RegisterCondition("request_url", newURLCondition)
	r.RegisterCondition("request_header", newHeaderCondition)
	r.RegisterCondition("response_code", newResponseCodeCondition)
	r.RegisterCondition("context", newContextCondition)
	r.RegisterCondition("expression", newExpressionCondition)
	r.RegisterCondition("is_singular", flagCondition("query.is_singular"))
	r.RegisterCondition("is_front_page", flagCondition("query.is_front_page"))
	r.RegisterCondition("is_home", flagCondition("query.is_home"))
	r.RegisterCondition("is_feed", flagCondition("query.is_feed"))
	r.RegisterCondition("is_logged_in", newLoggedInCondition)
	r.RegisterCondition("is_archive", newArchiveCondition)
}

// compare builds a condition comparing whatever lookup resolves with the
// configured value.
func compare(b *Builder, spec config.RuleConditionConfig, def Operator, lookup func(c *Context) (any, bool)) (Condition, error) {
	if spec.Value == nil && spec.Operator == "" {
		def = OpExists
	}
	op, err := ParseOperator(spec.Operator, def)
	if err != nil {
		return nil, err
	}
	value, err := b.compileValue(spec.Type, spec.Value)
	if err != nil {
		return nil, err
	}
	return ConditionFunc(func(c *Context) (bool, error) {
		actual, present := lookup(c)
		expected, err := value.Resolve(c)
		if err != nil {
			return false, err
		}
		return Compare(op, actual, present, expected)
	}), nil
}

func newConstantCondition(b *Builder, spec config.RuleConditionConfig) (Condition, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, errors.New("rules: constant condition requires a name")
	}
	return compare(b, spec, OpEquals, func(c *Context) (any, bool) {
		v, ok := c.Constants[name]
		return v, ok
	})
}

// newCookieCondition matches by cookie name. With a name it compares that
// cookie's value; without one the value is a list of name prefixes or globs
// and the condition holds when any request cookie matches.
func newCookieCondition(b *Builder, spec config.RuleConditionConfig) (Condition, error) {
	if name := strings.TrimSpace(spec.Name); name != "" {
		return compare(b, spec, OpEquals, func(c *Context) (any, bool) {
			return foldLookup(c.Request.Cookies, name)
		})
	}
	op, err := ParseOperator(spec.Operator, OpExists)
	if err != nil {
		return nil, err
	}
	negate := false
	switch op {
	case OpExists, OpIn, OpLike, OpEquals:
	case OpNotExists, OpNotIn, OpNotLike, OpNotEquals:
		negate = true
	default:
		return nil, fmt.Errorf("rules: cookie condition does not support operator %q", op)
	}
	value, err := b.compileValue(spec.Type, spec.Value)
	if err != nil {
		return nil, err
	}
	return ConditionFunc(func(c *Context) (bool, error) {
		patterns, err := value.Strings(c)
		if err != nil {
			return false, err
		}
		matched, err := anyCookieMatches(c.Request.Cookies, patterns)
		if err != nil {
			return false, err
		}
		return matched != negate, nil
	}), nil
}

func anyCookieMatches(cookies map[string]string, patterns []string) (bool, error) {
	for name := range cookies {
		lower := strings.ToLower(name)
		for _, pattern := range patterns {
			p := strings.ToLower(strings.TrimSpace(pattern))
			if p == "" {
				continue
			}
			if strings.HasPrefix(lower, p) {
				return true, nil
			}
			if strings.ContainsAny(p, "*?[{") {
				g, err := compileGlob(p)
				if err != nil {
					return false, err
				}
				if g.Match(lower) {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func newMethodCondition(b *Builder, spec config.RuleConditionConfig) (Condition, error) {
	spec.Value = upperValues(spec.Value)
	return compare(b, spec, OpIn, func(c *Context) (any, bool) {
		return c.Request.Method, c.Request.Method != ""
	})
}

func upperValues(v any) any {
	switch val := v.(type) {
	case string:
		return strings.ToUpper(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = upperValues(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = strings.ToUpper(item)
		}
		return out
	}
	return v
}

func newURLCondition(b *Builder, spec config.RuleConditionConfig) (Condition, error) {
	return compare(b, spec, OpLike, func(c *Context) (any, bool) {
		return c.Request.URL, true
	})
}

func newHeaderCondition(b *Builder, spec config.RuleConditionConfig) (Condition, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, errors.New("rules: request_header condition requires a name")
	}
	return compare(b, spec, OpEquals, func(c *Context) (any, bool) {
		return c.Lookup("request.header." + name)
	})
}

func newResponseCodeCondition(b *Builder, spec config.RuleConditionConfig) (Condition, error) {
	if spec.Value == nil {
		return nil, errors.New("rules: response_code condition requires a value")
	}
	return compare(b, spec, OpEquals, func(c *Context) (any, bool) {
		return c.Lookup("response.code")
	})
}

func newContextCondition(b *Builder, spec config.RuleConditionConfig) (Condition, error) {
	path := strings.TrimSpace(spec.Name)
	if path == "" {
		return nil, errors.New("rules: context condition requires a name")
	}
	return compare(b, spec, OpEquals, func(c *Context) (any, bool) {
		return c.Lookup(path)
	})
}

func newExpressionCondition(b *Builder, spec config.RuleConditionConfig) (Condition, error) {
	if b.env == nil {
		return nil, errors.New("rules: expression conditions require a CEL environment")
	}
	source, ok := spec.Value.(string)
	if !ok {
		return nil, errors.New("rules: expression condition requires a string value")
	}
	program, err := b.env.Compile(source)
	if err != nil {
		return nil, err
	}
	return ConditionFunc(func(c *Context) (bool, error) {
		return program.Match(c.Data())
	}), nil
}

// flagCondition builds a post-render predicate over a content flag. The
// configured value (default true) is the expected truthiness.
func flagCondition(path string) ConditionFactory {
	return func(b *Builder, spec config.RuleConditionConfig) (Condition, error) {
		want := true
		if spec.Value != nil {
			want = Truthy(spec.Value)
		}
		return ConditionFunc(func(c *Context) (bool, error) {
			if !c.Responded() {
				return false, nil
			}
			actual, _ := c.Lookup(path)
			return Truthy(actual) == want, nil
		}), nil
	}
}

func newLoggedInCondition(b *Builder, spec config.RuleConditionConfig) (Condition, error) {
	want := true
	if spec.Value != nil {
		want = Truthy(spec.Value)
	}
	return ConditionFunc(func(c *Context) (bool, error) {
		if !c.Responded() {
			return false, nil
		}
		loggedIn := false
		if v, ok := c.Lookup("user.logged_in"); ok {
			loggedIn = Truthy(v)
		} else if id, ok := c.Lookup("user.id"); ok {
			n, numeric := toFloat(id)
			loggedIn = numeric && n > 0
		}
		return loggedIn == want, nil
	}), nil
}

// newArchiveCondition holds on archive pages. A value restricts the match to
// the listed archive types (post type, taxonomy, author, date).
func newArchiveCondition(b *Builder, spec config.RuleConditionConfig) (Condition, error) {
	value, err := b.compileValue(spec.Type, spec.Value)
	if err != nil {
		return nil, err
	}
	return ConditionFunc(func(c *Context) (bool, error) {
		if !c.Responded() {
			return false, nil
		}
		flag, _ := c.Lookup("query.is_archive")
		archiveType, typed := c.Lookup("query.archive_type")
		if !Truthy(flag) && !typed {
			return false, nil
		}
		if !value.IsSet() {
			return true, nil
		}
		expected, err := value.Resolve(c)
		if err != nil {
			return false, err
		}
		return Compare(OpIn, archiveType, typed, expected)
	}), nil
}
