package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/millipress/millicache/internal/config"
)

func registerBuiltinActions(r *Registry) {
	r.RegisterAction("do_cache", newDoCacheAction)
	r.RegisterAction("add_tag", tagAction(func(d *Decision, tags []string) {
		for _, tag := range tags {
			d.AddTag(tag)
		}
	}))
	r.RegisterAction("clear_tags", tagAction(func(d *Decision, tags []string) { d.AddDelete(tags...) }))
	r.RegisterAction("expire_tags", tagAction(func(d *Decision, tags []string) { d.AddExpire(tags...) }))
	r.RegisterAction("set_ttl", durationAction(func(d *Decision, ttl time.Duration) { d.TTL = ttl }))
	r.RegisterAction("set_max_ttl", durationAction(func(d *Decision, ttl time.Duration) { d.MaxTTL = ttl }))
}

// newDoCacheAction is the stop action deciding whether the response is stored.
// An omitted value means "cache".
func newDoCacheAction(b *Builder, spec config.RuleActionConfig) (Action, error) {
	cache := true
	if spec.Value != nil {
		cache = Truthy(spec.Value)
	}
	reason := strings.TrimSpace(spec.Reason)
	return NewAction(Stop, func(c *Context, d *Decision) error {
		d.SetCache(cache, c.Resolve(reason))
		return nil
	}), nil
}

func tagAction(apply func(d *Decision, tags []string)) ActionFactory {
	return func(b *Builder, spec config.RuleActionConfig) (Action, error) {
		if spec.Value == nil {
			return nil, fmt.Errorf("rules: %s action requires a value", spec.Type)
		}
		value, err := b.compileValue(spec.Type, spec.Value)
		if err != nil {
			return nil, err
		}
		return NewAction(Trigger, func(c *Context, d *Decision) error {
			tags, err := value.Strings(c)
			if err != nil {
				return err
			}
			apply(d, tags)
			return nil
		}), nil
	}
}

func durationAction(apply func(d *Decision, ttl time.Duration)) ActionFactory {
	return func(b *Builder, spec config.RuleActionConfig) (Action, error) {
		if spec.Value == nil {
			return nil, fmt.Errorf("rules: %s action requires a value", spec.Type)
		}
		value, err := b.compileValue(spec.Type, spec.Value)
		if err != nil {
			return nil, err
		}
		return NewAction(Trigger, func(c *Context, d *Decision) error {
			resolved, err := value.Resolve(c)
			if err != nil {
				return err
			}
			ttl, err := ParseDuration(resolved)
			if err != nil {
				return err
			}
			apply(d, ttl)
			return nil
		}), nil
	}
}

// ParseDuration accepts Go duration strings or a number of seconds.
func ParseDuration(v any) (time.Duration, error) {
	switch val := v.(type) {
	case time.Duration:
		return val, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	case string:
		trimmed := strings.TrimSpace(val)
		if secs, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		d, err := time.ParseDuration(trimmed)
		if err != nil {
			return 0, fmt.Errorf("rules: invalid duration %q", val)
		}
		return d, nil
	}
	return 0, fmt.Errorf("rules: invalid duration %v", v)
}
