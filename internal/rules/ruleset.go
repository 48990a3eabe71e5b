package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/millipress/millicache/internal/config"
)

// MatchType combines a rule's condition results.
type MatchType string

const (
	MatchAll  MatchType = "all"
	MatchAny  MatchType = "any"
	MatchNone MatchType = "none"
)

func parseMatch(raw string) (MatchType, error) {
	switch MatchType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", MatchAll:
		return MatchAll, nil
	case MatchAny:
		return MatchAny, nil
	case MatchNone:
		return MatchNone, nil
	}
	return "", fmt.Errorf("rules: unknown match type %q", raw)
}

// Rule is a compiled rule.
type Rule struct {
	ID          string
	Description string
	Stage       Stage
	Priority    int
	Order       int
	Match       MatchType

	conditions []namedCondition
	actions    []namedAction
}

type namedCondition struct {
	label string
	Condition
}

type namedAction struct {
	label string
	Action
}

// Set is an immutable, ordered collection of compiled rules per stage.
type Set struct {
	stages map[Stage][]*Rule
	logger *slog.Logger
}

// NewSet compiles defs. Rules that fail to compile are left out and reported
// in the returned error; the set still holds every valid rule.
func NewSet(defs map[string]config.RuleConfig, b *Builder, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if b == nil {
		b = NewBuilder(nil, nil, nil)
	}
	set := &Set{stages: make(map[Stage][]*Rule), logger: logger.With(slog.String("agent", "rules"))}
	var errs []error
	for id, def := range defs {
		if !def.IsEnabled() {
			continue
		}
		rule, err := compileRule(b, id, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", id, err))
			continue
		}
		set.stages[rule.Stage] = append(set.stages[rule.Stage], rule)
	}
	for _, list := range set.stages {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority < list[j].Priority
			}
			if list[i].Order != list[j].Order {
				return list[i].Order < list[j].Order
			}
			return list[i].ID < list[j].ID
		})
	}
	return set, errors.Join(errs...)
}

func compileRule(b *Builder, id string, def config.RuleConfig) (*Rule, error) {
	stage, err := ParseStage(def.Stage)
	if err != nil {
		return nil, err
	}
	match, err := parseMatch(def.Match)
	if err != nil {
		return nil, err
	}
	rule := &Rule{
		ID:          id,
		Description: def.Description,
		Stage:       stage,
		Priority:    def.Priority,
		Order:       def.Order,
		Match:       match,
	}
	for idx, spec := range def.Conditions {
		cond, err := b.Condition(spec)
		if err != nil {
			return nil, fmt.Errorf("conditions[%d]: %w", idx, err)
		}
		rule.conditions = append(rule.conditions, namedCondition{label: fmt.Sprintf("%d:%s", idx, spec.Type), Condition: cond})
	}
	if len(def.Actions) == 0 {
		return nil, errors.New("at least one action required")
	}
	for idx, spec := range def.Actions {
		action, err := b.Action(spec)
		if err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", idx, err)
		}
		rule.actions = append(rule.actions, namedAction{label: fmt.Sprintf("%d:%s", idx, spec.Type), Action: action})
	}
	return rule, nil
}

// Rules returns the ordered rules of a stage.
func (s *Set) Rules(stage Stage) []*Rule {
	if s == nil {
		return nil
	}
	return append([]*Rule(nil), s.stages[stage]...)
}

// Len counts the compiled rules across stages.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, list := range s.stages {
		n += len(list)
	}
	return n
}

type queuedAction struct {
	rule   *Rule
	action namedAction
}

// Evaluate runs the rules of c.Stage in order. The first stop action ends the
// stage; trigger actions of every rule that matched before it run afterwards.
func (s *Set) Evaluate(c *Context) *Decision {
	d := &Decision{Stage: c.Stage}
	if s == nil {
		return d
	}
	var queued []queuedAction
	for _, rule := range s.stages[c.Stage] {
		if !s.matches(rule, c) {
			continue
		}
		d.Matched = append(d.Matched, rule.ID)
		for _, action := range rule.actions {
			if action.Kind() != Stop {
				queued = append(queued, queuedAction{rule: rule, action: action})
				continue
			}
			if !s.apply(rule, action, c, d) {
				continue
			}
			d.Rule = rule.ID
			d.Stopped = true
			break
		}
		if d.Stopped {
			break
		}
	}
	for _, q := range queued {
		s.apply(q.rule, q.action, c, d)
	}
	return d
}

func (s *Set) matches(rule *Rule, c *Context) bool {
	switch rule.Match {
	case MatchAny:
		if len(rule.conditions) == 0 {
			return true
		}
		for _, cond := range rule.conditions {
			if s.holds(rule, cond, c) {
				return true
			}
		}
		return false
	case MatchNone:
		for _, cond := range rule.conditions {
			if s.holds(rule, cond, c) {
				return false
			}
		}
		return true
	default:
		for _, cond := range rule.conditions {
			if !s.holds(rule, cond, c) {
				return false
			}
		}
		return true
	}
}

// holds evaluates one condition. Errors and panics count as "false".
func (s *Set) holds(rule *Rule, cond namedCondition, c *Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("rule condition panicked",
				slog.String("rule", rule.ID),
				slog.String("condition", cond.label),
				slog.Any("panic", r),
			)
			ok = false
		}
	}()
	matched, err := cond.Matches(c)
	if err != nil {
		s.logger.Warn("rule condition failed",
			slog.String("rule", rule.ID),
			slog.String("condition", cond.label),
			slog.Any("error", err),
		)
		return false
	}
	return matched
}

// apply runs one action and reports whether it completed.
func (s *Set) apply(rule *Rule, action namedAction, c *Context, d *Decision) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("rule action panicked",
				slog.String("rule", rule.ID),
				slog.String("action", action.label),
				slog.Any("panic", r),
			)
			ok = false
		}
	}()
	if err := action.Apply(c, d); err != nil {
		s.logger.Warn("rule action failed",
			slog.String("rule", rule.ID),
			slog.String("action", action.label),
			slog.Any("error", err),
		)
		return false
	}
	return true
}
