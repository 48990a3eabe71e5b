package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/millipress/millicache/internal/expr"
)

const inlineSourceName = "inline-config"

// RuleBundle is the merged set of rule definitions from every configured
// source, with the definitions that were quarantined and why.
type RuleBundle struct {
	Rules   map[string]RuleConfig
	Sources []string
	Skipped []DefinitionSkip
}

// ruleMerge folds rule documents together. A rule id defined twice is
// quarantined in every source that names it, including later ones.
type ruleMerge struct {
	rules   map[string]RuleConfig
	origin  map[string]string
	skipped map[string]*DefinitionSkip
	seen    []string
}

func newRuleMerge() *ruleMerge {
	return &ruleMerge{
		rules:   make(map[string]RuleConfig),
		origin:  make(map[string]string),
		skipped: make(map[string]*DefinitionSkip),
	}
}

func (m *ruleMerge) add(source string, rules map[string]RuleConfig) {
	m.seen = appendUnique(m.seen, source)
	for id, rule := range rules {
		if skip, ok := m.skipped[id]; ok {
			skip.Sources = appendUnique(skip.Sources, source)
			continue
		}
		if first, dup := m.origin[id]; dup {
			m.quarantine(id, "duplicate definition", first, source)
			continue
		}
		m.origin[id] = source
		m.rules[id] = rule
	}
}

func (m *ruleMerge) quarantine(id, reason string, sources ...string) {
	skip, ok := m.skipped[id]
	if !ok {
		skip = &DefinitionSkip{Kind: "rule", Name: id, Reason: reason, Sources: []string{}}
		m.skipped[id] = skip
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	delete(m.rules, id)
	delete(m.origin, id)
}

// check quarantines rules that could never compile into the rule set.
func (m *ruleMerge) check(env *expr.Environment) {
	for id, rule := range m.rules {
		if err := validateRule(rule, env); err != nil {
			m.quarantine(id, err.Error(), m.origin[id])
		}
	}
}

func (m *ruleMerge) result() RuleBundle {
	skipped := make([]DefinitionSkip, 0, len(m.skipped))
	for _, skip := range m.skipped {
		slices.Sort(skip.Sources)
		skipped = append(skipped, *skip)
	}
	slices.SortFunc(skipped, func(a, b DefinitionSkip) int { return strings.Compare(a.Name, b.Name) })
	sources := slices.Clone(m.seen)
	slices.Sort(sources)
	return RuleBundle{Rules: maps.Clone(m.rules), Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" || slices.Contains(list, value) {
		return list
	}
	return append(list, value)
}

func buildRuleBundle(ctx context.Context, inlineRules map[string]RuleConfig, rulesCfg RulesConfig) (RuleBundle, error) {
	merge := newRuleMerge()
	if len(inlineRules) > 0 {
		merge.add(inlineSourceName, inlineRules)
	}
	paths, err := ruleFiles(rulesCfg)
	if err != nil {
		return RuleBundle{}, err
	}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return RuleBundle{}, err
		}
		rules, err := readRuleFile(path)
		if err != nil {
			return RuleBundle{}, err
		}
		merge.add(path, rules)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return RuleBundle{}, err
	}
	merge.check(env)
	return merge.result(), nil
}

// LoadRules resolves the rule sources alone. The watcher uses it to rebuild
// the rule set without re-reading the server configuration.
func LoadRules(ctx context.Context, inlineRules map[string]RuleConfig, rulesCfg RulesConfig) (RuleBundle, error) {
	return buildRuleBundle(ctx, inlineRules, rulesCfg)
}

func validateRule(rule RuleConfig, env *expr.Environment) error {
	switch strings.ToLower(strings.TrimSpace(rule.Stage)) {
	case "", "bootstrap", "response", "post_render", "post-render":
	default:
		return fmt.Errorf("unknown stage %q", rule.Stage)
	}
	switch strings.ToLower(strings.TrimSpace(rule.Match)) {
	case "", "all", "any", "none":
	default:
		return fmt.Errorf("unknown match type %q", rule.Match)
	}
	if rule.IsEnabled() && len(rule.Actions) == 0 {
		return errors.New("no actions")
	}
	for i, cond := range rule.Conditions {
		if strings.TrimSpace(cond.Type) == "" {
			return fmt.Errorf("conditions[%d]: type required", i)
		}
		if !strings.EqualFold(cond.Type, "expression") {
			continue
		}
		source, _ := cond.Value.(string)
		if strings.TrimSpace(source) == "" {
			return fmt.Errorf("conditions[%d]: expression must be a non-empty string", i)
		}
		if _, err := env.Compile(source); err != nil {
			return fmt.Errorf("invalid rule expressions: conditions[%d]: %w", i, err)
		}
	}
	for i, action := range rule.Actions {
		if strings.TrimSpace(action.Type) == "" {
			return fmt.Errorf("actions[%d]: type required", i)
		}
	}
	return nil
}

// ruleFiles lists the documents to read: the rules file, or every supported
// file below the rules folder in lexical order.
func ruleFiles(rulesCfg RulesConfig) ([]string, error) {
	if path := rulesCfg.RulesFile; path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("config: rules file %s: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("config: rules file %s: expected a file, found directory", path)
		}
		return []string{path}, nil
	}
	dir := rulesCfg.RulesFolder
	if dir == "" {
		return nil, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("config: rules folder %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config: rules folder %s is not a directory", dir)
	}
	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isSupportedRulesFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk rules folder %s: %w", dir, err)
	}
	slices.Sort(paths)
	return paths, nil
}

func readRuleFile(path string) (map[string]RuleConfig, error) {
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: load rules from %s: %w", path, err)
	}
	var doc struct {
		Rules map[string]RuleConfig `koanf:"rules"`
	}
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("config: decode rules from %s: %w", path, err)
	}
	return doc.Rules, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", ext)
	}
}

func isSupportedRulesFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneRuleMap(in map[string]RuleConfig) map[string]RuleConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
