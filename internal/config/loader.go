package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot so the lifecycle agent can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__MAX_TTL -> cache.maxTtl).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			// Single underscores are removed so MAX_TTL collapses into maxttl
			// before the camelCase lookup.
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonicalKeys[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineRules = cloneRuleMap(cfg.Rules)

	bundle, err := buildRuleBundle(ctx, cfg.InlineRules, cfg.Server.Rules)
	if err != nil {
		return Config{}, err
	}
	cfg.Rules = bundle.Rules
	cfg.RuleSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// canonicalKeys restores the camelCase spelling of lowered env keys.
var canonicalKeys = map[string]string{
	"server.logging.correlationheader": "server.logging.correlationHeader",
	"server.rules.rulesfolder":         "server.rules.rulesFolder",
	"server.rules.rulesfile":           "server.rules.rulesFile",
	"server.rules.templatesallowedenv": "server.rules.templatesAllowedEnv",
	"cache.maxttl":                     "cache.maxTtl",
	"cache.lockttl":                    "cache.lockTtl",
	"cache.uniquefields":               "cache.uniqueFields",
	"cache.ignorecookies":              "cache.ignoreCookies",
	"cache.nocachecookies":             "cache.nocacheCookies",
	"cache.ignorerequestkeys":          "cache.ignoreRequestKeys",
	"cache.nocachepaths":               "cache.nocachePaths",
	"cache.cleanupschedule":            "cache.cleanupSchedule",
	"storage.redis.tls.cafile":         "storage.redis.tls.caFile",
	"tenancy.networkid":                "tenancy.networkId",
	"tenancy.defaultsite":              "tenancy.defaultSite",
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"rules": map[string]any{
				"rulesFolder":         cfg.Server.Rules.RulesFolder,
				"rulesFile":           cfg.Server.Rules.RulesFile,
				"templatesAllowedEnv": cfg.Server.Rules.TemplatesAllowedEnv,
			},
			"origin": map[string]any{
				"url":     cfg.Server.Origin.URL,
				"timeout": cfg.Server.Origin.Timeout.String(),
			},
			"admin": map[string]any{
				"enabled": cfg.Server.Admin.Enabled,
				"token":   cfg.Server.Admin.Token,
			},
			"metrics": map[string]any{
				"enabled": cfg.Server.Metrics.Enabled,
				"path":    cfg.Server.Metrics.Path,
			},
		},
		"cache": map[string]any{
			"enabled":           cfg.Cache.Enabled,
			"ttl":               cfg.Cache.TTL.String(),
			"maxTtl":            cfg.Cache.MaxTTL.String(),
			"gzip":              cfg.Cache.Gzip,
			"debug":             cfg.Cache.Debug,
			"background":        cfg.Cache.Background,
			"lockTtl":           cfg.Cache.LockTTL.String(),
			"uniqueFields":      cfg.Cache.UniqueFields,
			"ignoreCookies":     cfg.Cache.IgnoreCookies,
			"nocacheCookies":    cfg.Cache.NocacheCookies,
			"ignoreRequestKeys": cfg.Cache.IgnoreRequestKeys,
			"nocachePaths":      cfg.Cache.NocachePaths,
			"constants":         stringMap(cfg.Cache.Constants),
			"cleanupSchedule":   cfg.Cache.CleanupSchedule,
		},
		"storage": map[string]any{
			"prefix": cfg.Storage.Prefix,
			"redis": map[string]any{
				"address":  cfg.Storage.Redis.Address,
				"username": cfg.Storage.Redis.Username,
				"password": cfg.Storage.Redis.Password,
				"db":       cfg.Storage.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Storage.Redis.TLS.Enabled,
					"caFile":  cfg.Storage.Redis.TLS.CAFile,
				},
			},
		},
		"tenancy": map[string]any{
			"enabled":     cfg.Tenancy.Enabled,
			"networkId":   cfg.Tenancy.NetworkID,
			"sites":       siteMap(cfg.Tenancy.Sites),
			"defaultSite": cfg.Tenancy.DefaultSite,
		},
	}
}

func siteMap(in map[string][]string) map[string]any {
	out := make(map[string]any, len(in))
	for id, hosts := range in {
		out[id] = hosts
	}
	return out
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
