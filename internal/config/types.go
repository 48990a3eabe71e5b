package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds every server-level option plus the rule definitions once they
// are loaded.
type Config struct {
	Server  ServerConfig          `koanf:"server"`
	Cache   CacheConfig           `koanf:"cache"`
	Storage StorageConfig         `koanf:"storage"`
	Tenancy TenancyConfig         `koanf:"tenancy"`
	Rules   map[string]RuleConfig `koanf:"rules"`

	InlineRules map[string]RuleConfig `koanf:"-"`

	// RuleSources records which files contributed rule definitions once the
	// loader resolves the configured sources.
	RuleSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid rules the
	// loader intentionally disabled.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the process-level knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Rules   RulesConfig   `koanf:"rules"`
	Origin  OriginConfig  `koanf:"origin"`
	Admin   AdminConfig   `koanf:"admin"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// RulesConfig announces how rule documents are sourced.
type RulesConfig struct {
	RulesFolder string `koanf:"rulesFolder"`
	RulesFile   string `koanf:"rulesFile"`
	// TemplatesAllowedEnv lists the environment variables `{{ env "X" }}` may
	// read inside rule values.
	TemplatesAllowedEnv []string `koanf:"templatesAllowedEnv"`
}

// OriginConfig points the proxy at the content system that renders pages.
type OriginConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Token   string `koanf:"token"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// CacheConfig carries the engine settings. Durations are Go duration strings
// ("1h", "90s").
type CacheConfig struct {
	Enabled           bool              `koanf:"enabled"`
	TTL               time.Duration     `koanf:"ttl"`
	MaxTTL            time.Duration     `koanf:"maxTtl"`
	Gzip              bool              `koanf:"gzip"`
	Debug             bool              `koanf:"debug"`
	Background        bool              `koanf:"background"`
	LockTTL           time.Duration     `koanf:"lockTtl"`
	UniqueFields      []string          `koanf:"uniqueFields"`
	IgnoreCookies     []string          `koanf:"ignoreCookies"`
	NocacheCookies    []string          `koanf:"nocacheCookies"`
	IgnoreRequestKeys []string          `koanf:"ignoreRequestKeys"`
	NocachePaths      []string          `koanf:"nocachePaths"`
	Constants         map[string]string `koanf:"constants"`
	CleanupSchedule   string            `koanf:"cleanupSchedule"`
}

type StorageConfig struct {
	Prefix string      `koanf:"prefix"`
	Redis  RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// TenancyConfig partitions tags per network and site. Sites maps a site id
// to the hosts it serves; hosts are values because koanf splits keys on dots.
type TenancyConfig struct {
	Enabled     bool                `koanf:"enabled"`
	NetworkID   string              `koanf:"networkId"`
	Sites       map[string][]string `koanf:"sites"`
	DefaultSite string              `koanf:"defaultSite"`
}

// SiteFor returns the site id serving host, or DefaultSite.
func (t TenancyConfig) SiteFor(host string) string {
	for id, hosts := range t.Sites {
		for _, h := range hosts {
			if strings.EqualFold(strings.TrimSpace(h), host) {
				return id
			}
		}
	}
	return t.DefaultSite
}

// DefinitionSkip describes a rule the loader intentionally ignored because it
// violated invariants (duplicate ids across files, invalid expressions).
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// RuleConfig is the declarative form of a single rule. The map key it is
// stored under is the rule id.
type RuleConfig struct {
	Description string                `koanf:"description"`
	Stage       string                `koanf:"stage"`
	Priority    int                   `koanf:"priority"`
	Order       int                   `koanf:"order"`
	Match       string                `koanf:"match"`
	Enabled     *bool                 `koanf:"enabled"`
	Conditions  []RuleConditionConfig `koanf:"conditions"`
	Actions     []RuleActionConfig    `koanf:"actions"`
}

// IsEnabled treats an omitted flag as enabled.
func (c RuleConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

type RuleConditionConfig struct {
	Type     string `koanf:"type"`
	Name     string `koanf:"name"`
	Operator string `koanf:"operator"`
	Value    any    `koanf:"value"`
}

type RuleActionConfig struct {
	Type   string `koanf:"type"`
	Value  any    `koanf:"value"`
	Reason string `koanf:"reason"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Rules.RulesFolder != "" && c.Server.Rules.RulesFile != "" {
		return errors.New("config: rulesFolder and rulesFile are mutually exclusive")
	}
	if c.Cache.MaxTTL < 0 {
		return fmt.Errorf("config: cache.maxTtl invalid: %s", c.Cache.MaxTTL)
	}
	if c.Cache.LockTTL <= 0 {
		return fmt.Errorf("config: cache.lockTtl invalid: %s", c.Cache.LockTTL)
	}
	if strings.TrimSpace(c.Storage.Prefix) == "" {
		return errors.New("config: storage.prefix required")
	}
	if strings.ContainsAny(c.Storage.Prefix, "*?[] ") {
		return fmt.Errorf("config: storage.prefix contains glob characters: %q", c.Storage.Prefix)
	}
	if schedule := strings.TrimSpace(c.Cache.CleanupSchedule); schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return fmt.Errorf("config: cache.cleanupSchedule invalid: %w", err)
		}
	}
	if c.Tenancy.Enabled && strings.TrimSpace(c.Tenancy.NetworkID) == "" {
		return errors.New("config: tenancy.networkId required when tenancy is enabled")
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
// A zero ttl is deliberately not rejected here: it disables caching through the
// core:ttl bootstrap rule instead.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Rules: RulesConfig{},
			Origin: OriginConfig{
				Timeout: 30 * time.Second,
			},
			Admin: AdminConfig{
				Enabled: true,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        24 * time.Hour,
			MaxTTL:     30 * 24 * time.Hour,
			Gzip:       true,
			Background: true,
			LockTTL:    30 * time.Second,
			IgnoreCookies: []string{
				"wp-settings",
				"wordpress_test_cookie",
			},
			NocacheCookies: []string{
				"wordpress_logged_in",
				"comment_author",
				"wp-postpass",
				"woocommerce_items_in_cart",
			},
			IgnoreRequestKeys: []string{
				"utm_*",
				"fbclid",
				"gclid",
				"_ga",
				"mc_cid",
				"mc_eid",
			},
			NocachePaths:    []string{},
			Constants:       map[string]string{},
			CleanupSchedule: "@every 1h",
		},
		Storage: StorageConfig{
			Prefix: "mll",
			Redis: RedisConfig{
				Address: "127.0.0.1:6379",
			},
		},
		Tenancy: TenancyConfig{
			NetworkID:   "1",
			DefaultSite: "1",
		},
	}
}
