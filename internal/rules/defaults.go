package rules

import (
	"maps"
	"strings"

	"github.com/millipress/millicache/internal/config"
)

// Priorities of the built-in rules. Configured rules default to priority 0
// and therefore run first.
const (
	PriorityCoreExclusion = 10
	PriorityCoreTags      = 10
	PriorityCoreLate      = 20
)

// CoreRulePrefix marks built-in rule ids. A configured rule with the same id
// replaces the built-in one.
const CoreRulePrefix = "core:"

var (
	bootstrap = string(StageBootstrap)
	response  = string(StageResponse)
)

var staticExtensions = []string{
	"css", "js", "mjs", "map",
	"png", "jpg", "jpeg", "gif", "webp", "avif", "svg", "ico", "bmp",
	"woff", "woff2", "ttf", "otf", "eot",
	"mp3", "mp4", "webm", "ogg", "wav",
	"pdf", "zip", "gz", "rar", "7z",
}

// CoreRules returns the built-in bootstrap exclusions, post-render exclusions
// and tag rules for the given cache settings.
func CoreRules(cache config.CacheConfig) map[string]config.RuleConfig {
	core := map[string]config.RuleConfig{
		"core:enabled": stopRule(bootstrap, PriorityCoreExclusion, 0, "all", "caching disabled",
			cond("context", "settings.enabled", "=", false)),
		"core:ttl": stopRule(bootstrap, PriorityCoreExclusion, 1, "all", "ttl not configured",
			cond("context", "settings.ttl", "<=", 0)),
		"core:method": stopRule(bootstrap, PriorityCoreExclusion, 2, "all", "method {request.method}",
			cond("request_method", "", "not_in", []any{"GET", "HEAD"})),
		"core:endpoints": stopRule(bootstrap, PriorityCoreExclusion, 3, "any", "dynamic endpoint",
			cond("request_url", "", "like", []any{
				"/wp-json*",
				"*/xmlrpc.php*",
				"*/wp-cron.php*",
				"/wp-admin*",
				"*/wp-login.php*",
				"*/admin-ajax.php*",
			}),
			cond("constant", "REST_REQUEST", "exists", nil),
			cond("constant", "XMLRPC_REQUEST", "exists", nil),
			cond("constant", "DOING_AJAX", "exists", nil),
			cond("constant", "DOING_CRON", "exists", nil),
			cond("constant", "WP_CLI", "exists", nil),
		),
		"core:static": stopRule(bootstrap, PriorityCoreExclusion, 4, "all", "static file",
			cond("context", "request.path", "like", "*.{"+strings.Join(staticExtensions, ",")+"}")),
		"core:donotcachepage": stopRule(bootstrap, PriorityCoreExclusion, 5, "all", "DONOTCACHEPAGE",
			cond("constant", "DONOTCACHEPAGE", "=", true)),

		"core:response-code": stopRule(response, PriorityCoreLate, 0, "all", "response code {response.code}",
			cond("response_code", "", "!=", 200)),
		"core:logged-in": stopRule(response, PriorityCoreLate, 1, "all", "logged in",
			cond("is_logged_in", "", "", true)),
		"core:donotcache": stopRule(response, PriorityCoreLate, 2, "all", "donotcache flag",
			cond("context", "flags.donotcache", "=", true)),
		"core:cron": stopRule(response, PriorityCoreLate, 3, "any", "background task",
			cond("context", "flags.cron", "=", true),
			cond("context", "flags.async", "=", true)),

		"core:tag-post": tagRule(PriorityCoreTags, 0, "post:{post.id}",
			cond("is_singular", "", "", true),
			cond("context", "post.id", "exists", nil)),
		"core:tag-archive": tagRule(PriorityCoreTags, 1, "archive:{query.post_type}",
			cond("is_archive", "", "", nil),
			cond("context", "query.post_type", "exists", nil)),
		"core:tag-term": tagRule(PriorityCoreTags, 2, "term:{query.term_id}",
			cond("context", "query.term_id", "exists", nil)),
		"core:tag-author": tagRule(PriorityCoreTags, 3, "author:{query.author}",
			cond("context", "query.author", "exists", nil)),
		"core:tag-date": tagRule(PriorityCoreTags, 4, "date:{query.date}",
			cond("context", "query.date", "exists", nil)),
		"core:tag-feed": tagRule(PriorityCoreTags, 5, "feed",
			cond("is_feed", "", "", true)),
		"core:tag-home": {
			Stage:    response,
			Priority: PriorityCoreTags,
			Order:    6,
			Match:    "any",
			Conditions: []config.RuleConditionConfig{
				cond("is_home", "", "", true),
				cond("is_front_page", "", "", true),
			},
			Actions: []config.RuleActionConfig{{Type: "add_tag", Value: "home"}},
		},
	}

	if len(cache.NocacheCookies) > 0 {
		core["core:nocache-cookies"] = stopRule(bootstrap, PriorityCoreExclusion, 6, "all", "nocache cookie",
			cond("cookie", "", "exists", stringsToAny(cache.NocacheCookies)))
	}
	if len(cache.NocachePaths) > 0 {
		core["core:nocache-paths"] = stopRule(bootstrap, PriorityCoreExclusion, 7, "all", "nocache path",
			cond("context", "request.path", "like", lowerAll(cache.NocachePaths)))
	}
	return core
}

// Definitions merges the built-in rules with configured ones, letting a
// configured rule replace a built-in rule with the same id.
func Definitions(cache config.CacheConfig, configured map[string]config.RuleConfig) map[string]config.RuleConfig {
	defs := CoreRules(cache)
	maps.Copy(defs, configured)
	return defs
}

func stopRule(stage string, priority, order int, match, reason string, conditions ...config.RuleConditionConfig) config.RuleConfig {
	return config.RuleConfig{
		Stage:      stage,
		Priority:   priority,
		Order:      order,
		Match:      match,
		Conditions: conditions,
		Actions:    []config.RuleActionConfig{{Type: "do_cache", Value: false, Reason: reason}},
	}
}

func tagRule(priority, order int, tag string, conditions ...config.RuleConditionConfig) config.RuleConfig {
	return config.RuleConfig{
		Stage:      response,
		Priority:   priority,
		Order:      order,
		Match:      "all",
		Conditions: conditions,
		Actions:    []config.RuleActionConfig{{Type: "add_tag", Value: tag}},
	}
}

func cond(kind, name, op string, value any) config.RuleConditionConfig {
	return config.RuleConditionConfig{Type: kind, Name: name, Operator: op, Value: value}
}

func stringsToAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func lowerAll(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	return out
}
