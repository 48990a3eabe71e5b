package engine

import (
	"context"
	"time"

	"github.com/millipress/millicache/internal/storage"
)

// Status is the read-only view admin surfaces render.
type Status struct {
	Available         bool         `json:"available"`
	Enabled           bool         `json:"enabled"`
	TTL               int64        `json:"ttl"`
	MaxTTL            int64        `json:"max_ttl"`
	Gzip              bool         `json:"gzip"`
	Debug             bool         `json:"debug"`
	IgnoreCookies     []string     `json:"ignore_cookies"`
	NocacheCookies    []string     `json:"nocache_cookies"`
	IgnoreRequestKeys []string     `json:"ignore_request_keys"`
	Rules             int          `json:"rules"`
	Cache             storage.Size `json:"cache"`
}

// GetStatus reports configuration and the size of the cache, optionally
// restricted to entries carrying tag.
func (e *Engine) GetStatus(ctx context.Context, tag string) Status {
	store := e.Store()
	status := Status{
		Available:         store.IsAvailable(),
		Enabled:           e.cfg.Enabled,
		TTL:               int64(e.cfg.TTL / time.Second),
		MaxTTL:            int64(e.cfg.MaxTTL / time.Second),
		Gzip:              e.cfg.Gzip,
		Debug:             e.cfg.Debug,
		IgnoreCookies:     e.parser.IgnoredCookies().List(),
		NocacheCookies:    append([]string(nil), e.cfg.NocacheCookies...),
		IgnoreRequestKeys: e.parser.IgnoredKeys().List(),
		Rules:             e.ruleSet().Len(),
	}
	if status.Available {
		if tag != "" {
			tag = e.namespace(e.currentSite(ctx), tag)
		}
		status.Cache = store.SizeSummary(ctx, tag)
	}
	return status
}
