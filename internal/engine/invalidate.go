package engine

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/millipress/millicache/internal/request"
	"github.com/millipress/millicache/internal/storage"
)

// Invalidation is passed to hooks after tags were cleared.
type Invalidation struct {
	Expire []string
	Delete []string
	Result storage.ClearResult
}

// OnInvalidate registers fn to run after every flush of invalidations.
func (e *Engine) OnInvalidate(fn func(Invalidation)) {
	if fn == nil {
		return
	}
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// AddTag attaches tag to the entry the current request will produce. It
// reports false when ctx does not belong to a cached request.
func (e *Engine) AddTag(ctx context.Context, tag string) bool {
	state, ok := StateFromContext(ctx)
	if !ok {
		return false
	}
	state.addTags(e.namespace(state.Site, tag))
	return true
}

// SetContent exposes a value (post, query, user, flags, ...) to response rules.
func (e *Engine) SetContent(ctx context.Context, key string, value any) bool {
	state, ok := StateFromContext(ctx)
	if !ok || key == "" {
		return false
	}
	state.setContent(key, value)
	return true
}

// ClearCacheByTargets clears a mix of absolute URLs, numeric post ids and raw
// tags. Inside a request the work is queued until the request ends; otherwise
// it runs immediately.
func (e *Engine) ClearCacheByTargets(ctx context.Context, targets []string, expire bool) storage.ClearResult {
	return e.dispatch(ctx, e.targetTags(e.currentSite(ctx), targets), expire)
}

func (e *Engine) ClearCacheByURLs(ctx context.Context, urls []string, expire bool) storage.ClearResult {
	tags := make([]string, 0, len(urls))
	for _, raw := range urls {
		if !request.IsURL(raw) {
			e.logger.Debug("ignoring invalid url", slog.String("url", raw))
			continue
		}
		tags = append(tags, e.urlTag(raw))
	}
	return e.dispatch(ctx, tags, expire)
}

func (e *Engine) ClearCacheByPostIDs(ctx context.Context, ids []int, expire bool) storage.ClearResult {
	site := e.currentSite(ctx)
	tags := make([]string, 0, len(ids))
	for _, id := range ids {
		tags = append(tags, e.namespace(site, "post:"+strconv.Itoa(id)))
	}
	return e.dispatch(ctx, tags, expire)
}

func (e *Engine) ClearCacheByTags(ctx context.Context, tags []string, expire bool) storage.ClearResult {
	return e.dispatch(ctx, e.namespaceAll(e.currentSite(ctx), tags), expire)
}

// ClearCacheBySiteIDs clears every entry of the given sites. Without tenancy
// there is a single site and everything is cleared.
func (e *Engine) ClearCacheBySiteIDs(ctx context.Context, siteIDs []string, expire bool) storage.ClearResult {
	if !e.tenancy.Enabled {
		return e.dispatch(ctx, []string{"*"}, expire)
	}
	tags := make([]string, 0, len(siteIDs))
	for _, site := range siteIDs {
		if site = strings.TrimSpace(site); site != "" {
			tags = append(tags, e.tenancy.NetworkID+":"+site+":*")
		}
	}
	return e.dispatch(ctx, tags, expire)
}

// ClearCacheByNetworkID clears every entry of a network. An empty id means
// the configured network.
func (e *Engine) ClearCacheByNetworkID(ctx context.Context, networkID string, expire bool) storage.ClearResult {
	if !e.tenancy.Enabled {
		return e.dispatch(ctx, []string{"*"}, expire)
	}
	if networkID = strings.TrimSpace(networkID); networkID == "" {
		networkID = e.tenancy.NetworkID
	}
	return e.dispatch(ctx, []string{networkID + ":*"}, expire)
}

// ClearCache clears every entry.
func (e *Engine) ClearCache(ctx context.Context, expire bool) storage.ClearResult {
	return e.dispatch(ctx, []string{"*"}, expire)
}

func (e *Engine) dispatch(ctx context.Context, tags []string, expire bool) storage.ClearResult {
	if len(tags) == 0 {
		return storage.ClearResult{}
	}
	if state, ok := StateFromContext(ctx); ok {
		state.enqueue(expire, tags...)
		return storage.ClearResult{}
	}
	if expire {
		return e.clear(ctx, tags, nil)
	}
	return e.clear(ctx, nil, tags)
}

func (e *Engine) flush(ctx context.Context, state *RequestState) {
	expire, remove := state.drain()
	if len(expire) == 0 && len(remove) == 0 {
		return
	}
	e.clear(context.WithoutCancel(ctx), expire, remove)
}

func (e *Engine) clear(ctx context.Context, expire, remove []string) storage.ClearResult {
	result := e.Store().ClearCacheByTags(ctx, expire, remove, e.cfg.TTL)
	e.logger.Info("cache invalidated",
		slog.Any("expire", expire),
		slog.Any("delete", remove),
		slog.Int("expired", result.Expired),
		slog.Int("deleted", result.Deleted),
	)
	if e.recorder != nil {
		if len(expire) > 0 {
			e.recorder.ObserveInvalidation("expire", result.Expired)
		}
		if len(remove) > 0 {
			e.recorder.ObserveInvalidation("delete", result.Deleted)
		}
	}

	e.hooksMu.RLock()
	hooks := e.hooks
	e.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(Invalidation{Expire: expire, Delete: remove, Result: result})
	}
	return result
}

// targetTags turns clear targets into tags: absolute URLs become url tags,
// numbers become post tags and anything else is a raw tag.
func (e *Engine) targetTags(site string, targets []string) []string {
	var tags []string
	for _, target := range targets {
		target = strings.TrimSpace(target)
		switch {
		case target == "":
		case request.IsURL(target):
			tags = append(tags, e.urlTag(target))
		case isNumeric(target):
			tags = append(tags, e.namespace(site, "post:"+target))
		default:
			tags = append(tags, e.namespace(site, target))
		}
	}
	return tags
}

func (e *Engine) urlTag(raw string) string {
	site := ""
	if u, err := url.Parse(strings.TrimSpace(raw)); err == nil {
		site = e.siteFor(u.Host)
	}
	return e.namespace(site, "url:"+e.parser.URLHashFromURL(raw, ""))
}

func (e *Engine) currentSite(ctx context.Context) string {
	if state, ok := StateFromContext(ctx); ok {
		return state.Site
	}
	return e.tenancy.DefaultSite
}

func isNumeric(s string) bool {
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
