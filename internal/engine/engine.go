package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/millipress/millicache/internal/config"
	"github.com/millipress/millicache/internal/request"
	"github.com/millipress/millicache/internal/rules"
	"github.com/millipress/millicache/internal/storage"
)

// Recorder receives request and invalidation outcomes.
type Recorder interface {
	ObserveRequest(status string, elapsed time.Duration)
	ObserveInvalidation(mode string, affected int)
}

// Options configure an Engine. Store wins over OpenStore; with neither the
// engine runs without a cache.
type Options struct {
	Cache     config.CacheConfig
	Tenancy   config.TenancyConfig
	Rules     *rules.Set
	Store     storage.Store
	OpenStore func() (storage.Store, error)
	Logger    *slog.Logger
	Recorder  Recorder
	Now       func() time.Time
}

// Engine is the full-page cache orchestrator. Its configuration and store are
// read-only once started; everything request scoped lives in RequestState.
type Engine struct {
	cfg      config.CacheConfig
	tenancy  config.TenancyConfig
	parser   *request.Parser
	cleaner  *request.Cleaner
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	rules atomic.Pointer[rules.Set]

	startOnce sync.Once
	open      func() (storage.Store, error)
	store     storage.Store

	hooksMu sync.RWMutex
	hooks   []func(Invalidation)

	inflight sync.WaitGroup
}

// New builds an engine. The store is not touched until Start.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	parser := request.NewParser(opts.Cache.IgnoreRequestKeys, opts.Cache.IgnoreCookies)
	e := &Engine{
		cfg:      opts.Cache,
		tenancy:  opts.Tenancy,
		parser:   parser,
		cleaner:  request.NewCleaner(parser),
		logger:   logger.With(slog.String("agent", "engine")),
		recorder: opts.Recorder,
		now:      now,
		open:     opts.OpenStore,
		store:    opts.Store,
	}
	e.rules.Store(opts.Rules)
	return e
}

// Start resolves the store. It is safe to call repeatedly; only the first call
// has an effect.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		if e.store != nil {
			return
		}
		if e.open == nil {
			e.store = storage.Disabled{}
			return
		}
		store, err := e.open()
		if err != nil || store == nil {
			e.logger.Error("cache store unavailable, serving uncached", slog.Any("error", err))
			e.store = storage.Disabled{}
			return
		}
		e.store = store
	})
}

// Store returns the started store.
func (e *Engine) Store() storage.Store {
	e.Start()
	return e.store
}

// SetRules swaps the rule set. Requests already in flight keep the set they
// started with.
func (e *Engine) SetRules(set *rules.Set) {
	e.rules.Store(set)
}

// Rules returns the active rule set.
func (e *Engine) Rules() *rules.Set { return e.rules.Load() }

func (e *Engine) ruleSet() *rules.Set { return e.rules.Load() }

// Wait blocks until background regenerations have finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Middleware wraps the content system. next renders the page; the engine
// decides whether to answer from cache, render and store, or pass through.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.Start()
		start := time.Now()
		w.Header().Set(HeaderStatus, StatusMiss)

		state := &RequestState{Site: e.siteFor(r.Host)}
		r = r.WithContext(withState(r.Context(), state))

		status := StatusMiss
		defer func() {
			e.flush(r.Context(), state)
			if e.recorder != nil {
				e.recorder.ObserveRequest(status, time.Since(start))
			}
		}()
		status = e.handle(w, r, state, next)
	})
}

func (e *Engine) handle(w http.ResponseWriter, r *http.Request, state *RequestState, next http.Handler) string {
	state.rules = e.ruleSet()
	decision := state.rules.Evaluate(e.evaluationContext(rules.StageBootstrap, r, state))
	e.queueDecision(state, decision)
	if !decision.Cacheable() {
		e.logger.Debug("request bypassed",
			slog.String("rule", decision.Rule),
			slog.String("reason", decision.Reason),
			slog.String("path", r.URL.Path),
		)
		w.Header().Set(HeaderStatus, StatusBypass)
		next.ServeHTTP(w, r)
		return StatusBypass
	}

	if !e.store.IsAvailable() {
		next.ServeHTTP(w, r)
		return StatusMiss
	}

	e.cleaner.Clean(r)
	hasher := request.NewHasher(e.parser, e.cfg.Debug)
	state.Hash = hasher.Generate(r, e.uniqueExtras(e.evaluationContext(rules.StageBootstrap, r, state)))
	state.URLHash = e.parser.URLHash(r.Host, requestURI(r))
	state.fingerprint = hasher.DebugData()

	if lookup, ok := e.store.GetCache(r.Context(), state.Hash); ok {
		if status, served := e.serveCached(w, r, state, lookup, next); served {
			return status
		}
	}

	w.Header().Set(HeaderStatus, StatusMiss)
	e.render(w, r, state, next)
	return StatusMiss
}

var errGzipDisabled = errors.New("engine: stored entry is gzipped but gzip is disabled")

// serveCached answers from a stored entry. served is false when the entry
// must be treated as a miss.
func (e *Engine) serveCached(w http.ResponseWriter, r *http.Request, state *RequestState, lookup storage.Lookup, next http.Handler) (string, bool) {
	ctx := r.Context()
	entry := lookup.Entry
	now := e.now()
	updated := entry.Updated()

	if maxTTL := e.maxTTLFor(entry); maxTTL > 0 && updated.Add(maxTTL).Before(now) {
		e.store.DeleteCache(ctx, state.Hash)
		return "", false
	}

	body, err := e.decodeBody(entry)
	if err != nil {
		e.logger.Warn("cached entry not servable", slog.String("hash", state.Hash), slog.Any("error", err))
		if !errors.Is(err, errGzipDisabled) {
			e.store.DeleteCache(ctx, state.Hash)
		}
		return "", false
	}

	ttl := e.ttlFor(entry)
	status := StatusHit
	regenerate := false
	// Stale once its age reaches ttl.
	stale := !updated.Add(ttl).After(now)
	if stale && !lookup.Locked && e.store.Lock(ctx, state.Hash) {
		if !e.cfg.Background {
			state.locked = true
			return "", false
		}
		status = StatusExpired
		regenerate = true
	}

	h := w.Header()
	replayHeaders(h, entry.Headers)
	h.Set(HeaderStatus, status)
	if e.cfg.Debug {
		writeDebugHeaders(h, debugInfo{
			hash:    state.Hash,
			tags:    lookup.Tags,
			entry:   &entry,
			ttl:     ttl,
			gzipped: entry.Gzipped,
			now:     now,
		})
	}
	w.WriteHeader(entry.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}

	if regenerate {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		e.regenerate(r, state, next)
	}
	return status, true
}

// regenerate renders a copy of r after the stale response went out. The lock
// taken by the caller is released by the render.
func (e *Engine) regenerate(r *http.Request, parent *RequestState, next http.Handler) {
	state := &RequestState{
		Hash:        parent.Hash,
		URLHash:     parent.URLHash,
		Site:        parent.Site,
		fingerprint: parent.fingerprint,
		rules:       parent.rules,
		locked:      true,
		background:  true,
	}
	ctx := withState(context.WithoutCancel(r.Context()), state)
	clone := r.Clone(ctx)

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer e.flush(ctx, state)
		defer func() {
			if v := recover(); v != nil {
				e.logger.Error("background regeneration panicked",
					slog.String("hash", state.Hash),
					slog.Any("panic", v),
				)
			}
		}()
		e.render(nil, clone, state, next)
		e.logger.Debug("background regeneration complete", slog.String("hash", state.Hash))
	}()
}

// render runs next into a buffer, evaluates response rules, stores the result
// and forwards it to w. A nil w discards the response.
func (e *Engine) render(w http.ResponseWriter, r *http.Request, state *RequestState, next http.Handler) {
	ctx := context.WithoutCancel(r.Context())
	defer func() {
		if state.locked {
			e.store.Unlock(ctx, state.Hash)
			state.locked = false
		}
	}()

	rec := newCapture()
	next.ServeHTTP(rec, r)
	e.consumeSignals(state, rec.header)

	rc := e.evaluationContext(rules.StageResponse, r, state)
	rc.Response = rules.Response{Code: rec.Status(), Header: rec.header.Clone()}
	set := state.rules
	if set == nil {
		set = e.ruleSet()
	}
	decision := set.Evaluate(rc)
	e.queueDecision(state, decision)
	state.addTags(e.namespaceAll(state.Site, decision.Tags)...)

	cache := decision.Cacheable()
	if !cache {
		e.logger.Debug("response not cached",
			slog.String("rule", decision.Rule),
			slog.String("reason", decision.Reason),
			slog.String("hash", state.Hash),
		)
	}
	if name := e.blockingCookie(rec.header); cache && name != "" {
		e.logger.Debug("response sets a cookie, not cached", slog.String("cookie", name), slog.String("hash", state.Hash))
		cache = false
	}

	tags := append(state.Tags(), e.namespace(state.Site, "url:"+state.URLHash))
	if cache || state.locked {
		var entry storage.Entry
		if cache {
			var err error
			entry, err = e.buildEntry(rec, decision, state)
			if err != nil {
				e.logger.Error("encode cache entry", slog.String("hash", state.Hash), slog.Any("error", err))
				cache = false
			}
		}
		e.store.PerformCache(ctx, state.Hash, entry, tags, cache)
		state.locked = false
	}

	if w == nil {
		return
	}
	if e.cfg.Debug {
		writeDebugHeaders(w.Header(), debugInfo{
			hash:    state.Hash,
			tags:    tags,
			gzipped: cache && e.cfg.Gzip,
		})
	}
	rec.forward(w, r)
}

type debugPayload struct {
	Fingerprint *request.Fingerprint `json:"fingerprint,omitempty"`
	Rules       []string             `json:"rules,omitempty"`
	Background  bool                 `json:"background,omitempty"`
}

func (e *Engine) buildEntry(rec *capture, decision *rules.Decision, state *RequestState) (storage.Entry, error) {
	entry := storage.Entry{
		Headers:   persistedHeaders(rec.header),
		Status:    rec.Status(),
		UpdatedAt: e.now().Unix(),
		TTL:       int64(decision.TTL / time.Second),
		MaxTTL:    int64(decision.MaxTTL / time.Second),
	}
	body := rec.body.Bytes()
	if e.cfg.Gzip {
		compressed, err := compress(body)
		if err != nil {
			return storage.Entry{}, err
		}
		entry.Output = compressed
		entry.Gzipped = true
	} else {
		entry.Output = bytes.Clone(body)
	}
	if e.cfg.Debug {
		payload, err := json.Marshal(debugPayload{
			Fingerprint: state.fingerprint,
			Rules:       decision.Matched,
			Background:  state.background,
		})
		if err == nil {
			entry.Debug = payload
		}
	}
	return entry, nil
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("engine: gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("engine: gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Engine) decodeBody(entry storage.Entry) ([]byte, error) {
	if !entry.Gzipped {
		return entry.Output, nil
	}
	if !e.cfg.Gzip {
		return nil, errGzipDisabled
	}
	zr, err := gzip.NewReader(bytes.NewReader(entry.Output))
	if err != nil {
		return nil, fmt.Errorf("engine: gunzip: %w", err)
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("engine: gunzip: %w", err)
	}
	return body, nil
}

// consumeSignals applies the signal headers of an out-of-process renderer.
func (e *Engine) consumeSignals(state *RequestState, h http.Header) {
	if doc := decodeContext(h); len(doc) > 0 {
		state.mergeContent(doc)
	}
	state.addTags(e.namespaceAll(state.Site, headerList(h, SignalTags))...)
	state.enqueue(false, e.targetTags(state.Site, headerList(h, SignalClear))...)
	state.enqueue(true, e.targetTags(state.Site, headerList(h, SignalExpire))...)
}

func (e *Engine) queueDecision(state *RequestState, d *rules.Decision) {
	state.enqueue(true, e.namespaceAll(state.Site, d.Expire)...)
	state.enqueue(false, e.namespaceAll(state.Site, d.Delete)...)
}

// blockingCookie returns the name of the first Set-Cookie that is not on the
// ignore list.
func (e *Engine) blockingCookie(h http.Header) string {
	ignore := e.parser.IgnoredCookies()
	for _, line := range h.Values("Set-Cookie") {
		name := line
		if c, err := http.ParseSetCookie(line); err == nil {
			name = c.Name
		} else if n, _, ok := strings.Cut(line, "="); ok {
			name = strings.TrimSpace(n)
		}
		if !ignore.Match(name) {
			return name
		}
	}
	return ""
}

func (e *Engine) evaluationContext(stage rules.Stage, r *http.Request, state *RequestState) *rules.Context {
	path := "/"
	if r.URL != nil {
		path = request.NormalizePath(r.URL.Path)
	}
	return &rules.Context{
		Stage:     stage,
		Request:   rules.NewRequestView(r, request.Scheme(r), path),
		Constants: maps.Clone(e.cfg.Constants),
		Settings:  e.settings(),
		Content:   state.contentSnapshot(),
		Now:       e.now(),
	}
}

func (e *Engine) settings() map[string]any {
	return map[string]any{
		"enabled":    e.cfg.Enabled,
		"ttl":        int(e.cfg.TTL / time.Second),
		"max_ttl":    int(e.cfg.MaxTTL / time.Second),
		"gzip":       e.cfg.Gzip,
		"debug":      e.cfg.Debug,
		"background": e.cfg.Background,
	}
}

// uniqueExtras resolves the configured unique fields (context paths such as
// "header.Accept-Language" or "cookie.currency") against the request.
func (e *Engine) uniqueExtras(c *rules.Context) map[string]string {
	if len(e.cfg.UniqueFields) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.cfg.UniqueFields))
	for _, field := range e.cfg.UniqueFields {
		if v, ok := c.Lookup(field); ok && v != nil {
			out[field] = rules.Stringify(v)
		}
	}
	return out
}

func (e *Engine) ttlFor(entry storage.Entry) time.Duration {
	if entry.TTL > 0 {
		return time.Duration(entry.TTL) * time.Second
	}
	return e.cfg.TTL
}

func (e *Engine) maxTTLFor(entry storage.Entry) time.Duration {
	if entry.MaxTTL > 0 {
		return time.Duration(entry.MaxTTL) * time.Second
	}
	return e.cfg.MaxTTL
}

// siteFor maps a request host to its tenant site id.
func (e *Engine) siteFor(host string) string {
	if !e.tenancy.Enabled {
		return ""
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return e.tenancy.SiteFor(host)
}

// namespace prefixes tag with network and site ids when tenancy is enabled.
func (e *Engine) namespace(site, tag string) string {
	if !e.tenancy.Enabled || tag == "" {
		return tag
	}
	if site == "" {
		site = e.tenancy.DefaultSite
	}
	return e.tenancy.NetworkID + ":" + site + ":" + tag
}

func (e *Engine) namespaceAll(site string, tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, e.namespace(site, tag))
		}
	}
	return out
}

func requestURI(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}
