package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/millipress/millicache/internal/config"
	"github.com/millipress/millicache/internal/rules"
	"github.com/millipress/millicache/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// origin is a stand-in content system whose body can change between renders.
type origin struct {
	engine  *Engine
	renders atomic.Int32
	body    atomic.Value
	handler func(e *Engine, w http.ResponseWriter, r *http.Request)
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.renders.Add(1)
	if o.handler != nil {
		o.handler(o.engine, w, r)
	}
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	_, _ = io.WriteString(w, o.body.Load().(string))
}

type harness struct {
	engine  *Engine
	store   *storage.RedisStore
	server  *miniredis.Miniredis
	clock   *fakeClock
	origin  *origin
	handler http.Handler
}

func testCacheConfig() config.CacheConfig {
	cache := config.DefaultConfig().Cache
	cache.TTL = time.Hour
	cache.MaxTTL = 24 * time.Hour
	cache.Gzip = false
	return cache
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	server := miniredis.RunT(t)
	store, err := storage.NewRedis(storage.RedisConfig{Address: server.Addr()}, storage.Options{
		Prefix:  "mll",
		MaxTTL:  24 * time.Hour,
		LockTTL: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	opts := Options{
		Cache: testCacheConfig(),
		Store: store,
		Now:   clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	if opts.Rules == nil {
		set, err := rules.NewSet(rules.Definitions(opts.Cache, nil), rules.NewBuilder(nil, nil, nil), nil)
		require.NoError(t, err)
		opts.Rules = set
	}

	e := New(opts)
	o := &origin{engine: e}
	o.body.Store("v1")
	t.Cleanup(e.Wait)
	return &harness{
		engine:  e,
		store:   store,
		server:  server,
		clock:   clock,
		origin:  o,
		handler: e.Middleware(o),
	}
}

func (h *harness) do(method, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

func (h *harness) get(target string) *httptest.ResponseRecorder {
	return h.do(http.MethodGet, target)
}

func singlePost(id int) func(e *Engine, w http.ResponseWriter, r *http.Request) {
	return func(e *Engine, w http.ResponseWriter, r *http.Request) {
		e.SetContent(r.Context(), "post", map[string]any{"id": id})
		e.SetContent(r.Context(), "query", map[string]any{"is_singular": true})
	}
}

func TestMissThenHit(t *testing.T) {
	h := newHarness(t, nil)

	first := h.get("/sample-page/")
	require.Equal(t, StatusMiss, first.Header().Get(HeaderStatus))
	require.Equal(t, "v1", first.Body.String())

	second := h.get("/sample-page/")
	require.Equal(t, StatusHit, second.Header().Get(HeaderStatus))
	require.Equal(t, "v1", second.Body.String())
	require.Equal(t, "text/html; charset=UTF-8", second.Header().Get("Content-Type"))
	require.Equal(t, http.StatusOK, second.Code)
	require.EqualValues(t, 1, h.origin.renders.Load())
}

func TestHeadRequestsAreCachedSeparately(t *testing.T) {
	h := newHarness(t, nil)

	require.Equal(t, StatusMiss, h.do(http.MethodHead, "/page/").Header().Get(HeaderStatus))
	head := h.do(http.MethodHead, "/page/")
	require.Equal(t, StatusHit, head.Header().Get(HeaderStatus))
	require.Empty(t, head.Body.String())
	require.Equal(t, StatusMiss, h.get("/page/").Header().Get(HeaderStatus))
}

func TestIgnoredQueryKeysShareEntry(t *testing.T) {
	h := newHarness(t, nil)

	require.Equal(t, StatusMiss, h.get("/Page/?b=2&utm_source=news&a=1").Header().Get(HeaderStatus))
	require.Equal(t, StatusHit, h.get("/page/?a=1&b=2").Header().Get(HeaderStatus))
	require.Equal(t, StatusMiss, h.get("/page/?a=1&b=3").Header().Get(HeaderStatus))
}

func TestStaleWhileRevalidate(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Cache.Debug = true })

	first := h.get("/sample-page/")
	require.Equal(t, StatusMiss, first.Header().Get(HeaderStatus))
	hash := first.Header().Get(HeaderKey)
	require.NotEmpty(t, hash)

	h.clock.Advance(time.Hour + time.Second)
	h.origin.body.Store("v2")

	stale := h.get("/sample-page/")
	require.Equal(t, StatusExpired, stale.Header().Get(HeaderStatus))
	require.Equal(t, "v1", stale.Body.String())

	h.engine.Wait()
	require.EqualValues(t, 2, h.origin.renders.Load())
	require.False(t, h.server.Exists("mll:c:"+hash+"-lock"))

	lookup, ok := h.store.GetCache(context.Background(), hash)
	require.True(t, ok)
	require.Equal(t, h.clock.Now().Unix(), lookup.Entry.UpdatedAt)

	fresh := h.get("/sample-page/")
	require.Equal(t, StatusHit, fresh.Header().Get(HeaderStatus))
	require.Equal(t, "v2", fresh.Body.String())
}

func TestStaleRendersInForegroundWithoutBackground(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Cache.Background = false })

	h.get("/sample-page/")
	h.clock.Advance(2 * time.Hour)
	h.origin.body.Store("v2")

	resp := h.get("/sample-page/")
	require.Equal(t, StatusMiss, resp.Header().Get(HeaderStatus))
	require.Equal(t, "v2", resp.Body.String())
	require.Equal(t, StatusHit, h.get("/sample-page/").Header().Get(HeaderStatus))
}

func TestStaleEntryLockedElsewhereIsServedAsHit(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Cache.Debug = true })

	hash := h.get("/sample-page/").Header().Get(HeaderKey)
	h.clock.Advance(2 * time.Hour)
	require.True(t, h.store.Lock(context.Background(), hash))

	resp := h.get("/sample-page/")
	require.Equal(t, StatusHit, resp.Header().Get(HeaderStatus))
	require.Equal(t, "v1", resp.Body.String())
	require.Equal(t, "expired", resp.Header().Get(HeaderExpires))
	h.engine.Wait()
	require.EqualValues(t, 1, h.origin.renders.Load())
}

func TestEntryBeyondMaxTTLIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)

	h.get("/sample-page/")
	h.clock.Advance(25 * time.Hour)
	h.origin.body.Store("v2")

	resp := h.get("/sample-page/")
	require.Equal(t, StatusMiss, resp.Header().Get(HeaderStatus))
	require.Equal(t, "v2", resp.Body.String())
}

func TestBypassedRequestsAreNotStored(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(http.MethodPost, "/sample-page/")
	require.Equal(t, StatusBypass, resp.Header().Get(HeaderStatus))
	require.Equal(t, "v1", resp.Body.String())
	require.Equal(t, StatusBypass, h.get("/wp-admin/").Header().Get(HeaderStatus))
	require.Equal(t, StatusBypass, h.get("/style.css").Header().Get(HeaderStatus))

	logged := &http.Cookie{Name: "wordpress_logged_in_abc", Value: "1"}
	require.Equal(t, StatusBypass, h.do(http.MethodGet, "/", logged).Header().Get(HeaderStatus))

	require.Zero(t, h.store.SizeSummary(context.Background(), "").Count)
}

func TestCacheDisabledBypasses(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Cache.Enabled = false })
	require.Equal(t, StatusBypass, h.get("/").Header().Get(HeaderStatus))

	h = newHarness(t, func(o *Options) { o.Cache.TTL = 0 })
	require.Equal(t, StatusBypass, h.get("/").Header().Get(HeaderStatus))
}

func TestSetCookieDisablesCaching(t *testing.T) {
	h := newHarness(t, nil)
	h.origin.handler = func(_ *Engine, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session/" {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		} else {
			http.SetCookie(w, &http.Cookie{Name: "wp-settings-1", Value: "x"})
		}
	}

	require.Equal(t, StatusMiss, h.get("/session/").Header().Get(HeaderStatus))
	require.Equal(t, StatusMiss, h.get("/session/").Header().Get(HeaderStatus))

	first := h.get("/ignored/")
	require.NotEmpty(t, first.Header().Get("Set-Cookie"))
	second := h.get("/ignored/")
	require.Equal(t, StatusHit, second.Header().Get(HeaderStatus))
	require.Empty(t, second.Header().Get("Set-Cookie"))
}

func TestNonOKResponsesAreNotCached(t *testing.T) {
	h := newHarness(t, nil)
	h.origin.handler = func(_ *Engine, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}

	resp := h.get("/missing/")
	require.Equal(t, http.StatusNotFound, resp.Code)
	require.Equal(t, StatusMiss, h.get("/missing/").Header().Get(HeaderStatus))
	require.EqualValues(t, 2, h.origin.renders.Load())
}

func TestClearByPostIDInvalidatesPage(t *testing.T) {
	h := newHarness(t, nil)
	h.origin.handler = singlePost(42)

	h.get("/hello-world/")
	require.Equal(t, StatusHit, h.get("/hello-world/").Header().Get(HeaderStatus))

	result := h.engine.ClearCacheByPostIDs(context.Background(), []int{42}, false)
	require.Equal(t, 1, result.Deleted)
	require.Equal(t, StatusMiss, h.get("/hello-world/").Header().Get(HeaderStatus))
}

func TestExpireByPostIDServesStaleWhileRegenerating(t *testing.T) {
	h := newHarness(t, nil)
	h.origin.handler = singlePost(42)

	h.get("/hello-world/")
	result := h.engine.ClearCacheByPostIDs(context.Background(), []int{42}, true)
	require.Equal(t, 1, result.Expired)

	h.origin.body.Store("v2")
	resp := h.get("/hello-world/")
	require.Equal(t, StatusExpired, resp.Header().Get(HeaderStatus))
	require.Equal(t, "v1", resp.Body.String())
	h.engine.Wait()
	require.Equal(t, "v2", h.get("/hello-world/").Body.String())
}

func TestClearByURL(t *testing.T) {
	h := newHarness(t, nil)

	h.get("http://example.com/Shop/?b=2&a=1")
	result := h.engine.ClearCacheByURLs(context.Background(), []string{"http://example.com/shop/?a=1&b=2&utm_campaign=x"}, false)
	require.Equal(t, 1, result.Deleted)
}

func TestSignalHeadersAreConsumed(t *testing.T) {
	h := newHarness(t, nil)
	h.origin.handler = func(_ *Engine, w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(SignalTags, "custom, shop")
		w.Header().Set(SignalContext, `{"post":{"id":7},"query":{"is_singular":true}}`)
	}

	resp := h.get("/product/")
	require.Empty(t, resp.Header().Get(SignalTags))
	require.Empty(t, resp.Header().Get(SignalContext))

	ctx := context.Background()
	require.Len(t, h.store.GetCacheKeysByTag(ctx, "custom"), 1)
	require.Len(t, h.store.GetCacheKeysByTag(ctx, "shop"), 1)
	require.Len(t, h.store.GetCacheKeysByTag(ctx, "post:7"), 1)
	require.Len(t, h.store.GetCacheKeysByTag(ctx, "url:*"), 1)
}

func TestClearQueuedUntilRequestEnds(t *testing.T) {
	h := newHarness(t, nil)
	var queued storage.ClearResult
	h.origin.handler = func(e *Engine, w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/home/":
			e.AddTag(r.Context(), "home")
		case "/publish/":
			queued = e.ClearCacheByTargets(r.Context(), []string{"home"}, false)
		}
	}

	var flushed []Invalidation
	h.engine.OnInvalidate(func(inv Invalidation) { flushed = append(flushed, inv) })

	h.get("/home/")
	require.Equal(t, StatusHit, h.get("/home/").Header().Get(HeaderStatus))

	require.Equal(t, StatusBypass, h.do(http.MethodPost, "/publish/").Header().Get(HeaderStatus))
	require.Zero(t, queued)
	require.Len(t, flushed, 1)
	require.Equal(t, []string{"home"}, flushed[0].Delete)
	require.Equal(t, 1, flushed[0].Result.Deleted)

	require.Equal(t, StatusMiss, h.get("/home/").Header().Get(HeaderStatus))
}

func TestClearSignalHeaderQueuesInvalidation(t *testing.T) {
	h := newHarness(t, nil)
	h.origin.handler = func(_ *Engine, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/home/" {
			w.Header().Set(SignalTags, "home")
			return
		}
		w.Header().Set(SignalExpire, "home")
	}

	h.get("/home/")
	h.get("/other/")
	require.Equal(t, StatusExpired, h.get("/home/").Header().Get(HeaderStatus))
}

func TestStoreUnavailableServesUncached(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Store = storage.Disabled{} })

	require.Equal(t, StatusMiss, h.get("/").Header().Get(HeaderStatus))
	resp := h.get("/")
	require.Equal(t, StatusMiss, resp.Header().Get(HeaderStatus))
	require.Equal(t, "v1", resp.Body.String())
	require.EqualValues(t, 2, h.origin.renders.Load())
}

func TestMalformedEntryIsReplaced(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Cache.Debug = true })

	hash := h.get("/").Header().Get(HeaderKey)
	h.server.HSet("mll:c:"+hash, "data", "garbage")

	require.Equal(t, StatusMiss, h.get("/").Header().Get(HeaderStatus))
	require.Equal(t, StatusHit, h.get("/").Header().Get(HeaderStatus))
}

func TestGzipEntriesAreServedDecompressed(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Cache.Gzip = true
		o.Cache.Debug = true
	})

	first := h.get("/")
	require.Equal(t, "true", first.Header().Get(HeaderGzip))
	lookup, ok := h.store.GetCache(context.Background(), first.Header().Get(HeaderKey))
	require.True(t, ok)
	require.True(t, lookup.Entry.Gzipped)
	require.NotEqual(t, "v1", string(lookup.Entry.Output))

	second := h.get("/")
	require.Equal(t, StatusHit, second.Header().Get(HeaderStatus))
	require.Equal(t, "v1", second.Body.String())
}

func TestGzippedEntryUnservableWhenGzipDisabled(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Cache.Debug = true })

	hash := h.get("/").Header().Get(HeaderKey)
	compressed, err := compress([]byte("zipped"))
	require.NoError(t, err)
	entry := storage.Entry{Output: compressed, Gzipped: true, Status: 200, UpdatedAt: h.clock.Now().Unix()}
	require.True(t, h.store.SetCache(context.Background(), hash, entry, nil))

	resp := h.get("/")
	require.Equal(t, StatusMiss, resp.Header().Get(HeaderStatus))
	require.Equal(t, "v1", resp.Body.String())
}

func TestDebugHeaders(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Cache.Debug = true })
	h.origin.handler = singlePost(5)

	miss := h.get("/post/")
	require.Len(t, miss.Header().Get(HeaderKey), 32)
	require.Contains(t, miss.Header().Get(HeaderFlags), "post:5")

	h.clock.Advance(10 * time.Minute)
	hit := h.get("/post/")
	require.Equal(t, "3000", hit.Header().Get(HeaderExpires))
	require.NotEmpty(t, hit.Header().Get(HeaderTime))
	require.Equal(t, "false", hit.Header().Get(HeaderGzip))
}

func TestResponseRuleTTLOverride(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		set, err := rules.NewSet(rules.Definitions(o.Cache, map[string]config.RuleConfig{
			"short-ttl": {
				Stage:   "response",
				Actions: []config.RuleActionConfig{{Type: "set_ttl", Value: 60}},
			},
		}), rules.NewBuilder(nil, nil, nil), nil)
		require.NoError(t, err)
		o.Rules = set
	})

	h.get("/")
	h.clock.Advance(2 * time.Minute)
	require.Equal(t, StatusExpired, h.get("/").Header().Get(HeaderStatus))
}

func TestUniqueFieldsSplitEntries(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Cache.UniqueFields = []string{"header.Accept-Language"} })

	do := func(lang string) string {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Accept-Language", lang)
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, r)
		return w.Header().Get(HeaderStatus)
	}
	require.Equal(t, StatusMiss, do("en"))
	require.Equal(t, StatusMiss, do("de"))
	require.Equal(t, StatusHit, do("en"))
}

func TestTenancyNamespacesTags(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Tenancy = config.TenancyConfig{
			Enabled:     true,
			NetworkID:   "1",
			DefaultSite: "1",
			Sites:       map[string][]string{"2": {"shop.example.com"}},
		}
	})
	h.origin.handler = singlePost(9)

	h.get("http://example.com/a/")
	h.get("http://shop.example.com/a/")

	ctx := context.Background()
	require.Len(t, h.store.GetCacheKeysByTag(ctx, "1:1:post:9"), 1)
	require.Len(t, h.store.GetCacheKeysByTag(ctx, "1:2:post:9"), 1)

	result := h.engine.ClearCacheBySiteIDs(ctx, []string{"2"}, false)
	require.Equal(t, 1, result.Deleted)
	require.Equal(t, StatusHit, h.get("http://example.com/a/").Header().Get(HeaderStatus))
	require.Equal(t, StatusMiss, h.get("http://shop.example.com/a/").Header().Get(HeaderStatus))

	result = h.engine.ClearCacheByNetworkID(ctx, "", false)
	require.Equal(t, 2, result.Deleted)
}

func TestClearCacheByTargetsDispatch(t *testing.T) {
	h := newHarness(t, nil)
	var got []Invalidation
	h.engine.OnInvalidate(func(inv Invalidation) { got = append(got, inv) })

	h.engine.ClearCacheByTargets(context.Background(), []string{"https://example.com/a/", "42", "feed", " "}, true)
	require.Len(t, got, 1)
	require.Len(t, got[0].Expire, 3)
	require.Regexp(t, `^url:[0-9a-f]{32}$`, got[0].Expire[0])
	require.Equal(t, []string{"post:42", "feed"}, got[0].Expire[1:])

	h.engine.ClearCache(context.Background(), false)
	require.Equal(t, []string{"*"}, got[1].Delete)
}

func TestStartIsIdempotent(t *testing.T) {
	var opened atomic.Int32
	e := New(Options{
		Cache: testCacheConfig(),
		OpenStore: func() (storage.Store, error) {
			opened.Add(1)
			return nil, errors.New("connection refused")
		},
	})
	e.Start()
	e.Start()
	require.EqualValues(t, 1, opened.Load())
	require.False(t, e.Store().IsAvailable())
}

func TestAddTagOutsideRequest(t *testing.T) {
	h := newHarness(t, nil)
	require.False(t, h.engine.AddTag(context.Background(), "x"))
	require.False(t, h.engine.SetContent(context.Background(), "post", nil))
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.origin.handler = singlePost(1)
	h.get("/a/")
	h.get("/b/")

	status := h.engine.GetStatus(context.Background(), "")
	require.True(t, status.Available)
	require.EqualValues(t, 3600, status.TTL)
	require.Equal(t, 2, status.Cache.Count)
	require.Contains(t, status.NocacheCookies, "wordpress_logged_in")
	require.Contains(t, status.IgnoreRequestKeys, "utm_*")
	require.Positive(t, status.Rules)

	require.Equal(t, 2, h.engine.GetStatus(context.Background(), "post:1").Cache.Count)
}

func TestRuleReloadDoesNotReachInFlightRequest(t *testing.T) {
	h := newHarness(t, nil)
	defs := rules.Definitions(testCacheConfig(), map[string]config.RuleConfig{
		"no-store": {
			Stage:   "response",
			Actions: []config.RuleActionConfig{{Type: "do_cache", Value: false, Reason: "reloaded"}},
		},
	})
	reloaded, err := rules.NewSet(defs, rules.NewBuilder(nil, nil, nil), nil)
	require.NoError(t, err)

	var once sync.Once
	h.origin.handler = func(e *Engine, w http.ResponseWriter, r *http.Request) {
		once.Do(func() { e.SetRules(reloaded) })
	}

	require.Equal(t, StatusMiss, h.get("/reload/").Header().Get(HeaderStatus))
	require.Equal(t, StatusHit, h.get("/reload/").Header().Get(HeaderStatus))

	// Requests that start after the reload use the new set.
	require.Equal(t, StatusMiss, h.get("/other/").Header().Get(HeaderStatus))
	require.Equal(t, StatusMiss, h.get("/other/").Header().Get(HeaderStatus))
}

func TestIgnoredParamsDoNotSplitUniqueFields(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Cache.UniqueFields = []string{"param.utm_source"} })

	require.Equal(t, StatusMiss, h.get("/landing/?utm_source=news").Header().Get(HeaderStatus))
	require.Equal(t, StatusHit, h.get("/landing/?utm_source=ads").Header().Get(HeaderStatus))
	require.Equal(t, StatusHit, h.get("/landing/").Header().Get(HeaderStatus))
}
