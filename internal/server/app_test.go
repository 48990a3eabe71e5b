package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/millipress/millicache/internal/config"
	"github.com/millipress/millicache/internal/engine"
	"github.com/millipress/millicache/internal/storage"
)

type testApp struct {
	app     *App
	url     string
	renders *atomic.Int32
	redis   *miniredis.Miniredis
}

func startApp(t *testing.T, mutate func(*config.Config)) testApp {
	t.Helper()
	renders := &atomic.Int32{}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := renders.Add(1)
		if r.URL.Path == "/post/" {
			w.Header().Set(engine.SignalTags, "post:7")
		}
		fmt.Fprintf(w, "render %d of %s", n, r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Server.Origin.URL = origin.URL
	cfg.Storage.Redis.Address = mr.Addr()
	cfg.Cache.CleanupSchedule = "@every 1h"
	if mutate != nil {
		mutate(&cfg)
	}

	app, err := NewApp(cfg, newTestLogger(), AppOptions{})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("app did not stop")
		}
	})
	return testApp{app: app, url: "http://" + ln.Addr().String(), renders: renders, redis: mr}
}

func TestAppServesAndInvalidates(t *testing.T) {
	ta := startApp(t, func(cfg *config.Config) { cfg.Server.Admin.Token = "secret" })
	e := httpexpect.Default(t, ta.url)

	e.GET("/post/").Expect().
		Status(http.StatusOK).
		Header(engine.HeaderStatus).IsEqual(engine.StatusMiss)
	e.GET("/post/").Expect().
		Status(http.StatusOK).
		Body().IsEqual("render 1 of /post/")

	e.GET("/_millicache/status").
		WithHeader(HeaderToken, "secret").
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("available", true).
		Value("cache").Object().HasValue("count", 1)

	e.POST("/_millicache/clear").
		WithHeader(HeaderToken, "secret").
		WithJSON(ClearRequest{Targets: []string{"7"}}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("deleted", 1)

	e.GET("/post/").Expect().
		Header(engine.HeaderStatus).IsEqual(engine.StatusMiss)
	require.Equal(t, int32(2), ta.renders.Load())

	e.GET("/healthz").Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("status", "ok").
		HasValue("storeAvailable", true)

	e.GET("/metrics").Expect().
		Status(http.StatusOK).
		Body().Contains(`millicache_requests_total{status="hit"} 1`)
}

func TestAppDegradesWithoutRedis(t *testing.T) {
	ta := startApp(t, func(cfg *config.Config) { cfg.Storage.Redis.Address = "127.0.0.1:1" })
	e := httpexpect.Default(t, ta.url)

	e.GET("/page/").Expect().Status(http.StatusOK).Body().IsEqual("render 1 of /page/")
	e.GET("/page/").Expect().Status(http.StatusOK).Body().IsEqual("render 2 of /page/")
	e.GET("/healthz").Expect().JSON().Object().
		HasValue("status", "degraded").
		HasValue("storeAvailable", false)
}

func TestAppReloadsRules(t *testing.T) {
	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesFile, []byte("rules: {}\n"), 0o600))

	ta := startApp(t, func(cfg *config.Config) { cfg.Server.Rules.RulesFile = rulesFile })
	e := httpexpect.Default(t, ta.url)

	e.GET("/private/").Expect().Header(engine.HeaderStatus).IsEqual(engine.StatusMiss)

	skip := "rules:\n  skip-private:\n    conditions:\n      - type: request_url\n        operator: like\n        value: /private/*\n    actions:\n      - type: do_cache\n        value: false\n"
	require.NoError(t, os.WriteFile(rulesFile, []byte(skip), 0o600))

	require.Eventually(t, func() bool {
		resp, err := http.Get(ta.url + "/private/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.Header.Get(engine.HeaderStatus) == engine.StatusBypass
	}, 3*time.Second, 50*time.Millisecond)
}

func TestAppUsesInjectedStore(t *testing.T) {
	app, err := NewApp(config.DefaultConfig(), newTestLogger(), AppOptions{
		Store:  storage.Disabled{},
		Origin: http.NotFoundHandler(),
	})
	require.NoError(t, err)
	require.False(t, app.Engine().Store().IsAvailable())
	require.NotNil(t, app.Handler())
	require.Positive(t, app.Engine().Rules().Len())
}
