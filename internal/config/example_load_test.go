package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadExampleConfig(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	root := filepath.Join(wd, "..", "..")

	t.Setenv("MILLICACHE_SERVER__RULES__RULES_FOLDER", filepath.Join(root, "examples", "rules"))
	cfg, err := NewLoader("MILLICACHE", filepath.Join(root, "examples", "configs", "millicache.yaml")).Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, "http://wordpress:80", cfg.Server.Origin.URL)
	require.Equal(t, 30*time.Second, cfg.Server.Origin.Timeout)
	require.Equal(t, []string{"header.Accept-Language"}, cfg.Cache.UniqueFields)
	require.True(t, cfg.Tenancy.Enabled)
	require.Equal(t, "3", cfg.Tenancy.SiteFor("shop.example.com"))
	require.Equal(t, "1", cfg.Tenancy.SiteFor("www.example.com"))

	require.Contains(t, cfg.Rules, "woo-skip-cart-fragments")
	require.Contains(t, cfg.Rules, "woo-product-tags")
	require.Contains(t, cfg.Rules, "short-ttl-feeds")
	require.Len(t, cfg.RuleSources, 2)
	require.Empty(t, cfg.SkippedDefinitions)
}
