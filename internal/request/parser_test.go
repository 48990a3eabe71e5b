package request

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterQuery(t *testing.T) {
	ignore := NewPatterns([]string{"utm_*", "fbclid"})
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{name: "empty", query: "", want: ""},
		{name: "sorts tokens", query: "z=1&a=2", want: "a=2&z=1"},
		{name: "drops glob match", query: "z=1&utm_source=x&a=2", want: "a=2&z=1"},
		{name: "drops exact match", query: "fbclid=abc&b=1", want: "b=1"},
		{name: "decodes html entities", query: "b=1&amp;a=2", want: "a=2&b=1"},
		{name: "drops empty tokens", query: "a=1&&b=2&", want: "a=1&b=2"},
		{name: "keeps bare keys", query: "preview&a=1", want: "a=1&preview"},
		{name: "leading question mark", query: "?b=2&a=1", want: "a=1&b=2"},
		{name: "everything ignored", query: "utm_medium=x", want: ""},
		{name: "escaped ignored key", query: "utm%5Fcampaign=x&a=1", want: "a=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FilterQuery(tt.query, ignore))
		})
	}
}

func TestFilterQueryIsIdempotent(t *testing.T) {
	ignore := NewPatterns([]string{"utm_*", "gclid"})
	for _, q := range []string{"", "z=1&utm_source=x&a=2", "b=&a&c=3&amp;gclid=1", "x=%20y&x=a", "a=&amp;amp;", "amp;x&a=1", "b=1&amp;amp;amp;utm_source=x"} {
		once := FilterQuery(q, ignore)
		require.Equal(t, once, FilterQuery(once, ignore), q)
	}
}

func TestFilterQueryDecodesNestedEntities(t *testing.T) {
	ignore := NewPatterns([]string{"utm_*"})
	require.Equal(t, "a=", FilterQuery("a=&amp;amp;", ignore))
	require.Equal(t, "a=1&x", FilterQuery("amp;x&a=1", ignore))
	require.Equal(t, "b=1", FilterQuery("b=1&amp;amp;amp;utm_source=x", ignore))
}

func TestFilterCookies(t *testing.T) {
	ignore := NewCookiePatterns([]string{"ga_*"})
	got := FilterCookies(map[string]string{"GA_TRACKING": "1", "session": "2"}, ignore)
	require.Equal(t, map[string]string{"session": "2"}, got)
}

func TestFilterCookiesDropsUnderscorePrefixed(t *testing.T) {
	got := FilterCookies(map[string]string{"_ga": "1", "_gid": "2", "lang": "de"}, NewCookiePatterns(nil))
	require.Equal(t, map[string]string{"lang": "de"}, got)
}

func TestFilterCookiesPrefixMatch(t *testing.T) {
	ignore := NewCookiePatterns([]string{"wp-settings"})
	got := FilterCookies(map[string]string{"wp-settings-time-1": "1", "Wp-Settings-1": "x", "cart": "3"}, ignore)
	require.Equal(t, map[string]string{"cart": "3"}, got)
}

func TestCanonicalRequestPath(t *testing.T) {
	p := NewParser([]string{"utm_*"}, nil)
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "/Page?z=1&utm_source=x&a=2", want: "/page?a=2&z=1"},
		{raw: "/Page?utm_source=x", want: "/page"},
		{raw: "https://Example.com/Blog/?b=1#top", want: "/blog/?b=1"},
		{raw: "sample-page/", want: "/sample-page/"},
		{raw: "", want: "/"},
		{raw: "/?", want: "/"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := p.CanonicalRequestPath(tt.raw)
			require.Equal(t, tt.want, got)
			require.Equal(t, got, p.CanonicalRequestPath(got), "second pass must be a no-op")
		})
	}
}

func TestURLHash(t *testing.T) {
	p := NewParser([]string{"utm_*"}, nil)
	a := p.URLHash("Example.com", "/Page?b=2&a=1")
	b := p.URLHash("example.com", "/page?a=1&b=2&utm_source=news")
	require.Equal(t, a, b)
	require.Len(t, a, 32)
	require.NotEqual(t, a, p.URLHash("other.example", "/page?a=1&b=2"))
	require.Equal(t, a, p.URLHashFromURL("https://example.com/page?a=1&b=2", "fallback.invalid"))
	require.Equal(t, a, p.URLHashFromURL("/page?a=1&b=2", "example.com"))
}

func TestIsURL(t *testing.T) {
	require.True(t, IsURL("https://example.com/a"))
	require.True(t, IsURL("http://example.com"))
	require.False(t, IsURL("42"))
	require.False(t, IsURL("post:42"))
	require.False(t, IsURL("/relative/path"))
}

func TestPatternsMatch(t *testing.T) {
	p := NewPatterns([]string{"exact", "pre_*", " "})
	require.True(t, p.Match("exact"))
	require.True(t, p.Match("pre_fix"))
	require.False(t, p.Match("Exact"))
	require.False(t, p.Match(""))
	require.Equal(t, []string{"exact", "pre_*"}, p.List())
	require.True(t, NewPatterns(nil).Empty())
}
