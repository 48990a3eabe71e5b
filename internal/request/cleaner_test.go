package request

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanerStripsIgnoredState(t *testing.T) {
	parser := NewParser([]string{"utm_*", "fbclid"}, nil)
	r := httptest.NewRequest(http.MethodGet, "/shop/?utm_source=mail&b=2&fbclid=x&a=1", nil)
	r.Header.Set("If-None-Match", `"abc"`)
	r.Header.Set("If-Modified-Since", "Mon, 02 Jan 2006 15:04:05 GMT")
	r.Header.Set("Accept", "text/html")
	r.Form = url.Values{"utm_campaign": {"x"}, "a": {"1"}}
	r.PostForm = url.Values{"fbclid": {"y"}, "comment": {"hi"}}

	NewCleaner(parser).Clean(r)

	require.Empty(t, r.Header.Get("If-None-Match"))
	require.Empty(t, r.Header.Get("If-Modified-Since"))
	require.Equal(t, "text/html", r.Header.Get("Accept"))
	require.Equal(t, "a=1&b=2", r.URL.RawQuery)
	require.Equal(t, "/shop/?a=1&b=2", r.RequestURI)
	require.Equal(t, url.Values{"a": {"1"}}, r.Form)
	require.Equal(t, url.Values{"comment": {"hi"}}, r.PostForm)
}

func TestCleanerDropsEmptyQuery(t *testing.T) {
	parser := NewParser([]string{"utm_*"}, nil)
	r := httptest.NewRequest(http.MethodGet, "/page?utm_source=x", nil)

	NewCleaner(parser).Clean(r)

	require.Empty(t, r.URL.RawQuery)
	require.Equal(t, "/page", r.RequestURI)
	require.Equal(t, "/page", r.URL.RequestURI())
}
