package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/millipress/millicache/internal/config"
)

func TestOriginProxyForwardsHostAndDropsEncoding(t *testing.T) {
	var gotHost, gotEncoding, gotForwarded string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotEncoding = r.Header.Get("Accept-Encoding")
		gotForwarded = r.Header.Get("X-Forwarded-Host")
		_, _ = w.Write([]byte("page " + r.URL.RequestURI()))
	}))
	defer origin.Close()

	proxy, err := NewOriginProxy(config.OriginConfig{URL: origin.URL, Timeout: time.Second}, newTestLogger())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://blog.example.com/post/?p=1", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	proxy.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "page /post/?p=1", w.Body.String())
	require.Equal(t, "blog.example.com", gotHost)
	require.Equal(t, "blog.example.com", gotForwarded)
	require.Empty(t, gotEncoding)
}

func TestOriginProxyReportsBadGateway(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	proxy, err := NewOriginProxy(config.OriginConfig{URL: url, Timeout: time.Second}, newTestLogger())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	proxy.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestOriginProxyRequiresAbsoluteURL(t *testing.T) {
	_, err := NewOriginProxy(config.OriginConfig{}, nil)
	require.Error(t, err)
	_, err = NewOriginProxy(config.OriginConfig{URL: "/relative"}, nil)
	require.Error(t, err)
}
