package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/millipress/millicache/internal/config"
	"github.com/millipress/millicache/internal/logging"
)

// NewOriginProxy forwards requests to the content system at cfg.URL. The
// original Host header is preserved so the origin renders the right site, and
// Accept-Encoding is dropped so stored bodies are always uncompressed.
func NewOriginProxy(cfg config.OriginConfig, logger *slog.Logger) (http.Handler, error) {
	if cfg.URL == "" {
		return nil, errors.New("server: origin url required")
	}
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, errors.New("server: origin url must be absolute")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "origin"))

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
			pr.Out.Header.Del("Accept-Encoding")
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logging.FromContext(r.Context(), logger).Error("origin request failed",
				slog.String("path", r.URL.Path),
				slog.Any("error", err),
			)
			w.WriteHeader(http.StatusBadGateway)
		},
	}, nil
}
