package server

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/millipress/millicache/internal/config"
	"github.com/millipress/millicache/internal/engine"
	"github.com/millipress/millicache/internal/logging"
)

// AdminPrefix is where the admin endpoints are mounted.
const AdminPrefix = "/_millicache"

// HeaderToken carries the admin token.
const HeaderToken = "X-MilliCache-Token"

// RouterOptions lists what the router dispatches to. Origin is the content
// system the engine wraps; Health may be nil.
type RouterOptions struct {
	Engine            *engine.Engine
	Origin            http.Handler
	Admin             config.AdminConfig
	Metrics           config.MetricsConfig
	MetricsHandler    http.Handler
	Health            http.HandlerFunc
	CorrelationHeader string
	Logger            *slog.Logger
}

// NewRouter mounts health, metrics and admin routes in front of the cached
// origin. Every other path goes through the engine.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "router"))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlation(opts.CorrelationHeader, logger))

	if opts.Health != nil {
		r.Get("/healthz", opts.Health)
	}
	if opts.Metrics.Enabled && opts.MetricsHandler != nil {
		path := opts.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, opts.MetricsHandler)
	}
	if opts.Admin.Enabled && opts.Engine != nil {
		a := admin{engine: opts.Engine, logger: logger}
		r.Route(AdminPrefix, func(r chi.Router) {
			r.Use(requireToken(opts.Admin.Token))
			r.Get("/status", a.status)
			r.Post("/clear", a.clear)
			r.Post("/cleanup", a.cleanup)
		})
	}

	site := opts.Origin
	if site == nil {
		site = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "origin unavailable", http.StatusBadGateway)
		})
	}
	if opts.Engine != nil {
		site = opts.Engine.Middleware(site)
	}
	r.Handle("/*", gzhttp.GzipHandler(site))
	return r
}

// correlation tags the request context with an id taken from header or
// generated, echoes it on the response and logs the finished request.
func correlation(header string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if header != "" {
				id = strings.TrimSpace(r.Header.Get(header))
			}
			if id == "" {
				id = uuid.NewString()
			}
			if header != "" {
				w.Header().Set(header, id)
			}
			ctx := logging.WithCorrelation(r.Context(), logger, id)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))
			logging.FromContext(ctx, logger).Debug("request served",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.String("cache", ww.Header().Get(engine.HeaderStatus)),
				slog.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(HeaderToken)), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid admin token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type admin struct {
	engine *engine.Engine
	logger *slog.Logger
}

// ClearRequest is the body of POST /_millicache/clear. All wins over Targets.
type ClearRequest struct {
	Targets []string `json:"targets"`
	Expire  bool     `json:"expire"`
	All     bool     `json:"all"`
}

// ClearResponse reports the entries a clear touched.
type ClearResponse struct {
	Expired int `json:"expired"`
	Deleted int `json:"deleted"`
}

func (a admin) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.GetStatus(r.Context(), r.URL.Query().Get("tag")))
}

func (a admin) clear(w http.ResponseWriter, r *http.Request) {
	var req ClearRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if !req.All && len(req.Targets) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "targets or all required"})
		return
	}
	ctx := r.Context()
	var res ClearResponse
	if req.All {
		out := a.engine.ClearCache(ctx, req.Expire)
		res = ClearResponse{Expired: out.Expired, Deleted: out.Deleted}
	} else {
		out := a.engine.ClearCacheByTargets(ctx, req.Targets, req.Expire)
		res = ClearResponse{Expired: out.Expired, Deleted: out.Deleted}
	}
	logging.FromContext(ctx, a.logger).Info("admin clear",
		slog.Any("targets", req.Targets),
		slog.Bool("all", req.All),
		slog.Bool("expire", req.Expire),
		slog.Int("expired", res.Expired),
		slog.Int("deleted", res.Deleted),
	)
	writeJSON(w, http.StatusOK, res)
}

func (a admin) cleanup(w http.ResponseWriter, r *http.Request) {
	removed := a.engine.Store().CleanupOrphanedTagMembers(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
