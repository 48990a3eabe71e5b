package engine

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/millipress/millicache/internal/storage"
)

// Header names set on responses. Every header carrying HeaderPrefix is owned by
// the engine and never persisted.
const (
	HeaderPrefix  = "X-Millicache-"
	HeaderStatus  = "X-MilliCache-Status"
	HeaderKey     = "X-MilliCache-Key"
	HeaderFlags   = "X-MilliCache-Flags"
	HeaderTime    = "X-MilliCache-Time"
	HeaderExpires = "X-MilliCache-Expires"
	HeaderGzip    = "X-MilliCache-Gzip"
)

// Signal headers let an out-of-process renderer talk to the engine. They are
// consumed and removed before the response is stored or forwarded.
const (
	SignalTags    = "X-MilliCache-Tags"
	SignalContext = "X-MilliCache-Context"
	SignalClear   = "X-MilliCache-Clear"
	SignalExpire  = "X-MilliCache-Expire"
)

// Status markers.
const (
	StatusMiss    = "miss"
	StatusHit     = "hit"
	StatusExpired = "expired"
	StatusBypass  = "bypass"
)

func isEngineHeader(name string) bool {
	return strings.HasPrefix(http.CanonicalHeaderKey(name), HeaderPrefix)
}

// persistedHeaders flattens h into "Name: value" lines, dropping engine
// headers, cookies and hop-specific length.
func persistedHeaders(h http.Header) []string {
	var out []string
	for name, values := range h {
		if skipHeader(name) {
			continue
		}
		for _, v := range values {
			out = append(out, name+": "+v)
		}
	}
	sortHeaderLines(out)
	return out
}

func skipHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Set-Cookie", "Content-Length":
		return true
	}
	return isEngineHeader(name)
}

// sortHeaderLines orders by header name only so repeated headers keep their
// emitted order.
func sortHeaderLines(lines []string) {
	name := func(line string) string {
		n, _, _ := strings.Cut(line, ":")
		return n
	}
	sort.SliceStable(lines, func(i, j int) bool { return name(lines[i]) < name(lines[j]) })
}

func replayHeaders(dst http.Header, lines []string) {
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok || skipHeader(name) {
			continue
		}
		dst.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func headerList(h http.Header, name string) []string {
	var out []string
	for _, v := range h.Values(name) {
		out = append(out, splitList(v)...)
	}
	return out
}

func decodeContext(h http.Header) map[string]any {
	raw := h.Values(SignalContext)
	if len(raw) == 0 {
		return nil
	}
	merged := make(map[string]any)
	for _, v := range raw {
		var doc map[string]any
		if err := json.Unmarshal([]byte(v), &doc); err != nil {
			continue
		}
		for k, val := range doc {
			merged[k] = val
		}
	}
	return merged
}

type debugInfo struct {
	hash    string
	tags    []string
	entry   *storage.Entry
	ttl     time.Duration
	gzipped bool
	now     time.Time
}

func writeDebugHeaders(h http.Header, info debugInfo) {
	h.Set(HeaderKey, info.hash)
	if len(info.tags) > 0 {
		h.Set(HeaderFlags, strings.Join(info.tags, ", "))
	}
	h.Set(HeaderGzip, strconv.FormatBool(info.gzipped))
	if info.entry == nil {
		return
	}
	updated := info.entry.Updated()
	h.Set(HeaderTime, updated.UTC().Format(http.TimeFormat))
	remaining := updated.Add(info.ttl).Sub(info.now)
	if remaining <= 0 {
		h.Set(HeaderExpires, "expired")
		return
	}
	h.Set(HeaderExpires, strconv.FormatInt(int64(remaining/time.Second), 10))
}
