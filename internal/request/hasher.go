package request

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

// AuthorizationField is the reserved unique-extras key under which a digest of
// the Authorization header is recorded.
const AuthorizationField = "__authorization"

// Fingerprint is the structured document a cache key is derived from.
type Fingerprint struct {
	Method  string            `json:"method"`
	Scheme  string            `json:"scheme"`
	Host    string            `json:"host"`
	Path    string            `json:"path"`
	Query   string            `json:"query"`
	Cookies map[string]string `json:"cookies"`
	Unique  map[string]string `json:"unique"`
}

// Hasher computes the cache key for one request. A Hasher is request scoped
// and must not be shared.
type Hasher struct {
	parser *Parser
	debug  bool

	hash        string
	fingerprint *Fingerprint
}

// NewHasher returns a request-scoped hasher. When debug is set the fingerprint
// document stays available through DebugData.
func NewHasher(parser *Parser, debug bool) *Hasher {
	return &Hasher{parser: parser, debug: debug}
}

// Generate builds the fingerprint for r and stores its digest. unique carries
// caller-resolved extra fields that must split the cache (language, device,
// currency, ...).
func (h *Hasher) Generate(r *http.Request, unique map[string]string) string {
	fp := h.Fingerprint(r, unique)
	payload, err := json.Marshal(fp)
	if err != nil {
		// Only string maps are marshalled; this cannot fail in practice.
		payload = []byte(fp.Method + fp.Scheme + fp.Host + fp.Path + "?" + fp.Query)
	}
	sum := md5.Sum(payload)
	h.hash = hex.EncodeToString(sum[:])
	h.fingerprint = &fp
	return h.hash
}

// Fingerprint assembles the fingerprint document without hashing it.
func (h *Hasher) Fingerprint(r *http.Request, unique map[string]string) Fingerprint {
	raw := r.URL.RequestURI()
	if r.RequestURI != "" {
		raw = r.RequestURI
	}
	path, query := h.parser.splitRequestURI(raw)

	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}

	extras := make(map[string]string, len(unique)+1)
	for k, v := range unique {
		extras[k] = v
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		sum := sha256.Sum256([]byte(auth))
		extras[AuthorizationField] = hex.EncodeToString(sum[:])
	}

	return Fingerprint{
		Method:  strings.ToUpper(r.Method),
		Scheme:  Scheme(r),
		Host:    strings.ToLower(r.Host),
		Path:    path,
		Query:   query,
		Cookies: h.parser.FilterCookies(cookies),
		Unique:  extras,
	}
}

// Hash returns the digest computed by the last Generate call.
func (h *Hasher) Hash() string { return h.hash }

// DebugData returns the fingerprint document when debug mode is on.
func (h *Hasher) DebugData() *Fingerprint {
	if !h.debug {
		return nil
	}
	return h.fingerprint
}

// Scheme reports "https" for TLS requests or requests forwarded as https.
func Scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
		return "https"
	}
	if r.URL != nil && r.URL.Scheme == "https" {
		return "https"
	}
	return "http"
}
