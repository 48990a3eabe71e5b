package request

import (
	"crypto/md5"
	"encoding/hex"
	"html"
	"net/url"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// placeholderAuthority lets url.Parse accept request URIs that carry no scheme
// or host. It never leaves this package.
const placeholderAuthority = "http://millicache.invalid"

// Patterns matches names against an ignore list. Entries without glob
// metacharacters match exactly; the rest are compiled with gobwas/glob.
type Patterns struct {
	exact    map[string]struct{}
	globs    []glob.Glob
	prefixes []string
	fold     bool
	source   []string
}

// NewPatterns compiles a case-sensitive exact/glob pattern list.
func NewPatterns(list []string) Patterns {
	return compilePatterns(list, false)
}

// NewCookiePatterns compiles a case-insensitive pattern list where every entry
// also matches as a name prefix.
func NewCookiePatterns(list []string) Patterns {
	return compilePatterns(list, true)
}

func compilePatterns(list []string, cookie bool) Patterns {
	p := Patterns{exact: make(map[string]struct{}), fold: cookie}
	for _, raw := range list {
		pattern := strings.TrimSpace(raw)
		if pattern == "" {
			continue
		}
		p.source = append(p.source, pattern)
		if cookie {
			pattern = strings.ToLower(pattern)
			p.prefixes = append(p.prefixes, strings.TrimRight(pattern, "*"))
		}
		if !strings.ContainsAny(pattern, "*?[{") {
			p.exact[pattern] = struct{}{}
			continue
		}
		compiled, err := glob.Compile(pattern)
		if err != nil {
			// An uncompilable glob still works as a literal.
			p.exact[pattern] = struct{}{}
			continue
		}
		p.globs = append(p.globs, compiled)
	}
	return p
}

// Match reports whether name is covered by the pattern list.
func (p Patterns) Match(name string) bool {
	if name == "" {
		return false
	}
	if p.fold {
		name = strings.ToLower(name)
		for _, prefix := range p.prefixes {
			if prefix != "" && strings.HasPrefix(name, prefix) {
				return true
			}
		}
	}
	if _, ok := p.exact[name]; ok {
		return true
	}
	for _, g := range p.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Empty reports whether no pattern was configured.
func (p Patterns) Empty() bool { return len(p.source) == 0 }

// List returns the configured patterns in their original spelling.
func (p Patterns) List() []string {
	out := make([]string, len(p.source))
	copy(out, p.source)
	return out
}

// Parser canonicalizes request URIs and cookie sets. It is safe for
// concurrent use once constructed.
type Parser struct {
	ignoreKeys    Patterns
	ignoreCookies Patterns
}

// NewParser builds a parser dropping the given query keys and cookies.
func NewParser(ignoreKeys, ignoreCookies []string) *Parser {
	return &Parser{
		ignoreKeys:    NewPatterns(ignoreKeys),
		ignoreCookies: NewCookiePatterns(ignoreCookies),
	}
}

// IgnoredKeys exposes the compiled query/parameter ignore list.
func (p *Parser) IgnoredKeys() Patterns { return p.ignoreKeys }

// IgnoredCookies exposes the compiled cookie ignore list.
func (p *Parser) IgnoredCookies() Patterns { return p.ignoreCookies }

// NormalizePath case-folds a URI path.
func NormalizePath(path string) string {
	return strings.ToLower(path)
}

// FilterQuery drops ignored parameters and sorts the remaining raw key=value
// tokens so equivalent query strings compare equal.
func (p *Parser) FilterQuery(query string) string {
	return FilterQuery(query, p.ignoreKeys)
}

// FilterQuery is the pattern-explicit form of Parser.FilterQuery. It repeats
// until the output is stable, so nested entities and tokens that re-join into
// an entity are fully decoded. After the first pass a change always shortens
// the string.
func FilterQuery(query string, ignore Patterns) string {
	out := filterQueryPass(query, ignore)
	for {
		next := filterQueryPass(out, ignore)
		if next == out {
			return out
		}
		out = next
	}
}

func filterQueryPass(query string, ignore Patterns) string {
	query = strings.TrimPrefix(query, "?")
	if query == "" {
		return ""
	}
	for {
		decoded := html.UnescapeString(query)
		if decoded == query {
			break
		}
		query = decoded
	}
	tokens := strings.Split(query, "&")
	kept := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if token == "" {
			continue
		}
		key, _, _ := strings.Cut(token, "=")
		if ignore.Match(key) {
			continue
		}
		if decoded, err := url.QueryUnescape(key); err == nil && decoded != key && ignore.Match(decoded) {
			continue
		}
		kept = append(kept, token)
	}
	sort.Strings(kept)
	return strings.Join(kept, "&")
}

// FilterCookies returns the cookies that may influence the cache key.
// Framework-internal cookies (leading underscore) are always dropped.
func (p *Parser) FilterCookies(cookies map[string]string) map[string]string {
	return FilterCookies(cookies, p.ignoreCookies)
}

// FilterCookies is the pattern-explicit form of Parser.FilterCookies.
func FilterCookies(cookies map[string]string, ignore Patterns) map[string]string {
	out := make(map[string]string, len(cookies))
	for name, value := range cookies {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if ignore.Match(name) {
			continue
		}
		out[name] = value
	}
	return out
}

// CanonicalRequestPath reduces a raw request URI (absolute URL, origin form or
// bare path) to "path" or "path?query" with a normalized path and filtered
// query. The fragment is dropped.
func (p *Parser) CanonicalRequestPath(raw string) string {
	path, query := p.splitRequestURI(raw)
	if query == "" {
		return path
	}
	return path + "?" + query
}

func (p *Parser) splitRequestURI(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	target := raw
	if !strings.Contains(raw, "://") {
		if !strings.HasPrefix(raw, "/") {
			raw = "/" + raw
		}
		target = placeholderAuthority + raw
	}
	var path, query string
	if u, err := url.Parse(target); err == nil {
		path = u.EscapedPath()
		query = u.RawQuery
	} else {
		withoutFragment, _, _ := strings.Cut(raw, "#")
		path, query, _ = strings.Cut(withoutFragment, "?")
	}
	if path == "" {
		path = "/"
	}
	return NormalizePath(path), p.FilterQuery(query)
}

// URLHash fingerprints host plus canonical request path. It identifies a URL
// independently of the full request fingerprint and backs the url:<hash> tag.
func (p *Parser) URLHash(host, raw string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	sum := md5.Sum([]byte(host + p.CanonicalRequestPath(raw)))
	return hex.EncodeToString(sum[:])
}

// URLHashFromURL hashes an absolute URL such as "https://example.com/a?b=1".
// When rawURL carries no host, fallbackHost is used.
func (p *Parser) URLHashFromURL(rawURL, fallbackHost string) string {
	host := fallbackHost
	if u, err := url.Parse(strings.TrimSpace(rawURL)); err == nil && u.Host != "" {
		host = u.Host
	}
	return p.URLHash(host, rawURL)
}

// IsURL reports whether target looks like an absolute http(s) URL.
func IsURL(target string) bool {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
