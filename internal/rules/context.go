package rules

import (
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Stage identifies the lifecycle point a rule attaches to.
type Stage string

const (
	// StageBootstrap runs before the content system sees the request. Only raw
	// request state, constants and settings are available.
	StageBootstrap Stage = "bootstrap"
	// StageResponse runs once the response has been rendered, with content,
	// user and response code available.
	StageResponse Stage = "response"
)

// ParseStage accepts the configured stage names. "post_render" is an alias for
// the response stage.
func ParseStage(raw string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "bootstrap":
		return StageBootstrap, nil
	case "response", "post_render", "post-render":
		return StageResponse, nil
	default:
		return "", fmt.Errorf("rules: unknown stage %q", raw)
	}
}

// Request is the read-only request view rules evaluate against.
type Request struct {
	Method  string
	Scheme  string
	Host    string
	Path    string // normalized, lowercase
	URL     string // request URI as received after cleaning
	Query   string
	Header  http.Header
	Cookies map[string]string
	Params  url.Values
}

// Response is only populated for the response stage.
type Response struct {
	Code   int
	Header http.Header
}

// Context is the shared evaluation state for one stage of one request. Content
// holds host supplied structures such as post, query, user and flags.
type Context struct {
	Stage     Stage
	Request   Request
	Response  Response
	Constants map[string]string
	Settings  map[string]any
	Content   map[string]any
	Now       time.Time
}

// NewRequestView builds the request part of a context from r.
func NewRequestView(r *http.Request, scheme, path string) Request {
	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}
	view := Request{
		Method:  strings.ToUpper(r.Method),
		Scheme:  scheme,
		Host:    strings.ToLower(r.Host),
		Path:    path,
		Header:  r.Header.Clone(),
		Cookies: cookies,
	}
	if r.URL != nil {
		view.URL = r.URL.RequestURI()
		view.Query = r.URL.RawQuery
		view.Params = r.URL.Query()
	}
	return view
}

// Responded reports whether response state is available.
func (c *Context) Responded() bool {
	return c != nil && c.Stage == StageResponse
}

// Lookup resolves a dotted path against the context. Header, cookie and param
// names are matched case-insensitively.
func (c *Context) Lookup(path string) (any, bool) {
	if c == nil {
		return nil, false
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	head, rest, _ := strings.Cut(path, ".")
	switch strings.ToLower(head) {
	case "request":
		return c.lookupRequest(rest)
	case "header", "cookie", "param":
		return c.lookupRequest(head + "." + rest)
	case "response":
		return c.lookupResponse(rest)
	case "constant", "constants":
		v, ok := c.Constants[rest]
		return v, ok
	case "setting", "settings":
		return walk(c.Settings, rest)
	}
	if c.Content == nil {
		return nil, false
	}
	root, ok := c.Content[head]
	if !ok {
		return nil, false
	}
	if rest == "" {
		return root, true
	}
	return walkValue(root, rest)
}

func (c *Context) lookupRequest(path string) (any, bool) {
	head, rest, _ := strings.Cut(path, ".")
	req := c.Request
	switch strings.ToLower(head) {
	case "method":
		return req.Method, true
	case "scheme":
		return req.Scheme, true
	case "host":
		return req.Host, true
	case "path":
		return req.Path, true
	case "url", "uri":
		return req.URL, true
	case "query":
		return req.Query, true
	case "header", "headers":
		if rest == "" || req.Header == nil {
			return nil, false
		}
		values := req.Header.Values(rest)
		if len(values) == 0 {
			return nil, false
		}
		return strings.Join(values, ", "), true
	case "cookie", "cookies":
		return foldLookup(req.Cookies, rest)
	case "param", "params":
		for key, values := range req.Params {
			if strings.EqualFold(key, rest) && len(values) > 0 {
				return values[0], true
			}
		}
		return nil, false
	}
	return nil, false
}

func (c *Context) lookupResponse(path string) (any, bool) {
	if !c.Responded() {
		return nil, false
	}
	head, rest, _ := strings.Cut(path, ".")
	switch strings.ToLower(head) {
	case "code", "status":
		return c.Response.Code, true
	case "header", "headers":
		if rest == "" || c.Response.Header == nil {
			return nil, false
		}
		values := c.Response.Header.Values(rest)
		if len(values) == 0 {
			return nil, false
		}
		return strings.Join(values, ", "), true
	}
	return nil, false
}

func foldLookup(m map[string]string, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func walk(root map[string]any, path string) (any, bool) {
	if root == nil {
		return nil, false
	}
	if path == "" {
		return root, true
	}
	return walkValue(root, path)
}

func walkValue(current any, path string) (any, bool) {
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		case []string:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Data renders the context as a plain map for templates and CEL activations.
func (c *Context) Data() map[string]any {
	headers := make(map[string]any, len(c.Request.Header))
	for name := range c.Request.Header {
		headers[strings.ToLower(name)] = c.Request.Header.Get(name)
	}
	cookies := make(map[string]any, len(c.Request.Cookies))
	for name, value := range c.Request.Cookies {
		cookies[name] = value
	}
	params := make(map[string]any, len(c.Request.Params))
	for name := range c.Request.Params {
		params[name] = c.Request.Params.Get(name)
	}
	response := map[string]any{}
	if c.Responded() {
		respHeaders := make(map[string]any, len(c.Response.Header))
		for name := range c.Response.Header {
			respHeaders[strings.ToLower(name)] = c.Response.Header.Get(name)
		}
		response["code"] = c.Response.Code
		response["header"] = respHeaders
	}
	constants := make(map[string]any, len(c.Constants))
	for k, v := range c.Constants {
		constants[k] = v
	}
	settings := map[string]any{}
	if c.Settings != nil {
		settings = maps.Clone(c.Settings)
	}
	content := map[string]any{}
	if c.Content != nil {
		content = maps.Clone(c.Content)
	}
	now := c.Now
	if now.IsZero() {
		now = time.Now()
	}

	data := map[string]any{
		"request": map[string]any{
			"method": c.Request.Method,
			"scheme": c.Request.Scheme,
			"host":   c.Request.Host,
			"path":   c.Request.Path,
			"url":    c.Request.URL,
			"query":  c.Request.Query,
			"header": headers,
			"cookie": cookies,
			"param":  params,
		},
		"response":  response,
		"constants": constants,
		"settings":  settings,
		"content":   content,
		"now":       now,
	}
	for _, key := range []string{"post", "query", "user", "flags"} {
		data[key] = asMap(content[key])
	}
	return data
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out
	}
	return map[string]any{}
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_\-]*)[.:]([A-Za-z0-9_\-.:]+)\}`)

// Resolve substitutes {category.field} and {category:field} tokens. Tokens
// that cannot be resolved are left verbatim.
func (c *Context) Resolve(value string) string {
	if !strings.Contains(value, "{") {
		return value
	}
	return placeholderPattern.ReplaceAllStringFunc(value, func(token string) string {
		parts := placeholderPattern.FindStringSubmatch(token)
		path := parts[1] + "." + strings.ReplaceAll(parts[2], ":", ".")
		resolved, ok := c.Lookup(path)
		if !ok || resolved == nil {
			return token
		}
		return Stringify(resolved)
	})
}

// Stringify renders scalar values the way tags and header values expect them.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case fmt.Stringer:
		return val.String()
	}
	return fmt.Sprint(v)
}

// Truthy mirrors loose boolean semantics: "", "0", "false", "no", "off", 0,
// nil and empty collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "0", "false", "no", "off":
			return false
		}
		return true
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case []string:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	return true
}
