package request

import (
	"net/http"
	"net/url"
	"strings"
)

// conditionalHeaders never reach the renderer; cached pages are always served
// whole.
var conditionalHeaders = []string{"If-None-Match", "If-Modified-Since"}

// Cleaner strips ignored parameters from the request before anything
// downstream reads it.
type Cleaner struct {
	parser *Parser
}

// NewCleaner returns a cleaner sharing the parser's ignore lists.
func NewCleaner(parser *Parser) *Cleaner {
	return &Cleaner{parser: parser}
}

// Clean mutates r in place: conditional headers are removed, the query string
// and request URI lose ignored keys, and parsed form values drop them too.
func (c *Cleaner) Clean(r *http.Request) {
	for _, name := range conditionalHeaders {
		r.Header.Del(name)
	}

	if r.URL != nil {
		r.URL.RawQuery = c.parser.FilterQuery(r.URL.RawQuery)
		r.URL.ForceQuery = false
	}
	if r.RequestURI != "" {
		path, _, _ := strings.Cut(r.RequestURI, "?")
		if r.URL != nil && r.URL.RawQuery != "" {
			r.RequestURI = path + "?" + r.URL.RawQuery
		} else {
			r.RequestURI = path
		}
	}

	c.cleanValues(r.Form)
	c.cleanValues(r.PostForm)
}

func (c *Cleaner) cleanValues(values url.Values) {
	for key := range values {
		if c.parser.ignoreKeys.Match(key) {
			delete(values, key)
		}
	}
}
