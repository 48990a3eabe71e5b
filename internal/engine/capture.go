package engine

import (
	"bytes"
	"net/http"
)

// capture buffers a rendered response so the engine can inspect it before
// anything reaches the client.
type capture struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCapture() *capture {
	return &capture{header: make(http.Header)}
}

func (c *capture) Header() http.Header { return c.header }

func (c *capture) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *capture) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

// Flush is a no-op; the response is released in one piece.
func (c *capture) Flush() {}

func (c *capture) Status() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

// forward copies the buffered response to w, minus signal headers.
func (c *capture) forward(w http.ResponseWriter, r *http.Request) {
	dst := w.Header()
	for name, values := range c.header {
		if isEngineHeader(name) || http.CanonicalHeaderKey(name) == "Content-Length" {
			continue
		}
		dst[name] = values
	}
	w.WriteHeader(c.Status())
	if r.Method != http.MethodHead {
		_, _ = w.Write(c.body.Bytes())
	}
}
