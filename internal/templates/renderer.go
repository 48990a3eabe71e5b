package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// sandboxed lists the sprig helpers that could read the host filesystem or the
// full process environment.
var sandboxed = []string{"env", "expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"}

// Renderer compiles the Go templates embedded in rule values (tags, TTLs,
// context keys). Environment helpers only see the variables captured at
// construction time.
type Renderer struct {
	env   map[string]string
	funcs template.FuncMap
}

// Template is a compiled rule value. Safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer builds a renderer over sprig plus the cache helpers. env and
// expandenv resolve only allowedEnv.
func NewRenderer(allowedEnv []string) *Renderer {
	r := &Renderer{env: make(map[string]string, len(allowedEnv))}
	for _, key := range allowedEnv {
		key = strings.TrimSpace(key)
		if value, ok := os.LookupEnv(key); ok && key != "" {
			r.env[key] = value
		}
	}

	r.funcs = sprig.TxtFuncMap()
	for _, name := range sandboxed {
		delete(r.funcs, name)
	}
	r.funcs["env"] = func(key string) string { return r.env[key] }
	r.funcs["expandenv"] = func(s string) string {
		return os.Expand(s, func(key string) string { return r.env[key] })
	}
	r.funcs["tagsafe"] = TagSafe
	return r
}

// TagSafe lowercases s and replaces every rune that is not a letter, digit,
// or one of `:._-` with a dash, so template output is usable as a cache tag.
func TagSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ':' || r == '.' || r == '_' || r == '-':
			return r
		}
		return '-'
	}, strings.TrimSpace(s))
}

// IsTemplate reports whether source uses template actions.
func IsTemplate(source string) bool {
	return strings.Contains(source, "{{")
}

// CompileInline parses source. Blank sources yield a nil template and no
// error. Missing map keys render as the zero value.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if r == nil {
		return nil, errors.New("templates: nil renderer")
	}
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Render executes the template against data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name is the rule value the template was compiled for.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
