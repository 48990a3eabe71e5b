package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, source string) Predicate {
	t.Helper()
	env, err := NewEnvironment()
	require.NoError(t, err)
	p, err := env.Compile(source)
	require.NoError(t, err)
	return p
}

func TestLookupReturnsNullForMissingKeys(t *testing.T) {
	vars := map[string]any{
		"request": map[string]any{
			"header": map[string]any{"x-device": "mobile"},
		},
	}

	ok, err := mustCompile(t, `lookup(request.header, "x-device") == "mobile"`).Match(vars)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mustCompile(t, `lookup(request.header, "missing") == null`).Match(vars)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLikeMatchesGlobs(t *testing.T) {
	p := mustCompile(t, `like(request.path, "/shop/*") && !like(request.path, "*/cart/*")`)

	ok, err := p.Match(map[string]any{"request": map[string]any{"path": "/shop/shoes"}})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.Match(map[string]any{"request": map[string]any{"path": "/shop/cart/"}})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileRejectsInvalidExpressions(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	for _, source := range []string{`"text"`, `unknown_var == 1`, "   ", `request.path ==`} {
		_, err := env.Compile(source)
		require.Error(t, err, source)
	}
}

func TestMatchBindsAbsentVariables(t *testing.T) {
	p := mustCompile(t, `response.code == 200 && !(user.logged_in == true)`)

	ok, err := p.Match(map[string]any{
		"response": map[string]any{"code": 200},
		"user":     map[string]any{"logged_in": false},
	})
	require.NoError(t, err)
	require.True(t, ok)

	// response is empty at bootstrap, so the field access errors.
	_, err = p.Match(nil)
	require.Error(t, err)
}

func TestMatchRejectsDynNonBool(t *testing.T) {
	p := mustCompile(t, `post.type`)
	_, err := p.Match(map[string]any{"post": map[string]any{"type": "product"}})
	require.Error(t, err)
}

func TestPredicateString(t *testing.T) {
	require.Equal(t, "true", mustCompile(t, "  true ").String())
	require.Contains(t, Activation(nil), "flags")
}
