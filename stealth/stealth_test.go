package stealth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptSections(t *testing.T) {
	t.Parallel()

	base := Options{Marker: "__m1", Languages: []string{"fr-FR", "fr"}, Platform: "Win32"}

	s, err := Script(base)
	require.NoError(t, err)
	assert.Contains(t, s, `const marker = Symbol.for("__m1");`)
	assert.NotContains(t, s, `defineProperty(window, "__m1"`)
	assert.NotContains(t, s, `window["__m1"]`)
	assert.Contains(t, s, `'webdriver', false`)
	assert.Contains(t, s, `Object.freeze(["fr-FR","fr"])`)
	assert.Contains(t, s, `'platform', "Win32"`)
	assert.NotContains(t, s, "37445")
	assert.NotContains(t, s, "toDataURL")
	assert.NotContains(t, s, "permissions.query")

	full := base
	full.WebGL, full.CanvasNoise, full.Permissions = true, true, true
	s, err = Script(full)
	require.NoError(t, err)
	assert.Contains(t, s, DefaultWebGLVendor)
	assert.Contains(t, s, DefaultWebGLRenderer)
	assert.Contains(t, s, "toDataURL")
	assert.Contains(t, s, "permissions.query")
}

func TestScriptToggleIndependence(t *testing.T) {
	t.Parallel()

	webgl, err := Script(Options{Marker: "m", WebGL: true})
	require.NoError(t, err)
	both, err := Script(Options{Marker: "m", WebGL: true, CanvasNoise: true})
	require.NoError(t, err)

	assert.Equal(t, strings.Count(webgl, "37445"), strings.Count(both, "37445"))
	assert.NotContains(t, webgl, "toDataURL")
	assert.Contains(t, both, "toDataURL")
}

func TestScriptEscapesValues(t *testing.T) {
	t.Parallel()

	s, err := Script(Options{Marker: `</script>"`, UserAgent: `a"b`})
	require.NoError(t, err)
	assert.NotContains(t, s, `</script>`)
	assert.Contains(t, s, `"a\"b"`)
}

func TestInstalled(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `return window[Symbol.for("__m1")] === true;`, Installed("__m1"))
}

func TestScriptMarkerNotEnumerable(t *testing.T) {
	t.Parallel()

	s, err := Script(Options{Marker: "__hidden", Languages: []string{"en-US"}})
	require.NoError(t, err)

	// the marker name only ever appears as a symbol key
	assert.Equal(t, 1, strings.Count(s, `"__hidden"`))
	assert.Contains(t, s, `Symbol.for("__hidden")`)
	assert.Contains(t, s, "enumerable: false")
	assert.NotContains(t, s, "window.__hidden")
}

func TestHeaders(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Win32", Platform("windows"))
	assert.Equal(t, "MacIntel", Platform("darwin"))
	assert.Equal(t, "Linux x86_64", Platform("linux"))

	ua := UserAgent("Win32", "121.0.6167.85")
	assert.Equal(t, "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.6167.85 Safari/537.36", ua)
	assert.NotContains(t, UserAgent("Linux x86_64", ""), "Headless")
	assert.Contains(t, UserAgent("MacIntel", ""), "Chrome/"+DefaultBrowserVersion)

	assert.Equal(t, `"Not_A Brand";v="8", "Chromium";v="121", "Google Chrome";v="121"`, SecCHUA("121.0.6167.85"))
	assert.Equal(t, `"macOS"`, SecCHUAPlatform("MacIntel"))
	assert.Equal(t, "120", MajorVersion(""))

	assert.Equal(t, "en-US,en;q=0.9", AcceptLanguage("en-US"))
	assert.Equal(t, "de", AcceptLanguage("de"))
	assert.Equal(t, []string{"pt_BR", "pt"}, Languages("pt_BR"))
}
