package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chromedp/stealthdp/config"
)

// testDriver is a minimal WebDriver endpoint serving sessions with stealth
// disabled.
type testDriver struct {
	srv *httptest.Server

	mu       sync.Mutex
	sessions int
	urls     map[string]string
}

func newTestDriver(t *testing.T) *testDriver {
	t.Helper()
	d := &testDriver{urls: make(map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]interface{}{"ready": true, "message": "ChromeDriver ready for new sessions."})
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.sessions++
		id := fmt.Sprintf("S%d", d.sessions)
		d.mu.Unlock()
		reply(w, map[string]interface{}{
			"sessionId":    id,
			"capabilities": map[string]interface{}{"browserVersion": "121.0.6167.85"},
		})
	})
	mux.HandleFunc("DELETE /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		reply(w, nil)
	})
	mux.HandleFunc("POST /session/{id}/url", func(w http.ResponseWriter, r *http.Request) {
		var v struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.urls[r.PathValue("id")] = v.URL
		d.mu.Unlock()
		reply(w, nil)
	})
	mux.HandleFunc("POST /session/{id}/execute/sync", func(w http.ResponseWriter, r *http.Request) {
		reply(w, true)
	})
	mux.HandleFunc("GET /session/{id}/title", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		u := d.urls[r.PathValue("id")]
		d.mu.Unlock()
		reply(w, "Title of "+u)
	})
	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

func reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"value": v})
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stealthdp.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{config.EnvDriverPath, config.EnvDriverURL, config.EnvChromePath, config.EnvLogLevel} {
		t.Setenv(k, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestRootCommandVersionFlag(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()
	Version = "v0.1.0-test"

	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0-test", strings.TrimSpace(out))
}

func TestRootCommandHelpListsSubcommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"open", "plan", "status"} {
		assert.Contains(t, out, name)
	}
}

func TestPlanCommand(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
[driver]
url = "http://127.0.0.1:9515"

[stealth]
timezone = "Europe/Paris"
`)
	out, err := execute(t, "--config", path, "plan", "--browser-version", "121.0.6167.85", "--platform", "Win32")
	require.NoError(t, err)
	assert.Contains(t, out, "Emulation.setLocaleOverride")
	assert.Contains(t, out, "Emulation.setTimezoneOverride")
	assert.Contains(t, out, "PageCreated")
	assert.Contains(t, out, "FrameAttached")
	assert.Contains(t, out, "bytes")
	assert.Less(t, strings.Index(out, "Emulation.setLocaleOverride"), strings.Index(out, "Emulation.setTimezoneOverride"))
}

func TestPlanCommandDisabled(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[driver]\nurl = \"http://127.0.0.1:9515\"\n\n[stealth]\nenabled = false\n")
	out, err := execute(t, "--config", path, "plan")
	require.NoError(t, err)
	assert.Contains(t, out, "empty plan")
}

func TestStatusCommandRemote(t *testing.T) {
	clearEnv(t)
	d := newTestDriver(t)
	t.Setenv(config.EnvDriverURL, d.srv.URL)

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "ready=true")
	assert.Contains(t, out, d.srv.URL)
}

func TestStatusCommandUnreachable(t *testing.T) {
	clearEnv(t)
	d := newTestDriver(t)
	t.Setenv(config.EnvDriverURL, d.srv.URL)
	d.srv.Close()

	_, err := execute(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver ")
}

func TestOpenCommand(t *testing.T) {
	clearEnv(t)
	d := newTestDriver(t)
	path := writeConfig(t, fmt.Sprintf("[driver]\nurl = %q\n\n[stealth]\nenabled = false\n", d.srv.URL))

	urls := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	args := append([]string{"--config", path, "--log-level", "error", "open", "-j", "2", "--wait", "domcontentloaded"}, urls...)
	out, err := execute(t, args...)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, len(urls))
	for i, u := range urls {
		assert.True(t, strings.HasPrefix(lines[i], u), "line %d: %q", i, lines[i])
		assert.Contains(t, lines[i], "Title of "+u)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, len(urls), d.sessions)
}

func TestOpenCommandBadFlags(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[driver]\nurl = \"http://127.0.0.1:9515\"\n")

	_, err := execute(t, "--config", path, "open", "--wait", "idle", "https://example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load state")

	_, err = execute(t, "--config", path, "open", "-j", "0", "https://example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jobs")

	_, err = execute(t, "--config", path, "open")
	require.Error(t, err)
}

func TestBadLogFormat(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[driver]\nurl = \"http://127.0.0.1:9515\"\n")
	_, err := execute(t, "--config", path, "--log-format", "xml", "plan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log format")
}
