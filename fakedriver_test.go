package stealthdp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/mailru/easyjson"
)

// fakeDriver is an in-process chromedriver. It records the session and
// DevTools commands it receives, in order.
type fakeDriver struct {
	t   *testing.T
	srv *httptest.Server

	requests atomic.Int32
	scripts  atomic.Int32

	// dropSessions is the number of session requests still to be aborted
	// before a response is written.
	dropSessions    atomic.Int32
	sessionAttempts atomic.Int32

	mu       sync.Mutex
	log      []string
	url      string
	failCDP  map[string]bool
	execute  func(script string) (interface{}, string)
	elements []string
	state    map[string]bool
	navHold  chan struct{}
	navStart chan struct{}

	wsmu  sync.Mutex
	wsout []chan []byte
}

func newFakeDriver(t *testing.T) *fakeDriver {
	t.Helper()
	d := &fakeDriver{
		t:       t,
		url:     "about:blank",
		failCDP: make(map[string]bool),
		state:   make(map[string]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		d.reply(w, map[string]interface{}{"ready": true, "message": "ready"})
	})
	mux.HandleFunc("POST /session", d.newSession)
	mux.HandleFunc("DELETE /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		d.record("delete session")
		d.reply(w, nil)
	})
	mux.HandleFunc("POST /session/{id}/url", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			URL string `json:"url"`
		}
		d.decode(r, &body)
		d.mu.Lock()
		hold, start := d.navHold, d.navStart
		d.navHold, d.navStart = nil, nil
		d.mu.Unlock()
		if hold != nil {
			close(start)
			<-hold
		}
		d.mu.Lock()
		d.url = body.URL
		d.mu.Unlock()
		d.record("navigate " + body.URL)
		d.reply(w, nil)
	})
	mux.HandleFunc("GET /session/{id}/url", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.reply(w, d.url)
	})
	mux.HandleFunc("GET /session/{id}/title", func(w http.ResponseWriter, r *http.Request) {
		d.reply(w, "Example Domain")
	})
	mux.HandleFunc("GET /session/{id}/source", func(w http.ResponseWriter, r *http.Request) {
		d.reply(w, "<html></html>")
	})
	mux.HandleFunc("POST /session/{id}/execute/sync", d.executeScript)
	mux.HandleFunc("POST /session/{id}/elements", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		v := make([]map[string]string, 0, len(d.elements))
		for _, e := range d.elements {
			v = append(v, map[string]string{"element-6066-11e4-a52e-4f735466cecf": e})
		}
		d.reply(w, v)
	})
	mux.HandleFunc("GET /session/{id}/element/{eid}/{state}", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.reply(w, d.state[r.PathValue("eid")+"/"+r.PathValue("state")])
	})
	mux.HandleFunc("POST /session/{id}/frame", func(w http.ResponseWriter, r *http.Request) {
		d.record("switch frame")
		d.reply(w, nil)
	})
	mux.HandleFunc("POST /session/{id}/frame/parent", func(w http.ResponseWriter, r *http.Request) {
		d.record("switch parent frame")
		d.reply(w, nil)
	})
	mux.HandleFunc("GET /session/{id}/window", func(w http.ResponseWriter, r *http.Request) {
		d.reply(w, "PAGE1")
	})
	mux.HandleFunc("POST /session/{id}/goog/cdp/execute", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Cmd string `json:"cmd"`
		}
		d.decode(r, &body)
		res, failed := d.cdp(body.Cmd)
		if failed {
			d.fail(w, http.StatusInternalServerError, "unknown error", body.Cmd+" rejected")
			return
		}
		d.reply(w, res)
	})
	mux.HandleFunc("GET /json/list", func(w http.ResponseWriter, r *http.Request) {
		host := strings.TrimPrefix(d.srv.URL, "http://")
		fmt.Fprintf(w, `[{"id":"PAGE1","type":"page","title":"","url":"about:blank","webSocketDebuggerUrl":"ws://%s/devtools/page/PAGE1"},{"id":"SW","type":"service_worker","url":"https://example.com/sw.js"}]`, host)
	})
	mux.HandleFunc("GET /devtools/page/{id}", d.devtools)

	d.srv = httptest.NewServer(countRequests(&d.requests, mux))
	t.Cleanup(d.srv.Close)
	return d
}

func countRequests(n *atomic.Int32, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		h.ServeHTTP(w, r)
	})
}

func (d *fakeDriver) newSession(w http.ResponseWriter, r *http.Request) {
	d.sessionAttempts.Add(1)
	if d.dropSessions.Add(-1) >= 0 {
		panic(http.ErrAbortHandler)
	}
	d.record("new session")
	d.reply(w, map[string]interface{}{
		"sessionId": "S1",
		"capabilities": map[string]interface{}{
			"browserName":    "chrome",
			"browserVersion": "121.0.6167.85",
			"goog:chromeOptions": map[string]interface{}{
				"debuggerAddress": strings.TrimPrefix(d.srv.URL, "http://"),
			},
		},
	})
}

func (d *fakeDriver) executeScript(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Script string `json:"script"`
	}
	d.decode(r, &body)
	d.record("execute")
	d.scripts.Add(1)

	d.mu.Lock()
	fn := d.execute
	d.mu.Unlock()
	if fn == nil {
		d.reply(w, true)
		return
	}
	v, code := fn(body.Script)
	if code != "" {
		d.fail(w, http.StatusInternalServerError, code, "script failed")
		return
	}
	d.reply(w, v)
}

// cdp handles a DevTools command, on either transport.
func (d *fakeDriver) cdp(method string) (interface{}, bool) {
	d.record("cdp " + method)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCDP[method] {
		return nil, true
	}
	if method == page.CommandAddScriptToEvaluateOnNewDocument {
		return map[string]string{"identifier": strconv.Itoa(d.countLocked("cdp " + method))}, false
	}
	return map[string]interface{}{}, false
}

// devtools serves a page target's websocket.
func (d *fakeDriver) devtools(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		d.t.Errorf("could not upgrade: %v", err)
		return
	}
	defer conn.Close()

	out := make(chan []byte, 16)
	d.wsmu.Lock()
	d.wsout = append(d.wsout, out)
	d.wsmu.Unlock()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case buf := <-out:
				if err := wsutil.WriteServerText(conn, buf); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		buf, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var msg cdproto.Message
		if err := easyjson.Unmarshal(buf, &msg); err != nil {
			d.t.Errorf("could not decode %s: %v", buf, err)
			return
		}
		res, failed := d.cdp(string(msg.Method))
		reply := map[string]interface{}{"id": msg.ID}
		if failed {
			reply["error"] = map[string]interface{}{"code": -32000, "message": string(msg.Method) + " rejected"}
		} else {
			reply["result"] = res
		}
		buf, _ = json.Marshal(reply)
		out <- buf
	}
}

// emit sends a DevTools event to every connected websocket client.
func (d *fakeDriver) emit(method string, params interface{}) {
	buf, _ := json.Marshal(map[string]interface{}{"method": method, "params": params})
	d.wsmu.Lock()
	defer d.wsmu.Unlock()
	for _, out := range d.wsout {
		out <- buf
	}
}

// onExecute sets the script handler. It returns the script result, or a
// W3C error code.
func (d *fakeDriver) onExecute(fn func(script string) (interface{}, string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execute = fn
}

// holdNavigation makes the next navigation request wait until release is
// called. started is closed once the request arrived.
func (d *fakeDriver) holdNavigation() (started <-chan struct{}, release func()) {
	hold, start := make(chan struct{}), make(chan struct{})
	d.mu.Lock()
	d.navHold, d.navStart = hold, start
	d.mu.Unlock()
	var once sync.Once
	return start, func() { once.Do(func() { close(hold) }) }
}

// reject makes the DevTools command method fail.
func (d *fakeDriver) reject(method string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failCDP[method] = true
}

func (d *fakeDriver) record(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, s)
}

// entries returns the recorded commands.
func (d *fakeDriver) entries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

// count returns how many times s was recorded.
func (d *fakeDriver) count(s string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.countLocked(s)
}

func (d *fakeDriver) countLocked(s string) int {
	n := 0
	for _, e := range d.log {
		if e == s {
			n++
		}
	}
	return n
}

func (d *fakeDriver) decode(r *http.Request, v interface{}) {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		d.t.Errorf("could not decode %s %s: %v", r.Method, r.URL.Path, err)
	}
}

func (d *fakeDriver) reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(map[string]interface{}{"value": v})
}

func (d *fakeDriver) fail(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"value": map[string]string{
		"error":   code,
		"message": message,
	}})
}

// quiet returns options discarding all logging.
func quiet(opts ...Option) []Option {
	nop := func(string, ...interface{}) {}
	return append([]Option{WithLogf(nop), WithErrorf(nop), WithDebugf(nop)}, opts...)
}
