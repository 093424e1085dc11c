// Package client provides the low level W3C WebDriver client used to talk to
// chromedriver, including its DevTools passthrough and the DevTools HTTP
// discovery endpoints of the browser it drives.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/mailru/easyjson"
)

const (
	// DefaultEndpoint is the default chromedriver endpoint.
	DefaultEndpoint = "http://localhost:9515"

	// ElementKey is the W3C web element reference key.
	ElementKey = "element-6066-11e4-a52e-4f735466cecf"
)

// Error is a client error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

// Error values.
const (
	// ErrInvalidResponse is the invalid response error.
	ErrInvalidResponse Error = "invalid response"

	// ErrNoSessionID is the error returned when a new session response
	// carries no session id.
	ErrNoSessionID Error = "no session id"
)

// ResponseError is a W3C WebDriver error response.
type ResponseError struct {
	Status     int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

// Error satisfies the error interface.
func (err *ResponseError) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("webdriver: %s (%d)", err.Code, err.Status)
	}
	return fmt.Sprintf("webdriver: %s: %s", err.Code, err.Message)
}

// W3C error codes checked by callers.
const (
	CodeJavascriptError  = "javascript error"
	CodeInvalidSessionID = "invalid session id"
	CodeNoSuchFrame      = "no such frame"
	CodeNoSuchElement    = "no such element"
	CodeStaleElement     = "stale element reference"
)

// IsCode reports whether err is a ResponseError with the given code.
func IsCode(err error, code string) bool {
	var re *ResponseError
	return errors.As(err, &re) && re.Code == code
}

// Client is a W3C WebDriver client.
type Client struct {
	url string
	cl  *http.Client
}

// New creates a new WebDriver client.
func New(opts ...Option) *Client {
	c := &Client{
		url: DefaultEndpoint,
		cl:  http.DefaultClient,
	}

	// apply opts
	for _, o := range opts {
		o(c)
	}

	return c
}

// URL returns the endpoint the client talks to.
func (c *Client) URL() string {
	return c.url
}

// doReq executes a request, decoding the "value" member of the response into
// v.
func (c *Client) doReq(ctx context.Context, method, path string, body, v interface{}) error {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(buf)
	}

	// create request
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	// execute
	res, err := c.cl.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	// load body
	buf, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if len(bytes.TrimSpace(buf)) != 0 {
		if err := json.Unmarshal(buf, &envelope); err != nil {
			if res.StatusCode >= http.StatusBadRequest {
				return &ResponseError{Status: res.StatusCode, Code: "unknown error", Message: strings.TrimSpace(string(buf))}
			}
			return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	}

	if res.StatusCode >= http.StatusBadRequest {
		e := &ResponseError{Status: res.StatusCode}
		if len(envelope.Value) != 0 {
			_ = json.Unmarshal(envelope.Value, e)
		}
		if e.Code == "" {
			e.Code = "unknown error"
		}
		return e
	}

	if v == nil || len(envelope.Value) == 0 {
		return nil
	}

	// unmarshal
	switch z := v.(type) {
	case *json.RawMessage:
		*z = append((*z)[:0], envelope.Value...)
		return nil
	case easyjson.Unmarshaler:
		return easyjson.Unmarshal(envelope.Value, z)
	}
	return json.Unmarshal(envelope.Value, v)
}

// StatusInfo is the value of the /status endpoint.
type StatusInfo struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message"`
}

// Status queries the driver readiness.
func (c *Client) Status(ctx context.Context) (*StatusInfo, error) {
	v := new(StatusInfo)
	if err := c.doReq(ctx, http.MethodGet, "/status", nil, v); err != nil {
		return nil, err
	}
	return v, nil
}

// SessionInfo is the result of a new session request.
type SessionInfo struct {
	ID           string                 `json:"sessionId"`
	Capabilities map[string]interface{} `json:"capabilities"`
}

// BrowserVersion returns the browser version reported by the driver, if
// any.
func (s *SessionInfo) BrowserVersion() string {
	v, _ := s.Capabilities["browserVersion"].(string)
	return v
}

// DebuggerAddress returns the host:port of the browser's DevTools endpoint,
// as reported by chromedriver.
func (s *SessionInfo) DebuggerAddress() string {
	m, _ := s.Capabilities[ChromeOptionsKey].(map[string]interface{})
	v, _ := m["debuggerAddress"].(string)
	return v
}

// NewSession creates a new session with the given capabilities.
func (c *Client) NewSession(ctx context.Context, caps *Capabilities) (*SessionInfo, error) {
	body := map[string]interface{}{
		"capabilities": map[string]interface{}{
			"alwaysMatch": caps,
		},
	}
	v := new(SessionInfo)
	if err := c.doReq(ctx, http.MethodPost, "/session", body, v); err != nil {
		return nil, err
	}
	if v.ID == "" {
		return nil, ErrNoSessionID
	}
	return v, nil
}

// DeleteSession ends the session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.doReq(ctx, http.MethodDelete, "/session/"+id, nil, nil)
}

// Navigate loads urlstr in the session's current top-level browsing context.
func (c *Client) Navigate(ctx context.Context, id, urlstr string) error {
	return c.doReq(ctx, http.MethodPost, "/session/"+id+"/url", map[string]string{"url": urlstr}, nil)
}

// CurrentURL returns the URL of the current top-level browsing context.
func (c *Client) CurrentURL(ctx context.Context, id string) (string, error) {
	var s string
	err := c.doReq(ctx, http.MethodGet, "/session/"+id+"/url", nil, &s)
	return s, err
}

// Title returns the document title of the current top-level browsing
// context.
func (c *Client) Title(ctx context.Context, id string) (string, error) {
	var s string
	err := c.doReq(ctx, http.MethodGet, "/session/"+id+"/title", nil, &s)
	return s, err
}

// PageSource returns the serialized DOM of the current browsing context.
func (c *Client) PageSource(ctx context.Context, id string) (string, error) {
	var s string
	err := c.doReq(ctx, http.MethodGet, "/session/"+id+"/source", nil, &s)
	return s, err
}

// ExecuteScript runs script synchronously in the current browsing context,
// decoding its return value into res (which may be nil).
func (c *Client) ExecuteScript(ctx context.Context, id, script string, args []interface{}, res interface{}) error {
	if args == nil {
		args = []interface{}{}
	}
	body := map[string]interface{}{
		"script": script,
		"args":   args,
	}
	return c.doReq(ctx, http.MethodPost, "/session/"+id+"/execute/sync", body, res)
}

// FindElements returns the element references matching a CSS selector in
// the current browsing context.
func (c *Client) FindElements(ctx context.Context, id, selector string) ([]string, error) {
	body := map[string]string{
		"using": "css selector",
		"value": selector,
	}
	var v []map[string]string
	if err := c.doReq(ctx, http.MethodPost, "/session/"+id+"/elements", body, &v); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(v))
	for _, m := range v {
		if e, ok := m[ElementKey]; ok {
			ids = append(ids, e)
		}
	}
	return ids, nil
}

// Element states queryable with ElementState.
const (
	StateDisplayed = "displayed"
	StateEnabled   = "enabled"
	StateSelected  = "selected"
)

// ElementState reports a boolean state of an element reference.
func (c *Client) ElementState(ctx context.Context, id, elem, state string) (bool, error) {
	var v bool
	err := c.doReq(ctx, http.MethodGet, "/session/"+id+"/element/"+elem+"/"+state, nil, &v)
	return v, err
}

// Cookie is a W3C WebDriver cookie.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	Expiry   int64  `json:"expiry,omitempty"`
	SameSite string `json:"sameSite,omitempty"`
}

// Cookies returns the cookies visible to the current document.
func (c *Client) Cookies(ctx context.Context, id string) ([]Cookie, error) {
	var v []Cookie
	if err := c.doReq(ctx, http.MethodGet, "/session/"+id+"/cookie", nil, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// AddCookie adds a cookie to the current document's cookie store.
func (c *Client) AddCookie(ctx context.Context, id string, cookie Cookie) error {
	return c.doReq(ctx, http.MethodPost, "/session/"+id+"/cookie", map[string]interface{}{"cookie": cookie}, nil)
}

// DeleteCookies deletes all cookies visible to the current document.
func (c *Client) DeleteCookies(ctx context.Context, id string) error {
	return c.doReq(ctx, http.MethodDelete, "/session/"+id+"/cookie", nil, nil)
}

// SwitchToFrame switches the current browsing context to a child frame. A
// nil frame selects the top-level browsing context; an int selects a frame
// by index; a string is taken as an element reference.
func (c *Client) SwitchToFrame(ctx context.Context, id string, frame interface{}) error {
	if e, ok := frame.(string); ok {
		frame = map[string]string{ElementKey: e}
	}
	return c.doReq(ctx, http.MethodPost, "/session/"+id+"/frame", map[string]interface{}{"id": frame}, nil)
}

// SwitchToParentFrame switches the current browsing context to its parent.
func (c *Client) SwitchToParentFrame(ctx context.Context, id string) error {
	return c.doReq(ctx, http.MethodPost, "/session/"+id+"/frame/parent", struct{}{}, nil)
}

// WindowHandle returns the handle of the current top-level browsing context.
func (c *Client) WindowHandle(ctx context.Context, id string) (string, error) {
	var s string
	err := c.doReq(ctx, http.MethodGet, "/session/"+id+"/window", nil, &s)
	return s, err
}

// ExecuteCDP sends a DevTools protocol command through chromedriver's
// passthrough endpoint.
func (c *Client) ExecuteCDP(ctx context.Context, id, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	p := json.RawMessage("{}")
	if params != nil {
		buf, err := easyjson.Marshal(params)
		if err != nil {
			return err
		}
		p = buf
	}
	body := map[string]interface{}{
		"cmd":    method,
		"params": p,
	}
	var v interface{}
	if res != nil {
		v = res
	}
	return c.doReq(ctx, http.MethodPost, "/session/"+id+"/goog/cdp/execute", body, v)
}

// Option is a WebDriver client option.
type Option func(*Client)

// URL is a client option to specify the WebDriver endpoint to connect to.
func URL(urlstr string) Option {
	return func(c *Client) {
		c.url = strings.TrimSuffix(ForceIP(urlstr), "/")
	}
}

// HTTPClient is a client option to specify the HTTP client to use.
func HTTPClient(cl *http.Client) Option {
	return func(c *Client) {
		if cl != nil {
			c.cl = cl
		}
	}
}

// ForceIP forces the host component in urlstr to be an IP address.
//
// Since Chrome 66+, DevTools clients connecting to a browser must send the
// "Host:" header as either an IP address, or "localhost".
func ForceIP(urlstr string) string {
	if i := strings.Index(urlstr, "://"); i != -1 {
		scheme := urlstr[:i+3]
		host, port, path := urlstr[len(scheme):], "", ""
		if i := strings.Index(host, "/"); i != -1 {
			host, path = host[:i], host[i:]
		}
		if strings.HasPrefix(host, "[") {
			return urlstr
		}
		if i := strings.Index(host, ":"); i != -1 {
			host, port = host[:i], host[i:]
		}
		if addr, err := net.ResolveIPAddr("ip4", host); err == nil {
			urlstr = scheme + addr.IP.String() + port + path
		}
	}
	return urlstr
}
