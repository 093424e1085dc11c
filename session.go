package stealthdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chromedp/stealthdp/client"
)

// SessionState is the lifecycle state of a session. Closed is final.
type SessionState int

// SessionState values.
const (
	SessionOpen SessionState = iota
	SessionClosing
	SessionClosed
)

// String satisfies fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Session is a WebDriver session and its lazily created control channel.
//
// Commands may run concurrently with each other. Close waits for in-flight
// commands, and every command issued after Close fails with
// ErrSessionClosed without reaching the driver.
type Session struct {
	rw      sync.RWMutex
	state   SessionState
	channel ControlChannel

	wd   *client.Client
	info *client.SessionInfo
	mode ChannelMode
	opts *options
}

// OpenSession creates a new WebDriver session on the driver at endpoint.
func OpenSession(ctx context.Context, endpoint string, caps *client.Capabilities, mode ChannelMode, opts ...Option) (*Session, error) {
	o := newOptions(opts)
	wd := client.New(client.URL(endpoint), client.HTTPClient(o.httpClient))

	info, err := wd.NewSession(ctx, caps)
	if err != nil {
		return nil, &CommandError{Method: "NewSession", Err: err}
	}
	o.debugf("session %s opened on %s", info.ID, wd.URL())

	return &Session{
		wd:   wd,
		info: info,
		mode: mode,
		opts: o,
	}, nil
}

// ID returns the WebDriver session id.
func (s *Session) ID() string {
	return s.info.ID
}

// Capabilities returns the capabilities the driver granted.
func (s *Session) Capabilities() map[string]interface{} {
	return s.info.Capabilities
}

// BrowserVersion returns the browser version reported by the driver.
func (s *Session) BrowserVersion() string {
	return s.info.BrowserVersion()
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return s.state
}

// IsClosed reports whether Close was called.
func (s *Session) IsClosed() bool {
	return s.State() != SessionOpen
}

// do runs a command under shared access.
func (s *Session) do(ctx context.Context, method string, fn func(context.Context) error) error {
	s.rw.RLock()
	defer s.rw.RUnlock()

	if s.state != SessionOpen {
		s.opts.metrics.observeCommand(method, 0, ErrSessionClosed)
		return ErrSessionClosed
	}

	if s.opts.tracer != nil {
		var span trace.Span
		ctx, span = s.opts.tracer.Start(ctx, method, trace.WithAttributes(
			attribute.String("stealthdp.session", s.info.ID),
		))
		defer span.End()
		fn = recordSpan(span, fn)
	}

	start := time.Now()
	err := fn(ctx)
	s.opts.metrics.observeCommand(method, time.Since(start), err)
	if err != nil {
		s.opts.debugf("%s failed: %v", method, err)
		return &CommandError{Method: method, Err: err}
	}
	return nil
}

func recordSpan(span trace.Span, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

func (s *Session) sleep() {
	if s.opts.slowMo > 0 {
		time.Sleep(s.opts.slowMo)
	}
}

// ControlChannel returns the session's control channel, creating it on first
// use. Concurrent callers share one instance.
func (s *Session) ControlChannel(ctx context.Context) (ControlChannel, error) {
	s.rw.RLock()
	state, ch := s.state, s.channel
	s.rw.RUnlock()
	if state != SessionOpen {
		return nil, ErrSessionClosed
	}
	if ch != nil {
		return ch, nil
	}

	s.rw.Lock()
	defer s.rw.Unlock()
	if s.state != SessionOpen {
		return nil, ErrSessionClosed
	}
	if s.channel != nil {
		return s.channel, nil
	}

	inner, err := s.newChannel(ctx)
	if err != nil {
		return nil, &CommandError{Method: "ControlChannel", Err: err}
	}
	s.channel = &guardedChannel{s: s, inner: inner}
	s.opts.debugf("session %s: %s control channel created", s.info.ID, s.mode)
	return s.channel, nil
}

func (s *Session) newChannel(ctx context.Context) (ControlChannel, error) {
	if s.mode != ChannelDevTools {
		return &driverChannel{wd: s.wd, id: s.info.ID}, nil
	}

	addr := s.info.DebuggerAddress()
	if addr == "" {
		return nil, fmt.Errorf("%w: no debugger address", ErrNoPageTarget)
	}
	pages, err := s.wd.PageTargets(ctx, addr)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, ErrNoPageTarget
	}

	// chromedriver window handles are target ids
	target := pages[0]
	if handle, err := s.wd.WindowHandle(ctx, s.info.ID); err == nil {
		for _, t := range pages {
			if t.ID == handle {
				target = t
			}
		}
	}

	conn, err := DialContext(ctx, target.WebsocketURL, WithConnDebugf(s.opts.debugf))
	if err != nil {
		return nil, err
	}
	return newDevtoolsChannel(conn, s.opts.errf), nil
}

// Reconnect drops the cached control channel. The next ControlChannel call
// creates a new one.
func (s *Session) Reconnect(ctx context.Context) error {
	s.rw.Lock()
	defer s.rw.Unlock()
	if s.state != SessionOpen {
		return ErrSessionClosed
	}
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			s.opts.errf("could not close control channel: %v", err)
		}
		s.channel = nil
	}
	return nil
}

// Close ends the session. It waits for in-flight commands, drops the control
// channel and deletes the remote session. Only the first call has any
// effect; teardown errors are logged.
func (s *Session) Close(ctx context.Context) {
	s.rw.Lock()
	if s.state != SessionOpen {
		s.rw.Unlock()
		return
	}
	s.state = SessionClosing
	ch := s.channel
	s.channel = nil
	s.rw.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			s.opts.errf("could not close control channel: %v", err)
		}
	}
	if err := s.wd.DeleteSession(ctx, s.info.ID); err != nil {
		s.opts.errf("could not delete session %s: %v", s.info.ID, err)
	}

	s.rw.Lock()
	s.state = SessionClosed
	s.rw.Unlock()
	s.opts.debugf("session %s closed", s.info.ID)
}

// Navigate loads urlstr in the current top-level browsing context.
func (s *Session) Navigate(ctx context.Context, urlstr string) error {
	return s.do(ctx, "Navigate", func(ctx context.Context) error {
		s.sleep()
		return s.wd.Navigate(ctx, s.info.ID, urlstr)
	})
}

// CurrentURL returns the URL of the current top-level browsing context.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var v string
	err := s.do(ctx, "CurrentURL", func(ctx context.Context) (err error) {
		v, err = s.wd.CurrentURL(ctx, s.info.ID)
		return err
	})
	return v, err
}

// Title returns the document title of the current top-level browsing
// context.
func (s *Session) Title(ctx context.Context) (string, error) {
	var v string
	err := s.do(ctx, "Title", func(ctx context.Context) (err error) {
		v, err = s.wd.Title(ctx, s.info.ID)
		return err
	})
	return v, err
}

// PageSource returns the serialized DOM of the current browsing context.
func (s *Session) PageSource(ctx context.Context) (string, error) {
	var v string
	err := s.do(ctx, "PageSource", func(ctx context.Context) (err error) {
		v, err = s.wd.PageSource(ctx, s.info.ID)
		return err
	})
	return v, err
}

// ExecuteScript runs script as a function body in the current browsing
// context, decoding its return value into res (which may be nil).
func (s *Session) ExecuteScript(ctx context.Context, script string, args []interface{}, res interface{}) error {
	return s.do(ctx, "ExecuteScript", func(ctx context.Context) error {
		s.sleep()
		return s.wd.ExecuteScript(ctx, s.info.ID, script, args, res)
	})
}

// FindElements returns the element references matching a CSS selector.
func (s *Session) FindElements(ctx context.Context, selector string) ([]string, error) {
	var v []string
	err := s.do(ctx, "FindElements", func(ctx context.Context) (err error) {
		v, err = s.wd.FindElements(ctx, s.info.ID, selector)
		return err
	})
	return v, err
}

// ElementState reports a boolean state (client.StateDisplayed,
// client.StateEnabled or client.StateSelected) of an element reference.
func (s *Session) ElementState(ctx context.Context, elem, state string) (bool, error) {
	var v bool
	err := s.do(ctx, "ElementState", func(ctx context.Context) (err error) {
		v, err = s.wd.ElementState(ctx, s.info.ID, elem, state)
		return err
	})
	return v, err
}

// Cookies returns the cookies visible to the current document.
func (s *Session) Cookies(ctx context.Context) ([]client.Cookie, error) {
	var v []client.Cookie
	err := s.do(ctx, "Cookies", func(ctx context.Context) (err error) {
		v, err = s.wd.Cookies(ctx, s.info.ID)
		return err
	})
	return v, err
}

// AddCookie adds a cookie to the current document's cookie store.
func (s *Session) AddCookie(ctx context.Context, cookie client.Cookie) error {
	return s.do(ctx, "AddCookie", func(ctx context.Context) error {
		return s.wd.AddCookie(ctx, s.info.ID, cookie)
	})
}

// DeleteCookies deletes all cookies visible to the current document.
func (s *Session) DeleteCookies(ctx context.Context) error {
	return s.do(ctx, "DeleteCookies", func(ctx context.Context) error {
		return s.wd.DeleteCookies(ctx, s.info.ID)
	})
}

// SwitchToFrame switches the current browsing context to a child frame,
// selected by index (int) or element reference (string). A nil frame selects
// the top-level browsing context.
func (s *Session) SwitchToFrame(ctx context.Context, frame interface{}) error {
	return s.do(ctx, "SwitchToFrame", func(ctx context.Context) error {
		return s.wd.SwitchToFrame(ctx, s.info.ID, frame)
	})
}

// SwitchToParentFrame switches the current browsing context to its parent.
func (s *Session) SwitchToParentFrame(ctx context.Context) error {
	return s.do(ctx, "SwitchToParentFrame", func(ctx context.Context) error {
		return s.wd.SwitchToParentFrame(ctx, s.info.ID)
	})
}

// WindowHandle returns the handle of the current top-level browsing context.
func (s *Session) WindowHandle(ctx context.Context) (string, error) {
	var v string
	err := s.do(ctx, "WindowHandle", func(ctx context.Context) (err error) {
		v, err = s.wd.WindowHandle(ctx, s.info.ID)
		return err
	})
	return v, err
}
