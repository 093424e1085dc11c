package stealthdp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/chromedp/stealthdp/client"
	"github.com/chromedp/stealthdp/runner"
)

// LaunchConfig describes a browser to launch.
type LaunchConfig struct {
	// Driver is the chromedriver to spawn or connect to.
	Driver runner.Config

	// Capabilities are the base session capabilities. Launch adds the
	// flags selected below to a copy.
	Capabilities client.Capabilities

	Headless bool

	// Sandbox keeps the browser sandbox on. By default it is disabled.
	Sandbox bool

	// Proxy is the proxy server (--proxy-server).
	Proxy string

	// DownloadsDir is the directory downloads are saved to.
	DownloadsDir string

	Stealth StealthProfile

	// Channel selects the control channel transport.
	Channel ChannelMode

	// ConnectTimeout bounds the session creation attempts against a remote
	// driver. Zero selects DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

const (
	// DefaultConnectTimeout is the default session creation budget against
	// a remote driver.
	DefaultConnectTimeout = 30 * time.Second

	// connectInterval is the delay between session creation attempts.
	connectInterval = 100 * time.Millisecond
)

// closeTimeout bounds the teardown requests of Browser.Close.
const closeTimeout = 10 * time.Second

// Browser is a launched browser: the driver process, its session and the
// injector applying the stealth profile to it.
type Browser struct {
	id       string
	proc     *runner.Process
	session  *Session
	injector *Injector
	opts     *options

	mu       sync.Mutex
	unlisten func()
	pages    []*Page

	// gen counts the devtools clients the session has had. A page's pending
	// registration is only valid on the client it was made on.
	gen int

	closeOnce sync.Once
	closed    chan struct{}
}

// Launch starts (or connects to) a driver, opens a session on it and applies
// the SessionCreated part of the stealth profile.
//
// Every failure after the driver is up shuts it down again. The browser is
// closed when ctx is done.
func Launch(ctx context.Context, cfg LaunchConfig, opts ...Option) (_ *Browser, err error) {
	o := newOptions(opts)
	defer func() {
		o.metrics.observeLaunch(err)
	}()

	runnerOpts := []runner.Option{
		runner.WithLogf(o.logf),
		runner.WithErrorf(o.errf),
	}
	if o.httpClient != nil {
		runnerOpts = append(runnerOpts, runner.WithHTTPClient(o.httpClient))
	}
	proc, err := runner.Launch(ctx, cfg.Driver, runnerOpts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			proc.Shutdown()
		}
	}()

	caps := buildCapabilities(cfg)
	session, err := openSession(ctx, proc, &caps, cfg, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			session.Close(context.Background())
		}
	}()

	plan, err := NewInjectionPlan(cfg.Stealth, PlanEnv{
		BrowserVersion: session.BrowserVersion(),
		Marker:         "__" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Channel:        cfg.Channel,
	})
	if err != nil {
		return nil, err
	}

	b := &Browser{
		id:       uuid.NewString(),
		proc:     proc,
		session:  session,
		injector: NewInjector(plan, opts...),
		opts:     o,
		closed:   make(chan struct{}),
	}
	if err := b.injector.Apply(ctx, session, SessionCreated); err != nil {
		return nil, err
	}
	if err := b.watchFrames(ctx); err != nil {
		return nil, err
	}
	o.logf("browser %s launched (session %s, %s channel)", b.id, session.ID(), cfg.Channel)

	go func() {
		select {
		case <-ctx.Done():
			b.Close(context.Background())
		case <-b.closed:
		}
	}()
	return b, nil
}

// openSession creates the session on proc. Against a remote driver, transport
// failures are retried until cfg.ConnectTimeout; a driver error response is
// final.
func openSession(ctx context.Context, proc *runner.Process, caps *client.Capabilities, cfg LaunchConfig, opts []Option) (*Session, error) {
	if !proc.Remote() {
		return OpenSession(ctx, proc.URL(), caps, cfg.Channel, opts...)
	}
	policy := RetryPolicy{
		Interval: connectInterval,
		Timeout:  cfg.ConnectTimeout,
		Err:      ErrProcessLaunchFailed,
	}
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultConnectTimeout
	}
	return WaitFor(ctx, "connect "+proc.URL(), policy, func(ctx context.Context) (*Session, error) {
		s, err := OpenSession(ctx, proc.URL(), caps, cfg.Channel, opts...)
		if err != nil && ctx.Err() == nil && isTransportError(err) {
			return nil, Transient(err)
		}
		return s, err
	})
}

// isTransportError reports whether err is a failure to reach the driver, as
// opposed to a response from it.
func isTransportError(err error) bool {
	var rerr *client.ResponseError
	return !errors.As(err, &rerr) && !errors.Is(err, client.ErrInvalidResponse)
}

// buildCapabilities copies cfg.Capabilities and adds the launch flags.
func buildCapabilities(cfg LaunchConfig) client.Capabilities {
	caps := cfg.Capabilities
	if caps.Chrome.Flags != nil {
		caps.Chrome.Flags = maps.Clone(caps.Chrome.Flags)
	}
	if caps.Chrome.Prefs != nil {
		caps.Chrome.Prefs = maps.Clone(caps.Chrome.Prefs)
	}
	caps.Chrome.Args = append([]string(nil), caps.Chrome.Args...)
	caps.Chrome.ExcludeSwitches = append([]string(nil), caps.Chrome.ExcludeSwitches...)

	chrome := &caps.Chrome
	if cfg.Headless {
		chrome.Flag("headless", "new")
		chrome.Flag("disable-gpu", true)
	}
	if !cfg.Sandbox {
		chrome.Flag("no-sandbox", true)
	}
	chrome.Flag("disable-dev-shm-usage", true)
	if cfg.Proxy != "" {
		chrome.Flag("proxy-server", cfg.Proxy)
	}
	if cfg.DownloadsDir != "" {
		if chrome.Prefs == nil {
			chrome.Prefs = make(map[string]interface{})
		}
		chrome.Prefs["download.default_directory"] = cfg.DownloadsDir
		chrome.Prefs["download.prompt_for_download"] = false
	}
	if s := cfg.Stealth; s.Enabled {
		chrome.Flag("disable-blink-features", "AutomationControlled")
		chrome.ExcludeSwitch("enable-automation")
		if s.Locale != "" {
			chrome.Flag("lang", s.Locale)
		}
	}
	return caps
}

// watchFrames applies FrameAttached on every frame attached to the page, when
// the session's channel carries events.
func (b *Browser) watchFrames(ctx context.Context) error {
	if b.session.mode != ChannelDevTools || b.injector.Plan().Empty() {
		return nil
	}
	ch, err := b.session.ControlChannel(ctx)
	if err != nil {
		return err
	}
	if err := page.Enable().Do(cdpContext(ctx, ch)); err != nil {
		return err
	}

	unlisten := ch.Listen(func(ev Event) {
		if ev.Method != cdproto.EventPageFrameAttached {
			return
		}
		var attached page.EventFrameAttached
		if err := ev.Decode(&attached); err != nil {
			b.opts.errf("could not decode %s: %v", ev.Method, err)
			return
		}
		b.opts.debugf("frame %s attached to %s", attached.FrameID, attached.ParentFrameID)
		if err := b.injector.Apply(context.Background(), b.session, FrameAttached); err != nil {
			b.opts.errf("frame %s: %v", attached.FrameID, err)
		}
	})

	b.mu.Lock()
	prev := b.unlisten
	b.unlisten = unlisten
	b.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

// ID returns the browser's launch id.
func (b *Browser) ID() string {
	return b.id
}

// Session returns the browser's session.
func (b *Browser) Session() *Session {
	return b.session
}

// Process returns the driver process.
func (b *Browser) Process() *runner.Process {
	return b.proc
}

// Plan returns the injection plan of the browser's stealth profile.
func (b *Browser) Plan() *InjectionPlan {
	return b.injector.Plan()
}

// NewPage creates a page on the browser's session and applies the
// PageCreated part of the stealth profile to it.
func (b *Browser) NewPage(ctx context.Context) (*Page, error) {
	if b.IsClosed() {
		return nil, ErrSessionClosed
	}
	p := &Page{
		id: uuid.NewString(),
		b:  b,
	}
	gen := b.generation()
	if err := b.injector.Apply(ctx, b.session, PageCreated); err != nil {
		return nil, err
	}
	// the PageCreated registration covers the first navigation
	p.arm(gen)

	b.mu.Lock()
	b.pages = append(b.pages, p)
	b.mu.Unlock()
	b.opts.debugf("page %s created", p.id)
	return p, nil
}

// Pages returns the open pages, in creation order.
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.pages)
}

// removePage drops p from the open pages.
func (b *Browser) removePage(p *Page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages = slices.DeleteFunc(b.pages, func(q *Page) bool { return q == p })
}

// generation returns the number of times the devtools client was replaced.
func (b *Browser) generation() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// Reconnect recreates the session's control channel. The driver channel
// keeps using chromedriver's DevTools client. A devtools channel is a new
// client, which holds neither the overrides nor the script registrations of
// the previous one: SessionCreated is applied again, the frame watch is
// restored, and every page registers the script again before its next
// navigation.
func (b *Browser) Reconnect(ctx context.Context) error {
	if err := b.session.Reconnect(ctx); err != nil {
		return err
	}
	if b.session.mode != ChannelDevTools {
		return nil
	}

	b.mu.Lock()
	b.gen++
	b.mu.Unlock()
	if err := b.injector.Apply(ctx, b.session, SessionCreated); err != nil {
		return err
	}
	return b.watchFrames(ctx)
}

// IsClosed reports whether Close was called.
func (b *Browser) IsClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return b.session.IsClosed()
	}
}

// Close closes the session and shuts the driver down. Only the first call
// has any effect; teardown errors are logged.
func (b *Browser) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		close(b.closed)

		b.mu.Lock()
		unlisten := b.unlisten
		b.unlisten = nil
		b.pages = nil
		b.mu.Unlock()
		if unlisten != nil {
			unlisten()
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		b.session.Close(ctx)
		b.proc.Shutdown()
		b.opts.logf("browser %s closed", b.id)
	})
}

// Run launches the browser described by cfg, passes it to fn, and closes it
// on every exit path of fn.
func Run(ctx context.Context, cfg LaunchConfig, fn func(*Browser) error, opts ...Option) error {
	b, err := Launch(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer b.Close(ctx)
	return fn(b)
}
