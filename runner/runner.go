// Package runner supervises a chromedriver process: it spawns the driver on
// a free local port, waits for it to report ready and terminates it exactly
// once.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chromedp/stealthdp/client"
)

// Error is a runner error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

// Error values.
const (
	// ErrLaunchFailed is returned when the driver cannot be spawned, or when
	// a remote driver endpoint is unreachable.
	ErrLaunchFailed Error = "driver launch failed"

	// ErrTimeout is returned when the driver does not report ready within
	// the health attempt budget, or exits before doing so.
	ErrTimeout Error = "driver readiness timeout"

	// ErrInvalidExecPath is the invalid exec-path error.
	ErrInvalidExecPath Error = "invalid exec-path"

	// errPortInUse is the internal error of a driver that could not bind its
	// port.
	errPortInUse Error = "port in use"
)

// Defaults.
const (
	DefaultHealthInterval = 100 * time.Millisecond
	DefaultHealthAttempts = 100
	DefaultPortRetries    = 3
	DefaultGracePeriod    = 3 * time.Second
)

// State is the lifecycle state of a driver process. States only move
// forward, and Terminated is final.
type State int32

// State values.
const (
	NotStarted State = iota
	Starting
	Ready
	Terminating
	Terminated
)

// String satisfies fmt.Stringer.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config describes the driver to launch or connect to.
type Config struct {
	// ExecPath is the chromedriver executable.
	ExecPath string

	// RemoteURL selects an already running driver. When set, nothing is
	// spawned.
	RemoteURL string

	// Port is the port to bind. Zero picks a free port.
	Port int

	// Args are extra driver arguments, after --port.
	Args []string

	// Env are extra environment variables (KEY=value) for the driver.
	Env []string

	HealthInterval time.Duration
	HealthAttempts int
	PortRetries    int
	GracePeriod    time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.HealthAttempts <= 0 {
		cfg.HealthAttempts = DefaultHealthAttempts
	}
	if cfg.PortRetries <= 0 {
		cfg.PortRetries = DefaultPortRetries
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return cfg
}

// Process is a supervised chromedriver process, or a remote driver endpoint.
type Process struct {
	cfg    Config
	remote bool
	url    string
	port   int

	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	output  *syncBuffer
	spawns  int

	state    atomic.Int32
	shutdown sync.Once

	httpClient *http.Client
	logf       func(string, ...interface{})
	errf       func(string, ...interface{})

	// terminate and kill are the graceful and forced stop signals.
	terminate func(*os.Process) error
	kill      func(*os.Process) error
}

// Option is a process option.
type Option func(*Process)

// WithLogf is a process option to specify a func to receive general logging.
func WithLogf(f func(string, ...interface{})) Option {
	return func(p *Process) {
		p.logf = f
	}
}

// WithErrorf is a process option to specify a func to receive error logging.
func WithErrorf(f func(string, ...interface{})) Option {
	return func(p *Process) {
		p.errf = f
	}
}

// WithLogger is a process option to route logging to l.
func WithLogger(l *log.Logger) Option {
	return func(p *Process) {
		p.logf, p.errf = l.Infof, l.Errorf
	}
}

// WithHTTPClient is a process option to specify the HTTP client of the
// health probes.
func WithHTTPClient(cl *http.Client) Option {
	return func(p *Process) {
		p.httpClient = cl
	}
}

func newProcess(cfg Config, opts []Option) *Process {
	p := &Process{
		cfg:        cfg.withDefaults(),
		output:     new(syncBuffer),
		httpClient: http.DefaultClient,
		logf:       log.Infof,
		errf:       log.Errorf,
		terminate:  terminate,
		kill:       (*os.Process).Kill,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Launch starts the driver described by cfg and waits until it reports
// ready.
//
// With cfg.RemoteURL set, nothing is spawned: the endpoint is probed once and
// an unreachable endpoint fails with ErrLaunchFailed. Otherwise a missing or
// non-executable cfg.ExecPath fails with ErrLaunchFailed without retrying, a
// driver that does not report ready within the attempt budget (or exits
// first) fails with ErrTimeout, and a driver that cannot bind its port is
// respawned on another one.
//
// The process is shut down when ctx is done.
func Launch(ctx context.Context, cfg Config, opts ...Option) (*Process, error) {
	p := newProcess(cfg, opts)

	if p.cfg.RemoteURL != "" {
		if err := p.connect(ctx); err != nil {
			return nil, err
		}
		return p, nil
	}

	if p.cfg.ExecPath == "" {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, ErrInvalidExecPath)
	}
	execPath, err := exec.LookPath(p.cfg.ExecPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	p.setState(Starting)
	port := p.cfg.Port
	for attempt := 0; ; attempt++ {
		if port == 0 || attempt > 0 {
			if port, err = freePort(); err != nil {
				p.setState(Terminated)
				return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
			}
		}
		err = p.start(ctx, execPath, port)
		if err == nil {
			break
		}
		if errors.Is(err, errPortInUse) && attempt < p.cfg.PortRetries {
			p.logf("driver could not bind port %d, retrying", port)
			continue
		}
		p.setState(Terminated)
		return nil, err
	}
	p.setState(Ready)

	go func() {
		select {
		case <-ctx.Done():
			p.Shutdown()
		case <-p.done:
		}
	}()

	return p, nil
}

// connect probes a remote driver once.
func (p *Process) connect(ctx context.Context) error {
	p.remote = true
	p.url = client.ForceIP(p.cfg.RemoteURL)
	p.setState(Starting)

	cl := client.New(client.URL(p.url), client.HTTPClient(p.httpClient))
	if _, err := cl.Status(ctx); err != nil {
		p.setState(Terminated)
		return fmt.Errorf("%w: remote endpoint %s unreachable: %v", ErrLaunchFailed, p.cfg.RemoteURL, err)
	}
	p.setState(Ready)
	return nil
}

var portInUseRE = regexp.MustCompile(`(?i)address already in use|bind\(\) failed|port not available`)

// start spawns the driver on port and polls its health.
func (p *Process) start(ctx context.Context, execPath string, port int) error {
	cmd := exec.Command(execPath, append([]string{fmt.Sprintf("--port=%d", port)}, p.cfg.Args...)...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	p.output.Reset()
	cmd.Stdout, cmd.Stderr = p.output, p.output
	allocateCmdOptions(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	p.spawns++

	done := make(chan struct{})
	go func() {
		p.waitErr = cmd.Wait()
		close(done)
	}()

	urlstr := fmt.Sprintf("http://127.0.0.1:%d", port)
	cl := client.New(client.URL(urlstr), client.HTTPClient(p.httpClient))

	stop := func() {
		if err := p.kill(cmd.Process); err != nil {
			p.errf("could not kill driver: %v", err)
		}
		<-done
	}

	for i := 0; i < p.cfg.HealthAttempts; i++ {
		select {
		case <-done:
			if portInUseRE.Match(p.output.Bytes()) {
				return errPortInUse
			}
			return fmt.Errorf("%w: driver exited: %v", ErrTimeout, p.waitErr)
		default:
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		st, err := cl.Status(reqCtx)
		cancel()
		if err == nil && st.Ready {
			p.cmd, p.done, p.port, p.url = cmd, done, port, urlstr
			return nil
		}

		timer := time.NewTimer(p.cfg.HealthInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			stop()
			return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-done:
			timer.Stop()
		case <-timer.C:
		}
	}

	stop()
	return fmt.Errorf("%w: not ready after %d attempts", ErrTimeout, p.cfg.HealthAttempts)
}

// Shutdown stops the driver: a graceful signal first, then a kill once the
// grace period has elapsed. Only the first call has any effect. Errors are
// logged, not returned.
func (p *Process) Shutdown() {
	p.shutdown.Do(func() {
		if p.remote || p.cmd == nil {
			p.setState(Terminated)
			return
		}
		p.setState(Terminating)
		defer p.setState(Terminated)

		select {
		case <-p.done:
			return
		default:
		}

		if err := p.terminate(p.cmd.Process); err != nil {
			p.errf("could not signal driver: %v", err)
		}
		timer := time.NewTimer(p.cfg.GracePeriod)
		defer timer.Stop()
		select {
		case <-p.done:
			return
		case <-timer.C:
		}

		p.logf("driver did not exit within %v, killing", p.cfg.GracePeriod)
		if err := p.kill(p.cmd.Process); err != nil {
			p.errf("could not kill driver: %v", err)
		}
		<-p.done
	})
}

// setState advances the state. Moving backwards is a no-op.
func (p *Process) setState(s State) bool {
	for {
		cur := p.state.Load()
		if int32(s) <= cur {
			return false
		}
		if p.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// URL returns the driver endpoint.
func (p *Process) URL() string {
	return p.url
}

// Port returns the bound port, or zero for a remote driver.
func (p *Process) Port() int {
	return p.port
}

// Pid returns the driver process id, or zero for a remote driver.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Remote reports whether the process is a remote endpoint.
func (p *Process) Remote() bool {
	return p.remote
}

// Done returns a channel closed when the spawned driver exits. It is nil for
// a remote driver.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Output returns what the driver wrote to stdout and stderr.
func (p *Process) Output() string {
	return p.output.String()
}

// Run launches the driver described by cfg, passes it to fn, and shuts it down
// on every exit path of fn.
func Run(ctx context.Context, cfg Config, fn func(*Process) error, opts ...Option) error {
	p, err := Launch(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer p.Shutdown()
	return fn(p)
}

// LookDriver returns the first of DefaultDriverNames found in $PATH, or the
// empty string.
func LookDriver() string {
	for _, name := range DefaultDriverNames {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// freePort returns a local TCP port that was free a moment ago.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a child's
// stdout and stderr.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *syncBuffer) String() string {
	return string(b.Bytes())
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}
