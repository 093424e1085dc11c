//go:build !windows

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

const fakeDriverEnv = "STEALTHDP_FAKE_DRIVER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeDriverEnv); mode != "" {
		os.Exit(fakeDriver(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

// fakeDriver is a chromedriver stand-in run by re-executing the test binary.
func fakeDriver(mode string, args []string) int {
	var port string
	for _, a := range args {
		if strings.HasPrefix(a, "--port=") {
			port = strings.TrimPrefix(a, "--port=")
		}
	}

	switch mode {
	case "crash":
		fmt.Fprintln(os.Stderr, "unable to discover open pages")
		return 1
	case "collide":
		marker := os.Getenv("STEALTHDP_FAKE_MARKER")
		if _, err := os.Stat(marker); err != nil {
			os.WriteFile(marker, nil, 0o644)
			fmt.Fprintln(os.Stderr, "[SEVERE]: bind() failed: Address already in use (98)")
			return 1
		}
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
	}

	l, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("Starting ChromeDriver on port %s\n", port)

	ready := mode != "never-ready"
	http.Serve(l, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"value":{"ready":%t,"message":"fake"}}`, ready)
	}))
	return 0
}

func fakeConfig(t *testing.T, mode string) Config {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	return Config{
		ExecPath:       exe,
		Env:            []string{fakeDriverEnv + "=" + mode},
		HealthInterval: 20 * time.Millisecond,
		HealthAttempts: 250,
		GracePeriod:    time.Second,
	}
}

func countSignals(p *Process) *atomic.Int32 {
	n := new(atomic.Int32)
	term := p.terminate
	p.terminate = func(proc *os.Process) error {
		n.Add(1)
		return term(proc)
	}
	return n
}

func TestLaunchShutdown(t *testing.T) {
	t.Parallel()

	p, err := Launch(context.Background(), fakeConfig(t, "normal"))
	if err != nil {
		t.Fatal(err)
	}
	if s := p.State(); s != Ready {
		t.Fatalf("want state %v, got %v", Ready, s)
	}
	if p.Pid() == 0 || p.Port() == 0 || p.Remote() {
		t.Fatalf("unexpected process pid=%d port=%d remote=%t", p.Pid(), p.Port(), p.Remote())
	}
	if !strings.Contains(p.URL(), fmt.Sprint(p.Port())) {
		t.Errorf("url %q does not carry port %d", p.URL(), p.Port())
	}

	signals := countSignals(p)
	p.Shutdown()
	p.Shutdown()

	if n := signals.Load(); n != 1 {
		t.Errorf("want exactly one signal, got %d", n)
	}
	if s := p.State(); s != Terminated {
		t.Errorf("want state %v, got %v", Terminated, s)
	}
	select {
	case <-p.Done():
	default:
		t.Error("process still running after shutdown")
	}
}

func TestLaunchMissingExecutable(t *testing.T) {
	t.Parallel()

	start := time.Now()
	_, err := Launch(context.Background(), Config{ExecPath: filepath.Join(t.TempDir(), "chromedriver")})
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("want ErrLaunchFailed, got %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("launch failure took %v, want immediate", d)
	}

	_, err = Launch(context.Background(), Config{})
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("want ErrLaunchFailed for empty exec path, got %v", err)
	}
}

func TestLaunchNotExecutable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chromedriver")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Launch(context.Background(), Config{ExecPath: path})
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("want ErrLaunchFailed, got %v", err)
	}
}

func TestLaunchCrash(t *testing.T) {
	t.Parallel()

	_, err := Launch(context.Background(), fakeConfig(t, "crash"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestLaunchNeverReady(t *testing.T) {
	t.Parallel()

	cfg := fakeConfig(t, "never-ready")
	cfg.HealthAttempts = 10
	_, err := Launch(context.Background(), cfg)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestLaunchPortCollision(t *testing.T) {
	t.Parallel()

	cfg := fakeConfig(t, "collide")
	cfg.Env = append(cfg.Env, "STEALTHDP_FAKE_MARKER="+filepath.Join(t.TempDir(), "marker"))
	p, err := Launch(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	if p.spawns != 2 {
		t.Errorf("want 2 spawns, got %d", p.spawns)
	}
}

func TestShutdownEscalates(t *testing.T) {
	t.Parallel()

	cfg := fakeConfig(t, "ignore-term")
	cfg.GracePeriod = 200 * time.Millisecond
	p, err := Launch(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	var kills atomic.Int32
	kill := p.kill
	p.kill = func(proc *os.Process) error {
		kills.Add(1)
		return kill(proc)
	}

	start := time.Now()
	p.Shutdown()
	if d := time.Since(start); d < cfg.GracePeriod {
		t.Errorf("shutdown took %v, want at least the grace period", d)
	}
	if n := kills.Load(); n != 1 {
		t.Errorf("want one kill, got %d", n)
	}
	if s := p.State(); s != Terminated {
		t.Errorf("want state %v, got %v", Terminated, s)
	}
}

func TestLaunchContextDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p, err := Launch(ctx, fakeConfig(t, "normal"))
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not shut down after context cancel")
	}
}

func TestLaunchRemote(t *testing.T) {
	t.Parallel()

	var probes atomic.Int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			probes.Add(1)
		}
		io.WriteString(w, `{"value":{"ready":true,"message":"remote"}}`)
	}))
	defer s.Close()

	p, err := Launch(context.Background(), Config{RemoteURL: s.URL})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Remote() || p.Pid() != 0 || p.Done() != nil {
		t.Errorf("remote process spawned something: pid=%d", p.Pid())
	}
	if n := probes.Load(); n != 1 {
		t.Errorf("want one probe, got %d", n)
	}
	p.Shutdown()
	if s := p.State(); s != Terminated {
		t.Errorf("want state %v, got %v", Terminated, s)
	}
}

func TestLaunchRemoteUnreachable(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.NotFoundHandler())
	urlstr := s.URL
	s.Close()

	_, err := Launch(context.Background(), Config{RemoteURL: urlstr})
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("want ErrLaunchFailed, got %v", err)
	}
}

func TestRunShutsDownOnPanic(t *testing.T) {
	t.Parallel()

	var p *Process
	func() {
		defer func() {
			if recover() == nil {
				t.Error("want panic")
			}
		}()
		Run(context.Background(), fakeConfig(t, "normal"), func(proc *Process) error {
			p = proc
			panic("boom")
		})
	}()

	if p == nil {
		t.Fatal("fn not called")
	}
	if s := p.State(); s != Terminated {
		t.Errorf("want state %v, got %v", Terminated, s)
	}
}

func TestStateForwardOnly(t *testing.T) {
	t.Parallel()

	p := newProcess(Config{}, nil)
	if !p.setState(Ready) {
		t.Fatal("want transition to ready")
	}
	if p.setState(Starting) {
		t.Error("state moved backwards")
	}
	if !p.setState(Terminated) {
		t.Fatal("want transition to terminated")
	}
	if p.setState(Ready) || p.State() != Terminated {
		t.Errorf("terminated is not final: %v", p.State())
	}
}

func TestParseVersion(t *testing.T) {
	t.Parallel()

	full, major, err := parseVersion([]byte("ChromeDriver 121.0.6167.85 (3f98d690ad7e59242ef110144c757b2ac4eef1a2-refs/branch-heads/6167@{#1539})\n"))
	if err != nil {
		t.Fatal(err)
	}
	if full != "121.0.6167.85" || major != 121 {
		t.Errorf("got %q %d", full, major)
	}
	if _, _, err := parseVersion([]byte("no digits")); err == nil {
		t.Error("want error")
	}
}
