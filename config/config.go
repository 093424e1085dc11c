// Package config loads stealthdp settings from an optional TOML file and the
// environment. It is the only place environment variables are read.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/chromedp/stealthdp"
	"github.com/chromedp/stealthdp/device"
	"github.com/chromedp/stealthdp/runner"
)

// Environment overrides.
const (
	EnvDriverPath = "CHROMEDRIVER_PATH"
	EnvDriverURL  = "CHROMEDRIVER_URL"
	EnvChromePath = "CHROME_PATH"
	EnvLogLevel   = "STEALTHDP_LOG_LEVEL"
)

const (
	defaultLocale          = "en-US"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultEvaluateTimeout = 5 * time.Second
)

// Config stores the resolved settings.
type Config struct {
	Driver  DriverConfig
	Browser BrowserConfig
	Stealth StealthConfig
	Session SessionConfig
	Log     LogConfig
}

// DriverConfig are the chromedriver settings.
type DriverConfig struct {
	Path           string
	URL            string
	Port           int
	Args           []string
	HealthInterval time.Duration
	HealthAttempts int
	PortRetries    int
	GracePeriod    time.Duration
	ConnectTimeout time.Duration
}

// BrowserConfig are the browser settings.
type BrowserConfig struct {
	Binary       string
	Headless     bool
	Sandbox      bool
	Proxy        string
	DownloadsDir string
	Args         []string

	// Channel is "driver" or "devtools".
	Channel string
}

// StealthConfig are the stealth profile settings.
type StealthConfig struct {
	Enabled            bool
	Locale             string
	Timezone           string
	Geolocation        *stealthdp.Geolocation
	WebGL              bool
	CanvasNoise        bool
	Permissions        bool
	HeaderAlignment    bool
	DisableConsole     bool
	BlockCustomHeaders bool
	Device             string
}

// SessionConfig are the session settings.
type SessionConfig struct {
	SlowMo          time.Duration
	EvaluateTimeout time.Duration
}

// LogConfig are the logging settings.
type LogConfig struct {
	Level  string
	Format string
}

type fileConfig struct {
	Driver  *driverFile  `toml:"driver"`
	Browser *browserFile `toml:"browser"`
	Stealth *stealthFile `toml:"stealth"`
	Session *sessionFile `toml:"session"`
	Log     *logFile     `toml:"log"`
}

type driverFile struct {
	Path           *string  `toml:"path"`
	URL            *string  `toml:"url"`
	Port           *int     `toml:"port"`
	Args           []string `toml:"args"`
	HealthInterval *string  `toml:"health_interval"`
	HealthAttempts *int     `toml:"health_attempts"`
	PortRetries    *int     `toml:"port_retries"`
	GracePeriod    *string  `toml:"grace_period"`
	ConnectTimeout *string  `toml:"connect_timeout"`
}

type browserFile struct {
	Binary       *string  `toml:"binary"`
	Headless     *bool    `toml:"headless"`
	Sandbox      *bool    `toml:"sandbox"`
	Proxy        *string  `toml:"proxy"`
	DownloadsDir *string  `toml:"downloads_dir"`
	Args         []string `toml:"args"`
	Channel      *string  `toml:"channel"`
}

type stealthFile struct {
	Enabled            *bool            `toml:"enabled"`
	Locale             *string          `toml:"locale"`
	Timezone           *string          `toml:"timezone"`
	Geolocation        *geolocationFile `toml:"geolocation"`
	WebGL              *bool            `toml:"webgl"`
	CanvasNoise        *bool            `toml:"canvas_noise"`
	Permissions        *bool            `toml:"permissions"`
	HeaderAlignment    *bool            `toml:"header_alignment"`
	DisableConsole     *bool            `toml:"disable_console"`
	BlockCustomHeaders *bool            `toml:"block_custom_headers"`
	Device             *string          `toml:"device"`
}

type geolocationFile struct {
	Latitude  float64 `toml:"latitude"`
	Longitude float64 `toml:"longitude"`
	Accuracy  float64 `toml:"accuracy"`
}

type sessionFile struct {
	SlowMo          *string `toml:"slow_mo"`
	EvaluateTimeout *string `toml:"evaluate_timeout"`
}

type logFile struct {
	Level  *string `toml:"level"`
	Format *string `toml:"format"`
}

// lookDriver finds a chromedriver when none is configured.
var lookDriver = runner.LookDriver

// Load returns the defaults, overlaid with the TOML file at path (when path
// is not empty) and then the environment.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

// LoadWithEnvFile is like Load, but also reads the overrides from the dotenv
// file at envFile. Variables set in the process environment win.
func LoadWithEnvFile(path, envFile string) (*Config, error) {
	if envFile == "" {
		return Load(path)
	}
	vars, err := godotenv.Read(envFile)
	if err != nil {
		return nil, fmt.Errorf("read env file %q: %w", envFile, err)
	}
	return load(path, func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return vars[key]
	})
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	overlayFromEnv(&cfg, getenv)

	if cfg.Driver.Path == "" && cfg.Driver.URL == "" {
		cfg.Driver.Path = lookDriver()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults() Config {
	profile := stealthdp.DefaultStealthProfile()
	return Config{
		Driver: DriverConfig{
			HealthInterval: runner.DefaultHealthInterval,
			HealthAttempts: runner.DefaultHealthAttempts,
			PortRetries:    runner.DefaultPortRetries,
			GracePeriod:    runner.DefaultGracePeriod,
			ConnectTimeout: stealthdp.DefaultConnectTimeout,
		},
		Browser: BrowserConfig{
			Headless: true,
			Channel:  stealthdp.ChannelDriver.String(),
		},
		Stealth: StealthConfig{
			Enabled:            profile.Enabled,
			Locale:             defaultLocale,
			WebGL:              profile.WebGL,
			CanvasNoise:        profile.CanvasNoise,
			Permissions:        profile.Permissions,
			HeaderAlignment:    profile.HeaderAlignment,
			DisableConsole:     profile.DisableConsole,
			BlockCustomHeaders: profile.BlockCustomHeaders,
		},
		Session: SessionConfig{
			EvaluateTimeout: defaultEvaluateTimeout,
		},
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	var decoded fileConfig
	md, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return fmt.Errorf("unknown keys in config file %q: %v", path, undecoded)
	}

	if err := applyDriver(cfg, decoded.Driver, path); err != nil {
		return err
	}
	applyBrowser(cfg, decoded.Browser)
	applyStealth(cfg, decoded.Stealth)
	if err := applySession(cfg, decoded.Session, path); err != nil {
		return err
	}
	if decoded.Log != nil {
		setString(&cfg.Log.Level, decoded.Log.Level)
		setString(&cfg.Log.Format, decoded.Log.Format)
	}
	return nil
}

func applyDriver(cfg *Config, d *driverFile, path string) error {
	if d == nil {
		return nil
	}
	setString(&cfg.Driver.Path, d.Path)
	setString(&cfg.Driver.URL, d.URL)
	setInt(&cfg.Driver.Port, d.Port)
	if d.Args != nil {
		cfg.Driver.Args = d.Args
	}
	setInt(&cfg.Driver.HealthAttempts, d.HealthAttempts)
	setInt(&cfg.Driver.PortRetries, d.PortRetries)
	if err := setDuration(&cfg.Driver.HealthInterval, d.HealthInterval, "driver.health_interval", path); err != nil {
		return err
	}
	if err := setDuration(&cfg.Driver.GracePeriod, d.GracePeriod, "driver.grace_period", path); err != nil {
		return err
	}
	return setDuration(&cfg.Driver.ConnectTimeout, d.ConnectTimeout, "driver.connect_timeout", path)
}

func applyBrowser(cfg *Config, b *browserFile) {
	if b == nil {
		return
	}
	setString(&cfg.Browser.Binary, b.Binary)
	setBool(&cfg.Browser.Headless, b.Headless)
	setBool(&cfg.Browser.Sandbox, b.Sandbox)
	setString(&cfg.Browser.Proxy, b.Proxy)
	setString(&cfg.Browser.DownloadsDir, b.DownloadsDir)
	if b.Args != nil {
		cfg.Browser.Args = b.Args
	}
	setString(&cfg.Browser.Channel, b.Channel)
}

func applyStealth(cfg *Config, s *stealthFile) {
	if s == nil {
		return
	}
	setBool(&cfg.Stealth.Enabled, s.Enabled)
	setString(&cfg.Stealth.Locale, s.Locale)
	setString(&cfg.Stealth.Timezone, s.Timezone)
	if g := s.Geolocation; g != nil {
		cfg.Stealth.Geolocation = &stealthdp.Geolocation{
			Latitude:  g.Latitude,
			Longitude: g.Longitude,
			Accuracy:  g.Accuracy,
		}
	}
	setBool(&cfg.Stealth.WebGL, s.WebGL)
	setBool(&cfg.Stealth.CanvasNoise, s.CanvasNoise)
	setBool(&cfg.Stealth.Permissions, s.Permissions)
	setBool(&cfg.Stealth.HeaderAlignment, s.HeaderAlignment)
	setBool(&cfg.Stealth.DisableConsole, s.DisableConsole)
	setBool(&cfg.Stealth.BlockCustomHeaders, s.BlockCustomHeaders)
	setString(&cfg.Stealth.Device, s.Device)
}

func applySession(cfg *Config, s *sessionFile, path string) error {
	if s == nil {
		return nil
	}
	if err := setDuration(&cfg.Session.SlowMo, s.SlowMo, "session.slow_mo", path); err != nil {
		return err
	}
	return setDuration(&cfg.Session.EvaluateTimeout, s.EvaluateTimeout, "session.evaluate_timeout", path)
}

func overlayFromEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvDriverPath)); v != "" {
		cfg.Driver.Path = v
	}
	if v := strings.TrimSpace(getenv(EnvDriverURL)); v != "" {
		cfg.Driver.URL = v
	}
	if v := strings.TrimSpace(getenv(EnvChromePath)); v != "" {
		cfg.Browser.Binary = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = v
	}
}

func (c *Config) validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if _, err := c.ChannelMode(); err != nil {
		return err
	}
	if c.Stealth.Device != "" {
		if _, ok := device.Lookup(c.Stealth.Device); !ok {
			return fmt.Errorf("stealth.device: unknown device %q", c.Stealth.Device)
		}
	}
	return nil
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() log.Level {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// ChannelMode returns the configured control channel mode.
func (c *Config) ChannelMode() (stealthdp.ChannelMode, error) {
	switch strings.ToLower(c.Browser.Channel) {
	case "", "driver":
		return stealthdp.ChannelDriver, nil
	case "devtools":
		return stealthdp.ChannelDevTools, nil
	}
	return 0, fmt.Errorf("browser.channel: unknown channel %q", c.Browser.Channel)
}

// Profile returns the configured stealth profile.
func (c *Config) Profile() stealthdp.StealthProfile {
	s := c.Stealth
	profile := stealthdp.StealthProfile{
		Enabled:            s.Enabled,
		Locale:             s.Locale,
		TimezoneID:         s.Timezone,
		WebGL:              s.WebGL,
		CanvasNoise:        s.CanvasNoise,
		Permissions:        s.Permissions,
		HeaderAlignment:    s.HeaderAlignment,
		DisableConsole:     s.DisableConsole,
		BlockCustomHeaders: s.BlockCustomHeaders,
	}
	if s.Geolocation != nil {
		g := *s.Geolocation
		profile.Geolocation = &g
	}
	if d, ok := device.Lookup(s.Device); ok {
		profile.Device = &d
	}
	return profile
}

// LaunchConfig converts the settings to a launch configuration.
func (c *Config) LaunchConfig() (stealthdp.LaunchConfig, error) {
	mode, err := c.ChannelMode()
	if err != nil {
		return stealthdp.LaunchConfig{}, err
	}
	lc := stealthdp.LaunchConfig{
		Driver: runner.Config{
			ExecPath:       c.Driver.Path,
			RemoteURL:      c.Driver.URL,
			Port:           c.Driver.Port,
			Args:           c.Driver.Args,
			HealthInterval: c.Driver.HealthInterval,
			HealthAttempts: c.Driver.HealthAttempts,
			PortRetries:    c.Driver.PortRetries,
			GracePeriod:    c.Driver.GracePeriod,
		},
		Headless:       c.Browser.Headless,
		Sandbox:        c.Browser.Sandbox,
		Proxy:          c.Browser.Proxy,
		DownloadsDir:   c.Browser.DownloadsDir,
		Stealth:        c.Profile(),
		Channel:        mode,
		ConnectTimeout: c.Driver.ConnectTimeout,
	}
	lc.Capabilities.Chrome.Binary = c.Browser.Binary
	lc.Capabilities.Chrome.Args = c.Browser.Args
	return lc, nil
}

// Options returns the session options of the settings.
func (c *Config) Options() []stealthdp.Option {
	var opts []stealthdp.Option
	if c.Session.SlowMo > 0 {
		opts = append(opts, stealthdp.WithSlowMo(c.Session.SlowMo))
	}
	if c.Session.EvaluateTimeout > 0 {
		opts = append(opts, stealthdp.WithEvaluatePolicy(stealthdp.RetryPolicy{
			Interval: stealthdp.DefaultInterval,
			Timeout:  c.Session.EvaluateTimeout,
		}))
	}
	return opts
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, key, path string) error {
	if v == nil {
		return nil
	}
	parsed, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	*dst = parsed
	return nil
}
