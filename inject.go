package stealthdp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"

	"github.com/chromedp/stealthdp/client"
	"github.com/chromedp/stealthdp/device"
	"github.com/chromedp/stealthdp/stealth"
)

// Geolocation is an emulated position.
type Geolocation struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

// StealthProfile is the anti-detection configuration of a launch. It is
// copied into the injection plan and never modified afterwards.
type StealthProfile struct {
	Enabled bool

	Locale      string
	TimezoneID  string
	Geolocation *Geolocation

	WebGL       bool
	CanvasNoise bool
	Permissions bool

	// HeaderAlignment overrides the user agent, Accept-Language and client
	// hints to match the real browser version and platform.
	HeaderAlignment bool

	// DisableConsole turns the Runtime domain, and with it console API
	// reporting, off. It applies to the devtools channel only: chromedriver
	// relies on the Runtime domain of the client it shares with the driver
	// channel.
	DisableConsole bool

	// BlockCustomHeaders clears any extra HTTP headers set on the session.
	BlockCustomHeaders bool

	// Device, when set, emulates the device metrics, touch support, user
	// agent and platform.
	Device *device.Info
}

// DefaultStealthProfile returns an enabled profile with every toggle on
// except canvas noise.
func DefaultStealthProfile() StealthProfile {
	return StealthProfile{
		Enabled:            true,
		Locale:             "en-US",
		WebGL:              true,
		Permissions:        true,
		HeaderAlignment:    true,
		DisableConsole:     true,
		BlockCustomHeaders: true,
	}
}

// InjectionPoint is a moment of the page lifecycle at which part of the plan
// is applied.
type InjectionPoint int

// InjectionPoint values.
const (
	SessionCreated InjectionPoint = iota
	PageCreated
	BeforeNavigation
	FrameAttached
)

// String satisfies fmt.Stringer.
func (p InjectionPoint) String() string {
	switch p {
	case SessionCreated:
		return "SessionCreated"
	case PageCreated:
		return "PageCreated"
	case BeforeNavigation:
		return "BeforeNavigation"
	case FrameAttached:
		return "FrameAttached"
	}
	return fmt.Sprintf("InjectionPoint(%d)", int(p))
}

// StepKind is the kind of an injection step.
type StepKind int

// StepKind values.
const (
	// StepCommand sends one DevTools command.
	StepCommand StepKind = iota

	// StepRegister registers the disguise script for every new document,
	// replacing the previous registration.
	StepRegister

	// StepEvaluate runs the disguise script in the current document and
	// waits until it is active.
	StepEvaluate
)

// String satisfies fmt.Stringer.
func (k StepKind) String() string {
	switch k {
	case StepCommand:
		return "command"
	case StepRegister:
		return "register"
	case StepEvaluate:
		return "evaluate"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// Step is one entry of an injection plan.
type Step struct {
	Point  InjectionPoint
	Kind   StepKind
	Method string
	Params easyjson.Marshaler
}

// Name returns the protocol method of the step, or its kind.
func (s Step) Name() string {
	if s.Method != "" {
		return s.Method
	}
	return s.Kind.String()
}

// PlanEnv are the facts a plan is derived from besides the profile.
type PlanEnv struct {
	// BrowserVersion is the full browser version. Empty selects
	// stealth.DefaultBrowserVersion.
	BrowserVersion string

	// Platform is the navigator.platform to present. Empty selects the
	// host's.
	Platform string

	// Marker is the per-launch name of the hidden symbol guarding the
	// disguise script.
	Marker string

	// Channel is the control channel the plan is applied over.
	Channel ChannelMode
}

// InjectionPlan is the ordered list of steps to apply at each injection
// point. A plan derived from a disabled profile is empty.
type InjectionPlan struct {
	profile StealthProfile
	marker  string
	script  string
	steps   map[InjectionPoint][]Step
}

// NewInjectionPlan derives the plan of a profile.
func NewInjectionPlan(profile StealthProfile, env PlanEnv) (*InjectionPlan, error) {
	plan := &InjectionPlan{
		profile: profile,
		marker:  env.Marker,
		steps:   make(map[InjectionPoint][]Step),
	}
	if !profile.Enabled {
		return plan, nil
	}
	if plan.marker == "" {
		return nil, errors.New("injection plan needs a marker")
	}

	platform := env.Platform
	if profile.Device != nil && profile.Device.Platform != "" {
		platform = profile.Device.Platform
	}
	if platform == "" {
		platform = stealth.HostPlatform()
	}
	version := env.BrowserVersion
	if version == "" {
		version = stealth.DefaultBrowserVersion
	}
	ua := stealth.UserAgent(platform, version)
	if profile.Device != nil && profile.Device.UserAgent != "" {
		ua = profile.Device.UserAgent
	}

	opts := stealth.Options{
		Marker:      plan.marker,
		Languages:   stealth.Languages(profile.Locale),
		Platform:    platform,
		WebGL:       profile.WebGL,
		CanvasNoise: profile.CanvasNoise,
		Permissions: profile.Permissions,
	}
	if profile.HeaderAlignment {
		opts.UserAgent = ua
	}
	script, err := stealth.Script(opts)
	if err != nil {
		return nil, err
	}
	plan.script = script

	add := func(point InjectionPoint, kind StepKind, method string, params easyjson.Marshaler) {
		plan.steps[point] = append(plan.steps[point], Step{
			Point:  point,
			Kind:   kind,
			Method: method,
			Params: params,
		})
	}

	if profile.Locale != "" {
		add(SessionCreated, StepCommand, emulation.CommandSetLocaleOverride, emulation.SetLocaleOverride().WithLocale(profile.Locale))
	}
	if profile.TimezoneID != "" {
		add(SessionCreated, StepCommand, emulation.CommandSetTimezoneOverride, emulation.SetTimezoneOverride(profile.TimezoneID))
	}
	if g := profile.Geolocation; g != nil {
		add(SessionCreated, StepCommand, emulation.CommandSetGeolocationOverride, emulation.SetGeolocationOverride().
			WithLatitude(g.Latitude).
			WithLongitude(g.Longitude).
			WithAccuracy(g.Accuracy))
	}
	if profile.HeaderAlignment {
		var brands []*emulation.UserAgentBrandVersion
		for _, b := range stealth.Brands(version) {
			brands = append(brands, &emulation.UserAgentBrandVersion{Brand: b.Name, Version: b.Version})
		}
		mobile := profile.Device != nil && profile.Device.Mobile
		add(SessionCreated, StepCommand, emulation.CommandSetUserAgentOverride, emulation.SetUserAgentOverride(ua).
			WithAcceptLanguage(stealth.AcceptLanguage(profile.Locale)).
			WithPlatform(platform).
			WithUserAgentMetadata(&emulation.UserAgentMetadata{
				Brands:       brands,
				Platform:     stealth.PlatformName(platform),
				Architecture: "x86",
				Mobile:       mobile,
			}))
	}
	if profile.BlockCustomHeaders {
		add(SessionCreated, StepCommand, network.CommandSetExtraHTTPHeaders, network.SetExtraHTTPHeaders(network.Headers{}))
	}
	if profile.DisableConsole && env.Channel == ChannelDevTools {
		add(SessionCreated, StepCommand, runtime.CommandDisable, runtime.Disable())
	}
	if d := profile.Device; d != nil {
		metrics, touch := d.Params()
		add(SessionCreated, StepCommand, emulation.CommandSetDeviceMetricsOverride, metrics)
		add(SessionCreated, StepCommand, emulation.CommandSetTouchEmulationEnabled, touch)
	}

	add(PageCreated, StepRegister, "", nil)
	add(PageCreated, StepEvaluate, "", nil)
	add(BeforeNavigation, StepRegister, "", nil)
	add(FrameAttached, StepRegister, "", nil)
	add(FrameAttached, StepEvaluate, "", nil)

	return plan, nil
}

// Empty reports whether the plan has no steps.
func (p *InjectionPlan) Empty() bool {
	return len(p.steps) == 0
}

// Steps returns the steps applied at point.
func (p *InjectionPlan) Steps(point InjectionPoint) []Step {
	return append([]Step(nil), p.steps[point]...)
}

// Profile returns the profile the plan was derived from.
func (p *InjectionPlan) Profile() StealthProfile {
	return p.profile
}

// Marker returns the name of the hidden symbol guarding the disguise script.
func (p *InjectionPlan) Marker() string {
	return p.marker
}

// Script returns the disguise script.
func (p *InjectionPlan) Script() string {
	return p.script
}

// InjectionTarget is what an Injector applies a plan to.
type InjectionTarget interface {
	ControlChannel(context.Context) (ControlChannel, error)
	ExecuteScript(ctx context.Context, script string, args []interface{}, res interface{}) error
}

// Injector applies an injection plan. Any failed step aborts the operation
// that triggered it.
type Injector struct {
	plan *InjectionPlan
	opts *options

	mu           sync.Mutex
	registeredOn ControlChannel
	registered   page.ScriptIdentifier
}

// NewInjector creates an injector for plan.
func NewInjector(plan *InjectionPlan, opts ...Option) *Injector {
	return &Injector{
		plan: plan,
		opts: newOptions(opts),
	}
}

// Plan returns the injector's plan.
func (i *Injector) Plan() *InjectionPlan {
	return i.plan
}

// Apply runs the steps of point against target, in order. The first failing
// step aborts with an InjectionError.
func (i *Injector) Apply(ctx context.Context, target InjectionTarget, point InjectionPoint) error {
	if i == nil || i.plan.Empty() {
		return nil
	}
	steps := i.plan.steps[point]
	for _, step := range steps {
		if err := i.run(ctx, target, step); err != nil {
			err = &InjectionError{Point: point, Step: step.Name(), Err: err}
			i.opts.metrics.observeInjection(point, err)
			i.opts.errf("%v", err)
			return err
		}
	}
	i.opts.metrics.observeInjection(point, nil)
	i.opts.debugf("applied %d %s steps", len(steps), point)
	return nil
}

func (i *Injector) run(ctx context.Context, target InjectionTarget, step Step) error {
	switch step.Kind {
	case StepCommand:
		ch, err := target.ControlChannel(ctx)
		if err != nil {
			return err
		}
		return ch.Execute(ctx, step.Method, step.Params, nil)

	case StepRegister:
		return i.register(ctx, target)

	case StepEvaluate:
		return i.evaluate(ctx, target)
	}
	return fmt.Errorf("unknown step kind %v", step.Kind)
}

// register adds the disguise script for new documents, then removes the
// registration it replaces on the same channel.
func (i *Injector) register(ctx context.Context, target InjectionTarget) error {
	ch, err := target.ControlChannel(ctx)
	if err != nil {
		return err
	}

	var res page.AddScriptToEvaluateOnNewDocumentReturns
	params := page.AddScriptToEvaluateOnNewDocument(i.plan.script).WithRunImmediately(true)
	if err := ch.Execute(ctx, page.CommandAddScriptToEvaluateOnNewDocument, params, &res); err != nil {
		return err
	}

	i.mu.Lock()
	prevOn, prev := i.registeredOn, i.registered
	i.registeredOn, i.registered = ch, res.Identifier
	i.mu.Unlock()

	if prevOn != ch || prev == "" || prev == res.Identifier {
		return nil
	}
	if err := ch.Execute(ctx, page.CommandRemoveScriptToEvaluateOnNewDocument, page.RemoveScriptToEvaluateOnNewDocument(prev), nil); err != nil {
		i.opts.errf("could not remove script %s: %v", prev, err)
	}
	return nil
}

// evaluate runs the disguise script in the current document until its marker
// reads true.
func (i *Injector) evaluate(ctx context.Context, target InjectionTarget) error {
	script := i.plan.script + "\n" + stealth.Installed(i.plan.marker)
	policy := i.opts.eval
	_, err := WaitFor(ctx, "stealth evaluate", policy, func(ctx context.Context) (bool, error) {
		var ok bool
		if err := target.ExecuteScript(ctx, script, nil, &ok); err != nil {
			if client.IsCode(err, client.CodeJavascriptError) {
				return false, Transient(err)
			}
			return false, err
		}
		if !ok {
			return false, Transient(errors.New("disguise script not active"))
		}
		return true, nil
	})
	i.opts.metrics.observeWait("stealth evaluate", err)
	return err
}
