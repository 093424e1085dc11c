package client

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ChromeOptionsKey is the vendor capability key of chromedriver.
const ChromeOptionsKey = "goog:chromeOptions"

// Capabilities are the capabilities requested for a new session.
type Capabilities struct {
	BrowserName         string
	BrowserVersion      string
	PageLoadStrategy    string
	AcceptInsecureCerts bool
	Proxy               *Proxy
	Chrome              ChromeOptions
}

// Proxy is the W3C proxy capability.
type Proxy struct {
	Type    string   `json:"proxyType"`
	HTTP    string   `json:"httpProxy,omitempty"`
	SSL     string   `json:"sslProxy,omitempty"`
	NoProxy []string `json:"noProxy,omitempty"`
}

// ChromeOptions are the goog:chromeOptions capability.
type ChromeOptions struct {
	// Binary is the browser executable. Empty lets chromedriver pick.
	Binary string

	// Flags are browser command line flags. A string value is passed as
	// --name=value; a true bool as --name; a false bool is omitted.
	Flags map[string]interface{}

	// Args are passed verbatim after the flags.
	Args []string

	ExcludeSwitches []string
	Prefs           map[string]interface{}
}

// Flag sets a browser command line flag.
func (o *ChromeOptions) Flag(name string, value interface{}) {
	if o.Flags == nil {
		o.Flags = make(map[string]interface{})
	}
	o.Flags[name] = value
}

// ExcludeSwitch adds a default chromedriver switch to drop, once.
func (o *ChromeOptions) ExcludeSwitch(name string) {
	if !slices.Contains(o.ExcludeSwitches, name) {
		o.ExcludeSwitches = append(o.ExcludeSwitches, name)
	}
}

// BuildArgs renders the flags, sorted by name, followed by the verbatim
// args.
func (o ChromeOptions) BuildArgs() ([]string, error) {
	names := maps.Keys(o.Flags)
	slices.Sort(names)

	var args []string
	for _, name := range names {
		switch value := o.Flags[name].(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, "--"+name)
			}
		case int, int64, float64:
			args = append(args, fmt.Sprintf("--%s=%v", name, value))
		default:
			return nil, fmt.Errorf("invalid flag value for %q: %T", name, value)
		}
	}
	return append(args, o.Args...), nil
}

// MarshalJSON satisfies json.Marshaler.
func (c Capabilities) MarshalJSON() ([]byte, error) {
	args, err := c.Chrome.BuildArgs()
	if err != nil {
		return nil, err
	}

	chrome := map[string]interface{}{}
	if len(args) != 0 {
		chrome["args"] = args
	}
	if c.Chrome.Binary != "" {
		chrome["binary"] = c.Chrome.Binary
	}
	if len(c.Chrome.ExcludeSwitches) != 0 {
		chrome["excludeSwitches"] = c.Chrome.ExcludeSwitches
	}
	if len(c.Chrome.Prefs) != 0 {
		chrome["prefs"] = c.Chrome.Prefs
	}

	name := c.BrowserName
	if name == "" {
		name = "chrome"
	}
	m := map[string]interface{}{
		"browserName":    name,
		ChromeOptionsKey: chrome,
	}
	if c.BrowserVersion != "" {
		m["browserVersion"] = c.BrowserVersion
	}
	if c.PageLoadStrategy != "" {
		m["pageLoadStrategy"] = c.PageLoadStrategy
	}
	if c.AcceptInsecureCerts {
		m["acceptInsecureCerts"] = true
	}
	if c.Proxy != nil {
		m["proxy"] = c.Proxy
	}
	return json.Marshal(m)
}
