// Package stealthdp drives Chrome through chromedriver sessions, with a
// DevTools control channel and an anti-detection injection engine applied at
// every page, navigation and frame of a session.
//
// A Browser is launched with Launch (or Run), which supervises the driver
// process, opens a WebDriver session and applies the stealth profile's
// session-wide overrides. Pages created with Browser.NewPage register the
// disguise script before their first navigation, and again before every
// later one. WaitFor is the retry primitive readiness checks and selector
// waits are built on.
package stealthdp
