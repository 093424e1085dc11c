package stealth

import (
	"fmt"
	"runtime"
	"strings"
)

// DefaultBrowserVersion is the browser version assumed when the driver does
// not report one.
const DefaultBrowserVersion = "120.0.0.0"

// Platform returns the navigator.platform value of a browser running on
// goos.
func Platform(goos string) string {
	switch goos {
	case "windows":
		return "Win32"
	case "darwin":
		return "MacIntel"
	}
	return "Linux x86_64"
}

// HostPlatform returns the navigator.platform value of the host.
func HostPlatform() string {
	return Platform(runtime.GOOS)
}

// UserAgent returns the user agent of a regular (non headless) Chrome of the
// given version on the platform.
func UserAgent(platform, version string) string {
	if version == "" {
		version = DefaultBrowserVersion
	}
	os := "X11; Linux x86_64"
	switch platform {
	case "Win32":
		os = "Windows NT 10.0; Win64; x64"
	case "MacIntel":
		os = "Macintosh; Intel Mac OS X 10_15_7"
	}
	return fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36", os, version)
}

// MajorVersion returns the major component of a dotted version.
func MajorVersion(version string) string {
	if version == "" {
		version = DefaultBrowserVersion
	}
	if i := strings.IndexByte(version, '.'); i != -1 {
		return version[:i]
	}
	return version
}

// Brand is a user agent client hint brand.
type Brand struct {
	Name    string
	Version string
}

// Brands returns the client hint brands of a Chrome of the given version.
func Brands(version string) []Brand {
	major := MajorVersion(version)
	return []Brand{
		{"Not_A Brand", "8"},
		{"Chromium", major},
		{"Google Chrome", major},
	}
}

// SecCHUA returns the sec-ch-ua client hint matching the browser version.
func SecCHUA(version string) string {
	var parts []string
	for _, b := range Brands(version) {
		parts = append(parts, fmt.Sprintf("%q;v=%q", b.Name, b.Version))
	}
	return strings.Join(parts, ", ")
}

// PlatformName returns the client hint platform name of a navigator.platform
// value.
func PlatformName(platform string) string {
	switch platform {
	case "Win32":
		return "Windows"
	case "MacIntel":
		return "macOS"
	}
	return "Linux"
}

// SecCHUAPlatform returns the sec-ch-ua-platform client hint of the
// platform.
func SecCHUAPlatform(platform string) string {
	return fmt.Sprintf("%q", PlatformName(platform))
}

// Languages returns the navigator.languages list of a locale, most specific
// first.
func Languages(locale string) []string {
	if locale == "" {
		locale = "en-US"
	}
	langs := []string{locale}
	if i := strings.IndexAny(locale, "-_"); i != -1 {
		langs = append(langs, locale[:i])
	}
	return langs
}

// AcceptLanguage returns the Accept-Language header of a locale.
func AcceptLanguage(locale string) string {
	langs := Languages(locale)
	s := langs[0]
	for i, l := range langs[1:] {
		s += fmt.Sprintf(",%s;q=0.%d", l, 9-i)
	}
	return s
}
