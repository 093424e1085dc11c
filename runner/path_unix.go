//go:build linux || freebsd || netbsd || openbsd

package runner

// DefaultDriverNames are the default chromedriver executable names to look
// for in $PATH.
var DefaultDriverNames = []string{
	"chromedriver",
	"chromium.chromedriver",
	"chromium-driver",
}
