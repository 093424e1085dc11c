//go:build windows

package runner

// DefaultDriverNames are the default chromedriver executable names to look
// for in %PATH%.
var DefaultDriverNames = []string{`chromedriver.exe`}
