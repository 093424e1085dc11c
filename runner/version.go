package runner

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
)

var versionRE = regexp.MustCompile(`[^0-9]*(([0-9]+)\.[0-9.]+)`)

// Version returns the full and major version numbers of the specified
// program's --version output. E.g: "ChromeDriver 121.0.6167.85 (...)" =>
// "121.0.6167.85", 121.
func Version(path string) (string, int, error) {
	out, err := exec.Command(path, "--version").CombinedOutput()
	if err != nil {
		return "", 0, err
	}
	return parseVersion(out)
}

func parseVersion(out []byte) (string, int, error) {
	ret := versionRE.FindSubmatch(out)
	if len(ret) < 3 {
		return "", 0, fmt.Errorf("no version number found in version string %q", out)
	}
	major, err := strconv.Atoi(string(ret[2]))
	if err != nil {
		return "", 0, err
	}
	return string(ret[1]), major, nil
}
