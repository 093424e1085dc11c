//go:build windows

package runner

import "os"

// terminate asks the process to exit. Windows has no graceful signal for
// console-less children, so this kills it.
func terminate(p *os.Process) error {
	return p.Kill()
}
