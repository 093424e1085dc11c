//go:build !windows

package runner

import (
	"os"
	"syscall"
)

// terminate asks the process to exit.
func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
