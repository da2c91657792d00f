//go:build windows

package agent

import (
	"os"
)

// terminateGracefully has no SIGTERM equivalent on Windows; the close
// request is best-effort and the caller escalates to killHard.
func terminateGracefully(_ *os.Process) error {
	return nil
}

// killHard invokes TerminateProcess through os.Process.Kill.
func killHard(p *os.Process) error {
	return p.Kill()
}
