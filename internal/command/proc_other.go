//go:build !unix

package command

import (
	"os/exec"
	"time"
)

// killProcessGroup falls back to exec's default cancellation, which kills only
// the direct child.
func killProcessGroup(cmd *exec.Cmd, gracePeriod time.Duration) {}
