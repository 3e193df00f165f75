//go:build !unix

package pipeline

import (
	"os/exec"
	"time"
)

func configureProcessGroup(_ *exec.Cmd, _ time.Duration) {}
