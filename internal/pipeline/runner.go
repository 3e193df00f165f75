package pipeline

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/pkgforge/internal/logfields"
)

// outputLimit bounds how much subprocess output is kept per invocation.
const outputLimit = 64 << 10

// Invocation is one external toolchain call.
type Invocation struct {
	Stage   StageName
	Command []string
	Dir     string
	Env     []string
}

// Result is what an invocation left behind.
type Result struct {
	ExitCode int
	// Output is the tail of combined stdout and stderr.
	Output string
}

// Runner executes toolchain invocations. Implementations must stop the
// invocation and everything it spawned when ctx is done.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ErrNonZeroExit is wrapped by runners when the toolchain reports failure.
var ErrNonZeroExit = stdErrors.New("toolchain exited with non-zero status")

// ExecRunner runs invocations as subprocesses in their own process group.
type ExecRunner struct {
	// KillGrace is how long the group gets after SIGTERM before SIGKILL.
	// Zero kills immediately.
	KillGrace time.Duration
}

// Run starts the command and waits for it. Context expiry kills the whole
// process group.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	if len(inv.Command) == 0 {
		return Result{}, fmt.Errorf("stage %s has no command", inv.Stage)
	}
	// Relative paths such as ./gradlew resolve against inv.Dir.
	bin := inv.Command[0]
	if !strings.Contains(bin, "/") {
		resolved, err := exec.LookPath(bin)
		if err != nil {
			return Result{}, fmt.Errorf("toolchain binary %q not found: %w", bin, err)
		}
		bin = resolved
	}

	// #nosec G204 -- commands come from service configuration, not callers
	cmd := exec.CommandContext(ctx, bin, inv.Command[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	out := &tailBuffer{limit: outputLimit}
	cmd.Stdout = out
	cmd.Stderr = out
	configureProcessGroup(cmd, r.KillGrace)
	cmd.WaitDelay = 5 * time.Second

	slog.Debug("Running toolchain stage", logfields.Stage(string(inv.Stage)), slog.String("command", strings.Join(inv.Command, " ")), slog.String("dir", inv.Dir))
	err := cmd.Run()
	res := Result{Output: out.String()}
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if stdErrors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, fmt.Errorf("%w (exit code %d)", ErrNonZeroExit, res.ExitCode)
	}
	res.ExitCode = -1
	return res, err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
