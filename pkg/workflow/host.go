package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// HostExecutor runs workflow commands on the gateway host through sh -c.
// Commands are trusted input.
type HostExecutor struct {
	shell string
}

func NewHostExecutor() *HostExecutor {
	return &HostExecutor{shell: "/bin/sh"}
}

// Run returns stdout, then stderr after a [stderr] marker, then an
// [exit_code] marker when the exit status is non-zero.
func (h *HostExecutor) Run(ctx context.Context, command, workingDir string, timeout time.Duration) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.shell, "-c", command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	cmd.Env = os.Environ()
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", -1, fmt.Errorf("command timed out after %s; partial output: %s", timeout, stdout.String())
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", -1, fmt.Errorf("failed to run command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return formatHostOutput(stdout.String(), stderr.String(), exitCode), exitCode, nil
}

func formatHostOutput(stdout, stderr string, exitCode int) string {
	out := stdout
	if stderr != "" {
		out += "\n[stderr]\n" + stderr
	}
	if exitCode != 0 {
		out += fmt.Sprintf("\n[exit_code]=%d", exitCode)
	}
	return strings.TrimSpace(out)
}
