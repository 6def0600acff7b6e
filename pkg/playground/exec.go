package playground

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/engine"
	"github.com/beam-cloud/playground/pkg/types"
)

// Execute runs a shell command inside a running instance. The output is
// stdout followed by stderr; a non-zero exit appends an [exit_code] marker.
func (m *Manager) Execute(ctx context.Context, instanceId string, cmd types.Command) (string, error) {
	if cmd.Command == "" {
		return "", &types.ErrInvalidRequest{Reason: "command is required"}
	}

	inst, err := m.runningInstance(instanceId)
	if err != nil {
		return "", err
	}

	res, err := m.run(ctx, inst.ContainerID, cmd, m.config.ExecTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to execute command in %s: %w", instanceId, err)
	}

	m.touch(ctx, instanceId)
	return formatExecOutput(res), nil
}

// ExecuteForStep is Execute for workflow command steps. It never returns an
// error; every failure is described in the output and ok is false. A nil
// manager reports that the playground service is not available.
func (m *Manager) ExecuteForStep(ctx context.Context, instanceId, command, workingDir string, timeout time.Duration) (string, bool) {
	if command == "" {
		return "command is required", false
	}
	if instanceId == "" {
		return "playground instance id is required", false
	}
	if m == nil {
		return "playground service not ready", false
	}

	inst, err := m.runningInstance(instanceId)
	if err != nil {
		var notRunning *types.ErrInstanceNotRunning
		if errors.As(err, &notRunning) {
			return notRunning.Error(), false
		}
		return fmt.Sprintf("playground instance %s not found", instanceId), false
	}

	if timeout <= 0 {
		timeout = m.config.ExecTimeout
	}

	res, err := m.run(ctx, inst.ContainerID, types.Command{Command: command, WorkingDir: workingDir}, timeout)
	if err != nil {
		log.Warn().Err(err).Str("instance_id", instanceId).Msg("workflow step could not reach container")
		return fmt.Sprintf("container not reachable: %v", err), false
	}

	m.touch(ctx, instanceId)
	return formatExecOutput(res), res.ExitCode == 0
}

func (m *Manager) run(ctx context.Context, containerId string, cmd types.Command, timeout time.Duration) (*engine.ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workingDir := cmd.WorkingDir
	if workingDir == "" {
		workingDir = m.config.WorkspaceDir
	}

	return m.engine.Exec(ctx, containerId, engine.ExecOptions{
		Cmd:        []string{"sh", "-c", cmd.Command},
		Env:        envList(cmd.Environment),
		WorkingDir: workingDir,
	})
}

func formatExecOutput(res *engine.ExecResult) string {
	out := res.Combined()
	if res.ExitCode != 0 {
		out += fmt.Sprintf("\n[exit_code]=%d", res.ExitCode)
	}
	return out
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
