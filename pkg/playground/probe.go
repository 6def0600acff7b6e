package playground

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/engine"
	"github.com/beam-cloud/playground/pkg/types"
)

const (
	exitedLogTail  = 50
	timeoutLogTail = 100
	notRunningWait = 2 * time.Second
)

// waitUntilReady polls the sandbox until its inner docker daemon answers.
// An exited container fails immediately with its recent logs.
func (m *Manager) waitUntilReady(ctx context.Context, instanceId, containerId string) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.ReadyTimeout)
	defer cancel()

	start := time.Now()
	for {
		state, err := m.engine.InspectContainer(ctx, containerId)
		switch {
		case err != nil && engine.IsNotFound(err):
			return &types.ErrContainerExited{InstanceID: instanceId, Logs: "container disappeared"}
		case err != nil:
			log.Debug().Err(err).Str("instance_id", instanceId).Msg("inspect failed while waiting for readiness")
		case state.Status == engine.StateExited || state.Status == engine.StateDead:
			logs := m.tailLogs(ctx, containerId, exitedLogTail)
			return &types.ErrContainerExited{InstanceID: instanceId, ExitCode: state.ExitCode, Logs: logs}
		case !state.Running:
			if !sleepCtx(ctx, min(notRunningWait, m.config.ReadyPollInterval)) {
				return m.readinessTimeout(instanceId, containerId)
			}
			continue
		default:
			if m.daemonReady(ctx, containerId) {
				log.Info().Str("instance_id", instanceId).Dur("elapsed", time.Since(start)).Msg("inner docker daemon is ready")
				return nil
			}
		}

		if !sleepCtx(ctx, m.config.ReadyPollInterval) {
			return m.readinessTimeout(instanceId, containerId)
		}
	}
}

func (m *Manager) readinessTimeout(instanceId, containerId string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), 10*time.Second)
	defer cancel()

	return &types.ErrReadinessTimeout{
		InstanceID: instanceId,
		Timeout:    m.config.ReadyTimeout,
		Logs:       m.tailLogs(ctx, containerId, timeoutLogTail),
	}
}

func (m *Manager) tailLogs(ctx context.Context, containerId string, tail int) string {
	logs, err := m.engine.Logs(ctx, containerId, tail)
	if err != nil {
		log.Debug().Err(err).Str("container_id", containerId).Msg("failed to read container logs")
	}
	return logs
}
