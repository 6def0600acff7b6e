package playground

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/engine"
	"github.com/beam-cloud/playground/pkg/types"
)

// Refresh reconciles an instance with the engine and returns the result.
// Concurrent refreshes of one instance share a single engine round trip.
func (m *Manager) Refresh(ctx context.Context, instanceId string) (*types.Instance, error) {
	v, err, _ := m.refreshGroup.Do(instanceId, func() (interface{}, error) {
		return m.reconcile(ctx, instanceId)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Instance).Clone(), nil
}

func (m *Manager) reconcile(ctx context.Context, instanceId string) (*types.Instance, error) {
	inst, ok := m.snapshot(instanceId)
	if !ok {
		return nil, &types.ErrInstanceNotFound{InstanceID: instanceId}
	}

	// The provisioner owns every transition out of creating.
	if inst.Status == types.InstanceStatusCreating {
		return inst, nil
	}

	next := m.observeStatus(ctx, inst)
	if next == inst.Status {
		return inst, nil
	}

	updated, changed, err := m.transition(ctx, instanceId, inst.Status, next)
	if err != nil {
		return nil, err
	}
	if changed && next == types.InstanceStatusInstalling {
		m.startInstallingWatch(instanceId)
	}
	return updated, nil
}

// observeStatus derives the status an instance should have from its container.
// Engine errors other than not-found leave the status unchanged.
func (m *Manager) observeStatus(ctx context.Context, inst *types.Instance) types.InstanceStatus {
	if inst.ContainerID == "" {
		if inst.Status == types.InstanceStatusCreating {
			return inst.Status
		}
		return types.InstanceStatusError
	}

	state, err := m.engine.InspectContainer(ctx, inst.ContainerID)
	if err != nil {
		if engine.IsNotFound(err) {
			return types.InstanceStatusError
		}
		log.Warn().Err(err).Str("instance_id", inst.ID).Msg("failed to inspect container, keeping status")
		return inst.Status
	}

	switch {
	case state.Status == engine.StateExited:
		return types.InstanceStatusStopped
	case state.Running:
		if m.daemonReady(ctx, inst.ContainerID) {
			return types.InstanceStatusRunning
		}
		return types.InstanceStatusInstalling
	default:
		return types.InstanceStatusError
	}
}

// transition moves an instance from one status to another and persists it,
// unless something else changed the status in the meantime.
func (m *Manager) transition(ctx context.Context, instanceId string, from, to types.InstanceStatus) (*types.Instance, bool, error) {
	changed := false
	inst, err := m.update(ctx, instanceId, func(i *types.Instance) bool {
		if i.Status != from {
			return false
		}
		i.Status = to
		changed = true
		return true
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		log.Info().Str("instance_id", instanceId).Str("from", string(from)).Str("to", string(to)).Msg("playground instance status changed")
	}
	return inst, changed, nil
}

func (m *Manager) startInstallingWatch(instanceId string) {
	m.mu.Lock()
	if m.watching[instanceId] {
		m.mu.Unlock()
		return
	}
	m.watching[instanceId] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.watching, instanceId)
			m.mu.Unlock()
		}()
		m.watchInstalling(m.ctx, instanceId)
	}()
}

// watchInstalling waits for an installing instance's daemon to answer and
// marks it running, or error when the container stops or attempts run out.
func (m *Manager) watchInstalling(ctx context.Context, instanceId string) {
	for attempt := 1; attempt <= m.config.InstallWatchAttempts; attempt++ {
		if !sleepCtx(ctx, m.config.InstallWatchInterval) {
			return
		}

		inst, ok := m.snapshot(instanceId)
		if !ok || inst.Status != types.InstanceStatusInstalling {
			return
		}

		state, err := m.engine.InspectContainer(ctx, inst.ContainerID)
		if err != nil && !engine.IsNotFound(err) {
			log.Debug().Err(err).Str("instance_id", instanceId).Int("attempt", attempt).Msg("inspect failed during installing watch")
			continue
		}
		if err != nil || !state.Running {
			m.finishInstalling(ctx, instanceId, types.InstanceStatusError)
			return
		}

		if m.daemonReady(ctx, inst.ContainerID) {
			m.finishInstalling(ctx, instanceId, types.InstanceStatusRunning)
			return
		}
	}

	log.Warn().Str("instance_id", instanceId).Int("attempts", m.config.InstallWatchAttempts).Msg("docker daemon never became ready")
	m.finishInstalling(ctx, instanceId, types.InstanceStatusError)
}

func (m *Manager) finishInstalling(ctx context.Context, instanceId string, to types.InstanceStatus) {
	if _, _, err := m.transition(ctx, instanceId, types.InstanceStatusInstalling, to); err != nil {
		log.Error().Err(err).Str("instance_id", instanceId).Str("to", string(to)).Msg("failed to persist installing outcome")
	}
}
