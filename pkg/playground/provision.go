package playground

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/common"
	"github.com/beam-cloud/playground/pkg/engine"
	"github.com/beam-cloud/playground/pkg/types"
)

const (
	sshContainerPort    = 22
	dockerContainerPort = 2376
	shmSize             = 128 * units.MiB
)

type resources struct {
	memoryBytes int64
	nanoCPUs    int64
}

func parseResources(limits types.ResourceLimits) (resources, error) {
	var r resources

	if limits.Memory != "" {
		mem, err := units.RAMInBytes(limits.Memory)
		if err != nil {
			return r, &types.ErrInvalidRequest{Reason: fmt.Sprintf("invalid memory limit %q: %v", limits.Memory, err)}
		}
		r.memoryBytes = mem
	}
	if limits.Disk != "" {
		if _, err := units.RAMInBytes(limits.Disk); err != nil {
			return r, &types.ErrInvalidRequest{Reason: fmt.Sprintf("invalid disk limit %q: %v", limits.Disk, err)}
		}
	}
	if limits.CPUs < 0 {
		return r, &types.ErrInvalidRequest{Reason: "cpus must not be negative"}
	}
	r.nanoCPUs = int64(limits.CPUs * 1e9)
	return r, nil
}

// provision creates and starts the sandbox container, waits for its inner
// daemon and marks the instance running. Any failure marks it error, removes
// the partial container and drops the instance from memory; the store keeps
// the failed record.
func (m *Manager) provision(ctx context.Context, instanceId string) {
	start := time.Now()

	inst, ok := m.snapshot(instanceId)
	if !ok {
		return
	}

	containerId, err := m.startContainer(ctx, inst)
	if err != nil {
		m.failProvision(ctx, instanceId, containerId, "create", err)
		return
	}

	if _, err := m.update(ctx, instanceId, func(i *types.Instance) bool {
		i.ContainerID = containerId
		return true
	}); err != nil {
		m.failProvision(ctx, instanceId, containerId, "persist", err)
		return
	}

	if err := m.waitUntilReady(ctx, instanceId, containerId); err != nil {
		m.failProvision(ctx, instanceId, containerId, "readiness", err)
		return
	}

	if _, err := m.update(ctx, instanceId, func(i *types.Instance) bool {
		i.Status = types.InstanceStatusRunning
		return true
	}); err != nil {
		m.failProvision(ctx, instanceId, containerId, "persist", err)
		return
	}

	common.ProvisionDuration.Observe(time.Since(start).Seconds())
	log.Info().
		Str("instance_id", instanceId).
		Str("container_id", containerId).
		Dur("elapsed", time.Since(start)).
		Msg("playground instance is running")
}

func (m *Manager) startContainer(ctx context.Context, inst *types.Instance) (string, error) {
	if err := m.engine.EnsureImage(ctx, m.config.Image); err != nil {
		return "", err
	}

	spec, err := m.containerSpec(inst)
	if err != nil {
		return "", err
	}

	containerId, err := m.engine.CreateContainer(ctx, spec)
	if err != nil {
		return "", err
	}

	if err := m.engine.StartContainer(ctx, containerId); err != nil {
		return containerId, fmt.Errorf("start container: %w", err)
	}

	log.Info().Str("instance_id", inst.ID).Str("container_id", containerId).Msg("sandbox container started")
	return containerId, nil
}

func (m *Manager) containerSpec(inst *types.Instance) (engine.ContainerSpec, error) {
	res, err := parseResources(inst.ResourceLimits)
	if err != nil {
		return engine.ContainerSpec{}, err
	}

	script, err := renderBootScript(bootScriptData{
		ID:            inst.ID,
		Name:          inst.Name,
		SSHPort:       inst.SSHPort,
		DockerPort:    inst.DockerPort,
		WebPort:       inst.WebPort,
		ExpiresAt:     inst.ExpiresAt.Format(time.RFC3339),
		WorkspaceDir:  m.config.WorkspaceDir,
		PrePullImages: m.config.PrePullImages,
	})
	if err != nil {
		return engine.ContainerSpec{}, err
	}

	volumes := volumeNames(inst.ID)
	return engine.ContainerSpec{
		Name:        "playground-" + inst.ID,
		Image:       m.config.Image,
		Entrypoint:  []string{"sh", "-c"},
		Cmd:         []string{script},
		Env:         sandboxEnv(inst),
		Hostname:    "playground-" + inst.ID,
		Privileged:  true,
		SecurityOpt: []string{"apparmor:unconfined"},
		CapAdd:      []string{"SYS_ADMIN"},
		Devices:     []string{"/dev/fuse"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=256m",
			"/run": "rw,noexec,nosuid,size=64m",
		},
		Ulimits: []engine.Ulimit{
			{Name: "nofile", Soft: 65536, Hard: 65536},
			{Name: "nproc", Soft: 4096, Hard: 4096},
		},
		ShmSize:     shmSize,
		MemoryBytes: res.memoryBytes,
		NanoCPUs:    res.nanoCPUs,
		Ports: map[int]int{
			sshContainerPort:    inst.SSHPort,
			dockerContainerPort: inst.DockerPort,
			inst.WebPort:        inst.WebPort,
		},
		Volumes: map[string]string{
			volumes[0]: "/var/lib/docker",
			volumes[1]: m.config.WorkspaceDir,
		},
		Labels: map[string]string{
			m.labelKey("id"):      inst.ID,
			m.labelKey("name"):    inst.Name,
			m.labelKey("created"): inst.CreatedAt.Format(time.RFC3339),
		},
	}, nil
}

// sandboxEnv returns the identifying and daemon variables followed by the
// instance's own environment, which may override them.
func sandboxEnv(inst *types.Instance) []string {
	env := []string{
		"PLAYGROUND_ID=" + inst.ID,
		"PLAYGROUND_NAME=" + inst.Name,
		"DOCKER_TLS_CERTDIR=",
		fmt.Sprintf("DOCKER_HOST=tcp://0.0.0.0:%d", dockerContainerPort),
	}
	for k, v := range inst.Environment {
		env = append(env, k+"="+v)
	}
	return env
}

func (m *Manager) failProvision(ctx context.Context, instanceId, containerId, stage string, cause error) {
	common.InstancesFailed.WithLabelValues(stage).Inc()
	log.Error().Err(cause).Str("instance_id", instanceId).Str("stage", stage).Msg("playground provisioning failed")

	// Cleanup must run even when ctx was cancelled mid-provision.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.StopTimeout+30*time.Second)
	defer cancel()

	if containerId != "" {
		if err := m.engine.RemoveContainer(cleanupCtx, containerId); err != nil && !engine.IsNotFound(err) {
			log.Warn().Err(err).Str("container_id", containerId).Msg("failed to remove partial container")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceId]
	if !ok {
		return
	}
	inst.Status = types.InstanceStatusError
	if err := m.store.Save(cleanupCtx, inst.Clone()); err != nil {
		log.Error().Err(err).Str("instance_id", instanceId).Msg("failed to persist provisioning failure")
	}
	delete(m.instances, instanceId)
	common.InstancesActive.Set(float64(len(m.instances)))
}
