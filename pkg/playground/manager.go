package playground

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/beam-cloud/playground/pkg/common"
	"github.com/beam-cloud/playground/pkg/engine"
	"github.com/beam-cloud/playground/pkg/repository"
	"github.com/beam-cloud/playground/pkg/types"
)

const (
	createLockTtlS     = 60
	createLockRetries  = 100
	daemonProbeTimeout = 15 * time.Second
	activityFlushDelay = 2 * time.Second
)

// Manager owns the lifecycle of playground instances. The instances map is the
// source of truth while the process runs; every mutation except activity
// timestamps is written through to the store while mu is held.
type Manager struct {
	ctx      context.Context
	config   types.PlaygroundConfig
	terminal types.TerminalConfig
	engine   engine.Engine
	store    repository.InstanceRepository
	lock     *common.RedisLock

	mu        sync.RWMutex
	instances map[string]*types.Instance
	watching  map[string]bool

	refreshGroup singleflight.Group
	activity     *common.Debouncer

	sessionsMu sync.Mutex
	sessions   map[string]*terminalSession

	now func() time.Time
}

type ManagerOption func(*Manager)

// WithRedisLock serializes instance creation across gateway replicas that
// share one container engine.
func WithRedisLock(lock *common.RedisLock) ManagerOption {
	return func(m *Manager) {
		m.lock = lock
	}
}

func withClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager loads persisted instances and reconciles them against the engine.
// ctx bounds background work such as provisioning and installing watches.
func NewManager(ctx context.Context, config types.PlaygroundConfig, terminal types.TerminalConfig, eng engine.Engine, store repository.InstanceRepository, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		ctx:       ctx,
		config:    withPlaygroundDefaults(config),
		terminal:  withTerminalDefaults(terminal),
		engine:    eng,
		store:     store,
		instances: make(map[string]*types.Instance),
		watching:  make(map[string]bool),
		sessions:  make(map[string]*terminalSession),
		activity:  common.NewDebouncer(activityFlushDelay),
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(m)
	}

	if err := m.load(ctx); err != nil {
		return nil, err
	}

	return m, nil
}

// Start removes orphaned containers, warms the sandbox image and then runs
// the expiry reaper until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	log.Warn().
		Int("docker_port_base", m.config.Ports.Docker).
		Msg("playground sandboxes expose an unauthenticated docker daemon on their docker port; keep it on a trusted network")

	if removed, err := m.CollectOrphans(ctx); err != nil {
		log.Error().Err(err).Msg("orphan collection failed")
	} else if removed > 0 {
		log.Info().Int("removed", removed).Msg("removed orphaned playground containers")
	}

	go func() {
		if err := m.engine.EnsureImage(ctx, m.config.Image); err != nil {
			log.Warn().Err(err).Str("image", m.config.Image).Msg("failed to pre-pull playground image")
		}
	}()

	m.runReaper(ctx)
}

func (m *Manager) load(ctx context.Context) error {
	saved, err := m.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load playground instances: %w", err)
	}

	now := m.now()
	active := make([]*types.Instance, 0, len(saved))
	var installing []string

	for _, inst := range saved {
		if inst.Expired(now) {
			log.Info().Str("instance_id", inst.ID).Msg("dropping expired instance")
			continue
		}

		// A creation interrupted by a restart has no provisioner left to finish it.
		if inst.Status == types.InstanceStatusCreating {
			inst.Status = types.InstanceStatusError
		}

		if inst.Status != types.InstanceStatusError || inst.ContainerID != "" {
			inst.Status = m.observeStatus(ctx, inst)
		}

		if inst.Status == types.InstanceStatusError && inst.ContainerID == "" {
			active = append(active, inst)
			continue
		}

		m.instances[inst.ID] = inst
		active = append(active, inst)
		if inst.Status == types.InstanceStatusInstalling {
			installing = append(installing, inst.ID)
		}

		log.Info().Str("instance_id", inst.ID).Str("status", string(inst.Status)).Msg("loaded playground instance")
	}

	if err := m.store.SaveAll(ctx, active); err != nil {
		return fmt.Errorf("failed to rewrite playground instances: %w", err)
	}

	for _, id := range installing {
		m.startInstallingWatch(id)
	}

	common.InstancesActive.Set(float64(len(m.instances)))
	return nil
}

// Create registers a new instance and provisions it in the background.
func (m *Manager) Create(ctx context.Context, req types.CreateInstanceRequest) (*types.Instance, error) {
	hours := req.DurationHours
	if hours <= 0 {
		hours = types.DefaultSessionHours
	}
	if err := m.checkHours(hours); err != nil {
		return nil, err
	}

	limits := m.config.Resources
	if req.ResourceLimits != nil {
		if req.ResourceLimits.Memory != "" {
			limits.Memory = req.ResourceLimits.Memory
		}
		if req.ResourceLimits.CPUs > 0 {
			limits.CPUs = req.ResourceLimits.CPUs
		}
		if req.ResourceLimits.Disk != "" {
			limits.Disk = req.ResourceLimits.Disk
		}
	}
	if _, err := parseResources(limits); err != nil {
		return nil, err
	}

	id := common.GenerateInstanceID()
	name := req.Name
	if name == "" {
		name = "playground-" + id
	}

	env := make(map[string]string, len(m.config.Environment)+len(req.Environment))
	for k, v := range m.config.Environment {
		env[k] = v
	}
	for k, v := range req.Environment {
		env[k] = v
	}

	if m.lock != nil {
		key := common.Keys.InstanceCreateLock()
		if err := m.lock.Acquire(ctx, key, common.RedisLockOptions{TtlS: createLockTtlS, Retries: createLockRetries}); err != nil {
			return nil, fmt.Errorf("failed to acquire creation lock: %w", err)
		}
		defer m.lock.Release(key)
	}

	enginePorts := m.enginePortsInUse(ctx)

	m.mu.Lock()
	now := m.now()
	ports, err := m.allocatePorts(enginePorts)
	if err != nil {
		m.mu.Unlock()
		common.InstancesFailed.WithLabelValues("ports").Inc()
		return nil, err
	}

	inst := &types.Instance{
		ID:             id,
		Name:           name,
		SSHPort:        ports.SSH,
		DockerPort:     ports.Docker,
		WebPort:        ports.Web,
		Status:         types.InstanceStatusCreating,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(hours) * time.Hour),
		LastActivity:   now,
		Environment:    env,
		ResourceLimits: limits,
	}

	m.instances[id] = inst
	if err := m.store.Save(ctx, inst.Clone()); err != nil {
		delete(m.instances, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to persist instance: %w", err)
	}
	created := inst.Clone()
	common.InstancesActive.Set(float64(len(m.instances)))
	m.mu.Unlock()

	common.InstancesCreated.Inc()
	log.Info().
		Str("instance_id", id).
		Str("name", name).
		Int("ssh_port", ports.SSH).
		Int("docker_port", ports.Docker).
		Int("web_port", ports.Web).
		Msg("playground instance creation started")

	go m.provision(m.ctx, id)

	return created, nil
}

// Get returns an instance after reconciling its status with the engine.
func (m *Manager) Get(ctx context.Context, instanceId string) (*types.Instance, error) {
	return m.Refresh(ctx, instanceId)
}

// List returns every known instance, oldest first, with refreshed status.
func (m *Manager) List(ctx context.Context) []*types.Instance {
	m.mu.RLock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make([]*types.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := m.Refresh(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, inst)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Extend pushes the expiry to the later of expiry+hours and now+hours.
func (m *Manager) Extend(ctx context.Context, instanceId string, hours int) (*types.Instance, error) {
	if hours <= 0 {
		return nil, &types.ErrInvalidRequest{Reason: "hours must be greater than zero"}
	}
	if err := m.checkHours(hours); err != nil {
		return nil, err
	}

	d := time.Duration(hours) * time.Hour
	inst, err := m.update(ctx, instanceId, func(i *types.Instance) bool {
		extended := i.ExpiresAt.Add(d)
		if fromNow := m.now().Add(d); fromNow.After(extended) {
			extended = fromNow
		}
		i.ExpiresAt = extended
		return true
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("instance_id", instanceId).Int("hours", hours).Time("expires_at", inst.ExpiresAt).Msg("extended playground instance")
	return inst, nil
}

// checkHours bounds a lifetime request so the expiry stays representable
// and after the creation time.
func (m *Manager) checkHours(hours int) error {
	if hours > m.config.MaxSessionHours {
		return &types.ErrInvalidRequest{Reason: fmt.Sprintf("hours must be at most %d", m.config.MaxSessionHours)}
	}
	return nil
}

// Delete removes the container, both volumes, the store record and the
// in-memory entry. Engine resources that are already gone count as removed.
func (m *Manager) Delete(ctx context.Context, instanceId string) error {
	inst, ok := m.snapshot(instanceId)
	if !ok {
		return &types.ErrInstanceNotFound{InstanceID: instanceId}
	}

	m.closeSessionsFor(instanceId)
	m.activity.Cancel(instanceId)

	if err := m.removeResources(ctx, instanceId, inst.ContainerID); err != nil {
		log.Warn().Err(err).Str("instance_id", instanceId).Msg("engine cleanup incomplete")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[instanceId]; !ok {
		return &types.ErrInstanceNotFound{InstanceID: instanceId}
	}
	delete(m.instances, instanceId)
	common.InstancesActive.Set(float64(len(m.instances)))

	if _, err := m.store.Delete(ctx, instanceId); err != nil {
		return fmt.Errorf("failed to delete instance record: %w", err)
	}

	log.Info().Str("instance_id", instanceId).Msg("deleted playground instance")
	return nil
}

// removeResources stops and removes a container and the instance's volumes.
func (m *Manager) removeResources(ctx context.Context, instanceId, containerId string) error {
	var errs []error

	if containerId != "" {
		if err := m.engine.StopContainer(ctx, containerId, m.config.StopTimeout); err != nil && !engine.IsNotFound(err) {
			log.Debug().Err(err).Str("container_id", containerId).Msg("stop failed, forcing removal")
		}
		if err := m.engine.RemoveContainer(ctx, containerId); err != nil && !engine.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove container %s: %w", containerId, err))
		}
	}

	for _, name := range volumeNames(instanceId) {
		if err := m.engine.RemoveVolume(ctx, name); err != nil && !engine.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove volume %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) snapshot(instanceId string) (*types.Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[instanceId]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

// update applies fn under the write lock and persists when fn reports a change.
func (m *Manager) update(ctx context.Context, instanceId string, fn func(*types.Instance) bool) (*types.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceId]
	if !ok {
		return nil, &types.ErrInstanceNotFound{InstanceID: instanceId}
	}

	if fn(inst) {
		if err := m.store.Save(ctx, inst.Clone()); err != nil {
			return inst.Clone(), fmt.Errorf("failed to persist instance %s: %w", instanceId, err)
		}
	}
	return inst.Clone(), nil
}

// touch records activity in memory right away. The write to the store is
// debounced per instance so a busy terminal does not rewrite it every keystroke.
func (m *Manager) touch(ctx context.Context, instanceId string) {
	_, err := m.update(ctx, instanceId, func(i *types.Instance) bool {
		i.LastActivity = m.now()
		return false
	})
	if err != nil {
		log.Debug().Err(err).Str("instance_id", instanceId).Msg("failed to record activity")
		return
	}

	m.activity.Call(instanceId, func() {
		if m.ctx.Err() != nil {
			return
		}
		if _, err := m.update(m.ctx, instanceId, func(*types.Instance) bool { return true }); err != nil {
			log.Debug().Err(err).Str("instance_id", instanceId).Msg("failed to persist activity")
		}
	})
}

// runningInstance returns a copy of a running instance or a typed error.
func (m *Manager) runningInstance(instanceId string) (*types.Instance, error) {
	inst, ok := m.snapshot(instanceId)
	if !ok {
		return nil, &types.ErrInstanceNotFound{InstanceID: instanceId}
	}
	if inst.Status != types.InstanceStatusRunning || inst.ContainerID == "" {
		return nil, &types.ErrInstanceNotRunning{InstanceID: instanceId, Status: inst.Status}
	}
	return inst, nil
}

// daemonReady reports whether the inner docker daemon answers `docker version`.
func (m *Manager) daemonReady(ctx context.Context, containerId string) bool {
	ctx, cancel := context.WithTimeout(ctx, daemonProbeTimeout)
	defer cancel()

	res, err := m.engine.Exec(ctx, containerId, engine.ExecOptions{Cmd: []string{"docker", "version"}})
	return err == nil && res.ExitCode == 0
}

func (m *Manager) labelKey(suffix string) string {
	return m.config.LabelPrefix + ".instance." + suffix
}

func volumeNames(instanceId string) []string {
	return []string{
		fmt.Sprintf("playground-%s-docker", instanceId),
		fmt.Sprintf("playground-%s-workspace", instanceId),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func withPlaygroundDefaults(c types.PlaygroundConfig) types.PlaygroundConfig {
	if c.Image == "" {
		c.Image = "docker:dind"
	}
	if c.LabelPrefix == "" {
		c.LabelPrefix = "playground"
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = "/playground"
	}
	if c.Ports.SSH == 0 {
		c.Ports.SSH = 2222
	}
	if c.Ports.Docker == 0 {
		c.Ports.Docker = 2376
	}
	if c.Ports.Web == 0 {
		c.Ports.Web = 8080
	}
	if c.Resources.Memory == "" {
		c.Resources.Memory = "1g"
	}
	if c.Resources.CPUs == 0 {
		c.Resources.CPUs = 1.0
	}
	if c.Resources.Disk == "" {
		c.Resources.Disk = "2g"
	}
	if c.MaxSessionHours <= 0 {
		c.MaxSessionHours = types.DefaultMaxSessionHours
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 180 * time.Second
	}
	if c.ReadyPollInterval == 0 {
		c.ReadyPollInterval = 3 * time.Second
	}
	if c.InstallWatchAttempts == 0 {
		c.InstallWatchAttempts = 30
	}
	if c.InstallWatchInterval == 0 {
		c.InstallWatchInterval = 10 * time.Second
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = 60 * time.Second
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.ExecTimeout == 0 {
		c.ExecTimeout = 90 * time.Second
	}
	return c
}

func withTerminalDefaults(c types.TerminalConfig) types.TerminalConfig {
	if c.ContainerCheckAttempts == 0 {
		c.ContainerCheckAttempts = 3
	}
	if c.ContainerCheckInterval == 0 {
		c.ContainerCheckInterval = 2 * time.Second
	}
	if c.DaemonCheckAttempts == 0 {
		c.DaemonCheckAttempts = 5
	}
	if c.DaemonCheckInterval == 0 {
		c.DaemonCheckInterval = 3 * time.Second
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = 8192
	}
	if c.MaxPendingBytes == 0 {
		c.MaxPendingBytes = 1024
	}
	if c.CancelGrace == 0 {
		c.CancelGrace = 2 * time.Second
	}
	return c
}
