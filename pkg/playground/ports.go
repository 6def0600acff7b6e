package playground

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/types"
)

const maxPort = 65535

type portSet map[int]struct{}

// enginePortsInUse lists the host ports bound by any labeled sandbox
// container, including ones this process does not know about. A listing
// failure is logged and treated as no engine-side ports.
func (m *Manager) enginePortsInUse(ctx context.Context) portSet {
	used := portSet{}

	containers, err := m.engine.ListContainers(ctx, m.labelKey("id"))
	if err != nil {
		log.Warn().Err(err).Msg("failed to list sandbox container ports")
		return used
	}

	for _, c := range containers {
		for _, p := range c.HostPorts {
			used[p] = struct{}{}
		}
	}
	return used
}

// allocatePorts picks an ssh, docker and web port. Callers must hold mu so
// that the chosen ports are inserted before the next allocation runs.
func (m *Manager) allocatePorts(enginePorts portSet) (types.PortsConfig, error) {
	used := make(portSet, len(enginePorts)+3*len(m.instances))
	for p := range enginePorts {
		used[p] = struct{}{}
	}
	for _, inst := range m.instances {
		for _, p := range inst.Ports() {
			used[p] = struct{}{}
		}
	}

	var ports types.PortsConfig
	var err error

	if ports.SSH, err = allocatePort("ssh", m.config.Ports.SSH, used); err != nil {
		return ports, err
	}
	if ports.Docker, err = allocatePort("docker", m.config.Ports.Docker, used); err != nil {
		return ports, err
	}
	if ports.Web, err = allocatePort("web", m.config.Ports.Web, used); err != nil {
		return ports, err
	}
	return ports, nil
}

// allocatePort returns the first port at or above base that is not in used,
// and marks it used.
func allocatePort(kind string, base int, used portSet) (int, error) {
	for p := base; p <= maxPort; p++ {
		if _, taken := used[p]; taken {
			continue
		}
		used[p] = struct{}{}
		return p, nil
	}
	return 0, &types.ErrPortAllocation{Kind: kind, From: base}
}
