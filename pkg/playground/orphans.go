package playground

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/common"
)

// CollectOrphans removes labeled sandbox containers, and their volumes, whose
// instance id is not tracked in memory. It returns how many were removed.
func (m *Manager) CollectOrphans(ctx context.Context) (int, error) {
	idLabel := m.labelKey("id")

	containers, err := m.engine.ListContainers(ctx, idLabel)
	if err != nil {
		return 0, fmt.Errorf("failed to list sandbox containers: %w", err)
	}

	m.mu.RLock()
	known := make(map[string]bool, len(m.instances))
	for id := range m.instances {
		known[id] = true
	}
	m.mu.RUnlock()

	removed := 0
	for _, c := range containers {
		instanceId := c.Labels[idLabel]
		if instanceId == "" {
			log.Debug().Str("container_id", c.ID).Msg("skipping sandbox container without an instance id")
			continue
		}
		if known[instanceId] {
			continue
		}

		log.Info().Str("instance_id", instanceId).Str("container_id", c.ID).Str("state", c.State).Msg("removing orphaned sandbox")
		if err := m.removeResources(ctx, instanceId, c.ID); err != nil {
			log.Warn().Err(err).Str("container_id", c.ID).Msg("failed to remove orphaned sandbox")
			continue
		}

		common.OrphansRemoved.Inc()
		removed++
	}
	return removed, nil
}
