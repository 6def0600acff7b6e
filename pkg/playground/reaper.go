package playground

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/common"
)

func (m *Manager) runReaper(ctx context.Context) {
	ticker := time.NewTicker(m.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.reapExpired(ctx); n > 0 {
				log.Info().Int("count", n).Msg("reaped expired playground instances")
			}
		}
	}
}

// reapExpired deletes every instance past its expiry and returns how many
// were removed. Failures are logged and retried on the next tick.
func (m *Manager) reapExpired(ctx context.Context) int {
	now := m.now()

	m.mu.RLock()
	var expired []string
	for id, inst := range m.instances {
		if inst.Expired(now) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	reaped := 0
	for _, id := range expired {
		if err := m.Delete(ctx, id); err != nil {
			log.Error().Err(err).Str("instance_id", id).Msg("failed to reap expired instance")
			continue
		}
		common.InstancesReaped.Inc()
		reaped++
	}
	return reaped
}
