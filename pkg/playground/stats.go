package playground

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/engine"
	"github.com/beam-cloud/playground/pkg/types"
)

const statsTimeout = 15 * time.Second

// Stats returns a resource usage snapshot. Instances without a running
// container report zeros with their uptime; each metric degrades to zero on
// its own when the engine omits or mangles its fields.
func (m *Manager) Stats(ctx context.Context, instanceId string) (*types.InstanceStats, error) {
	inst, ok := m.snapshot(instanceId)
	if !ok {
		return nil, &types.ErrInstanceNotFound{InstanceID: instanceId}
	}

	stats := &types.InstanceStats{
		Uptime: int64(m.now().Sub(inst.CreatedAt).Seconds()),
	}
	if inst.ContainerID == "" {
		return stats, nil
	}

	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()

	state, err := m.engine.InspectContainer(ctx, inst.ContainerID)
	if err != nil || !state.Running {
		return stats, nil
	}

	raw, err := m.engine.Stats(ctx, inst.ContainerID)
	if err != nil {
		log.Warn().Err(err).Str("instance_id", instanceId).Msg("failed to read container stats")
		return stats, nil
	}

	stats.CPUUsage = cpuPercent(raw)
	stats.MemoryUsage, stats.MemoryLimit = memoryUsage(raw)
	stats.NetworkRx, stats.NetworkTx = networkTotals(raw)
	stats.ContainersCount = m.innerContainerCount(ctx, inst.ContainerID)
	return stats, nil
}

func cpuPercent(raw map[string]any) float64 {
	total, ok1 := lookupFloat(raw, "cpu_stats", "cpu_usage", "total_usage")
	preTotal, ok2 := lookupFloat(raw, "precpu_stats", "cpu_usage", "total_usage")
	system, ok3 := lookupFloat(raw, "cpu_stats", "system_cpu_usage")
	preSystem, ok4 := lookupFloat(raw, "precpu_stats", "system_cpu_usage")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return 0
	}

	systemDelta := system - preSystem
	if systemDelta <= 0 {
		return 0
	}

	cores := onlineCPUs(raw)
	usage := (total - preTotal) / systemDelta * cores * 100
	return round1(clamp(usage, 0, 100*cores))
}

func onlineCPUs(raw map[string]any) float64 {
	if n, ok := lookupFloat(raw, "cpu_stats", "online_cpus"); ok && n > 0 {
		return n
	}
	if usage, ok := lookup(raw, "cpu_stats", "cpu_usage", "percpu_usage"); ok {
		if list, ok := usage.([]any); ok && len(list) > 0 {
			return float64(len(list))
		}
	}
	return 1
}

func memoryUsage(raw map[string]any) (float64, int64) {
	used, ok1 := lookupFloat(raw, "memory_stats", "usage")
	limit, ok2 := lookupFloat(raw, "memory_stats", "limit")
	if !ok1 || !ok2 || limit <= 0 {
		return 0, 0
	}
	return round1(clamp(used/limit*100, 0, 100)), int64(limit)
}

func networkTotals(raw map[string]any) (int64, int64) {
	v, ok := lookup(raw, "networks")
	if !ok {
		return 0, 0
	}
	networks, ok := v.(map[string]any)
	if !ok {
		return 0, 0
	}

	var rx, tx float64
	for name := range networks {
		if n, ok := lookupFloat(networks, name, "rx_bytes"); ok {
			rx += n
		}
		if n, ok := lookupFloat(networks, name, "tx_bytes"); ok {
			tx += n
		}
	}
	return int64(rx), int64(tx)
}

func (m *Manager) innerContainerCount(ctx context.Context, containerId string) int {
	res, err := m.engine.Exec(ctx, containerId, engine.ExecOptions{Cmd: []string{"docker", "ps", "-q"}})
	if err != nil || res.ExitCode != 0 {
		return 0
	}

	count := 0
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

func lookup(raw map[string]any, path ...string) (any, bool) {
	var cur any = raw
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func lookupFloat(raw map[string]any, path ...string) (float64, bool) {
	v, ok := lookup(raw, path...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
