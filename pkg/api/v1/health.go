package apiv1

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/beam-cloud/playground/pkg/common"
)

const healthCheckTimeout = 5 * time.Second

// Pinger is anything the health check can probe, e.g. the container engine.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthGroup struct {
	redisClient *common.RedisClient
	engine      Pinger
	routerGroup *echo.Group
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks"`
	CPUPercent float64           `json:"cpu_percent"`
	MemPercent float64           `json:"mem_percent"`
	MemTotal   uint64            `json:"mem_total"`
}

// NewHealthGroup registers the health check. rdb is nil in local mode.
func NewHealthGroup(g *echo.Group, rdb *common.RedisClient, engine Pinger) *HealthGroup {
	group := &HealthGroup{routerGroup: g, redisClient: rdb, engine: engine}

	g.GET("", group.HealthCheck)

	return group
}

func (h *HealthGroup) HealthCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: map[string]string{}}

	if h.redisClient != nil {
		if err := h.redisClient.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Msg("health check failed: redis")
			resp.Status = "not ok"
			resp.Checks["redis"] = err.Error()
		} else {
			resp.Checks["redis"] = "ok"
		}
	}

	if h.engine != nil {
		if err := h.engine.Ping(ctx); err != nil {
			log.Error().Err(err).Msg("health check failed: container engine")
			resp.Status = "not ok"
			resp.Checks["engine"] = err.Error()
		} else {
			resp.Checks["engine"] = "ok"
		}
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.MemPercent = vm.UsedPercent
		resp.MemTotal = vm.Total
	}

	if resp.Status != "ok" {
		return c.JSON(http.StatusInternalServerError, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
