package apiv1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/streams"
	"github.com/beam-cloud/playground/pkg/types"
)

const defaultHeartbeatInterval = time.Second

type RunService interface {
	StartRun(ctx context.Context, req types.StartRunRequest) (*types.RunResult, error)
	GetRun(ctx context.Context, runId string) (*types.RunResult, error)
	ListRuns(ctx context.Context) ([]*types.RunResult, error)
}

// RunStreams is the subscriber side of the event broker.
type RunStreams interface {
	Subscribe(ctx context.Context, runID string) (*streams.Subscription, error)
	Unsubscribe(sub *streams.Subscription)
}

type RunsGroup struct {
	routerGroup *echo.Group
	runs        RunService
	streams     RunStreams
	heartbeat   time.Duration
	upgrader    websocket.Upgrader
}

type StartRunResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
}

func NewRunsGroup(routerGroup *echo.Group, runs RunService, streams RunStreams, heartbeat time.Duration) *RunsGroup {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	g := &RunsGroup{
		routerGroup: routerGroup,
		runs:        runs,
		streams:     streams,
		heartbeat:   heartbeat,
		upgrader:    newUpgrader(),
	}
	g.registerRoutes()
	return g
}

func (g *RunsGroup) registerRoutes() {
	g.routerGroup.GET("", g.ListRuns)
	g.routerGroup.POST("", g.CreateRun)
	g.routerGroup.POST("/start/:workflowId", g.StartWorkflow)
	g.routerGroup.GET("/stream/:id", g.StreamRun)
	g.routerGroup.GET("/:id", g.GetRun)
	g.routerGroup.GET("/:id/stream", g.StreamRun)
	g.routerGroup.GET("/:id/ws", g.StreamRunWS)
}

func (g *RunsGroup) ListRuns(c echo.Context) error {
	runs, err := g.runs.ListRuns(c.Request().Context())
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, runs)
}

func (g *RunsGroup) CreateRun(c echo.Context) error {
	var req types.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "invalid request body")
	}
	return g.start(c, req)
}

// StartWorkflow starts a run with an optional JSON body of initial context.
func (g *RunsGroup) StartWorkflow(c echo.Context) error {
	req := types.StartRunRequest{WorkflowID: c.Param("workflowId")}
	if c.Request().ContentLength > 0 {
		var body struct {
			Context              map[string]any `json:"context"`
			PlaygroundInstanceID string         `json:"playground_instance_id"`
		}
		if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
			return ErrorResponse(c, http.StatusBadRequest, "invalid request body")
		}
		req.Context = body.Context
		req.PlaygroundInstanceID = body.PlaygroundInstanceID
	}
	return g.start(c, req)
}

func (g *RunsGroup) start(c echo.Context, req types.StartRunRequest) error {
	run, err := g.runs.StartRun(c.Request().Context(), req)
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, StartRunResponse{Status: "started", RunID: run.RunID})
}

func (g *RunsGroup) GetRun(c echo.Context) error {
	run, err := g.runs.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, run)
}

// StreamRun serves a run's events as server-sent events.
func (g *RunsGroup) StreamRun(c echo.Context) error {
	runId := c.Param("id")

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	send := func(event types.StreamEvent) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
			return err
		}
		res.Flush()
		return nil
	}

	if err := g.streamRun(c.Request().Context(), runId, send); err != nil {
		log.Debug().Err(err).Str("run_id", runId).Msg("run stream ended")
	}
	return nil
}

// StreamRunWS serves the same events over a websocket and answers ping
// messages with pong.
func (g *RunsGroup) StreamRunWS(c echo.Context) error {
	runId := c.Param("id")

	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn().Err(err).Str("run_id", runId).Msg("run websocket upgrade failed")
		return nil
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	var mu sync.Mutex
	send := func(event types.StreamEvent) error {
		mu.Lock()
		defer mu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteJSON(event)
	}

	go func() {
		defer cancel()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if isPing(data) {
				if err := send(types.NewStreamEvent(types.StreamEventPong, runId, nil)); err != nil {
					return
				}
			}
		}
	}()

	if err := g.streamRun(ctx, runId, send); err != nil {
		log.Debug().Err(err).Str("run_id", runId).Msg("run websocket ended")
	}
	return nil
}

func isPing(data []byte) bool {
	if string(data) == "ping" {
		return true
	}
	var msg struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &msg) == nil && msg.Type == "ping"
}

// streamRun sends connected, replays the logs already recorded for the run,
// then forwards live events until the run finishes or ctx ends. A heartbeat
// is sent whenever no event arrived for one interval.
func (g *RunsGroup) streamRun(ctx context.Context, runId string, send func(types.StreamEvent) error) error {
	// Subscribe before the replay so nothing published in between is lost.
	sub, err := g.streams.Subscribe(ctx, runId)
	if err != nil {
		send(types.NewStreamEvent(types.StreamEventError, runId, map[string]any{"error": err.Error()}))
		return err
	}
	defer g.streams.Unsubscribe(sub)

	if err := send(types.NewStreamEvent(types.StreamEventConnected, runId, nil)); err != nil {
		return err
	}

	replayed := map[string]int{}
	if run, err := g.runs.GetRun(ctx, runId); err == nil {
		for _, entry := range run.Logs {
			if err := send(types.NewStreamEvent(types.StreamEventLog, runId, types.LogEventData(entry))); err != nil {
				return err
			}
			replayed[entry.StepID]++
		}
		if run.Status.Terminal() {
			return send(types.NewStreamEvent(types.StreamEventRunFinished, runId, types.RunFinishedEventData(run)))
		}
	}

	heartbeat := time.NewTicker(g.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-sub.Events():
			if !ok {
				return send(types.NewStreamEvent(types.StreamEventError, runId, map[string]any{"error": "stream closed"}))
			}
			if event.Type == types.StreamEventLog {
				stepId, _ := event.Data["step_id"].(string)
				if replayed[stepId] > 0 {
					replayed[stepId]--
					continue
				}
			}
			if err := send(event); err != nil {
				return err
			}
			if event.Type == types.StreamEventRunFinished {
				return nil
			}
			heartbeat.Reset(g.heartbeat)

		case <-heartbeat.C:
			if err := send(types.NewStreamEvent(types.StreamEventHeartbeat, runId, nil)); err != nil {
				return err
			}
		}
	}
}
