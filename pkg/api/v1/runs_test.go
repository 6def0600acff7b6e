package apiv1

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/playground/pkg/types"
)

func (e *apiEnv) createWorkflow(t *testing.T, doc string) *types.Workflow {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/api/v1/workflows", doc)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var wf types.Workflow
	decode(t, rec, &wf)
	return &wf
}

func readSSE(t *testing.T, url string) []types.StreamEvent {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []types.StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event types.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		events = append(events, event)
	}
	return events
}

func eventTypes(events []types.StreamEvent) []types.StreamEventType {
	out := make([]types.StreamEventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestRunsStartAndGet(t *testing.T) {
	env := newAPIEnv(t)
	wf := env.createWorkflow(t, `{"name":"hello","steps":[{"id":"say","type":"command","command":"echo hi"}]}`)

	rec := env.do(t, http.MethodPost, "/api/v1/runs/start/"+wf.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var started StartRunResponse
	decode(t, rec, &started)
	assert.Equal(t, "started", started.Status)
	require.NotEmpty(t, started.RunID)

	env.service.Wait()

	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+started.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run types.RunResult
	decode(t, rec, &run)
	assert.Equal(t, types.RunStatusSuccess, run.Status)
	require.Len(t, run.Logs, 1)
	assert.Equal(t, "hi", run.Logs[0].Output)

	rec = env.do(t, http.MethodGet, "/api/v1/runs", nil)
	var runs []types.RunResult
	decode(t, rec, &runs)
	assert.Len(t, runs, 1)

	rec = env.do(t, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsCreateValidation(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/runs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode(t, rec, nil)
	assert.Equal(t, "workflow_id is required", resp.Error)

	rec = env.do(t, http.MethodPost, "/api/v1/runs", map[string]any{"workflow_id": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunStreamReplaysFinishedRun(t *testing.T) {
	env := newAPIEnv(t)
	wf := env.createWorkflow(t, `{"name":"two","steps":[
		{"id":"a","type":"command","command":"echo A"},
		{"id":"b","type":"command","command":"exit 1"}]}`)

	rec := env.do(t, http.MethodPost, "/api/v1/runs", map[string]any{"workflow_id": wf.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	var started StartRunResponse
	decode(t, rec, &started)
	env.service.Wait()

	srv := httptest.NewServer(env.echo)
	defer srv.Close()

	events := readSSE(t, srv.URL+"/api/v1/runs/"+started.RunID+"/stream")
	assert.Equal(t, []types.StreamEventType{
		types.StreamEventConnected,
		types.StreamEventLog,
		types.StreamEventLog,
		types.StreamEventRunFinished,
	}, eventTypes(events))
	assert.Equal(t, "error", events[3].Data["status"])
	assert.Equal(t, "success", events[1].Data["status"])
}

func TestRunStreamFollowsLiveRun(t *testing.T) {
	env := newAPIEnv(t)
	wf := env.createWorkflow(t, `{"name":"slow","steps":[
		{"id":"a","type":"command","command":"echo first"},
		{"id":"b","type":"command","command":"sleep 0.3; echo second"}]}`)

	rec := env.do(t, http.MethodPost, "/api/v1/runs/start/"+wf.ID, nil)
	var started StartRunResponse
	decode(t, rec, &started)

	srv := httptest.NewServer(env.echo)
	defer srv.Close()

	events := readSSE(t, srv.URL+"/api/v1/runs/stream/"+started.RunID)
	env.service.Wait()

	kinds := eventTypes(events)
	require.NotEmpty(t, kinds)
	assert.Equal(t, types.StreamEventConnected, kinds[0])
	assert.Equal(t, types.StreamEventRunFinished, kinds[len(kinds)-1])

	var logs []string
	for _, e := range events {
		if e.Type == types.StreamEventLog {
			logs = append(logs, e.Data["step_id"].(string))
		}
	}
	assert.Equal(t, []string{"a", "b"}, logs, "each step is reported exactly once")
	assert.Contains(t, kinds, types.StreamEventHeartbeat)
}

func TestRunWebsocketAnswersPing(t *testing.T) {
	env := newAPIEnv(t)

	srv := httptest.NewServer(env.echo)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/unknown-run/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	var event types.StreamEvent
	require.NoError(t, ws.ReadJSON(&event))
	assert.Equal(t, types.StreamEventConnected, event.Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	for {
		require.NoError(t, ws.ReadJSON(&event))
		if event.Type != types.StreamEventHeartbeat {
			break
		}
	}
	assert.Equal(t, types.StreamEventPong, event.Type)
	assert.Equal(t, "unknown-run", event.RunID)
}
