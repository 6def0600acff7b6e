package apiv1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/playground/pkg/engine"
	"github.com/beam-cloud/playground/pkg/playground"
	"github.com/beam-cloud/playground/pkg/repository"
	"github.com/beam-cloud/playground/pkg/streams"
	"github.com/beam-cloud/playground/pkg/types"
	"github.com/beam-cloud/playground/pkg/workflow"
)

const testAdminToken = "admin-secret"

type apiEnv struct {
	echo    *echo.Echo
	engine  *engine.FakeEngine
	manager *playground.Manager
	service *workflow.Service
	broker  *streams.Broker
	ctx     context.Context
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dir := t.TempDir()
	instances, runs, workflows := repository.NewFileRepositoriesForTest(dir)

	eng := engine.NewFakeEngine()
	manager, err := playground.NewManager(ctx, types.PlaygroundConfig{
		ReadyTimeout:      2 * time.Second,
		ReadyPollInterval: 5 * time.Millisecond,
		ExecTimeout:       time.Second,
		StopTimeout:       time.Second,
	}, types.TerminalConfig{
		ContainerCheckInterval: time.Millisecond,
		DaemonCheckInterval:    time.Millisecond,
		CancelGrace:            100 * time.Millisecond,
	}, eng, instances)
	require.NoError(t, err)

	broker := streams.NewBroker(64)
	go broker.Start(ctx)

	interpreter := workflow.NewInterpreter(workflow.NewHostExecutor(), manager, nil, nil, runs)
	service := workflow.NewService(ctx, types.WorkflowsConfig{}, interpreter, workflows, runs, broker)

	e := echo.New()
	api := e.Group(HttpServerBaseRoute)
	NewHealthGroup(api.Group("/health"), nil, eng)
	NewPlaygroundGroup(api.Group("/playground"), manager, testAdminToken)
	NewWorkflowsGroup(api.Group("/workflows"), service)
	NewRunsGroup(api.Group("/runs"), service, broker, 50*time.Millisecond)
	NewHostTerminalGroup(api.Group("/terminal"), false)

	return &apiEnv{echo: e, engine: eng, manager: manager, service: service, broker: broker, ctx: ctx}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	e.echo.ServeHTTP(rec, req)
	return rec
}

// decode unmarshals the data field of a success envelope into out.
func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) Response {
	t.Helper()

	var raw struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	if out != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, out))
	}
	return Response{Success: raw.Success, Error: raw.Error}
}

func (e *apiEnv) createRunningInstance(t *testing.T) *types.Instance {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/api/v1/playground", map[string]any{"name": "api"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var inst types.Instance
	decode(t, rec, &inst)

	require.Eventually(t, func() bool {
		got, err := e.manager.Get(context.Background(), inst.ID)
		return err == nil && got.Status == types.InstanceStatusRunning
	}, 3*time.Second, 5*time.Millisecond)
	return &inst
}
