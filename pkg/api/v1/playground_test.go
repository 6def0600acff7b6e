package apiv1

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/playground/pkg/engine"
	"github.com/beam-cloud/playground/pkg/types"
)

func TestPlaygroundCreateGetDelete(t *testing.T) {
	env := newAPIEnv(t)
	inst := env.createRunningInstance(t)

	rec := env.do(t, http.MethodGet, "/api/v1/playground/"+inst.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got types.Instance
	decode(t, rec, &got)
	assert.Equal(t, types.InstanceStatusRunning, got.Status)

	rec = env.do(t, http.MethodGet, "/api/v1/playground", nil)
	var list []types.Instance
	decode(t, rec, &list)
	require.Len(t, list, 1)

	rec = env.do(t, http.MethodDelete, "/api/v1/playground/"+inst.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msg MessageResponse
	decode(t, rec, &msg)
	assert.Equal(t, "Instance "+inst.ID+" deleted successfully", msg.Message)

	rec = env.do(t, http.MethodGet, "/api/v1/playground/"+inst.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaygroundCreateRejectsBadLimits(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/playground", map[string]any{
		"resource_limits": map[string]any{"memory": "lots"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode(t, rec, nil)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "invalid memory limit")
}

func TestPlaygroundExtendAndRefresh(t *testing.T) {
	env := newAPIEnv(t)
	inst := env.createRunningInstance(t)

	rec := env.do(t, http.MethodPost, "/api/v1/playground/"+inst.ID+"/extend", map[string]any{"hours": 2})
	require.Equal(t, http.StatusOK, rec.Code)
	var extended types.Instance
	decode(t, rec, &extended)
	assert.True(t, extended.ExpiresAt.After(inst.ExpiresAt))

	rec = env.do(t, http.MethodPost, "/api/v1/playground/"+inst.ID+"/extend", map[string]any{"hours": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/playground/"+inst.ID+"/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msg MessageResponse
	decode(t, rec, &msg)
	assert.Equal(t, "Instance "+inst.ID+" status: running (Ready to use)", msg.Message)

	rec = env.do(t, http.MethodPost, "/api/v1/playground/missing/refresh", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaygroundCommand(t *testing.T) {
	env := newAPIEnv(t)
	inst := env.createRunningInstance(t)

	env.engine.ExecFunc = func(containerID string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		return &engine.ExecResult{ExitCode: 1, Stdout: []byte("nope\n")}, nil
	}

	rec := env.do(t, http.MethodPost, "/api/v1/playground/"+inst.ID+"/command", map[string]any{"command": "false"})
	require.Equal(t, http.StatusOK, rec.Code)
	var out CommandResponse
	decode(t, rec, &out)
	assert.Equal(t, "false", out.Command)
	assert.Equal(t, "nope\n\n[exit_code]=1", out.Output)

	rec = env.do(t, http.MethodPost, "/api/v1/playground/"+inst.ID+"/command", map[string]any{"command": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/playground/unknown/command", map[string]any{"command": "ls"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaygroundStatsUnknownInstance(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/playground/unknown/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaygroundFiles(t *testing.T) {
	env := newAPIEnv(t)
	inst := env.createRunningInstance(t)

	rec := env.do(t, http.MethodPost, "/api/v1/playground/"+inst.ID+"/files", map[string]any{
		"file_path": "notes/todo.txt",
		"content":   "ship it",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var msg MessageResponse
	decode(t, rec, &msg)
	assert.Equal(t, "File /playground/notes/todo.txt uploaded successfully", msg.Message)

	rec = env.do(t, http.MethodGet, "/api/v1/playground/"+inst.ID+"/files/download", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.engine.ExecFunc = func(containerID string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		return &engine.ExecResult{ExitCode: 2}, nil
	}
	rec = env.do(t, http.MethodGet, "/api/v1/playground/"+inst.ID+"/files/download?path=missing.txt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaygroundCleanupRequiresAdminToken(t *testing.T) {
	env := newAPIEnv(t)
	env.engine.AddContainer(engine.ContainerSpec{
		Name:   "stray",
		Labels: map[string]string{"playground.instance.id": "stray"},
	}, engine.StateRunning)

	rec := env.do(t, http.MethodPost, "/api/v1/playground/cleanup", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, env.engine.ContainerCount())

	rec = env.do(t, http.MethodPost, "/api/v1/playground/cleanup", nil, "Authorization", "Bearer "+testAdminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var msg MessageResponse
	decode(t, rec, &msg)
	assert.Equal(t, "Removed 1 orphaned containers", msg.Message)
	assert.Equal(t, 0, env.engine.ContainerCount())
}

func TestPlaygroundTerminalWebsocket(t *testing.T) {
	env := newAPIEnv(t)
	inst := env.createRunningInstance(t)

	shell := engine.NewFakeShell("exec-1")
	env.engine.ShellFunc = func(containerID string, opts engine.ExecOptions) (engine.Shell, error) {
		return shell, nil
	}

	srv := httptest.NewServer(env.echo)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/playground/" + inst.ID + "/terminal?cols=120&rows=40"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	var connected types.TerminalFrame
	require.NoError(t, ws.ReadJSON(&connected))
	assert.Equal(t, types.TerminalFrameConnected, connected.Type)
	assert.NotEmpty(t, connected.SessionID)

	require.NoError(t, ws.WriteJSON(types.TerminalFrame{Type: types.TerminalFrameInput, Data: "ls\n"}))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("pwd\n")))

	shell.Emit([]byte("hello"))
	var output types.TerminalFrame
	require.NoError(t, ws.ReadJSON(&output))
	assert.Equal(t, types.TerminalFrameOutput, output.Type)
	assert.Equal(t, "hello", output.Data)

	assert.Eventually(t, func() bool { return shell.Input() == "ls\npwd\n" }, 2*time.Second, 5*time.Millisecond)

	cols, rows := shell.Size()
	assert.Equal(t, uint(120), cols)
	assert.Equal(t, uint(40), rows)

	rec := env.do(t, http.MethodGet, "/api/v1/playground/"+inst.ID+"/terminal/sessions", nil)
	var sessions []types.TerminalSession
	decode(t, rec, &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, connected.SessionID, sessions[0].SessionID)
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"engine":"ok"`)

	env.engine.PingErr = assert.AnError
	rec = env.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHostTerminalDisabledByDefault(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/terminal/ws", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
