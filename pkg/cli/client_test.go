package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/playground/pkg/types"
)

func writeEnvelope(w http.ResponseWriter, status int, data any, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": errMsg == "",
		"data":    data,
		"error":   errMsg,
	})
}

func TestClientDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/playground/pg-1", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		writeEnvelope(w, http.StatusOK, types.Instance{ID: "pg-1", Status: types.InstanceStatusRunning}, "")
	}))
	defer srv.Close()

	inst, err := NewClient(srv.URL, "secret").GetInstance(context.Background(), "pg-1")
	require.NoError(t, err)
	assert.Equal(t, "pg-1", inst.ID)
	assert.Equal(t, types.InstanceStatusRunning, inst.Status)
}

func TestClientReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, nil, "instance pg-9 not found")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").GetInstance(context.Background(), "pg-9")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Resource not found (instance pg-9 not found)", FormatError(err))
}

func TestClientNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").ListRuns(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "bad gateway", apiErr.Message)
}

func TestApplyWorkflowUpdatesExisting(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			writeEnvelope(w, http.StatusOK, types.Workflow{ID: "wf-1"}, "")
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			assert.Contains(t, string(body), "name: nightly")
			writeEnvelope(w, http.StatusOK, types.Workflow{ID: "wf-1", Name: "nightly"}, "")
		default:
			t.Errorf("unexpected %s", r.Method)
		}
	}))
	defer srv.Close()

	wf, err := NewClient(srv.URL, "").ApplyWorkflow(context.Background(), "wf-1", []byte("id: wf-1\nname: nightly\n"))
	require.NoError(t, err)
	assert.Equal(t, "nightly", wf.Name)
	assert.Equal(t, []string{"GET /api/v1/workflows/wf-1", "PUT /api/v1/workflows/wf-1"}, methods)
}

func TestStreamRunParsesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/run-1/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range []types.StreamEvent{
			types.NewStreamEvent(types.StreamEventConnected, "run-1", nil),
			types.NewStreamEvent(types.StreamEventLog, "run-1", map[string]any{"step_id": "a"}),
			types.NewStreamEvent(types.StreamEventRunFinished, "run-1", map[string]any{"status": "success"}),
		} {
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, ": comment\n\n")
	}))
	defer srv.Close()

	var got []types.StreamEventType
	err := NewClient(srv.URL, "").StreamRun(context.Background(), "run-1", func(e types.StreamEvent) error {
		got = append(got, e.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []types.StreamEventType{
		types.StreamEventConnected,
		types.StreamEventLog,
		types.StreamEventRunFinished,
	}, got)
}

func TestTerminalURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8000/api/v1/playground/pg-1/terminal?cols=80&rows=24",
		NewClient("localhost:8000", "").TerminalURL("pg-1", 80, 24))
	assert.Equal(t, "wss://play.example.com/api/v1/playground/pg-1/terminal?cols=120&rows=40",
		NewClient("https://play.example.com/", "").TerminalURL("pg-1", 120, 40))
}

func TestParseEnv(t *testing.T) {
	env, err := parseEnv([]string{"A=1", "B=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, env)

	_, err = parseEnv([]string{"broken"})
	assert.Error(t, err)

	env, err = parseEnv(nil)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestFormatRelativeTime(t *testing.T) {
	assert.Equal(t, "-", FormatRelativeTime(time.Time{}))
	assert.Equal(t, "just now", FormatRelativeTime(time.Now()))
	assert.Equal(t, "2 hours ago", FormatRelativeTime(time.Now().Add(-2*time.Hour-time.Minute)))
	assert.Equal(t, "in 3 hours", FormatRelativeTime(time.Now().Add(3*time.Hour+time.Minute)))
	assert.Equal(t, "1 day ago", FormatRelativeTime(time.Now().Add(-25*time.Hour)))
}

func TestKeyValueLine(t *testing.T) {
	line := KeyValueLine("Run", "run_1", ValueStyle)
	assert.Contains(t, line, "Run")
	assert.Contains(t, line, "run_1")

	empty := KeyValueLine("Sandbox", "", ValueStyle)
	assert.Contains(t, empty, "Sandbox")
	assert.Contains(t, empty, "-")
}
