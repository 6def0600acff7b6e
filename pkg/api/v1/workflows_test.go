package apiv1

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/playground/pkg/types"
)

func TestWorkflowsYAMLLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	wf := env.createWorkflow(t, `
name: nightly
description: build and test
steps:
  - name: build
    type: command
    command: make
`)
	assert.Equal(t, "nightly", wf.Name)
	assert.Equal(t, "step_1", wf.Steps[0].ID)

	rec := env.do(t, http.MethodPut, "/api/v1/workflows/"+wf.ID, `{"name":"renamed","steps":[{"type":"command","command":"make test"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID, nil)
	var got types.Workflow
	decode(t, rec, &got)
	assert.Equal(t, "renamed", got.Name)

	rec = env.do(t, http.MethodGet, "/api/v1/workflows", nil)
	var list []types.Workflow
	decode(t, rec, &list)
	assert.Len(t, list, 1)

	rec = env.do(t, http.MethodDelete, "/api/v1/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowsRejectInvalid(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/workflows", `{"name":"x","steps":[{"type":"warp"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/workflows", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/workflows/missing", `{"name":"x","steps":[{"type":"ai","prompt":"p"}]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
