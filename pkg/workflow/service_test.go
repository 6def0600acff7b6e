package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/playground/pkg/repository"
	"github.com/beam-cloud/playground/pkg/types"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.StreamEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event types.StreamEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) kinds() []types.StreamEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.StreamEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type panickingRunner struct{}

func (panickingRunner) Run(ctx context.Context, command, workingDir string, timeout time.Duration) (string, int, error) {
	panic("runner exploded")
}

type serviceEnv struct {
	service   *Service
	runs      *repository.RunFileRepository
	workflows *repository.WorkflowFileRepository
	publisher *recordingPublisher
}

func newServiceEnv(t *testing.T, host CommandRunner) *serviceEnv {
	t.Helper()

	dir := t.TempDir()
	_, runs, workflows := repository.NewFileRepositoriesForTest(dir)
	publisher := &recordingPublisher{}
	in := NewInterpreter(host, nil, nil, nil, runs)

	return &serviceEnv{
		service:   NewService(context.Background(), types.WorkflowsConfig{RecentRuns: 10, RecentRunsTTL: time.Minute}, in, workflows, runs, publisher),
		runs:      runs,
		workflows: workflows,
		publisher: publisher,
	}
}

func (e *serviceEnv) createWorkflow(t *testing.T, steps ...types.Step) *types.Workflow {
	t.Helper()
	wf, err := e.service.CreateWorkflow(context.Background(), &types.Workflow{Name: "test", Steps: steps})
	require.NoError(t, err)
	return wf
}

func TestServiceRunPublishesProgress(t *testing.T) {
	env := newServiceEnv(t, NewHostExecutor())
	ctx := context.Background()
	wf := env.createWorkflow(t, commandStep("a", "echo one"), commandStep("b", "echo two"))

	started, err := env.service.StartRun(ctx, types.StartRunRequest{WorkflowID: wf.ID, Context: map[string]any{"who": "me"}})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, started.Status)
	assert.Equal(t, "me", started.Context["who"])

	env.service.Wait()

	assert.Equal(t, []types.StreamEventType{
		types.StreamEventRunStarted,
		types.StreamEventStepProgress,
		types.StreamEventLog,
		types.StreamEventStepProgress,
		types.StreamEventLog,
		types.StreamEventRunFinished,
	}, env.publisher.kinds())

	progress := env.publisher.events[3].Data
	assert.Equal(t, 2, progress["current_step"])
	assert.Equal(t, 2, progress["total_steps"])
	assert.Equal(t, "b", progress["step_name"])

	finished := env.publisher.events[5].Data
	assert.Equal(t, "success", finished["status"])

	run, err := env.service.GetRun(ctx, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSuccess, run.Status)
	require.Len(t, run.Logs, 2)
	assert.Equal(t, "two", run.Logs[1].Output)
}

func TestServiceGetRunFallsBackToStore(t *testing.T) {
	env := newServiceEnv(t, NewHostExecutor())
	ctx := context.Background()
	wf := env.createWorkflow(t, commandStep("a", "echo stored"))

	started, err := env.service.StartRun(ctx, types.StartRunRequest{WorkflowID: wf.ID})
	require.NoError(t, err)
	env.service.Wait()

	fresh := NewService(ctx, types.WorkflowsConfig{}, env.service.interpreter, env.workflows, env.runs, nil)
	_, cached := fresh.CachedRun(started.RunID)
	assert.False(t, cached)

	run, err := fresh.GetRun(ctx, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSuccess, run.Status)

	_, err = fresh.GetRun(ctx, "missing")
	assert.True(t, types.IsNotFound(err))
}

func TestServiceStartRunValidation(t *testing.T) {
	env := newServiceEnv(t, NewHostExecutor())

	_, err := env.service.StartRun(context.Background(), types.StartRunRequest{})
	assert.True(t, types.IsInvalidRequest(err))

	_, err = env.service.StartRun(context.Background(), types.StartRunRequest{WorkflowID: "nope"})
	assert.True(t, types.IsNotFound(err))
}

func TestServiceRecordsInterpreterCrash(t *testing.T) {
	env := newServiceEnv(t, panickingRunner{})
	ctx := context.Background()
	wf := env.createWorkflow(t, commandStep("a", "echo never"))

	started, err := env.service.StartRun(ctx, types.StartRunRequest{WorkflowID: wf.ID})
	require.NoError(t, err)
	env.service.Wait()

	saved, found, err := env.runs.Load(ctx, started.RunID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.RunStatusError, saved.Status)

	last := saved.Logs[len(saved.Logs)-1]
	assert.Equal(t, "error", last.StepID)
	assert.Equal(t, "Workflow Execution Error", last.StepName)
	assert.Equal(t, types.StepTypeError, last.StepType)
	assert.Equal(t, "runner exploded", last.Error)

	kinds := env.publisher.kinds()
	assert.Contains(t, kinds, types.StreamEventError)
	assert.Equal(t, types.StreamEventRunFinished, kinds[len(kinds)-1])
}

func TestServiceListRunsNewestFirst(t *testing.T) {
	env := newServiceEnv(t, NewHostExecutor())
	ctx := context.Background()
	wf := env.createWorkflow(t, commandStep("a", "true"))

	first, err := env.service.StartRun(ctx, types.StartRunRequest{WorkflowID: wf.ID})
	require.NoError(t, err)
	env.service.Wait()
	time.Sleep(5 * time.Millisecond)
	second, err := env.service.StartRun(ctx, types.StartRunRequest{WorkflowID: wf.ID})
	require.NoError(t, err)
	env.service.Wait()

	runs, err := env.service.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0].RunID)
	assert.Equal(t, first.RunID, runs[1].RunID)
}

func TestServiceWorkflowCRUD(t *testing.T) {
	env := newServiceEnv(t, NewHostExecutor())
	ctx := context.Background()

	_, err := env.service.CreateWorkflow(ctx, &types.Workflow{Name: "empty"})
	assert.True(t, types.IsInvalidRequest(err))

	_, err = env.service.CreateWorkflow(ctx, &types.Workflow{Name: "bad", Steps: []types.Step{{Type: types.StepTypeCommand}}})
	assert.True(t, types.IsInvalidRequest(err))

	wf, err := env.service.CreateWorkflow(ctx, &types.Workflow{Name: "ok", Steps: []types.Step{{Type: types.StepTypeCommand, Command: "ls"}}})
	require.NoError(t, err)
	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, "step_1", wf.Steps[0].ID)

	updated, err := env.service.UpdateWorkflow(ctx, wf.ID, &types.Workflow{Name: "renamed", Steps: wf.Steps})
	require.NoError(t, err)
	assert.Equal(t, wf.ID, updated.ID)
	assert.True(t, wf.CreatedAt.Equal(updated.CreatedAt))

	list, err := env.service.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "renamed", list[0].Name)

	require.NoError(t, env.service.DeleteWorkflow(ctx, wf.ID))
	_, err = env.service.GetWorkflow(ctx, wf.ID)
	assert.True(t, types.IsNotFound(err))
}

func TestParseWorkflow(t *testing.T) {
	yamlDoc := `
name: nightly
steps:
  - id: build
    name: build
    type: command
    command: make build
    timeout_seconds: 300
  - id: notify
    type: report
    report_config:
      template: "{build}"
      channels:
        - type: telegram
          config:
            bot_token: "1:x"
            chat_ids: ["1", "2"]
`
	wf, err := ParseWorkflow([]byte(yamlDoc))
	require.NoError(t, err)
	assert.Equal(t, "nightly", wf.Name)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, 300*time.Second, wf.Steps[0].Timeout())
	require.NotNil(t, wf.Steps[1].ReportConfig)
	assert.Equal(t, "telegram", wf.Steps[1].ReportConfig.Channels[0].Type)
	assert.NoError(t, ValidateWorkflow(wf))

	wf, err = ParseWorkflow([]byte(`{"name":"j","steps":[{"type":"ai","prompt":"hi"}]}`))
	require.NoError(t, err)
	assert.Equal(t, types.StepTypeAI, wf.Steps[0].Type)

	_, err = ParseWorkflow([]byte("  "))
	assert.True(t, types.IsInvalidRequest(err))

	_, err = ParseWorkflow([]byte("{broken"))
	assert.True(t, types.IsInvalidRequest(err))
}
