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

type fakePlayground struct {
	mu     sync.Mutex
	calls  []string
	output string
	ok     bool
}

func (f *fakePlayground) ExecuteForStep(ctx context.Context, instanceId, command, workingDir string, timeout time.Duration) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, instanceId+":"+command)
	return f.output, f.ok
}

type fakeAI struct {
	prompt, model, apiKey string
	reply                 string
	err                   error
}

func (f *fakeAI) Complete(ctx context.Context, prompt, model, apiKey string) (string, error) {
	f.prompt, f.model, f.apiKey = prompt, model, apiKey
	return f.reply, f.err
}

type fakeNotifier struct {
	vars    map[string]any
	results map[string]ChannelResult
}

func (f *fakeNotifier) Send(ctx context.Context, config *types.ReportConfig, vars map[string]any) map[string]ChannelResult {
	f.vars = vars
	return f.results
}

func commandStep(id, command string) types.Step {
	return types.Step{ID: id, Name: id, Type: types.StepTypeCommand, Command: command, TimeoutSeconds: 5}
}

func newRun(workflowId string) *types.RunResult {
	return &types.RunResult{
		RunID:      "run-1",
		WorkflowID: workflowId,
		Status:     types.RunStatusRunning,
		StartedAt:  time.Now().UTC(),
		Context:    map[string]any{},
		Logs:       []types.StepLog{},
	}
}

func TestRunStopsAtFirstFailingStep(t *testing.T) {
	ctx := context.Background()
	runs := repository.NewRunFileRepository(t.TempDir())
	in := NewInterpreter(NewHostExecutor(), nil, nil, nil, runs)

	wf := &types.Workflow{
		ID:   "wf-1",
		Name: "two steps",
		Steps: []types.Step{
			commandStep("first", "echo A"),
			commandStep("second", "echo broken >&2; exit 3"),
			commandStep("third", "echo C"),
		},
	}

	in.Run(ctx, wf, newRun(wf.ID), nil)

	saved, found, err := runs.Load(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, types.RunStatusError, saved.Status)
	assert.NotNil(t, saved.FinishedAt)
	require.Len(t, saved.Logs, 2)

	assert.Equal(t, types.StepStatusSuccess, saved.Logs[0].Status)
	assert.Contains(t, saved.Logs[0].Output, "A")

	assert.Equal(t, "second", saved.Logs[1].StepID)
	assert.Equal(t, types.StepStatusError, saved.Logs[1].Status)
	assert.Equal(t, "command exited with status 3", saved.Logs[1].Error)
	assert.Contains(t, saved.Logs[1].Output, "broken")
	assert.Contains(t, saved.Logs[1].Output, "[exit_code]=3")

	assert.Equal(t, "A", saved.Context["first"])
	assert.NotContains(t, saved.Context, "third")
}

func TestRunPassesOutputsToLaterSteps(t *testing.T) {
	ctx := context.Background()
	runs := repository.NewRunFileRepository(t.TempDir())
	in := NewInterpreter(NewHostExecutor(), nil, nil, nil, runs)

	second := commandStep("second", "echo {first}-{greeting}-{workflow_name}")
	second.Inputs = map[string]any{"greeting": "hi"}
	wf := &types.Workflow{
		ID:    "wf-2",
		Name:  "chain",
		Steps: []types.Step{commandStep("first", "echo hello"), second},
	}

	run := in.Run(ctx, wf, newRun(wf.ID), nil)

	assert.Equal(t, types.RunStatusSuccess, run.Status)
	require.Len(t, run.Logs, 2)
	assert.Equal(t, "hello-hi-chain", run.Logs[1].Output)
	assert.Equal(t, "hello-hi-chain", run.Context["last_output"])
	assert.Equal(t, "wf-2", run.Context["workflow_id"])

	_, found, err := runs.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRunCommandInPlayground(t *testing.T) {
	pg := &fakePlayground{output: "inside", ok: true}
	in := NewInterpreter(NewHostExecutor(), pg, nil, nil, nil)

	wf := &types.Workflow{ID: "wf", Name: "pg", Steps: []types.Step{commandStep("s", "uname -a")}}
	run := newRun(wf.ID)
	run.PlaygroundInstanceID = "abcd1234"

	in.Run(context.Background(), wf, run, nil)

	assert.Equal(t, types.RunStatusSuccess, run.Status)
	assert.Equal(t, []string{"abcd1234:uname -a"}, pg.calls)
	assert.Equal(t, "inside", run.Logs[0].Output)
}

func TestRunCommandInPlaygroundFailure(t *testing.T) {
	pg := &fakePlayground{output: "playground instance abcd1234 not found", ok: false}
	in := NewInterpreter(NewHostExecutor(), pg, nil, nil, nil)

	wf := &types.Workflow{ID: "wf", Name: "pg", Steps: []types.Step{commandStep("s", "ls")}}
	run := newRun(wf.ID)
	run.PlaygroundInstanceID = "abcd1234"

	in.Run(context.Background(), wf, run, nil)

	assert.Equal(t, types.RunStatusError, run.Status)
	assert.Equal(t, "playground instance abcd1234 not found", run.Logs[0].Error)
}

func TestRunAIStep(t *testing.T) {
	ai := &fakeAI{reply: "a haiku"}
	in := NewInterpreter(NewHostExecutor(), nil, ai, nil, nil)

	wf := &types.Workflow{ID: "wf", Name: "ai", Steps: []types.Step{{
		ID:     "poem",
		Name:   "poem",
		Type:   types.StepTypeAI,
		Prompt: "write about {topic}",
		Model:  &types.AIModel{Model: "gpt-test", APIKey: "sk-step"},
	}}}
	run := newRun(wf.ID)
	run.Context["topic"] = "containers"

	in.Run(context.Background(), wf, run, nil)

	assert.Equal(t, types.RunStatusSuccess, run.Status)
	assert.Equal(t, "write about containers", ai.prompt)
	assert.Equal(t, "gpt-test", ai.model)
	assert.Equal(t, "sk-step", ai.apiKey)
	assert.Equal(t, "a haiku", run.Context["poem"])
}

func TestRunAIStepMissingKey(t *testing.T) {
	in := NewInterpreter(NewHostExecutor(), nil, &fakeAI{err: ErrMissingAPIKey}, nil, nil)

	wf := &types.Workflow{ID: "wf", Name: "ai", Steps: []types.Step{{ID: "p", Type: types.StepTypeAI, Prompt: "hi"}}}
	run := in.Run(context.Background(), wf, newRun(wf.ID), nil)

	assert.Equal(t, types.RunStatusError, run.Status)
	assert.Equal(t, "OPENAI_API_KEY is not set", run.Logs[0].Error)
}

func TestRunReportStepSucceedsWithFailedChannels(t *testing.T) {
	notifier := &fakeNotifier{results: map[string]ChannelResult{
		"slack_0":    {Success: true, Message: "ok"},
		"telegram_1": {Error: "failed to send report via telegram: bad token"},
	}}
	in := NewInterpreter(NewHostExecutor(), nil, nil, notifier, nil)

	wf := &types.Workflow{ID: "wf", Name: "report", Steps: []types.Step{
		commandStep("build", "echo built"),
		{
			ID:   "notify",
			Type: types.StepTypeReport,
			ReportConfig: &types.ReportConfig{
				Template: "{build}",
				Channels: []types.ReportChannel{{Type: "slack"}, {Type: "telegram"}},
			},
		},
	}}

	run := in.Run(context.Background(), wf, newRun(wf.ID), nil)

	assert.Equal(t, types.RunStatusSuccess, run.Status)
	assert.Equal(t, "built", notifier.vars["build"])
	assert.Equal(t,
		"Successfully sent to: slack_0\nFailed to send to: telegram_1\ntelegram_1: failed to send report via telegram: bad token",
		run.Logs[1].Output)
}

func TestRunUnknownStepType(t *testing.T) {
	in := NewInterpreter(NewHostExecutor(), nil, nil, nil, nil)
	wf := &types.Workflow{ID: "wf", Name: "x", Steps: []types.Step{{ID: "s", Type: "teleport"}}}

	run := in.Run(context.Background(), wf, newRun(wf.ID), nil)

	assert.Equal(t, types.RunStatusError, run.Status)
	assert.Equal(t, "unknown step type: teleport", run.Logs[0].Error)
}

type recordingObserver struct {
	started  []int
	finished []types.StepStatus
}

func (o *recordingObserver) StepStarted(run *types.RunResult, index, total int, step *types.Step) {
	o.started = append(o.started, index)
}

func (o *recordingObserver) StepFinished(run *types.RunResult, index int, entry types.StepLog) {
	o.finished = append(o.finished, entry.Status)
}

func TestRunNotifiesObserverInOrder(t *testing.T) {
	in := NewInterpreter(NewHostExecutor(), nil, nil, nil, nil)
	wf := &types.Workflow{ID: "wf", Name: "obs", Steps: []types.Step{
		commandStep("a", "true"),
		commandStep("b", "false"),
		commandStep("c", "true"),
	}}

	obs := &recordingObserver{}
	in.Run(context.Background(), wf, newRun(wf.ID), obs)

	assert.Equal(t, []int{0, 1}, obs.started)
	assert.Equal(t, []types.StepStatus{types.StepStatusSuccess, types.StepStatusError}, obs.finished)
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "[exit_code]=2", lastLine("out\n[exit_code]=2\n"))
	assert.Equal(t, "single", lastLine("single"))
}
