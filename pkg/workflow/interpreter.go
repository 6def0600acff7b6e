package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/repository"
	"github.com/beam-cloud/playground/pkg/types"
)

// CommandRunner executes a command step on the gateway host.
type CommandRunner interface {
	Run(ctx context.Context, command, workingDir string, timeout time.Duration) (string, int, error)
}

// PlaygroundExecutor executes a command step inside a sandbox instance.
// Failures come back as (message, false) rather than as errors.
type PlaygroundExecutor interface {
	ExecuteForStep(ctx context.Context, instanceId, command, workingDir string, timeout time.Duration) (string, bool)
}

// RunObserver is notified from the run's own goroutine as steps start and
// finish. The run passed in is live; observers must snapshot it to keep it.
type RunObserver interface {
	StepStarted(run *types.RunResult, index, total int, step *types.Step)
	StepFinished(run *types.RunResult, index int, entry types.StepLog)
}

// Interpreter executes a workflow's steps strictly in order and stops at the
// first failing step.
type Interpreter struct {
	host       CommandRunner
	playground PlaygroundExecutor
	ai         AIClient
	notifier   Notifier
	runs       repository.RunRepository
	now        func() time.Time
}

func NewInterpreter(host CommandRunner, playground PlaygroundExecutor, ai AIClient, notifier Notifier, runs repository.RunRepository) *Interpreter {
	return &Interpreter{
		host:       host,
		playground: playground,
		ai:         ai,
		notifier:   notifier,
		runs:       runs,
		now:        time.Now,
	}
}

// Run executes every step of wf against run, mutating it in place, and
// persists the run when it reaches a terminal status.
func (in *Interpreter) Run(ctx context.Context, wf *types.Workflow, run *types.RunResult, observer RunObserver) *types.RunResult {
	if run.Context == nil {
		run.Context = make(map[string]any)
	}
	run.Context["workflow_name"] = wf.Name
	run.Context["workflow_id"] = wf.ID
	run.Status = types.RunStatusRunning

	for i := range wf.Steps {
		step := &wf.Steps[i]

		if observer != nil {
			observer.StepStarted(run, i, len(wf.Steps), step)
		}

		entry := in.executeStep(ctx, run, step)
		run.Logs = append(run.Logs, entry)

		if observer != nil {
			observer.StepFinished(run, i, entry)
		}

		if entry.Status == types.StepStatusError {
			log.Error().
				Str("run_id", run.RunID).
				Str("step_id", step.ID).
				Str("error", entry.Error).
				Msg("workflow step failed")
			in.finish(ctx, run, types.RunStatusError)
			return run
		}

		run.Context[step.ID] = entry.Output
		if step.Name != "" {
			run.Context[step.Name] = entry.Output
		}
		run.Context["last_output"] = entry.Output
	}

	in.finish(ctx, run, types.RunStatusSuccess)
	return run
}

func (in *Interpreter) finish(ctx context.Context, run *types.RunResult, status types.RunStatus) {
	finishedAt := in.now().UTC()
	run.Status = status
	run.FinishedAt = &finishedAt

	if in.runs == nil {
		return
	}
	if err := in.runs.Save(context.WithoutCancel(ctx), run); err != nil {
		log.Error().Err(err).Str("run_id", run.RunID).Msg("failed to save workflow run")
	}
}

func (in *Interpreter) executeStep(ctx context.Context, run *types.RunResult, step *types.Step) types.StepLog {
	startedAt := in.now().UTC()
	entry := types.StepLog{
		StepID:    step.ID,
		StepName:  step.Name,
		StepType:  step.Type,
		Status:    types.StepStatusRunning,
		StartedAt: &startedAt,
	}

	vars := mergeVars(run.Context, step.Inputs)

	var (
		output string
		err    error
	)
	switch step.Type {
	case types.StepTypeCommand:
		output, err = in.runCommand(ctx, run, step, vars)
	case types.StepTypeAI:
		output, err = in.runAI(ctx, step, vars)
	case types.StepTypeReport:
		output, err = in.runReport(ctx, step, vars)
	default:
		err = fmt.Errorf("unknown step type: %s", step.Type)
	}

	finishedAt := in.now().UTC()
	entry.FinishedAt = &finishedAt
	entry.Output = output
	if err != nil {
		entry.Status = types.StepStatusError
		entry.Error = err.Error()
		return entry
	}

	entry.Status = types.StepStatusSuccess
	return entry
}

func (in *Interpreter) runCommand(ctx context.Context, run *types.RunResult, step *types.Step, vars map[string]any) (string, error) {
	command := Render(step.Command, vars)
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command is required")
	}

	if run.PlaygroundInstanceID != "" {
		if in.playground == nil {
			return "", fmt.Errorf("playground service not ready")
		}
		output, ok := in.playground.ExecuteForStep(ctx, run.PlaygroundInstanceID, command, step.WorkingDir, step.Timeout())
		if !ok {
			return output, fmt.Errorf("%s", lastLine(output))
		}
		return output, nil
	}

	output, exitCode, err := in.host.Run(ctx, command, step.WorkingDir, step.Timeout())
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return output, fmt.Errorf("command exited with status %d", exitCode)
	}
	return output, nil
}

func (in *Interpreter) runAI(ctx context.Context, step *types.Step, vars map[string]any) (string, error) {
	if in.ai == nil {
		return "", fmt.Errorf("ai client not configured")
	}

	prompt := Render(step.Prompt, vars)
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}

	var model, apiKey string
	if step.Model != nil {
		model = step.Model.Model
		apiKey = step.Model.APIKey
	}
	return in.ai.Complete(ctx, prompt, model, apiKey)
}

// runReport succeeds even when some channels fail; the output lists which
// channels were reached.
func (in *Interpreter) runReport(ctx context.Context, step *types.Step, vars map[string]any) (string, error) {
	if step.ReportConfig == nil || len(step.ReportConfig.Channels) == 0 {
		return "", fmt.Errorf("report_config with at least one channel is required")
	}
	if in.notifier == nil {
		return "", fmt.Errorf("notifier not configured")
	}

	results := in.notifier.Send(ctx, step.ReportConfig, vars)
	return summarizeReport(results), nil
}

func summarizeReport(results map[string]ChannelResult) string {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sent, failed, details []string
	for _, k := range keys {
		r := results[k]
		if r.Success {
			sent = append(sent, k)
			continue
		}
		failed = append(failed, k)
		details = append(details, fmt.Sprintf("%s: %s", k, r.Error))
	}

	lines := []string{}
	if len(sent) > 0 {
		lines = append(lines, "Successfully sent to: "+strings.Join(sent, ", "))
	}
	if len(failed) > 0 {
		lines = append(lines, "Failed to send to: "+strings.Join(failed, ", "))
		lines = append(lines, details...)
	}
	return strings.Join(lines, "\n")
}

// lastLine picks the exit-code marker from failed exec output, or the whole
// message for single-line failures.
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
