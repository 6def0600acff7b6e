package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/beam-cloud/playground/pkg/common"
	"github.com/beam-cloud/playground/pkg/repository"
	"github.com/beam-cloud/playground/pkg/types"
)

const (
	defaultRecentRuns    = 100
	defaultRecentRunsTTL = time.Hour
)

// Publisher receives the progress events of every run.
type Publisher interface {
	Publish(ctx context.Context, event types.StreamEvent)
}

// Service starts workflow runs on their own goroutines and keeps recently
// touched runs in memory so observers can replay them.
type Service struct {
	ctx         context.Context
	interpreter *Interpreter
	workflows   repository.WorkflowRepository
	runs        repository.RunRepository
	publisher   Publisher
	recent      *expirable.LRU[string, *types.RunResult]
	wg          sync.WaitGroup
}

func NewService(ctx context.Context, config types.WorkflowsConfig, interpreter *Interpreter, workflows repository.WorkflowRepository, runs repository.RunRepository, publisher Publisher) *Service {
	size := config.RecentRuns
	if size <= 0 {
		size = defaultRecentRuns
	}
	ttl := config.RecentRunsTTL
	if ttl <= 0 {
		ttl = defaultRecentRunsTTL
	}

	return &Service{
		ctx:         ctx,
		interpreter: interpreter,
		workflows:   workflows,
		runs:        runs,
		publisher:   publisher,
		recent:      expirable.NewLRU[string, *types.RunResult](size, nil, ttl),
	}
}

// StartRun creates a run for the requested workflow and executes it in the
// background. The returned snapshot has status running.
func (s *Service) StartRun(ctx context.Context, req types.StartRunRequest) (*types.RunResult, error) {
	if req.WorkflowID == "" {
		return nil, &types.ErrInvalidRequest{Reason: "workflow_id is required"}
	}

	wf, err := s.workflows.Get(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	runContext := make(map[string]any, len(req.Context))
	for k, v := range req.Context {
		runContext[k] = v
	}

	run := &types.RunResult{
		RunID:                common.GenerateRunID(),
		WorkflowID:           wf.ID,
		Status:               types.RunStatusRunning,
		StartedAt:            time.Now().UTC(),
		Context:              runContext,
		Logs:                 []types.StepLog{},
		PlaygroundInstanceID: req.PlaygroundInstanceID,
	}

	snapshot := run.Snapshot()
	s.recent.Add(run.RunID, snapshot)
	s.publish(types.StreamEventRunStarted, run.RunID, map[string]any{
		"workflow_id":   wf.ID,
		"workflow_name": wf.Name,
		"total_steps":   len(wf.Steps),
	})

	log.Info().Str("run_id", run.RunID).Str("workflow_id", wf.ID).Msg("workflow run started")

	s.wg.Add(1)
	go s.execute(wf, run)

	return snapshot.Snapshot(), nil
}

func (s *Service) execute(wf *types.Workflow, run *types.RunResult) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.fail(run, fmt.Errorf("%v", r))
		}
	}()

	s.interpreter.Run(s.ctx, wf, run, s)
	s.finished(run)
}

// fail records an unexpected interpreter failure as a synthetic error step.
func (s *Service) fail(run *types.RunResult, cause error) {
	log.Error().Err(cause).Str("run_id", run.RunID).Msg("workflow run crashed")

	now := time.Now().UTC()
	run.Logs = append(run.Logs, types.StepLog{
		StepID:     "error",
		StepName:   "Workflow Execution Error",
		StepType:   types.StepTypeError,
		Status:     types.StepStatusError,
		StartedAt:  &now,
		FinishedAt: &now,
		Error:      cause.Error(),
	})
	run.Status = types.RunStatusError
	run.FinishedAt = &now

	if err := s.runs.Save(context.WithoutCancel(s.ctx), run); err != nil {
		log.Error().Err(err).Str("run_id", run.RunID).Msg("failed to save crashed run")
	}

	s.publish(types.StreamEventError, run.RunID, map[string]any{"error": cause.Error()})
	s.finished(run)
}

func (s *Service) finished(run *types.RunResult) {
	s.recent.Add(run.RunID, run.Snapshot())
	common.RunsFinished.WithLabelValues(string(run.Status)).Inc()
	s.publish(types.StreamEventRunFinished, run.RunID, types.RunFinishedEventData(run))

	log.Info().Str("run_id", run.RunID).Str("status", string(run.Status)).Msg("workflow run finished")
}

func (s *Service) StepStarted(run *types.RunResult, index, total int, step *types.Step) {
	s.publish(types.StreamEventStepProgress, run.RunID, map[string]any{
		"current_step": index + 1,
		"total_steps":  total,
		"step_name":    step.Name,
	})
}

func (s *Service) StepFinished(run *types.RunResult, index int, entry types.StepLog) {
	s.recent.Add(run.RunID, run.Snapshot())
	s.publish(types.StreamEventLog, run.RunID, types.LogEventData(entry))
}

func (s *Service) publish(t types.StreamEventType, runId string, data map[string]any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(s.ctx, types.NewStreamEvent(t, runId, data))
}

// CachedRun returns the in-memory copy of a recent run, if any.
func (s *Service) CachedRun(runId string) (*types.RunResult, bool) {
	run, ok := s.recent.Get(runId)
	if !ok {
		return nil, false
	}
	return run.Snapshot(), true
}

// GetRun looks in the recent-run cache first, then the run store.
func (s *Service) GetRun(ctx context.Context, runId string) (*types.RunResult, error) {
	if run, ok := s.CachedRun(runId); ok {
		return run, nil
	}

	run, found, err := s.runs.Load(ctx, runId)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &types.ErrRunNotFound{RunID: runId}
	}
	s.recent.Add(runId, run)
	return run.Snapshot(), nil
}

// ListRuns returns stored runs merged with in-flight ones, newest first.
func (s *Service) ListRuns(ctx context.Context) ([]*types.RunResult, error) {
	stored, err := s.runs.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	byId := make(map[string]*types.RunResult, len(stored))
	for _, run := range stored {
		byId[run.RunID] = run
	}
	for _, run := range s.recent.Values() {
		byId[run.RunID] = run.Snapshot()
	}

	runs := make([]*types.RunResult, 0, len(byId))
	for _, run := range byId {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// Wait blocks until every started run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	return s.workflows.List(ctx)
}

func (s *Service) GetWorkflow(ctx context.Context, workflowId string) (*types.Workflow, error) {
	return s.workflows.Get(ctx, workflowId)
}

func (s *Service) CreateWorkflow(ctx context.Context, wf *types.Workflow) (*types.Workflow, error) {
	if err := ValidateWorkflow(wf); err != nil {
		return nil, err
	}

	if wf.ID == "" {
		wf.ID = common.GenerateID("wf")
	} else if _, err := s.workflows.Get(ctx, wf.ID); err == nil {
		return nil, &types.ErrInvalidRequest{Reason: fmt.Sprintf("workflow %s already exists", wf.ID)}
	}

	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	assignStepIDs(wf)

	if err := s.workflows.Save(ctx, wf); err != nil {
		return nil, err
	}
	log.Info().Str("workflow_id", wf.ID).Int("steps", len(wf.Steps)).Msg("workflow created")
	return wf, nil
}

func (s *Service) UpdateWorkflow(ctx context.Context, workflowId string, wf *types.Workflow) (*types.Workflow, error) {
	existing, err := s.workflows.Get(ctx, workflowId)
	if err != nil {
		return nil, err
	}
	if err := ValidateWorkflow(wf); err != nil {
		return nil, err
	}

	wf.ID = workflowId
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = time.Now().UTC()
	assignStepIDs(wf)

	if err := s.workflows.Save(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *Service) DeleteWorkflow(ctx context.Context, workflowId string) error {
	return s.workflows.Delete(ctx, workflowId)
}

// ValidateWorkflow checks that every step carries what its type needs.
func ValidateWorkflow(wf *types.Workflow) error {
	if wf == nil {
		return &types.ErrInvalidRequest{Reason: "workflow is required"}
	}
	if strings.TrimSpace(wf.Name) == "" {
		return &types.ErrInvalidRequest{Reason: "workflow name is required"}
	}
	if len(wf.Steps) == 0 {
		return &types.ErrInvalidRequest{Reason: "workflow must have at least one step"}
	}

	seen := make(map[string]bool, len(wf.Steps))
	for i, step := range wf.Steps {
		label := step.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}

		if step.ID != "" {
			if seen[step.ID] {
				return &types.ErrInvalidRequest{Reason: fmt.Sprintf("duplicate step id %q", step.ID)}
			}
			seen[step.ID] = true
		}

		switch step.Type {
		case types.StepTypeCommand:
			if strings.TrimSpace(step.Command) == "" {
				return &types.ErrInvalidRequest{Reason: fmt.Sprintf("step %s: command is required", label)}
			}
		case types.StepTypeAI:
			if strings.TrimSpace(step.Prompt) == "" {
				return &types.ErrInvalidRequest{Reason: fmt.Sprintf("step %s: prompt is required", label)}
			}
		case types.StepTypeReport:
			if step.ReportConfig == nil || len(step.ReportConfig.Channels) == 0 {
				return &types.ErrInvalidRequest{Reason: fmt.Sprintf("step %s: report_config with at least one channel is required", label)}
			}
		default:
			return &types.ErrInvalidRequest{Reason: fmt.Sprintf("step %s: unknown type %q", label, step.Type)}
		}
	}
	return nil
}

func assignStepIDs(wf *types.Workflow) {
	for i := range wf.Steps {
		if wf.Steps[i].ID == "" {
			wf.Steps[i].ID = fmt.Sprintf("step_%d", i+1)
		}
	}
}

// ParseWorkflow decodes a workflow definition from JSON or YAML. Documents
// starting with "{" are treated as JSON.
func ParseWorkflow(data []byte) (*types.Workflow, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &types.ErrInvalidRequest{Reason: "workflow document is empty"}
	}

	wf := &types.Workflow{}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, wf); err != nil {
			return nil, &types.ErrInvalidRequest{Reason: fmt.Sprintf("invalid workflow json: %v", err)}
		}
		return wf, nil
	}

	if err := yaml.Unmarshal(trimmed, wf); err != nil {
		return nil, &types.ErrInvalidRequest{Reason: fmt.Sprintf("invalid workflow yaml: %v", err)}
	}
	return wf, nil
}
