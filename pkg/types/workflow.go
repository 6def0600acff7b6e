package types

import (
	"time"
)

type StepType string

const (
	StepTypeAI      StepType = "ai"
	StepTypeCommand StepType = "command"
	StepTypeReport  StepType = "report"
	StepTypeError   StepType = "error"
)

const DefaultStepTimeoutSeconds = 90

// Workflow is an ordered list of steps executed by the interpreter.
type Workflow struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"updated_at,omitempty"`
	Graph       map[string]any `json:"graph,omitempty" yaml:"graph,omitempty"`
}

type Step struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Type        StepType `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`

	// ai
	Prompt string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Model  *AIModel `json:"model,omitempty" yaml:"model,omitempty"`

	// command
	Command        string `json:"command,omitempty" yaml:"command,omitempty"`
	WorkingDir     string `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// report
	ReportConfig *ReportConfig `json:"report_config,omitempty" yaml:"report_config,omitempty"`

	Inputs map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// Timeout returns the step's command timeout, falling back to 90 seconds.
func (s *Step) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultStepTimeoutSeconds * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

type AIModel struct {
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

type ReportConfig struct {
	Channels []ReportChannel `json:"channels" yaml:"channels"`
	Template string          `json:"template,omitempty" yaml:"template,omitempty"`
	Subject  string          `json:"subject,omitempty" yaml:"subject,omitempty"`
}

// ReportChannel is a notification target. Config is channel specific, e.g.
// {"webhook_url": ...} for slack or {"bot_token": ..., "chat_ids": [...]} for telegram.
type ReportChannel struct {
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config" yaml:"config"`
}

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusError
}

type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
)

type StepLog struct {
	StepID     string     `json:"step_id"`
	StepName   string     `json:"step_name"`
	StepType   StepType   `json:"step_type"`
	Status     StepStatus `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// RunResult is one execution of a workflow.
type RunResult struct {
	RunID                string         `json:"run_id"`
	WorkflowID           string         `json:"workflow_id"`
	Status               RunStatus      `json:"status"`
	StartedAt            time.Time      `json:"started_at"`
	FinishedAt           *time.Time     `json:"finished_at,omitempty"`
	Context              map[string]any `json:"context"`
	Logs                 []StepLog      `json:"logs"`
	PlaygroundInstanceID string         `json:"playground_instance_id,omitempty"`
}

// Snapshot deep-copies the logs so observers never share the slice the
// interpreter is appending to. Context values are copied shallowly.
func (r *RunResult) Snapshot() *RunResult {
	c := *r
	c.Logs = append([]StepLog(nil), r.Logs...)
	c.Context = make(map[string]any, len(r.Context))
	for k, v := range r.Context {
		c.Context[k] = v
	}
	return &c
}

type StartRunRequest struct {
	WorkflowID           string         `json:"workflow_id"`
	PlaygroundInstanceID string         `json:"playground_instance_id,omitempty"`
	Context              map[string]any `json:"context,omitempty"`
}
