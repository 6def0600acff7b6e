package types

import (
	"time"
)

type StreamEventType string

const (
	StreamEventConnected    StreamEventType = "connected"
	StreamEventLog          StreamEventType = "log"
	StreamEventRunStarted   StreamEventType = "run_started"
	StreamEventRunFinished  StreamEventType = "run_finished"
	StreamEventStepProgress StreamEventType = "step_progress"
	StreamEventError        StreamEventType = "error"
	StreamEventHeartbeat    StreamEventType = "heartbeat"
	StreamEventPong         StreamEventType = "pong"
)

// StreamEvent is one item of a run's progress stream.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	RunID     string          `json:"run_id"`
	Timestamp string          `json:"timestamp"`
	Data      map[string]any  `json:"data,omitempty"`
}

func NewStreamEvent(t StreamEventType, runID string, data map[string]any) StreamEvent {
	return StreamEvent{
		Type:      t,
		RunID:     runID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}

// LogEventData is the payload of a "log" event.
func LogEventData(l StepLog) map[string]any {
	return map[string]any{
		"step_id":     l.StepID,
		"step_name":   l.StepName,
		"step_type":   string(l.StepType),
		"status":      string(l.Status),
		"started_at":  formatTime(l.StartedAt),
		"finished_at": formatTime(l.FinishedAt),
		"output":      l.Output,
		"error":       l.Error,
	}
}

// RunFinishedEventData is the payload of a "run_finished" event.
func RunFinishedEventData(r *RunResult) map[string]any {
	return map[string]any{
		"workflow_id": r.WorkflowID,
		"status":      string(r.Status),
		"finished_at": formatTime(r.FinishedAt),
	}
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
