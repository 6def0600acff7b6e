package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/types"
)

// RunPostgresRepository stores run results in the workflow_run table. Context
// and logs are kept as JSONB documents.
type RunPostgresRepository struct {
	db *sql.DB
}

func NewRunPostgresRepository(backend BackendRepository) *RunPostgresRepository {
	return &RunPostgresRepository{db: backend.DB()}
}

func (r *RunPostgresRepository) Save(ctx context.Context, run *types.RunResult) error {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal run context: %w", err)
	}
	logsJSON, err := json.Marshal(run.Logs)
	if err != nil {
		return fmt.Errorf("failed to marshal run logs: %w", err)
	}

	query := `
		INSERT INTO workflow_run (run_id, workflow_id, status, started_at, finished_at, playground_instance_id, context, logs)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			playground_instance_id = EXCLUDED.playground_instance_id,
			context = EXCLUDED.context,
			logs = EXCLUDED.logs,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = r.db.ExecContext(ctx, query,
		run.RunID,
		run.WorkflowID,
		run.Status,
		run.StartedAt,
		run.FinishedAt,
		run.PlaygroundInstanceID,
		contextJSON,
		logsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (r *RunPostgresRepository) Load(ctx context.Context, runId string) (*types.RunResult, bool, error) {
	query := `
		SELECT run_id, workflow_id, status, started_at, finished_at, playground_instance_id, context, logs
		FROM workflow_run
		WHERE run_id = $1
	`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, runId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return run, true, nil
}

// ListAll returns runs newest first, skipping rows whose documents no longer decode
func (r *RunPostgresRepository) ListAll(ctx context.Context) ([]*types.RunResult, error) {
	query := `
		SELECT run_id, workflow_id, status, started_at, finished_at, playground_instance_id, context, logs
		FROM workflow_run
		ORDER BY started_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*types.RunResult{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			log.Warn().Err(err).Msg("skipping unreadable run row")
			continue
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.RunResult, error) {
	run := &types.RunResult{}
	var (
		finishedAt  sql.NullTime
		instanceId  sql.NullString
		contextJSON []byte
		logsJSON    []byte
	)

	err := row.Scan(
		&run.RunID,
		&run.WorkflowID,
		&run.Status,
		&run.StartedAt,
		&finishedAt,
		&instanceId,
		&contextJSON,
		&logsJSON,
	)
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	run.PlaygroundInstanceID = instanceId.String

	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &run.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run context: %w", err)
		}
	}
	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &run.Logs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run logs: %w", err)
		}
	}
	return run, nil
}
