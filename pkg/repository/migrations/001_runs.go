package migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigration(upRuns, downRuns)
}

func upRuns(tx *sql.Tx) error {
	createStatements := []string{
		`CREATE TABLE IF NOT EXISTS workflow_run (
			run_id VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'running',
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			finished_at TIMESTAMP WITH TIME ZONE,
			playground_instance_id VARCHAR(64),
			context JSONB NOT NULL DEFAULT '{}',
			logs JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_run_workflow_id ON workflow_run(workflow_id);`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_run_started_at ON workflow_run(started_at DESC);`,
	}

	for _, stmt := range createStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func downRuns(tx *sql.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS workflow_run;`)
	return err
}
