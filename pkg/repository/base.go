package repository

import (
	"context"
	"database/sql"

	"github.com/beam-cloud/playground/pkg/types"
)

// InstanceRepository persists playground instance metadata. The gateway keeps
// the authoritative copy in memory and writes every mutation through.
type InstanceRepository interface {
	ListAll(ctx context.Context) ([]*types.Instance, error)
	SaveAll(ctx context.Context, instances []*types.Instance) error
	Save(ctx context.Context, instance *types.Instance) error
	Delete(ctx context.Context, instanceId string) (bool, error)
}

// RunRepository persists workflow run results, one document per run
type RunRepository interface {
	Save(ctx context.Context, run *types.RunResult) error
	Load(ctx context.Context, runId string) (*types.RunResult, bool, error)
	ListAll(ctx context.Context) ([]*types.RunResult, error)
}

// WorkflowRepository manages workflow definitions
type WorkflowRepository interface {
	List(ctx context.Context) ([]*types.Workflow, error)
	Get(ctx context.Context, workflowId string) (*types.Workflow, error)
	Save(ctx context.Context, workflow *types.Workflow) error
	Delete(ctx context.Context, workflowId string) error
}

// BackendRepository is the Postgres connection used in remote mode
type BackendRepository interface {
	DB() *sql.DB
	Ping(ctx context.Context) error
	Close() error
	RunMigrations() error
}
