package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/beam-cloud/playground/pkg/types"
)

// WorkflowFileRepository keeps workflow definitions in one JSON document
type WorkflowFileRepository struct {
	path string
	mu   sync.Mutex
}

func NewWorkflowFileRepository(path string) *WorkflowFileRepository {
	return &WorkflowFileRepository{path: path}
}

func (r *WorkflowFileRepository) List(ctx context.Context) ([]*types.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workflows, err := r.read()
	if err != nil {
		return nil, err
	}

	list := make([]*types.Workflow, 0, len(workflows))
	for _, w := range workflows {
		list = append(list, w)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

func (r *WorkflowFileRepository) Get(ctx context.Context, workflowId string) (*types.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workflows, err := r.read()
	if err != nil {
		return nil, err
	}

	w, ok := workflows[workflowId]
	if !ok {
		return nil, &types.ErrWorkflowNotFound{WorkflowID: workflowId}
	}
	return w, nil
}

func (r *WorkflowFileRepository) Save(ctx context.Context, workflow *types.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	workflows, err := r.read()
	if err != nil {
		return err
	}

	workflows[workflow.ID] = workflow
	return writeJSONFile(r.path, workflows)
}

func (r *WorkflowFileRepository) Delete(ctx context.Context, workflowId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	workflows, err := r.read()
	if err != nil {
		return err
	}

	if _, ok := workflows[workflowId]; !ok {
		return &types.ErrWorkflowNotFound{WorkflowID: workflowId}
	}
	delete(workflows, workflowId)
	return writeJSONFile(r.path, workflows)
}

func (r *WorkflowFileRepository) read() (map[string]*types.Workflow, error) {
	workflows := map[string]*types.Workflow{}
	if err := readJSONFile(r.path, &workflows); err != nil {
		return nil, err
	}
	return workflows, nil
}
