package repository

import (
	"context"
	"sync"

	"github.com/beam-cloud/playground/pkg/types"
)

// InstanceFileRepository stores all instances as one JSON array. Every
// mutation rewrites the whole document under mu.
type InstanceFileRepository struct {
	path string
	mu   sync.Mutex
}

func NewInstanceFileRepository(path string) *InstanceFileRepository {
	return &InstanceFileRepository{path: path}
}

func (r *InstanceFileRepository) ListAll(ctx context.Context) ([]*types.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read()
}

func (r *InstanceFileRepository) SaveAll(ctx context.Context, instances []*types.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if instances == nil {
		instances = []*types.Instance{}
	}
	return writeJSONFile(r.path, instances)
}

// Save upserts by instance id
func (r *InstanceFileRepository) Save(ctx context.Context, instance *types.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances, err := r.read()
	if err != nil {
		return err
	}

	replaced := false
	for i, existing := range instances {
		if existing.ID == instance.ID {
			instances[i] = instance
			replaced = true
			break
		}
	}
	if !replaced {
		instances = append(instances, instance)
	}

	return writeJSONFile(r.path, instances)
}

// Delete removes an instance and reports whether it existed
func (r *InstanceFileRepository) Delete(ctx context.Context, instanceId string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances, err := r.read()
	if err != nil {
		return false, err
	}

	kept := make([]*types.Instance, 0, len(instances))
	for _, existing := range instances {
		if existing.ID != instanceId {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(instances) {
		return false, nil
	}

	return true, writeJSONFile(r.path, kept)
}

func (r *InstanceFileRepository) read() ([]*types.Instance, error) {
	var instances []*types.Instance
	if err := readJSONFile(r.path, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}
