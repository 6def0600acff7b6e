package repository

import (
	"github.com/alicebob/miniredis/v2"

	"github.com/beam-cloud/playground/pkg/common"
	"github.com/beam-cloud/playground/pkg/types"
)

// NewRedisClientForTest creates a Redis client backed by miniredis for testing
func NewRedisClientForTest() (*common.RedisClient, error) {
	s, err := miniredis.Run()
	if err != nil {
		return nil, err
	}

	rdb, err := common.NewRedisClient(types.RedisConfig{
		Addrs: []string{s.Addr()},
		Mode:  types.RedisModeSingle,
	})
	if err != nil {
		return nil, err
	}

	return rdb, nil
}

// NewFileRepositoriesForTest returns file backed stores rooted at dir
func NewFileRepositoriesForTest(dir string) (*InstanceFileRepository, *RunFileRepository, *WorkflowFileRepository) {
	return NewInstanceFileRepository(dir + "/instances.json"),
		NewRunFileRepository(dir + "/runs"),
		NewWorkflowFileRepository(dir + "/workflows.json")
}
