package repository

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/types"
)

// RunFileRepository stores each run as {dir}/{run_id}.json
type RunFileRepository struct {
	dir string
}

func NewRunFileRepository(dir string) *RunFileRepository {
	return &RunFileRepository{dir: dir}
}

func (r *RunFileRepository) Save(ctx context.Context, run *types.RunResult) error {
	path, ok := r.pathFor(run.RunID)
	if !ok {
		return &types.ErrRunNotFound{RunID: run.RunID}
	}
	return writeJSONFile(path, run)
}

func (r *RunFileRepository) Load(ctx context.Context, runId string) (*types.RunResult, bool, error) {
	path, ok := r.pathFor(runId)
	if !ok {
		return nil, false, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, false, nil
	}

	run := &types.RunResult{}
	if err := readJSONFile(path, run); err != nil {
		return nil, false, err
	}
	return run, true, nil
}

// ListAll returns every readable run, newest first. Corrupt files are skipped.
func (r *RunFileRepository) ListAll(ctx context.Context) ([]*types.RunResult, error) {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return []*types.RunResult{}, nil
	}
	if err != nil {
		return nil, err
	}

	runs := make([]*types.RunResult, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		run := &types.RunResult{}
		if err := readJSONFile(filepath.Join(r.dir, entry.Name()), run); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping unreadable run")
			continue
		}
		if run.RunID == "" {
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

func (r *RunFileRepository) pathFor(runId string) (string, bool) {
	if runId == "" || filepath.Base(runId) != runId || strings.HasPrefix(runId, ".") {
		return "", false
	}
	return filepath.Join(r.dir, runId+".json"), true
}
