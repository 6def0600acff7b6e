package playground

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/beam-cloud/playground/pkg/engine"
	"github.com/beam-cloud/playground/pkg/types"
)

// Exit status the file scripts use for a missing path (EX_NOINPUT). The
// utilities they run never exit with it, so ls exiting 2 on a permission
// error is not mistaken for a missing path.
const missingPathExit = 66

// resolvePath makes relative paths relative to the workspace directory.
func (m *Manager) resolvePath(p string) string {
	if p == "" {
		return m.config.WorkspaceDir
	}
	if !path.IsAbs(p) {
		p = path.Join(m.config.WorkspaceDir, p)
	}
	return path.Clean(p)
}

func (m *Manager) UploadFile(ctx context.Context, instanceId string, upload types.FileUpload) (string, error) {
	if upload.Path == "" {
		return "", &types.ErrInvalidRequest{Reason: "file_path is required"}
	}

	target := m.resolvePath(upload.Path)
	script := fmt.Sprintf("mkdir -p %s && cat > %s", shellquote.Join(path.Dir(target)), shellquote.Join(target))

	if _, err := m.shell(ctx, instanceId, target, script, strings.NewReader(upload.Content)); err != nil {
		return "", err
	}
	return target, nil
}

func (m *Manager) ListFiles(ctx context.Context, instanceId, dir string) (*types.FileListing, error) {
	target := m.resolvePath(dir)
	quoted := shellquote.Join(target)
	script := fmt.Sprintf("[ -e %s ] || exit %d; ls -la %s", quoted, missingPathExit, quoted)

	res, err := m.shell(ctx, instanceId, target, script, nil)
	if err != nil {
		return nil, err
	}

	files := []string{}
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			files = append(files, line)
		}
	}
	return &types.FileListing{Path: target, Files: files}, nil
}

func (m *Manager) DownloadFile(ctx context.Context, instanceId, file string) ([]byte, error) {
	if file == "" {
		return nil, &types.ErrInvalidRequest{Reason: "file_path is required"}
	}

	target := m.resolvePath(file)
	quoted := shellquote.Join(target)
	script := fmt.Sprintf("[ -f %s ] || exit %d; cat %s", quoted, missingPathExit, quoted)

	res, err := m.shell(ctx, instanceId, target, script, nil)
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

func (m *Manager) DeleteFile(ctx context.Context, instanceId, file string) error {
	if file == "" {
		return &types.ErrInvalidRequest{Reason: "file_path is required"}
	}

	target := m.resolvePath(file)
	if target == "/" {
		return &types.ErrInvalidRequest{Reason: "refusing to delete /"}
	}

	quoted := shellquote.Join(target)
	script := fmt.Sprintf("[ -e %s ] || exit %d; rm -rf %s", quoted, missingPathExit, quoted)

	_, err := m.shell(ctx, instanceId, target, script, nil)
	return err
}

func (m *Manager) MakeDirectory(ctx context.Context, instanceId, dir string) (string, error) {
	if dir == "" {
		return "", &types.ErrInvalidRequest{Reason: "dir_path is required"}
	}

	target := m.resolvePath(dir)
	if _, err := m.shell(ctx, instanceId, target, "mkdir -p "+shellquote.Join(target), nil); err != nil {
		return "", err
	}
	return target, nil
}

// shell runs a file script in a running instance and maps its exit status.
func (m *Manager) shell(ctx context.Context, instanceId, target, script string, stdin io.Reader) (*engine.ExecResult, error) {
	inst, err := m.runningInstance(instanceId)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.ExecTimeout)
	defer cancel()

	res, err := m.engine.Exec(ctx, inst.ContainerID, engine.ExecOptions{
		Cmd:   []string{"sh", "-c", script},
		Stdin: stdin,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run file operation in %s: %w", instanceId, err)
	}

	switch res.ExitCode {
	case 0:
	case missingPathExit:
		return nil, &types.ErrFileNotFound{Path: target}
	default:
		return nil, fmt.Errorf("file operation on %s failed (exit code %d): %s", target, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}

	m.touch(ctx, instanceId)
	return res, nil
}
