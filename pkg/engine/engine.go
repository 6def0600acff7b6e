package engine

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned for containers, volumes and images the engine does not know.
var ErrNotFound = errors.New("engine: not found")

// IsNotFound reports whether err means the resource is already gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Engine is the subset of a container engine the playground drives.
type Engine interface {
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, ref string) error

	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (*ContainerState, error)
	ListContainers(ctx context.Context, label string) ([]ContainerSummary, error)
	RemoveVolume(ctx context.Context, name string) error
	Logs(ctx context.Context, id string, tail int) (string, error)

	Exec(ctx context.Context, id string, opts ExecOptions) (*ExecResult, error)
	Stats(ctx context.Context, id string) (map[string]any, error)
	AttachShell(ctx context.Context, id string, opts ExecOptions) (Shell, error)
}

type Ulimit struct {
	Name string
	Soft int64
	Hard int64
}

// ContainerSpec describes a container to create. Ports maps container tcp
// ports to host ports; Volumes maps named volumes to mount paths.
type ContainerSpec struct {
	Name        string
	Image       string
	Entrypoint  []string
	Cmd         []string
	Env         []string
	Labels      map[string]string
	Hostname    string
	WorkingDir  string
	Privileged  bool
	SecurityOpt []string
	CapAdd      []string
	Devices     []string
	Tmpfs       map[string]string
	Ulimits     []Ulimit
	ShmSize     int64
	MemoryBytes int64
	NanoCPUs    int64
	Ports       map[int]int
	Volumes     map[string]string
}

const (
	StateCreated    = "created"
	StateRunning    = "running"
	StateRestarting = "restarting"
	StatePaused     = "paused"
	StateExited     = "exited"
	StateDead       = "dead"
)

type ContainerState struct {
	ID        string
	Status    string
	Running   bool
	ExitCode  int
	StartedAt time.Time
}

type ContainerSummary struct {
	ID        string
	Name      string
	State     string
	Labels    map[string]string
	HostPorts []int
}

type ExecOptions struct {
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
	Tty        bool
	Stdin      io.Reader
}

type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Combined returns stdout followed by stderr.
func (r *ExecResult) Combined() string {
	return string(r.Stdout) + string(r.Stderr)
}

// Shell is an interactive tty exec inside a container.
type Shell interface {
	io.ReadWriteCloser
	ID() string
	Resize(ctx context.Context, cols, rows uint) error
}
