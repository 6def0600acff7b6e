package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// FakeEngine is an in-memory Engine used by tests across packages.
type FakeEngine struct {
	mu         sync.Mutex
	containers map[string]*FakeContainer
	volumes    map[string]bool
	images     map[string]bool
	seq        int

	// Hooks. Nil means the default behaviour described on each method.
	ExecFunc  func(containerID string, opts ExecOptions) (*ExecResult, error)
	StatsFunc func(containerID string) (map[string]any, error)
	ShellFunc func(containerID string, opts ExecOptions) (Shell, error)

	CreateErr  error
	PingErr    error
	StartState string
	LogText    string

	RemovedContainers []string
	RemovedVolumes    []string
	ExecCommands      []string
}

type FakeContainer struct {
	ID        string
	Spec      ContainerSpec
	State     string
	Labels    map[string]string
	HostPorts []int
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		containers: make(map[string]*FakeContainer),
		volumes:    make(map[string]bool),
		images:     make(map[string]bool),
		StartState: StateRunning,
	}
}

// AddContainer registers a container as if it had been created outside the
// gateway and returns its id.
func (f *FakeEngine) AddContainer(spec ContainerSpec, state string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(spec, state)
}

func (f *FakeEngine) addLocked(spec ContainerSpec, state string) string {
	f.seq++
	id := fmt.Sprintf("fake-%04d", f.seq)

	ports := make([]int, 0, len(spec.Ports))
	for _, host := range spec.Ports {
		ports = append(ports, host)
	}
	for name := range spec.Volumes {
		f.volumes[name] = true
	}

	f.containers[id] = &FakeContainer{ID: id, Spec: spec, State: state, Labels: spec.Labels, HostPorts: ports}
	return id
}

func (f *FakeEngine) SetState(id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.State = state
	}
}

func (f *FakeEngine) Container(id string) (FakeContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return FakeContainer{}, false
	}
	return *c, true
}

func (f *FakeEngine) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *FakeEngine) VolumeExists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[name]
}

func (f *FakeEngine) Ping(ctx context.Context) error {
	return f.PingErr
}

func (f *FakeEngine) EnsureImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = true
	return nil
}

func (f *FakeEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(spec, StateCreated), nil
}

func (f *FakeEngine) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ErrNotFound
	}
	c.State = f.StartState
	return nil
}

func (f *FakeEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ErrNotFound
	}
	c.State = StateExited
	return nil
}

func (f *FakeEngine) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return ErrNotFound
	}
	delete(f.containers, id)
	f.RemovedContainers = append(f.RemovedContainers, id)
	return nil
}

func (f *FakeEngine) InspectContainer(ctx context.Context, id string) (*ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ContainerState{ID: id, Status: c.State, Running: c.State == StateRunning}, nil
}

func (f *FakeEngine) ListContainers(ctx context.Context, label string) ([]ContainerSummary, error) {
	key := label
	if i := strings.Index(label, "="); i >= 0 {
		key = label[:i]
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := []ContainerSummary{}
	for _, c := range f.containers {
		if _, ok := c.Labels[key]; !ok {
			continue
		}
		out = append(out, ContainerSummary{
			ID:        c.ID,
			Name:      c.Spec.Name,
			State:     c.State,
			Labels:    c.Labels,
			HostPorts: append([]int(nil), c.HostPorts...),
		})
	}
	return out, nil
}

func (f *FakeEngine) RemoveVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.volumes[name] {
		return ErrNotFound
	}
	delete(f.volumes, name)
	f.RemovedVolumes = append(f.RemovedVolumes, name)
	return nil
}

func (f *FakeEngine) Logs(ctx context.Context, id string, tail int) (string, error) {
	return f.LogText, nil
}

// Exec succeeds with empty output unless ExecFunc is set. Stdin, when given,
// is echoed back on stdout.
func (f *FakeEngine) Exec(ctx context.Context, id string, opts ExecOptions) (*ExecResult, error) {
	f.mu.Lock()
	c, ok := f.containers[id]
	running := ok && c.State == StateRunning
	f.ExecCommands = append(f.ExecCommands, strings.Join(opts.Cmd, " "))
	fn := f.ExecFunc
	f.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if !running {
		return nil, errors.New("container is not running")
	}
	if fn != nil {
		return fn(id, opts)
	}

	res := &ExecResult{}
	if opts.Stdin != nil {
		data, err := io.ReadAll(opts.Stdin)
		if err != nil {
			return nil, err
		}
		res.Stdout = data
	}
	return res, nil
}

func (f *FakeEngine) Stats(ctx context.Context, id string) (map[string]any, error) {
	f.mu.Lock()
	_, ok := f.containers[id]
	fn := f.StatsFunc
	f.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if fn != nil {
		return fn(id)
	}
	return map[string]any{}, nil
}

func (f *FakeEngine) AttachShell(ctx context.Context, id string, opts ExecOptions) (Shell, error) {
	f.mu.Lock()
	_, ok := f.containers[id]
	fn := f.ShellFunc
	f.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if fn != nil {
		return fn(id, opts)
	}
	return NewFakeShell("exec-" + id), nil
}

// FakeShell is a Shell whose sandbox side is driven by the test.
type FakeShell struct {
	id      string
	out     chan []byte
	eof     chan struct{}
	closed  chan struct{}
	eofOnce sync.Once
	once    sync.Once

	mu      sync.Mutex
	pending []byte
	input   strings.Builder
	cols    uint
	rows    uint
}

func NewFakeShell(id string) *FakeShell {
	return &FakeShell{
		id:     id,
		out:    make(chan []byte, 64),
		eof:    make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (s *FakeShell) ID() string {
	return s.id
}

// Emit queues output as if the shell had printed it.
func (s *FakeShell) Emit(data []byte) {
	select {
	case s.out <- data:
	case <-s.closed:
	}
}

// CloseFromSandbox ends the output stream as if the shell exited.
func (s *FakeShell) CloseFromSandbox() {
	s.eofOnce.Do(func() { close(s.eof) })
}

func (s *FakeShell) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	select {
	case data := <-s.out:
		n := copy(p, data)
		if n < len(data) {
			s.mu.Lock()
			s.pending = append(s.pending, data[n:]...)
			s.mu.Unlock()
		}
		return n, nil
	case <-s.eof:
		return 0, io.EOF
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *FakeShell) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input.Write(p)
	return len(p), nil
}

func (s *FakeShell) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *FakeShell) Resize(ctx context.Context, cols, rows uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols, s.rows = cols, rows
	return nil
}

func (s *FakeShell) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

func (s *FakeShell) Size() (uint, uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

func (s *FakeShell) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
