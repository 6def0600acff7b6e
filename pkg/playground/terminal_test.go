package playground

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/playground/pkg/engine"
	"github.com/beam-cloud/playground/pkg/types"
)

type fakeConn struct {
	in     chan *types.TerminalFrame
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	out []*types.TerminalFrame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan *types.TerminalFrame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() (*types.TerminalFrame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteFrame(frame *types.TerminalFrame) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames(kind types.TerminalFrameType) []*types.TerminalFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.TerminalFrame
	for _, f := range c.out {
		if f.Type == kind {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) output() string {
	s := ""
	for _, f := range c.frames(types.TerminalFrameOutput) {
		s += f.Data
	}
	return s
}

func startTerminal(t *testing.T, env *testEnv, inst *types.Instance) (*engine.FakeShell, *fakeConn, chan error) {
	t.Helper()

	shell := engine.NewFakeShell("exec-1")
	env.engine.ShellFunc = func(string, engine.ExecOptions) (engine.Shell, error) {
		return shell, nil
	}

	conn := newFakeConn()
	done := make(chan error, 1)
	go func() {
		done <- env.manager.ServeTerminal(context.Background(), inst.ID, conn, 0, 0)
	}()

	assert.Eventually(t, func() bool {
		return len(conn.frames(types.TerminalFrameConnected)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return shell, conn, done
}

func TestTerminalSessionEndsWhenSandboxCloses(t *testing.T) {
	env := newTestEnv(t, engine.NewFakeEngine())
	inst := env.addInstance(t, types.InstanceStatusRunning, engine.StateRunning)

	shell, conn, done := startTerminal(t, env, inst)

	connected := conn.frames(types.TerminalFrameConnected)[0]
	assert.NotEmpty(t, connected.SessionID)
	assert.Equal(t, inst.ID, connected.Instance.ID)

	sessions, err := env.manager.ListSessions(inst.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, uint(80), sessions[0].Cols)
	assert.Equal(t, uint(24), sessions[0].Rows)
	assert.Equal(t, "exec-1", sessions[0].ExecID)

	shell.CloseFromSandbox()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal did not finish after sandbox closed")
	}

	sessions, err = env.manager.ListSessions(inst.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.True(t, conn.isClosed())
	assert.True(t, shell.Closed())
}

func TestTerminalForwardsFrames(t *testing.T) {
	env := newTestEnv(t, engine.NewFakeEngine())
	inst := env.addInstance(t, types.InstanceStatusRunning, engine.StateRunning)

	shell, conn, done := startTerminal(t, env, inst)

	conn.in <- &types.TerminalFrame{Type: types.TerminalFrameInput, Data: "ls\n"}
	conn.in <- &types.TerminalFrame{Type: types.TerminalFrameResize, Cols: 120, Rows: 40}
	conn.in <- &types.TerminalFrame{Type: types.TerminalFramePing}

	assert.Eventually(t, func() bool {
		return len(conn.frames(types.TerminalFramePong)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ls\n", shell.Input())
	cols, rows := shell.Size()
	assert.Equal(t, uint(120), cols)
	assert.Equal(t, uint(40), rows)

	// The euro sign arrives split across two reads.
	shell.Emit([]byte("price: \xe2\x82"))
	shell.Emit([]byte("\xac\n"))
	assert.Eventually(t, func() bool {
		return conn.output() == "price: €\n"
	}, time.Second, 5*time.Millisecond)

	conn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal did not finish after client closed")
	}
	assert.True(t, shell.Closed())

	sessions, err := env.manager.ListSessions(inst.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestTerminalRejectsInstanceThatIsNotRunning(t *testing.T) {
	env := newTestEnv(t, engine.NewFakeEngine())
	inst := env.addInstance(t, types.InstanceStatusInstalling, engine.StateRunning)

	conn := newFakeConn()
	err := env.manager.ServeTerminal(context.Background(), inst.ID, conn, 80, 24)

	var notRunning *types.ErrInstanceNotRunning
	require.ErrorAs(t, err, &notRunning)
	require.Len(t, conn.frames(types.TerminalFrameError), 1)
	assert.True(t, conn.isClosed())
}

func TestTerminalWaitsForDaemon(t *testing.T) {
	eng := engine.NewFakeEngine()
	eng.ExecFunc = func(_ string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		if opts.Cmd[0] == "docker" {
			return &engine.ExecResult{ExitCode: 1}, nil
		}
		return &engine.ExecResult{}, nil
	}
	env := newTestEnv(t, eng)
	inst := env.addInstance(t, types.InstanceStatusRunning, engine.StateRunning)

	conn := newFakeConn()
	err := env.manager.ServeTerminal(context.Background(), inst.ID, conn, 80, 24)

	var notReady *types.ErrDaemonNotReady
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, 5, notReady.Attempts)

	frames := conn.frames(types.TerminalFrameError)
	require.Len(t, frames, 1)
	assert.Equal(t, "Docker daemon not ready in container. Please wait and try again.", frames[0].Message)
}

func TestDeleteClosesTerminalSessions(t *testing.T) {
	env := newTestEnv(t, engine.NewFakeEngine())
	inst := env.addInstance(t, types.InstanceStatusRunning, engine.StateRunning)

	shell, conn, done := startTerminal(t, env, inst)

	require.NoError(t, env.manager.Delete(context.Background(), inst.ID))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal did not finish after delete")
	}
	assert.True(t, shell.Closed())
	assert.True(t, conn.isClosed())
}

func TestSplitIncompleteRune(t *testing.T) {
	complete, rest := splitIncompleteRune([]byte("ab\xe2\x82"))
	assert.Equal(t, []byte("ab"), complete)
	assert.Equal(t, []byte("\xe2\x82"), rest)

	complete, rest = splitIncompleteRune([]byte("a€"))
	assert.Equal(t, []byte("a€"), complete)
	assert.Empty(t, rest)

	complete, rest = splitIncompleteRune([]byte{})
	assert.Empty(t, complete)
	assert.Empty(t, rest)
}

func TestDecodeOutputHoldsInvalidBytesUntilLimit(t *testing.T) {
	text, pending := decodeOutput([]byte("ok\xe2\x82"), 8)
	assert.Equal(t, "ok", text)
	assert.Equal(t, []byte("\xe2\x82"), pending)

	text, pending = decodeOutput([]byte("a\xffb"), 8)
	assert.Empty(t, text)
	assert.Equal(t, []byte("a\xffb"), pending)

	text, pending = decodeOutput([]byte("a\xffbcdefgh\xe2"), 8)
	assert.Equal(t, "a�bcdefgh", text)
	assert.Equal(t, []byte("\xe2"), pending)
}

func TestTerminalInputRecordsInstanceActivity(t *testing.T) {
	env := newTestEnv(t, engine.NewFakeEngine())
	inst := env.addInstance(t, types.InstanceStatusRunning, engine.StateRunning)

	shell, conn, done := startTerminal(t, env, inst)

	env.clock.Advance(time.Minute)
	conn.in <- &types.TerminalFrame{Type: types.TerminalFrameInput, Data: "pwd\n"}

	assert.Eventually(t, func() bool {
		current, ok := env.manager.snapshot(inst.ID)
		return ok && current.LastActivity.Equal(inst.LastActivity.Add(time.Minute))
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "pwd\n", shell.Input())

	conn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal did not finish after client closed")
	}
}
