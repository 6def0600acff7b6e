package playground

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/common"
	"github.com/beam-cloud/playground/pkg/engine"
	"github.com/beam-cloud/playground/pkg/types"
)

const terminalSessionActive = "active"

// TerminalConn is the client side of a terminal session, usually a websocket.
// ReadFrame must return an error once Close has been called.
type TerminalConn interface {
	ReadFrame() (*types.TerminalFrame, error)
	WriteFrame(frame *types.TerminalFrame) error
	Close() error
}

type terminalSession struct {
	id         string
	instanceId string
	shell      engine.Shell
	conn       TerminalConn
	createdAt  time.Time

	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	cols, rows   uint

	closeOnce sync.Once
}

func (s *terminalSession) info() types.TerminalSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	return types.TerminalSession{
		SessionID:    s.id,
		InstanceID:   s.instanceId,
		ExecID:       s.shell.ID(),
		Status:       terminalSessionActive,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Cols:         s.cols,
		Rows:         s.rows,
	}
}

func (s *terminalSession) writeFrame(frame *types.TerminalFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteFrame(frame)
}

func (s *terminalSession) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// ServeTerminal attaches an interactive shell in the instance to conn and
// pumps frames both ways until either side closes. Setup failures are sent
// to the client as an error frame and returned.
func (m *Manager) ServeTerminal(ctx context.Context, instanceId string, conn TerminalConn, cols, rows uint) error {
	if cols == 0 {
		cols = types.DefaultTerminalCols
	}
	if rows == 0 {
		rows = types.DefaultTerminalRows
	}

	session, inst, err := m.openTerminal(ctx, instanceId, conn, cols, rows)
	if err != nil {
		conn.WriteFrame(&types.TerminalFrame{Type: types.TerminalFrameError, Message: err.Error()})
		conn.Close()
		return err
	}

	if err := session.writeFrame(&types.TerminalFrame{
		Type:      types.TerminalFrameConnected,
		SessionID: session.id,
		Instance:  inst,
	}); err != nil {
		m.closeSession(session)
		return fmt.Errorf("failed to send connected frame: %w", err)
	}

	m.pumpSession(ctx, session)
	return nil
}

func (m *Manager) openTerminal(ctx context.Context, instanceId string, conn TerminalConn, cols, rows uint) (*terminalSession, *types.Instance, error) {
	inst, err := m.runningInstance(instanceId)
	if err != nil {
		return nil, nil, err
	}

	if err := m.waitForContainer(ctx, inst); err != nil {
		return nil, nil, err
	}
	if err := m.waitForDaemon(ctx, inst); err != nil {
		return nil, nil, err
	}

	sessionId := common.GenerateSessionID()
	shell, err := m.engine.AttachShell(ctx, inst.ContainerID, engine.ExecOptions{
		Cmd:        []string{"/bin/bash", "-l", "-i"},
		Env:        terminalEnv(sessionId, cols, rows),
		WorkingDir: m.config.WorkspaceDir,
		User:       "root",
		Tty:        true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open terminal in %s: %w", instanceId, err)
	}

	if err := shell.Resize(ctx, cols, rows); err != nil {
		log.Debug().Err(err).Str("session_id", sessionId).Msg("initial terminal resize failed")
	}

	now := m.now()
	session := &terminalSession{
		id:           sessionId,
		instanceId:   instanceId,
		shell:        shell,
		conn:         conn,
		createdAt:    now,
		lastActivity: now,
		cols:         cols,
		rows:         rows,
	}

	m.sessionsMu.Lock()
	m.sessions[sessionId] = session
	common.TerminalSessionsActive.Set(float64(len(m.sessions)))
	m.sessionsMu.Unlock()

	m.touch(ctx, instanceId)
	log.Info().Str("instance_id", instanceId).Str("session_id", sessionId).Str("exec_id", shell.ID()).Msg("terminal session opened")
	return session, inst, nil
}

// waitForContainer checks that the container executes commands at all.
func (m *Manager) waitForContainer(ctx context.Context, inst *types.Instance) error {
	for attempt := 1; attempt <= m.terminal.ContainerCheckAttempts; attempt++ {
		res, err := m.engine.Exec(ctx, inst.ContainerID, engine.ExecOptions{Cmd: []string{"echo", "test"}})
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		log.Debug().Err(err).Str("instance_id", inst.ID).Int("attempt", attempt).Msg("container not responsive yet")

		if attempt < m.terminal.ContainerCheckAttempts && !sleepCtx(ctx, m.terminal.ContainerCheckInterval) {
			return ctx.Err()
		}
	}
	return &types.ErrContainerNotResponsive{InstanceID: inst.ID, Attempts: m.terminal.ContainerCheckAttempts}
}

// waitForDaemon gives a warming inner daemon a few more seconds to answer.
func (m *Manager) waitForDaemon(ctx context.Context, inst *types.Instance) error {
	for attempt := 1; attempt <= m.terminal.DaemonCheckAttempts; attempt++ {
		if m.daemonReady(ctx, inst.ContainerID) {
			return nil
		}
		log.Debug().Str("instance_id", inst.ID).Int("attempt", attempt).Msg("docker daemon not ready for terminal")

		if attempt < m.terminal.DaemonCheckAttempts && !sleepCtx(ctx, m.terminal.DaemonCheckInterval) {
			return ctx.Err()
		}
	}
	return &types.ErrDaemonNotReady{InstanceID: inst.ID, Attempts: m.terminal.DaemonCheckAttempts}
}

func terminalEnv(sessionId string, cols, rows uint) []string {
	return []string{
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
		`PS1=\[\033[01;32m\]playground\[\033[00m\]:\[\033[01;34m\]\w\[\033[00m\]\$ `,
		"HISTSIZE=10000",
		"HISTFILESIZE=20000",
		"PROMPT_COMMAND=history -a",
		fmt.Sprintf("COLUMNS=%d", cols),
		fmt.Sprintf("LINES=%d", rows),
		"SHELL=/bin/bash",
		"PLAYGROUND_SESSION=" + sessionId,
	}
}

// pumpSession runs the output and input pumps. Whichever finishes first
// closes the shell and the connection, which unblocks the other.
func (m *Manager) pumpSession(ctx context.Context, s *terminalSession) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outputDone := make(chan struct{})
	inputDone := make(chan struct{})

	go func() {
		defer close(outputDone)
		m.pumpOutput(s)
	}()
	go func() {
		defer close(inputDone)
		m.pumpInput(ctx, s)
	}()

	var other chan struct{}
	select {
	case <-outputDone:
		other = inputDone
	case <-inputDone:
		other = outputDone
	case <-ctx.Done():
		other = nil
	}

	cancel()
	m.closeSession(s)

	if other != nil {
		select {
		case <-other:
		case <-time.After(m.terminal.CancelGrace):
			log.Warn().Str("session_id", s.id).Msg("terminal pump did not stop within grace period")
		}
	}
}

// pumpOutput forwards shell output as it arrives. Bytes that do not decode
// yet are held back, up to MaxPendingBytes.
func (m *Manager) pumpOutput(s *terminalSession) {
	buf := make([]byte, m.terminal.ReadBufferSize)
	var pending []byte

	for {
		n, err := s.shell.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)

			var text string
			text, pending = decodeOutput(pending, m.terminal.MaxPendingBytes)

			if text != "" {
				if werr := s.writeFrame(&types.TerminalFrame{Type: types.TerminalFrameOutput, Data: text}); werr != nil {
					return
				}
			}
		}

		if err != nil {
			if len(pending) > 0 {
				s.writeFrame(&types.TerminalFrame{Type: types.TerminalFrameOutput, Data: strings.ToValidUTF8(string(pending), "\uFFFD")})
			}
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("session_id", s.id).Msg("terminal output closed")
			}
			return
		}
	}
}

// decodeOutput returns the printable prefix of p and the bytes to hold for
// the next read. A trailing partial rune is always held. Invalid sequences
// are held until more than limit bytes are pending, then replaced with U+FFFD.
func decodeOutput(p []byte, limit int) (string, []byte) {
	complete, partial := splitIncompleteRune(p)
	if utf8.Valid(complete) {
		return string(complete), partial
	}
	if len(p) > limit {
		return strings.ToValidUTF8(string(complete), "\uFFFD"), partial
	}
	return "", p
}

// splitIncompleteRune separates a trailing partial UTF-8 sequence.
func splitIncompleteRune(p []byte) ([]byte, []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if !utf8.FullRune(p[i:]) {
			rest := make([]byte, len(p)-i)
			copy(rest, p[i:])
			return p[:i], rest
		}
		break
	}
	return p, nil
}

func (m *Manager) pumpInput(ctx context.Context, s *terminalSession) {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			return
		}
		s.touch(m.now())
		m.touch(ctx, s.instanceId)

		switch frame.Type {
		case types.TerminalFrameInput:
			if _, err := s.shell.Write([]byte(frame.Data)); err != nil {
				return
			}
		case types.TerminalFrameResize:
			if frame.Cols == 0 || frame.Rows == 0 {
				continue
			}
			if err := s.shell.Resize(ctx, frame.Cols, frame.Rows); err != nil {
				log.Debug().Err(err).Str("session_id", s.id).Msg("terminal resize failed")
				continue
			}
			s.mu.Lock()
			s.cols, s.rows = frame.Cols, frame.Rows
			s.mu.Unlock()
		case types.TerminalFramePing:
			if err := s.writeFrame(&types.TerminalFrame{Type: types.TerminalFramePong}); err != nil {
				return
			}
		default:
			log.Debug().Str("session_id", s.id).Str("type", string(frame.Type)).Msg("ignoring terminal frame")
		}
	}
}

// closeSession closes the shell and connection and unregisters the session.
// Safe to call from any path any number of times.
func (m *Manager) closeSession(s *terminalSession) {
	s.closeOnce.Do(func() {
		s.shell.Close()
		s.conn.Close()

		m.sessionsMu.Lock()
		delete(m.sessions, s.id)
		common.TerminalSessionsActive.Set(float64(len(m.sessions)))
		m.sessionsMu.Unlock()

		log.Info().Str("instance_id", s.instanceId).Str("session_id", s.id).Msg("terminal session closed")
	})
}

func (m *Manager) closeSessionsFor(instanceId string) {
	m.sessionsMu.Lock()
	var sessions []*terminalSession
	for _, s := range m.sessions {
		if s.instanceId == instanceId {
			sessions = append(sessions, s)
		}
	}
	m.sessionsMu.Unlock()

	for _, s := range sessions {
		m.closeSession(s)
	}
}

// CloseAllSessions ends every terminal session, used on shutdown.
func (m *Manager) CloseAllSessions() {
	m.sessionsMu.Lock()
	sessions := make([]*terminalSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessionsMu.Unlock()

	for _, s := range sessions {
		m.closeSession(s)
	}
}

// ListSessions returns the active terminal sessions of an instance.
func (m *Manager) ListSessions(instanceId string) ([]types.TerminalSession, error) {
	if _, ok := m.snapshot(instanceId); !ok {
		return nil, &types.ErrInstanceNotFound{InstanceID: instanceId}
	}

	m.sessionsMu.Lock()
	out := []types.TerminalSession{}
	for _, s := range m.sessions {
		if s.instanceId == instanceId {
			out = append(out, s.info())
		}
	}
	m.sessionsMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
