package playground

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/types"
)

// ServeHostShell runs a shell on the gateway host and bridges it to conn.
// Output is line buffered and tagged stdout or stderr; input frames are
// written to the shell's stdin. It returns when either side closes.
func ServeHostShell(ctx context.Context, conn TerminalConn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	cmd := exec.CommandContext(ctx, hostShell())
	cmd.Env = append(os.Environ(), "TERM=dumb")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		conn.WriteFrame(&types.TerminalFrame{Type: types.TerminalFrameError, Message: err.Error()})
		return fmt.Errorf("failed to start host shell: %w", err)
	}
	log.Info().Int("pid", cmd.Process.Pid).Msg("host shell started")

	var writeMu sync.Mutex
	write := func(frame *types.TerminalFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteFrame(frame)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go forwardLines(&readers, stdout, types.TerminalFrameStdout, write)
	go forwardLines(&readers, stderr, types.TerminalFrameStderr, write)

	go func() {
		defer stdin.Close()
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				cancel()
				return
			}
			if frame.Type != types.TerminalFrameInput {
				continue
			}
			if _, err := io.WriteString(stdin, frame.Data); err != nil {
				return
			}
		}
	}()

	readers.Wait()
	err = cmd.Wait()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	write(&types.TerminalFrame{Type: types.TerminalFrameExit, ExitCode: &code})

	log.Info().Int("exit_code", code).Msg("host shell exited")
	return nil
}

func forwardLines(wg *sync.WaitGroup, r io.Reader, kind types.TerminalFrameType, write func(*types.TerminalFrame) error) {
	defer wg.Done()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if werr := write(&types.TerminalFrame{Type: kind, Data: strings.ToValidUTF8(line, "")}); werr != nil {
				io.Copy(io.Discard, br)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func hostShell() string {
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}
