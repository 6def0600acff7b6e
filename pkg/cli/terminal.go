package cli

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/beam-cloud/playground/pkg/types"
)

var terminalCmd = &cobra.Command{
	Use:   "terminal <instance-id>",
	Short: "Attach an interactive shell to a sandbox",
	Long:  `Attach an interactive shell to a sandbox. Detach by exiting the shell.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return attachTerminal(args[0])
	},
}

func attachTerminal(instanceId string) error {
	fd := int(os.Stdin.Fd())
	cols, rows := types.DefaultTerminalCols, types.DefaultTerminalRows
	if w, h, err := term.GetSize(fd); err == nil {
		cols, rows = w, h
	}

	client := getClient()
	header := http.Header{}
	if client.token != "" {
		header.Set("Authorization", "Bearer "+client.token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(client.TerminalURL(instanceId, cols, rows), header)
	if err != nil {
		if resp != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: "terminal upgrade rejected"}
		}
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}
	defer conn.Close()

	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, state)
	}

	var writeMu sync.Mutex
	send := func(frame types.TerminalFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(frame)
	}

	go forwardResizes(fd, send)

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if err := send(types.TerminalFrame{Type: types.TerminalFrameInput, Data: string(buf[:n])}); err != nil {
				return
			}
		}
	}()

	for {
		var frame types.TerminalFrame
		if err := conn.ReadJSON(&frame); err != nil {
			// the gateway closes the socket when the shell exits
			return nil
		}

		switch frame.Type {
		case types.TerminalFrameOutput, types.TerminalFrameStdout:
			os.Stdout.WriteString(frame.Data)
		case types.TerminalFrameStderr:
			os.Stderr.WriteString(frame.Data)
		case types.TerminalFrameError:
			return fmt.Errorf("%s", frame.Message)
		case types.TerminalFrameExit:
			return nil
		}
	}
}

// forwardResizes sends a resize frame whenever the local window changes.
func forwardResizes(fd int, send func(types.TerminalFrame) error) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGWINCH)
	defer signal.Stop(sigs)

	for range sigs {
		cols, rows, err := term.GetSize(fd)
		if err != nil {
			continue
		}
		if err := send(types.TerminalFrame{Type: types.TerminalFrameResize, Cols: uint(cols), Rows: uint(rows)}); err != nil {
			return
		}
	}
}
