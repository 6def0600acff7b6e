package types

type TerminalFrameType string

const (
	// client to server
	TerminalFrameInput  TerminalFrameType = "input"
	TerminalFrameResize TerminalFrameType = "resize"
	TerminalFramePing   TerminalFrameType = "ping"

	// server to client
	TerminalFrameConnected TerminalFrameType = "connected"
	TerminalFrameOutput    TerminalFrameType = "output"
	TerminalFramePong      TerminalFrameType = "pong"
	TerminalFrameError     TerminalFrameType = "error"

	// host terminal output
	TerminalFrameStdout TerminalFrameType = "stdout"
	TerminalFrameStderr TerminalFrameType = "stderr"
	TerminalFrameExit   TerminalFrameType = "exit"
)

// TerminalFrame is one JSON message on a terminal websocket.
type TerminalFrame struct {
	Type      TerminalFrameType `json:"type"`
	Data      string            `json:"data,omitempty"`
	Cols      uint              `json:"cols,omitempty"`
	Rows      uint              `json:"rows,omitempty"`
	Message   string            `json:"message,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Instance  *Instance         `json:"instance,omitempty"`
	ExitCode  *int              `json:"exit_code,omitempty"`
}
