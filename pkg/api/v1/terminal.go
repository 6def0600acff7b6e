package apiv1

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/playground"
	"github.com/beam-cloud/playground/pkg/types"
)

const wsWriteTimeout = 10 * time.Second

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 8192,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// wsTerminalConn carries terminal frames as JSON text messages. Messages
// that are not JSON frames are treated as raw input.
type wsTerminalConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

func newWSTerminalConn(conn *websocket.Conn) *wsTerminalConn {
	return &wsTerminalConn{conn: conn}
}

func (w *wsTerminalConn) ReadFrame() (*types.TerminalFrame, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	frame := &types.TerminalFrame{}
	if err := json.Unmarshal(data, frame); err != nil || frame.Type == "" {
		return &types.TerminalFrame{Type: types.TerminalFrameInput, Data: string(data)}, nil
	}
	return frame, nil
}

func (w *wsTerminalConn) WriteFrame(frame *types.TerminalFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(frame)
}

func (w *wsTerminalConn) Close() error {
	var err error
	w.once.Do(func() {
		w.mu.Lock()
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.mu.Unlock()
		err = w.conn.Close()
	})
	return err
}

// HostTerminalGroup serves a shell on the gateway host. Routes are only
// registered when enabled.
type HostTerminalGroup struct {
	routerGroup *echo.Group
	upgrader    websocket.Upgrader
}

func NewHostTerminalGroup(routerGroup *echo.Group, enabled bool) *HostTerminalGroup {
	g := &HostTerminalGroup{routerGroup: routerGroup, upgrader: newUpgrader()}
	if enabled {
		routerGroup.GET("/ws", g.Shell)
	}
	return g
}

func (g *HostTerminalGroup) Shell(c echo.Context) error {
	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn().Err(err).Msg("host terminal websocket upgrade failed")
		return nil
	}

	if err := playground.ServeHostShell(c.Request().Context(), newWSTerminalConn(ws)); err != nil {
		log.Warn().Err(err).Msg("host terminal ended with error")
	}
	return nil
}
