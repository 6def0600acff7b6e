package apiv1

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/playground"
	"github.com/beam-cloud/playground/pkg/types"
)

// PlaygroundManager is the sandbox lifecycle surface served over HTTP.
type PlaygroundManager interface {
	Create(ctx context.Context, req types.CreateInstanceRequest) (*types.Instance, error)
	Get(ctx context.Context, instanceId string) (*types.Instance, error)
	List(ctx context.Context) []*types.Instance
	Extend(ctx context.Context, instanceId string, hours int) (*types.Instance, error)
	Delete(ctx context.Context, instanceId string) error
	Refresh(ctx context.Context, instanceId string) (*types.Instance, error)
	CollectOrphans(ctx context.Context) (int, error)

	Execute(ctx context.Context, instanceId string, cmd types.Command) (string, error)
	Stats(ctx context.Context, instanceId string) (*types.InstanceStats, error)

	UploadFile(ctx context.Context, instanceId string, upload types.FileUpload) (string, error)
	ListFiles(ctx context.Context, instanceId, dir string) (*types.FileListing, error)
	DownloadFile(ctx context.Context, instanceId, file string) ([]byte, error)
	DeleteFile(ctx context.Context, instanceId, file string) error
	MakeDirectory(ctx context.Context, instanceId, dir string) (string, error)

	ServeTerminal(ctx context.Context, instanceId string, conn playground.TerminalConn, cols, rows uint) error
	ListSessions(instanceId string) ([]types.TerminalSession, error)
}

type PlaygroundGroup struct {
	routerGroup *echo.Group
	manager     PlaygroundManager
	adminToken  string
	upgrader    websocket.Upgrader
}

type CommandResponse struct {
	Status  string `json:"status"`
	Output  string `json:"output"`
	Command string `json:"command"`
}

// NewPlaygroundGroup registers the sandbox routes. When adminToken is set,
// cleanup requires it as a bearer token.
func NewPlaygroundGroup(routerGroup *echo.Group, manager PlaygroundManager, adminToken string) *PlaygroundGroup {
	g := &PlaygroundGroup{
		routerGroup: routerGroup,
		manager:     manager,
		adminToken:  adminToken,
		upgrader:    newUpgrader(),
	}
	g.registerRoutes()
	return g
}

func (g *PlaygroundGroup) registerRoutes() {
	g.routerGroup.GET("", g.ListInstances)
	g.routerGroup.POST("", g.CreateInstance)
	g.routerGroup.POST("/cleanup", g.Cleanup, RequireAdminToken(g.adminToken))
	g.routerGroup.GET("/:id", g.GetInstance)
	g.routerGroup.DELETE("/:id", g.DeleteInstance)
	g.routerGroup.POST("/:id/extend", g.ExtendInstance)
	g.routerGroup.POST("/:id/refresh", g.RefreshInstance)
	g.routerGroup.POST("/:id/command", g.ExecuteCommand)
	g.routerGroup.GET("/:id/stats", g.GetStats)
	g.routerGroup.GET("/:id/terminal", g.Terminal)
	g.routerGroup.GET("/:id/terminal/sessions", g.ListSessions)
	g.routerGroup.POST("/:id/files", g.UploadFile)
	g.routerGroup.GET("/:id/files", g.ListFiles)
	g.routerGroup.DELETE("/:id/files", g.DeleteFile)
	g.routerGroup.GET("/:id/files/download", g.DownloadFile)
	g.routerGroup.POST("/:id/files/mkdir", g.MakeDirectory)
}

func (g *PlaygroundGroup) ListInstances(c echo.Context) error {
	return SuccessResponse(c, g.manager.List(c.Request().Context()))
}

func (g *PlaygroundGroup) CreateInstance(c echo.Context) error {
	var req types.CreateInstanceRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "invalid request body")
	}

	inst, err := g.manager.Create(c.Request().Context(), req)
	if err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("failed to create playground instance")
		return ErrorFrom(c, err)
	}

	return c.JSON(http.StatusCreated, Response{Success: true, Data: inst})
}

func (g *PlaygroundGroup) GetInstance(c echo.Context) error {
	inst, err := g.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, inst)
}

func (g *PlaygroundGroup) DeleteInstance(c echo.Context) error {
	id := c.Param("id")
	if err := g.manager.Delete(c.Request().Context(), id); err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, MessageResponse{
		Status:  "success",
		Message: fmt.Sprintf("Instance %s deleted successfully", id),
	})
}

func (g *PlaygroundGroup) ExtendInstance(c echo.Context) error {
	var req types.ExtendInstanceRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "invalid request body")
	}

	inst, err := g.manager.Extend(c.Request().Context(), c.Param("id"), req.Hours)
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, inst)
}

func (g *PlaygroundGroup) RefreshInstance(c echo.Context) error {
	inst, err := g.manager.Refresh(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ErrorFrom(c, err)
	}

	message := fmt.Sprintf("Instance %s status: %s", inst.ID, inst.Status)
	switch inst.Status {
	case types.InstanceStatusInstalling:
		message += " (Installing dependencies, please wait...)"
	case types.InstanceStatusRunning:
		message += " (Ready to use)"
	}
	return SuccessResponse(c, MessageResponse{Status: "success", Message: message})
}

func (g *PlaygroundGroup) Cleanup(c echo.Context) error {
	removed, err := g.manager.CollectOrphans(c.Request().Context())
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, MessageResponse{
		Status:  "success",
		Message: fmt.Sprintf("Removed %d orphaned containers", removed),
	})
}

func (g *PlaygroundGroup) ExecuteCommand(c echo.Context) error {
	var cmd types.Command
	if err := c.Bind(&cmd); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "invalid request body")
	}

	output, err := g.manager.Execute(c.Request().Context(), c.Param("id"), cmd)
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, CommandResponse{Status: "success", Output: output, Command: cmd.Command})
}

func (g *PlaygroundGroup) GetStats(c echo.Context) error {
	stats, err := g.manager.Stats(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, stats)
}

// Terminal upgrades to a websocket and attaches an interactive shell. The
// initial size comes from the cols and rows query parameters.
func (g *PlaygroundGroup) Terminal(c echo.Context) error {
	id := c.Param("id")
	cols := queryUint(c, "cols")
	rows := queryUint(c, "rows")

	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn().Err(err).Str("instance_id", id).Msg("terminal websocket upgrade failed")
		return nil
	}

	conn := newWSTerminalConn(ws)
	if err := g.manager.ServeTerminal(c.Request().Context(), id, conn, cols, rows); err != nil {
		log.Warn().Err(err).Str("instance_id", id).Msg("terminal session ended with error")
	}
	return nil
}

func (g *PlaygroundGroup) ListSessions(c echo.Context) error {
	sessions, err := g.manager.ListSessions(c.Param("id"))
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, sessions)
}

func (g *PlaygroundGroup) UploadFile(c echo.Context) error {
	var req types.FileUpload
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "invalid request body")
	}

	path, err := g.manager.UploadFile(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, MessageResponse{
		Status:  "success",
		Message: fmt.Sprintf("File %s uploaded successfully", path),
	})
}

func (g *PlaygroundGroup) ListFiles(c echo.Context) error {
	listing, err := g.manager.ListFiles(c.Request().Context(), c.Param("id"), c.QueryParam("path"))
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, listing)
}

func (g *PlaygroundGroup) DownloadFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return ErrorResponse(c, http.StatusBadRequest, "path is required")
	}

	data, err := g.manager.DownloadFile(c.Request().Context(), c.Param("id"), path)
	if err != nil {
		return ErrorFrom(c, err)
	}

	name := path[strings.LastIndex(path, "/")+1:]
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}

func (g *PlaygroundGroup) DeleteFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return ErrorResponse(c, http.StatusBadRequest, "path is required")
	}

	if err := g.manager.DeleteFile(c.Request().Context(), c.Param("id"), path); err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, MessageResponse{
		Status:  "success",
		Message: fmt.Sprintf("%s deleted successfully", path),
	})
}

func (g *PlaygroundGroup) MakeDirectory(c echo.Context) error {
	var req types.DirectoryRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "invalid request body")
	}

	path, err := g.manager.MakeDirectory(c.Request().Context(), c.Param("id"), req.Path)
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, MessageResponse{
		Status:  "success",
		Message: fmt.Sprintf("Directory %s created successfully", path),
	})
}

func queryUint(c echo.Context, name string) uint {
	v, err := strconv.ParseUint(c.QueryParam(name), 10, 32)
	if err != nil {
		return 0
	}
	return uint(v)
}
