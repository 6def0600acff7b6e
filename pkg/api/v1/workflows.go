package apiv1

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/beam-cloud/playground/pkg/types"
	"github.com/beam-cloud/playground/pkg/workflow"
)

const maxWorkflowBytes = 4 << 20

type WorkflowService interface {
	ListWorkflows(ctx context.Context) ([]*types.Workflow, error)
	GetWorkflow(ctx context.Context, workflowId string) (*types.Workflow, error)
	CreateWorkflow(ctx context.Context, wf *types.Workflow) (*types.Workflow, error)
	UpdateWorkflow(ctx context.Context, workflowId string, wf *types.Workflow) (*types.Workflow, error)
	DeleteWorkflow(ctx context.Context, workflowId string) error
}

type WorkflowsGroup struct {
	routerGroup *echo.Group
	workflows   WorkflowService
}

func NewWorkflowsGroup(routerGroup *echo.Group, workflows WorkflowService) *WorkflowsGroup {
	g := &WorkflowsGroup{routerGroup: routerGroup, workflows: workflows}
	g.registerRoutes()
	return g
}

func (g *WorkflowsGroup) registerRoutes() {
	g.routerGroup.GET("", g.ListWorkflows)
	g.routerGroup.POST("", g.CreateWorkflow)
	g.routerGroup.GET("/:id", g.GetWorkflow)
	g.routerGroup.PUT("/:id", g.UpdateWorkflow)
	g.routerGroup.DELETE("/:id", g.DeleteWorkflow)
}

func (g *WorkflowsGroup) ListWorkflows(c echo.Context) error {
	list, err := g.workflows.ListWorkflows(c.Request().Context())
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, list)
}

func (g *WorkflowsGroup) GetWorkflow(c echo.Context) error {
	wf, err := g.workflows.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, wf)
}

// CreateWorkflow accepts a JSON or YAML document.
func (g *WorkflowsGroup) CreateWorkflow(c echo.Context) error {
	wf, err := readWorkflow(c)
	if err != nil {
		return ErrorFrom(c, err)
	}

	created, err := g.workflows.CreateWorkflow(c.Request().Context(), wf)
	if err != nil {
		return ErrorFrom(c, err)
	}
	return c.JSON(http.StatusCreated, Response{Success: true, Data: created})
}

func (g *WorkflowsGroup) UpdateWorkflow(c echo.Context) error {
	wf, err := readWorkflow(c)
	if err != nil {
		return ErrorFrom(c, err)
	}

	updated, err := g.workflows.UpdateWorkflow(c.Request().Context(), c.Param("id"), wf)
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, updated)
}

func (g *WorkflowsGroup) DeleteWorkflow(c echo.Context) error {
	id := c.Param("id")
	if err := g.workflows.DeleteWorkflow(c.Request().Context(), id); err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, MessageResponse{Status: "success", Message: "Workflow " + id + " deleted"})
}

func readWorkflow(c echo.Context) (*types.Workflow, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWorkflowBytes))
	if err != nil {
		return nil, &types.ErrInvalidRequest{Reason: "failed to read request body"}
	}
	return workflow.ParseWorkflow(data)
}
