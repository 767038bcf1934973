package httpapi

import (
	"net/http"

	conduit "github.com/forgeworks/conduit"
	"github.com/labstack/echo/v4"
)

func (s *Server) registerTaskRoutes() {
	g := s.echo.Group("/tasks")
	g.GET("", s.listTasks)
	g.POST("", s.createTask)
	g.DELETE("", s.deleteAllTasks)
	g.GET("/:id", s.getTask)
	g.DELETE("/:id", s.deleteTask)
	g.POST("/:id/approve", s.approveTask)
	g.POST("/:id/reject", s.rejectTask)
	g.GET("/:id/diff", s.getTaskDiff)
}

func (s *Server) listTasks(c echo.Context) error {
	owner := c.QueryParam("owner")
	return c.JSON(http.StatusOK, s.Tasks.ListByOwner(c.Request().Context(), owner))
}

// createTaskRequest is the request body for POST /tasks. Allow/Deny globs
// travel with the task and are not checked here; the Task Runner lists them
// in the prompt's file-scope section and does not check individual file
// writes against them.
type createTaskRequest struct {
	Owner         string            `json:"owner"`
	Project       string            `json:"project"`
	Title         string            `json:"title"`
	Briefing      string            `json:"briefing"`
	Role          string            `json:"role"`
	ModelHint     string            `json:"model_hint"`
	AgentKind     conduit.AgentKind `json:"agent_kind"`
	DeviceID      string            `json:"device_id"`
	Allow         []string          `json:"allow"`
	Deny          []string          `json:"deny"`
	RequireReview bool              `json:"require_review"`
}

func (s *Server) createTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Title == "" || req.Briefing == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title and briefing are required")
	}

	state := conduit.TaskPending
	if req.RequireReview {
		state = conduit.TaskReviewing
	}

	task := conduit.Task{
		ID:        conduit.NewTaskID(),
		Owner:     req.Owner,
		Project:   req.Project,
		Title:     req.Title,
		Briefing:  req.Briefing,
		Role:      req.Role,
		ModelHint: req.ModelHint,
		AgentKind: req.AgentKind,
		DeviceID:  req.DeviceID,
		Allow:     req.Allow,
		Deny:      req.Deny,
		State:     state,
		CreatedAt: conduit.NowUnix(),
	}
	ctx := c.Request().Context()
	if err := s.Tasks.Create(ctx, task); err != nil {
		return fail(c, err)
	}
	if state == conduit.TaskPending {
		s.Runner.RunAsync(detachedContext(ctx), task)
	}
	return c.JSON(http.StatusCreated, task)
}

func (s *Server) getTask(c echo.Context) error {
	t, err := s.Tasks.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) deleteTask(c echo.Context) error {
	if err := s.Tasks.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deleteAllTasks(c echo.Context) error {
	if err := s.Tasks.DeleteAll(c.Request().Context()); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) approveTask(c echo.Context) error {
	ctx := c.Request().Context()
	t, err := s.Tasks.Mutate(ctx, c.Param("id"), func(t *conduit.Task) {
		if t.State == conduit.TaskReviewing {
			t.State = conduit.TaskPending
		}
	})
	if err != nil {
		return fail(c, err)
	}
	if t.State != conduit.TaskPending {
		return fail(c, conduit.NewError(conduit.ClassConflict, "httpapi.approveTask", "task is not awaiting review: "+t.ID))
	}
	s.Runner.RunAsync(detachedContext(ctx), t)
	return c.JSON(http.StatusOK, t)
}

type rejectTaskRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) rejectTask(c echo.Context) error {
	var req rejectTaskRequest
	_ = c.Bind(&req)
	t, err := s.Tasks.Mutate(c.Request().Context(), c.Param("id"), func(t *conduit.Task) {
		if t.State != conduit.TaskReviewing {
			return
		}
		t.State = conduit.TaskRejected
		t.Reason = req.Reason
		t.CompletedAt = conduit.NowUnix()
	})
	if err != nil {
		return fail(c, err)
	}
	if t.State != conduit.TaskRejected {
		return fail(c, conduit.NewError(conduit.ClassConflict, "httpapi.rejectTask", "task is not awaiting review: "+t.ID))
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) getTaskDiff(c echo.Context) error {
	t, err := s.Tasks.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"diff": t.DiffBlob})
}
