package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) registerHypergraphRoutes() {
	g := s.echo.Group("/hgmem")
	g.GET("", s.hypergraphInfo)
	g.POST("/sessions", s.startSession)
	g.POST("/sessions/:id/step", s.stepSession)
	g.POST("/sessions/:id/run", s.runSession)
	g.GET("/sessions/:id/memory", s.sessionMemory)
	g.GET("/sessions/:id/stats", s.sessionStats)
}

// hypergraphInfo answers the bare GET /hgmem/ health probe with whether
// the engine is wired, since it takes no session ID and mutates nothing.
func (s *Server) hypergraphInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"enabled": s.Sessions != nil})
}

type startSessionRequest struct {
	ID      string `json:"id"`
	Query   string `json:"query"`
	Project string `json:"project"`
}

func (s *Server) startSession(c echo.Context) error {
	var req startSessionRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.ID == "" {
		req.ID = c.Request().Header.Get("X-Request-ID")
	}
	sess, err := s.Sessions.StartSession(c.Request().Context(), req.ID, req.Query, req.Project)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) stepSession(c echo.Context) error {
	sess, err := s.Sessions.Step(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) runSession(c echo.Context) error {
	sess, err := s.Sessions.RunToCompletion(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) sessionMemory(c echo.Context) error {
	sess, err := s.SessionStore.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sess.Memory)
}

func (s *Server) sessionStats(c echo.Context) error {
	sess, err := s.SessionStore.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"step":          sess.Step,
		"max_steps":     sess.MaxSteps,
		"state":         sess.State,
		"input_tokens":  sess.InputTokens,
		"output_tokens": sess.OutputTokens,
		"vertices":      len(sess.Memory.Vertices),
		"hyperedges":    len(sess.Memory.Hyperedges),
	})
}
