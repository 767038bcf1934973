package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) registerDeviceTaskRoutes() {
	g := s.echo.Group("/device-tasks")
	g.GET("/:deviceID", s.listDeviceTasks)
	g.POST("/:id/pick", s.pickDeviceTask)
	g.POST("/:id/chunk", s.chunkDeviceTask)
	g.POST("/:id/complete", s.completeDeviceTask)
	g.POST("/:id/fail", s.failDeviceTask)
}

func (s *Server) listDeviceTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.DeviceTask.PendingForDevice(c.Param("deviceID")))
}

func (s *Server) pickDeviceTask(c echo.Context) error {
	dt, err := s.DeviceTask.Pick(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, dt)
}

type chunkRequest struct {
	Chunk string `json:"chunk"`
}

func (s *Server) chunkDeviceTask(c echo.Context) error {
	var req chunkRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := s.DeviceTask.Chunk(c.Request().Context(), c.Param("id"), req.Chunk); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type completeRequest struct {
	Output string `json:"output"`
}

func (s *Server) completeDeviceTask(c echo.Context) error {
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := s.DeviceTask.Complete(c.Request().Context(), c.Param("id"), req.Output); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type failDeviceTaskRequest struct {
	Error string `json:"error"`
}

func (s *Server) failDeviceTask(c echo.Context) error {
	var req failDeviceTaskRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := s.DeviceTask.Fail(c.Request().Context(), c.Param("id"), req.Error); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
