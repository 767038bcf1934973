package httpapi

import (
	"net/http"

	conduit "github.com/forgeworks/conduit"
	"github.com/labstack/echo/v4"
)

func (s *Server) registerDeviceRoutes() {
	g := s.echo.Group("/devices")
	g.GET("", s.listDevices)
	g.POST("", s.createDevice)
	g.POST("/connect", s.connectDevice)
	g.POST("/:id/heartbeat", s.heartbeatDevice)
	g.GET("/:id/tunnel", s.mintDeviceTunnel)
	g.DELETE("/:id", s.deleteDevice)
}

func (s *Server) listDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Devices.List(c.Request().Context()))
}

type createDeviceRequest struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Tags []string `json:"tags"`
}

func (s *Server) createDevice(c echo.Context) error {
	var req createDeviceRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	dev, token, err := s.Devices.Create(c.Request().Context(), req.Name, req.Type, req.Tags)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"device": dev,
		"token":  token,
	})
}

type connectDeviceRequest struct {
	Token        string            `json:"token"`
	Hostname     string            `json:"hostname"`
	Capabilities map[string]string `json:"capabilities"`
}

func (s *Server) connectDevice(c echo.Context) error {
	var req connectDeviceRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	dev, err := s.Devices.Connect(c.Request().Context(), req.Token, req.Capabilities, req.Hostname)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, dev)
}

type heartbeatRequest struct {
	Capabilities map[string]string `json:"capabilities"`
}

func (s *Server) heartbeatDevice(c echo.Context) error {
	var req heartbeatRequest
	_ = c.Bind(&req)
	dev, err := s.Devices.Heartbeat(c.Request().Context(), c.Param("id"), req.Capabilities)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, dev)
}

func (s *Server) mintDeviceTunnel(c echo.Context) error {
	if s.Tunnel == nil {
		return fail(c, conduit.NewError(conduit.ClassValidation, "httpapi.mintDeviceTunnel", "tunnel issuer is not configured"))
	}
	ctx := c.Request().Context()
	dev, err := s.Devices.Get(ctx, c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	tunnelID := conduit.NewID()
	token, err := s.Tunnel.Mint(dev.ID, tunnelID)
	if err != nil {
		return fail(c, err)
	}
	if err := s.Devices.SetTunnel(ctx, dev.ID, tunnelID, token); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"tunnel_id": tunnelID,
		"token":     token,
	})
}

func (s *Server) deleteDevice(c echo.Context) error {
	if err := s.Devices.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
