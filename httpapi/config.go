package httpapi

import (
	"net/http"

	conduit "github.com/forgeworks/conduit"
	"github.com/labstack/echo/v4"
)

// registerConfigRoutes exposes the Config Store. The store exists so
// operators can rotate provider credentials without a redeploy, so it
// needs a surface; grouped under /config rather than mixed into
// process config.
func (s *Server) registerConfigRoutes() {
	g := s.echo.Group("/config")
	g.GET("", s.listConfig)
	g.GET("/:key", s.getConfig)
	g.PUT("/:key", s.setConfig)
	g.DELETE("/:key", s.deleteConfig)
}

func (s *Server) requireConfigStore(c echo.Context) error {
	if s.ConfigStore == nil {
		return fail(c, conduit.NewError(conduit.ClassValidation, "httpapi.config", "config store is not configured"))
	}
	return nil
}

func (s *Server) listConfig(c echo.Context) error {
	if err := s.requireConfigStore(c); err != nil {
		return err
	}
	entries, err := s.ConfigStore.List(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

// getConfig returns the decrypted value only for unmasked entries;
// masked entries (e.g. API keys) are write-only over HTTP.
func (s *Server) getConfig(c echo.Context) error {
	if err := s.requireConfigStore(c); err != nil {
		return err
	}
	ctx := c.Request().Context()
	entries, err := s.ConfigStore.List(ctx)
	if err != nil {
		return fail(c, err)
	}
	key := c.Param("key")
	for _, e := range entries {
		if e.Key != key {
			continue
		}
		if e.Masked {
			return c.JSON(http.StatusOK, map[string]string{"key": key, "value": "***"})
		}
		val, err := s.ConfigStore.Get(ctx, key)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"key": key, "value": val})
	}
	return fail(c, conduit.NewError(conduit.ClassNotFound, "httpapi.getConfig", "no such config key: "+key))
}

type setConfigRequest struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Masked      bool   `json:"masked"`
	Value       string `json:"value"`
}

func (s *Server) setConfig(c echo.Context) error {
	if err := s.requireConfigStore(c); err != nil {
		return err
	}
	var req setConfigRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	key := c.Param("key")
	if err := s.ConfigStore.Set(c.Request().Context(), key, req.Category, req.Description, req.Masked, req.Value); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deleteConfig(c echo.Context) error {
	if err := s.requireConfigStore(c); err != nil {
		return err
	}
	if err := s.ConfigStore.Delete(c.Request().Context(), c.Param("key")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
