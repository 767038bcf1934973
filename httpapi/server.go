// Package httpapi exposes conduit's core over HTTP, built with
// labstack/echo/v4. Handlers are thin: they bind the request shape,
// call into the core packages, and translate the error taxonomy to
// HTTP status classes via fail().
package httpapi

import (
	"net/http"
	"time"

	conduit "github.com/forgeworks/conduit"
	"github.com/forgeworks/conduit/config"
	"github.com/forgeworks/conduit/hypergraph"
	"github.com/forgeworks/conduit/planner"
	"github.com/forgeworks/conduit/role"
	"github.com/forgeworks/conduit/tunnel"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server wires every core component behind one Echo instance.
type Server struct {
	echo *echo.Echo

	Tasks        *conduit.TaskStore
	DAGs         *conduit.DAGStore
	Executor     *conduit.DAGExecutor
	Runner       *conduit.TaskRunner
	Devices      *conduit.DeviceRegistry
	DeviceTask   *conduit.DeviceTaskQueue
	Broadcast    *conduit.Broadcaster
	Knowledge    *conduit.KnowledgeQueryAdapter
	Sessions     *hypergraph.Engine
	SessionStore *hypergraph.SessionStore
	Planner      *planner.Client
	Roles        *role.Registry
	Tunnel       *tunnel.Issuer
	ConfigStore  *config.Store
	Metrics      *Metrics

	longPollTimeout time.Duration
}

// New builds a Server. Any of Planner, Roles, Tunnel, ConfigStore, or
// Metrics may be nil: routes that need a missing Planner, Tunnel or
// ConfigStore respond 400 rather than panicking, a nil Roles gives the
// planner no role entries, and a nil Metrics is replaced by a fresh one.
func New(deps Server) *Server {
	s := deps
	s.longPollTimeout = 25 * time.Second

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	s.echo = e

	s.registerTaskRoutes()
	s.registerDAGRoutes()
	s.registerDeviceRoutes()
	s.registerDeviceTaskRoutes()
	s.registerHypergraphRoutes()
	s.registerConfigRoutes()
	s.registerEventRoutes()
	s.registerMetricsRoutes()

	return &s
}

// Echo exposes the underlying Echo instance (e.g. for ListenAndServe via
// net/http.Server, or for tests via httptest).
func (s *Server) Echo() *echo.Echo { return s.echo }

// ServeHTTP makes Server itself an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
