package httpapi

import (
	"net/http"
	"time"

	conduit "github.com/forgeworks/conduit"
	"github.com/labstack/echo/v4"
)

func (s *Server) registerEventRoutes() {
	s.echo.GET("/events", s.longPollEvents)
}

// longPollEvents is the realtime fallback for clients that can't hold a
// streaming connection open: it subscribes under a request-scoped
// observer ID, waits for the first event or the long-poll timeout,
// whichever comes first, and returns whatever arrived (possibly empty).
func (s *Server) longPollEvents(c echo.Context) error {
	observerID := conduit.NewID()
	events := make(chan conduit.Event, 16)

	s.Broadcast.Subscribe(observerID, func(ev conduit.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer s.Broadcast.Unsubscribe(observerID)

	ctx := c.Request().Context()
	timer := time.NewTimer(s.longPollTimeout)
	defer timer.Stop()

	collected := make([]conduit.Event, 0, 4)
	select {
	case ev := <-events:
		collected = append(collected, ev)
	case <-timer.C:
		return c.JSON(http.StatusOK, collected)
	case <-ctx.Done():
		return ctx.Err()
	}

	drain := true
	for drain {
		select {
		case ev := <-events:
			collected = append(collected, ev)
		default:
			drain = false
		}
	}
	return c.JSON(http.StatusOK, collected)
}
