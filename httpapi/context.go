package httpapi

import (
	"context"
	"time"
)

// detachedContext strips the cancellation/deadline of an inbound request
// context while preserving its values (trace span, request-scoped fields)
// for work that must outlive the HTTP response, such as RunAsync's
// goroutine.
func detachedContext(parent context.Context) context.Context {
	return detached{parent}
}

type detached struct {
	context.Context
}

func (detached) Deadline() (deadline time.Time, ok bool) { return time.Time{}, false }
func (detached) Done() <-chan struct{}                   { return nil }
func (detached) Err() error                               { return nil }
