package conduit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Class is the error taxonomy surfaced to HTTP callers and recorded on
// terminal task/node/device-task/session transitions.
type Class int

const (
	// ClassNotFound: missing task, DAG, node, device, or session. 404-class.
	ClassNotFound Class = iota
	// ClassConflict: delete-while-running, double-start, invalid state transition. 409-class.
	ClassConflict
	// ClassValidation: malformed DAG, invalid token shape, missing required fields. 400-class.
	ClassValidation
	// ClassUnauthorized: expired or reused device token. 401-class.
	ClassUnauthorized
	// ClassExternal: LLM call failed, subprocess spawn failed.
	ClassExternal
	// ClassTimeout: task, device wait, or LLM call exceeded its budget.
	ClassTimeout
	// ClassFatal: corrupted state file at load.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	case ClassValidation:
		return "validation"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassExternal:
		return "external"
	case ClassTimeout:
		return "timeout"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified, typed error. Every error surfaced across DAG
// Executor, Task Runner, Device Registry, Device Task Queue, and Hypergraph
// Memory Engine boundaries is one of these so callers can switch on Class
// instead of string-matching messages.
type Error struct {
	Class   Class
	Op      string // component/operation, e.g. "dagexec.start", "device.connect"
	Message string
	Err     error // wrapped cause, optional
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified Error.
func NewError(class Class, op, message string) *Error {
	return &Error{Class: class, Op: op, Message: message}
}

// Wrapf builds a classified Error wrapping cause.
func Wrapf(class Class, op string, cause error, format string, args ...any) *Error {
	return &Error{Class: class, Op: op, Message: fmt.Sprintf(format, args...), Err: cause}
}

// ClassOf extracts the Class of err, defaulting to ClassExternal for
// errors that were never classified (e.g. a bare error from a collaborator).
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassExternal
}

// WrapFatal wraps err with a stack trace. Reserved for the Fatal class,
// where a corrupted state file was detected at load and an operator needs
// to see where — everywhere else plain fmt.Errorf("...: %w", err) is used.
func WrapFatal(op string, err error) *Error {
	return &Error{Class: ClassFatal, Op: op, Message: "state file corrupted", Err: pkgerrors.WithStack(err)}
}

// --- legacy provider-level errors, kept from the original stack ---

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter interprets a Retry-After header value, either as delay
// seconds or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
