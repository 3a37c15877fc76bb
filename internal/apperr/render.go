package apperr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/shopgate/internal/log"
)

// Response is the single external failure shape. Success is always false;
// Stack is only populated outside production mode.
type Response struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Code      Kind   `json:"code"`
	Timestamp string `json:"timestamp"`
	Details   any    `json:"details,omitempty"`
	Stack     string `json:"stack,omitempty"`
}

// Renderer converts classified errors into HTTP responses and operator logs.
// One instance is shared by all middleware; it is stateless apart from config.
type Renderer struct {
	// Production suppresses internal messages and stack traces on 5xx.
	Production bool

	// OnError is an optional hook for metrics (code, status per response).
	OnError func(code string, status int)
}

const genericInternalMessage = "an unexpected error occurred"

// Render normalizes err and writes the error envelope. Every rendered error
// is also logged through the request-scoped logger with sensitive keys
// redacted from the details payload.
func (rn *Renderer) Render(w http.ResponseWriter, r *http.Request, err error) {
	e := Classify(err)
	if e == nil {
		return
	}

	status := e.Status
	if status == 0 {
		status = StatusFor(e.Kind)
	}

	resp := Response{
		Success:   false,
		Message:   e.Message,
		Code:      e.Kind,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   e.Details,
	}

	ctx := r.Context()
	L := log.FromContext(ctx)

	if status >= 500 {
		// correlation id lets a client report map to the server log line
		errID := uuid.NewString()
		resp.Details = map[string]any{"error_id": errID}
		if rn.Production {
			resp.Message = genericInternalMessage
		} else {
			resp.Stack = stackFor(e)
		}
		L.Error(ctx, e, "request failed",
			"code", string(e.Kind),
			"status", status,
			"error_id", errID,
		)
	} else {
		L.Warn(ctx, "request rejected",
			"code", string(e.Kind),
			"status", status,
			"reason", e.Message,
			"details", Redact(e.Details),
		)
	}

	if rn.OnError != nil {
		rn.OnError(string(e.Kind), status)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

type hasStack interface{ StackPCs() []uintptr }

// stackFor renders a captured xerrors stack when the cause carries one,
// falling back to the current goroutine stack.
func stackFor(e *Error) string {
	var pcs []uintptr
	for err := error(e); err != nil; {
		if hs, ok := err.(hasStack); ok {
			pcs = hs.StackPCs()
			break
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if len(pcs) == 0 {
		const maxDepth = 32
		buf := make([]uintptr, maxDepth)
		n := runtime.Callers(3, buf)
		pcs = buf[:n]
	}

	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
