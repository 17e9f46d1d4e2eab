// Package envelope builds the uniform {code, message, data, meta} response
// body returned by every endpoint that executes a tool.
package envelope

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Meta carries the response metadata attached to every envelope.
type Meta struct {
	Tool            string   `json:"tool"`
	ExecutionTimeMs *float64 `json:"execution_time_ms"`
	ResourceType    *string  `json:"resource_type,omitempty"`
	SessionID       *string  `json:"session_id,omitempty"`
	TraceID         string   `json:"trace_id"`
}

// Envelope is the response body shared by every dispatcher-backed endpoint.
type Envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
	Meta    Meta        `json:"meta"`
}

// Options carries the optional fields a caller may set on an envelope.
type Options struct {
	ExecutionTimeMs *float64
	ResourceType    string
	SessionID       string
	TraceID         string
}

func resolveTraceID(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			return sc.TraceID().String()
		}
	}
	return uuid.NewString()
}

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// BuildSuccess builds a success envelope (code 0).
func BuildSuccess(ctx context.Context, data interface{}, tool string, opts Options) Envelope {
	return Envelope{
		Code:    0,
		Message: "success",
		Data:    data,
		Meta: Meta{
			Tool:            tool,
			ExecutionTimeMs: opts.ExecutionTimeMs,
			ResourceType:    ptr(opts.ResourceType),
			SessionID:       ptr(opts.SessionID),
			TraceID:         resolveTraceID(ctx, opts.TraceID),
		},
	}
}

// BuildError builds an error envelope. data may be non-nil to carry partial
// results alongside a non-zero code (e.g. batch partial failure).
func BuildError(ctx context.Context, code int, message string, data interface{}, tool string, opts Options) Envelope {
	return Envelope{
		Code:    code,
		Message: message,
		Data:    data,
		Meta: Meta{
			Tool:            tool,
			ExecutionTimeMs: opts.ExecutionTimeMs,
			ResourceType:    ptr(opts.ResourceType),
			SessionID:       ptr(opts.SessionID),
			TraceID:         resolveTraceID(ctx, opts.TraceID),
		},
	}
}

// Timer measures elapsed wall-clock execution time for a single tool call.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ElapsedMs returns the elapsed time in milliseconds since the timer was
// created.
func (t *Timer) ElapsedMs() float64 {
	return float64(time.Since(t.start).Microseconds()) / 1000.0
}

// ElapsedMsPtr returns ElapsedMs as a pointer, for embedding directly into
// Options.ExecutionTimeMs.
func (t *Timer) ElapsedMsPtr() *float64 {
	ms := t.ElapsedMs()
	return &ms
}
