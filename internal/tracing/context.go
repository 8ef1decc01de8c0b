package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// PeerIDKey is the context key for the remote peer a command targets
	PeerIDKey ContextKey = "peer_id"
	// CommandIDKey is the context key for the queued command ID
	CommandIDKey ContextKey = "command_id"
	// RequestIDKey is the context key for the signaling request ID
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	PeerID    string
	CommandID string
	RequestID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithPeerID adds a peer ID to the context
func WithPeerID(ctx context.Context, peerID string) context.Context {
	return context.WithValue(ctx, PeerIDKey, peerID)
}

// WithCommandID adds a command ID to the context
func WithCommandID(ctx context.Context, commandID string) context.Context {
	return context.WithValue(ctx, CommandIDKey, commandID)
}

// WithRequestID adds a signaling request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetPeerID retrieves the peer ID from the context
func GetPeerID(ctx context.Context) string {
	return stringValue(ctx, PeerIDKey)
}

// GetCommandID retrieves the command ID from the context
func GetCommandID(ctx context.Context) string {
	return stringValue(ctx, CommandIDKey)
}

// GetRequestID retrieves the signaling request ID from the context
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		PeerID:    GetPeerID(ctx),
		CommandID: GetCommandID(ctx),
		RequestID: GetRequestID(ctx),
	}
}

// NewRequestContext creates a new context with a fresh trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
