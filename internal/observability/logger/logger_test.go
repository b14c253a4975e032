package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

// TestPurpose: Validates that log records carry the active trace and span ids.
// Scope: Unit Test
// Expected: trace_id and span_id fields match the span context on the request context.
// Test Case ID: LOG-01
func TestTraceContextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Format: "json", ServiceName: "realmkeeper", Output: &buf, DisableOTel: true})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	l.InfoContext(ctx, "claim processed", TenantID("guild-1"), Outcome("success"), Error(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, traceID.String(), rec["trace_id"])
	assert.Equal(t, spanID.String(), rec["span_id"])
	assert.Equal(t, "guild-1", rec["tenant_id"])
	assert.Equal(t, "success", rec["outcome"])
	assert.Equal(t, "boom", rec["error"])
	assert.Equal(t, "realmkeeper", rec["service"])
}

// TestPurpose: Validates level parsing and fanout delivery.
// Scope: Unit Test
// Expected: Unknown levels default to info; every enabled sink receives the record.
// Test Case ID: LOG-02
func TestFanoutHandler(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))

	var a, b bytes.Buffer
	h := NewFanoutHandler(
		slog.NewTextHandler(&a, nil),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	l := slog.New(h).With(Component("test"))
	l.Info("hello")
	l.Error("bad")

	assert.Contains(t, a.String(), "hello")
	assert.Contains(t, a.String(), "component=test")
	assert.NotContains(t, b.String(), "hello")
	assert.Contains(t, b.String(), "bad")
}
