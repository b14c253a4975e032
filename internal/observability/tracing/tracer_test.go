package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that disabled tracing yields a usable tracer without an exporter.
// Scope: Unit Test
// Expected: Spans can be started and ended; Shutdown is a no-op.
// Test Case ID: TRC-01
func TestTracer_Disabled(t *testing.T) {
	for _, tr := range []*Tracer{Noop(), mustNew(t)} {
		ctx, span := tr.Start(context.Background(), "claim")
		assert.NotNil(t, ctx)
		span.End()
		assert.NotNil(t, tr.GetTracer())
		assert.NoError(t, tr.Shutdown(context.Background()))
	}
}

func mustNew(t *testing.T) *Tracer {
	t.Helper()
	tr, err := New(context.Background(), Config{Enabled: false, ServiceName: "realmkeeper"})
	require.NoError(t, err)
	return tr
}
