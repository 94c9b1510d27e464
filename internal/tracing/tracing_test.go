package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartEnd_RecordsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	shutdown, err := InitWithExporter("approvals-test", "v0", exp)
	require.NoError(t, err)

	_, ok := Start(context.Background(), "decision.apply", attribute.String("workflow_id", "wf-1"))
	End(ok, nil)
	_, failed := Start(context.Background(), "decision.apply")
	End(failed, errors.New("stale"))

	require.NoError(t, shutdown(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "decision.apply", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.String("workflow_id", "wf-1"))
	assert.Equal(t, codes.Error, spans[1].Status.Code)
}
