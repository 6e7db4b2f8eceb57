package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestTracerWithoutInitReturnsUsableTracer(t *testing.T) {
	tr := Tracer("orchestra/test")
	require.NotNil(t, tr)

	_, span := tr.Start(context.Background(), "noop-span")
	defer span.End()
	require.NotNil(t, span)
}

func TestStepAttrsCarriesAllFields(t *testing.T) {
	attrs := StepAttrs("exec-1", "step-1", "task", 2)
	require.Len(t, attrs, 4)

	got := map[string]attribute.Value{}
	for _, a := range attrs {
		got[string(a.Key)] = a.Value
	}
	require.Equal(t, "exec-1", got["orchestra.execution_id"].AsString())
	require.Equal(t, "step-1", got["orchestra.step_id"].AsString())
	require.Equal(t, "task", got["orchestra.step_kind"].AsString())
	require.Equal(t, int64(2), got["orchestra.attempt"].AsInt64())
}
