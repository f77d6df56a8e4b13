package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
	"github.com/Mindburn-Labs/opsgate/pkg/observability"
)

func TestService_TracksOperations(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	p, err := observability.New(context.Background(), nil)
	require.NoError(t, err)
	h := newHarness(t, WithTelemetry(p))
	ctx := context.Background()

	a := h.create(t, CreateActionInput{})
	_, err = h.svc.Execute(ctx, a.ID, "ops-2")
	require.ErrorIs(t, err, ErrActionNotApproved)

	h.vote(t, a.ID, "alice", nil, contracts.VoteApprove)
	_, err = h.svc.Execute(ctx, a.ID, "ops-2")
	require.NoError(t, err)
	_, err = h.svc.RunEscalationSweep(ctx)
	require.NoError(t, err)

	byName := map[string][]sdktrace.ReadOnlySpan{}
	for _, s := range spans.Ended() {
		byName[s.Name()] = append(byName[s.Name()], s)
	}
	require.Len(t, byName["approval.create"], 1)
	require.Len(t, byName["approval.vote"], 1)
	require.Len(t, byName["approval.execute"], 2)
	require.Len(t, byName["escalation.sweep"], 1)

	assert.Equal(t, codes.Error, byName["approval.execute"][0].Status().Code)
	ok := byName["approval.execute"][1]
	assert.NotEqual(t, codes.Error, ok.Status().Code)
	assert.Contains(t, ok.Attributes(), observability.AttrActionStatus.String(string(contracts.StatusExecuted)))
}
