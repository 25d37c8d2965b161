package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"livesync/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitJaeger_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitJaeger("livesync", "", 1)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestObserveStoreOperation(t *testing.T) {
	before := testutil.ToFloat64(storeOperations.WithLabelValues("LOAD", "error"))
	ObserveStoreOperation("LOAD", time.Millisecond, errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(storeOperations.WithLabelValues("LOAD", "error")))
}

func TestObservePush(t *testing.T) {
	before := testutil.ToFloat64(pushedEvents.WithLabelValues("deletion"))
	ObservePush(&models.PushBatch{Deletions: []models.DeletionEvent{{Subclass: "Note", ID: "a"}, {Subclass: "Note", ID: "b"}}})
	assert.Equal(t, before+2, testutil.ToFloat64(pushedEvents.WithLabelValues("deletion")))
}

func TestObserveRequest(t *testing.T) {
	before := testutil.ToFloat64(httpRequests.WithLabelValues("/api/sync", "409"))
	ObserveRequest("/api/sync", 409, time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("/api/sync", "409")))
}
