package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdingsitems/internal/config"
	"holdingsitems/internal/reconcile"
)

func newTelemetry(t *testing.T) *Telemetry {
	t.Helper()
	tel, err := Init(context.Background(), nil, config.OTel{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func find(points []Point, name string, attrs map[string]string) (Point, bool) {
	for _, p := range points {
		if p.Name != name {
			continue
		}
		match := true
		for k, v := range attrs {
			if p.Attributes[k] != v {
				match = false
			}
		}
		if match {
			return p, true
		}
	}
	return Point{}, false
}

func TestHooksRecord(t *testing.T) {
	tel := newTelemetry(t)
	hooks, err := tel.Hooks()
	require.NoError(t, err)
	ctx := context.Background()

	hooks.ObserveOperation(ctx, "update", reconcile.StatusOK, 20*time.Millisecond)
	hooks.ObserveOperation(ctx, "update", reconcile.StatusOK, 30*time.Millisecond)
	hooks.ObserveOperation(ctx, "online", reconcile.StatusValidationError, time.Millisecond)
	hooks.IncConflict(ctx, "update")
	hooks.IncItemsChanged(ctx, "update", 3)
	hooks.IncItemsChanged(ctx, "update", 0)

	points, err := tel.Collect(ctx)
	require.NoError(t, err)

	ok, found := find(points, "holdings.reconcile.operations", map[string]string{"operation": "update", "status": "OK"})
	require.True(t, found)
	assert.Equal(t, 2.0, ok.Value)

	invalid, found := find(points, "holdings.reconcile.operations", map[string]string{"operation": "online"})
	require.True(t, found)
	assert.Equal(t, "VALIDATION_ERROR", invalid.Attributes["status"])

	dur, found := find(points, "holdings.reconcile.duration", map[string]string{"operation": "update"})
	require.True(t, found)
	assert.Equal(t, uint64(2), dur.Count)
	assert.InDelta(t, 0.05, dur.Value, 1e-9)

	conflicts, found := find(points, "holdings.reconcile.conflicts", nil)
	require.True(t, found)
	assert.Equal(t, 1.0, conflicts.Value)

	changed, found := find(points, "holdings.reconcile.items.changed", nil)
	require.True(t, found)
	assert.Equal(t, 3.0, changed.Value)
}

func TestHandlerServesPoints(t *testing.T) {
	tel := newTelemetry(t)
	hooks, err := tel.Hooks()
	require.NoError(t, err)
	hooks.IncConflict(context.Background(), "complete")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var points []Point
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	p, found := find(points, "holdings.reconcile.conflicts", map[string]string{"operation": "complete"})
	require.True(t, found)
	assert.Equal(t, 1.0, p.Value)
}

func TestEnabledWithoutEndpoint(t *testing.T) {
	tel, err := Init(context.Background(), nil, config.OTel{Enabled: true, ServiceName: "test"})
	require.NoError(t, err)
	require.NotNil(t, tel.traces)
	assert.NoError(t, tel.Shutdown(context.Background()))
}
