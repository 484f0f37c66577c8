package telemetry

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/pki"
)

var (
	_ pki.Observer      = (*Metrics)(nil)
	_ issuance.Observer = (*Metrics)(nil)
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecordEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	require.NoError(t, err)

	ctx := t.Context()
	m.Issued(ctx, pki.TypeServer, pki.LogStatusLogged)
	m.Issued(ctx, pki.TypeComputer, pki.LogStatusPending)
	m.SignFailed(ctx, fault.MalformedRequest)
	m.Revoked(ctx)
	m.CRLGenerated(ctx, 4, 12)
	m.BundleIssued(ctx, pki.TypeServer, pki.LogStatusLogged)
	m.IssueFailed(ctx, pki.TypeServer, fault.AuthenticationFailure)
	m.AuditWriteFailed(ctx, nil)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, got["ironca.certificates.issued"]))
	assert.Equal(t, int64(1), sumOf(t, got["ironca.sign.failures"]))
	assert.Equal(t, int64(1), sumOf(t, got["ironca.revocations"]))
	assert.Equal(t, int64(1), sumOf(t, got["ironca.crl.generated"]))
	assert.Equal(t, int64(1), sumOf(t, got["ironca.bundles.issued"]))
	assert.Equal(t, int64(1), sumOf(t, got["ironca.bundles.failures"]))
	assert.Equal(t, int64(1), sumOf(t, got["ironca.audit.write_failures"]))

	gauge, ok := got["ironca.crl.entries"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(12), gauge.DataPoints[0].Value)
}

type fakeScopes struct{ active, opened int64 }

func (f fakeScopes) Active() int64 { return f.active }
func (f fakeScopes) Opened() int64 { return f.opened }

func TestObserveKeyScopes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	require.NoError(t, ObserveKeyScopes(mp, fakeScopes{active: 1, opened: 9}))

	got := collect(t, reader)
	gauge, ok := got["ironca.keys.active_scopes"].(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Equal(t, int64(1), gauge.DataPoints[0].Value)
	assert.Equal(t, int64(9), sumOf(t, got["ironca.keys.opened_scopes"]))
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(t.Context(), Options{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.NoError(t, shutdown(t.Context()))
}
