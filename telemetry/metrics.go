package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/pki"
)

const meterName = "github.com/jmcleod/ironca"

// Metrics holds the instruments for the signing authority and the bundle
// frontend. It satisfies pki.Observer and issuance.Observer.
type Metrics struct {
	CertificatesIssued metric.Int64Counter
	SignFailures       metric.Int64Counter
	Revocations        metric.Int64Counter
	CRLsGenerated      metric.Int64Counter
	CRLEntries         metric.Int64Gauge

	BundlesIssued     metric.Int64Counter
	IssueFailures     metric.Int64Counter
	AuditWriteFailure metric.Int64Counter
}

// KeyScopes reports open and total decryption scopes of a key manager.
type KeyScopes interface {
	Active() int64
	Opened() int64
}

// NewMetrics creates the instruments on mp, or the global provider when
// mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	m := &Metrics{}
	var err error
	if m.CertificatesIssued, err = meter.Int64Counter("ironca.certificates.issued",
		metric.WithDescription("Certificates signed by the authority"),
		metric.WithUnit("{certificate}")); err != nil {
		return nil, err
	}
	if m.SignFailures, err = meter.Int64Counter("ironca.sign.failures",
		metric.WithDescription("Signing requests that failed"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.Revocations, err = meter.Int64Counter("ironca.revocations",
		metric.WithDescription("Certificates revoked"),
		metric.WithUnit("{certificate}")); err != nil {
		return nil, err
	}
	if m.CRLsGenerated, err = meter.Int64Counter("ironca.crl.generated",
		metric.WithDescription("CRLs generated"),
		metric.WithUnit("{crl}")); err != nil {
		return nil, err
	}
	if m.CRLEntries, err = meter.Int64Gauge("ironca.crl.entries",
		metric.WithDescription("Entries in the latest CRL"),
		metric.WithUnit("{certificate}")); err != nil {
		return nil, err
	}
	if m.BundlesIssued, err = meter.Int64Counter("ironca.bundles.issued",
		metric.WithDescription("Bundles handed out by the frontend"),
		metric.WithUnit("{bundle}")); err != nil {
		return nil, err
	}
	if m.IssueFailures, err = meter.Int64Counter("ironca.bundles.failures",
		metric.WithDescription("Bundle requests that failed"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.AuditWriteFailure, err = meter.Int64Counter("ironca.audit.write_failures",
		metric.WithDescription("Request audit records that could not be written"),
		metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveKeyScopes registers gauges reporting decryption scopes of keys.
func ObserveKeyScopes(mp metric.MeterProvider, keys KeyScopes) error {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	active, err := meter.Int64ObservableGauge("ironca.keys.active_scopes",
		metric.WithDescription("Decrypted private key scopes currently open"))
	if err != nil {
		return err
	}
	opened, err := meter.Int64ObservableCounter("ironca.keys.opened_scopes",
		metric.WithDescription("Decrypted private key scopes opened since start"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(active, keys.Active())
		o.ObserveInt64(opened, keys.Opened())
		return nil
	}, active, opened)
	return err
}

func (m *Metrics) Issued(ctx context.Context, t pki.CertificateType, status pki.LogStatus) {
	m.CertificatesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("certificate_type", string(t)),
		attribute.String("log_status", string(status)),
	))
}

func (m *Metrics) SignFailed(ctx context.Context, kind fault.Kind) {
	m.SignFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}

func (m *Metrics) Revoked(ctx context.Context) {
	m.Revocations.Add(ctx, 1)
}

func (m *Metrics) CRLGenerated(ctx context.Context, number int64, entries int) {
	m.CRLsGenerated.Add(ctx, 1)
	m.CRLEntries.Record(ctx, int64(entries))
}

func (m *Metrics) BundleIssued(ctx context.Context, t pki.CertificateType, status pki.LogStatus) {
	m.BundlesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("certificate_type", string(t)),
		attribute.String("log_status", string(status)),
	))
}

func (m *Metrics) IssueFailed(ctx context.Context, t pki.CertificateType, kind fault.Kind) {
	m.IssueFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("certificate_type", string(t)),
		attribute.String("kind", kind.String()),
	))
}

func (m *Metrics) AuditWriteFailed(ctx context.Context, _ error) {
	m.AuditWriteFailure.Add(ctx, 1)
}
