package httpapi

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/rpcbridge/internal/handoff"
)

type transportMetrics struct {
	outcomes     metric.Int64Counter
	rejected     metric.Int64Counter
	admission    metric.Int64Histogram
	duration     metric.Int64Histogram
	availability metric.Int64ObservableGauge
	waiting      metric.Int64ObservableGauge
	registration metric.Registration
}

func newTransportMetrics(logger pslog.Logger, slot *handoff.Slot) *transportMetrics {
	meter := otel.Meter("pkt.systems/rpcbridge/httpapi")
	m := &transportMetrics{}
	var err error

	m.outcomes, err = meter.Int64Counter(
		"rpcbridge.requests",
		metric.WithDescription("Bridged requests by outcome"),
	)
	logMetricInitError(logger, "rpcbridge.requests", err)

	m.rejected, err = meter.Int64Counter(
		"rpcbridge.requests.rejected",
		metric.WithDescription("Requests refused before reaching the slot"),
	)
	logMetricInitError(logger, "rpcbridge.requests.rejected", err)

	m.admission, err = meter.Int64Histogram(
		"rpcbridge.request.admission_ms",
		metric.WithDescription("Time from arrival to dispatch to the consumer"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "rpcbridge.request.admission_ms", err)

	m.duration, err = meter.Int64Histogram(
		"rpcbridge.request.duration_ms",
		metric.WithDescription("Time from arrival to reply"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "rpcbridge.request.duration_ms", err)

	m.availability, err = meter.Int64ObservableGauge(
		"rpcbridge.consumer.availability",
		metric.WithDescription("Gate state: 0 unavailable, 1 available, 2 shutting down"),
	)
	logMetricInitError(logger, "rpcbridge.consumer.availability", err)

	m.waiting, err = meter.Int64ObservableGauge(
		"rpcbridge.requests.waiting",
		metric.WithDescription("Requests queued behind the slot occupant"),
	)
	logMetricInitError(logger, "rpcbridge.requests.waiting", err)

	if slot != nil && m.availability != nil && m.waiting != nil {
		m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.availability, int64(slot.Gate().Load()))
			o.ObserveInt64(m.waiting, slot.Waiting())
			return nil
		}, m.availability, m.waiting)
		if err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "rpcbridge.slot", "error", err)
		}
	}
	return m
}

func (m *transportMetrics) observe(ctx context.Context, res handoff.Result) {
	if m == nil {
		return
	}
	if m.outcomes != nil {
		m.outcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rpcbridge.outcome", res.Outcome.String()),
			attribute.String("rpcbridge.phase", res.Phase.String()),
		))
	}
	if m.admission != nil && res.Phase == handoff.PhaseDispatched {
		m.admission.Record(ctx, res.Dispatched.Milliseconds())
	}
	if m.duration != nil {
		m.duration.Record(ctx, res.Elapsed.Milliseconds(),
			metric.WithAttributes(attribute.String("rpcbridge.outcome", res.Outcome.String())))
	}
}

func (m *transportMetrics) reject(ctx context.Context, reason string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("rpcbridge.reason", reason)))
}

func (m *transportMetrics) close() {
	if m == nil || m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
