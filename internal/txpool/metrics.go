package txpool

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type poolMetrics struct {
	busy      metric.Int64ObservableGauge
	size      metric.Int64ObservableGauge
	decisions metric.Int64Counter
	reg       metric.Registration
}

func newPoolMetrics(logger pslog.Logger, pool *Pool) *poolMetrics {
	meter := otel.Meter("pkt.systems/iprotod/txpool")
	m := &poolMetrics{}
	var err error

	m.busy, err = meter.Int64ObservableGauge(
		"iprotod.pool.busy",
		metric.WithDescription("Execution contexts currently running a request"),
	)
	logMetricInitError(logger, "iprotod.pool.busy", err)

	m.size, err = meter.Int64ObservableGauge(
		"iprotod.pool.size",
		metric.WithDescription("Execution context limit (msg_max * factor)"),
	)
	logMetricInitError(logger, "iprotod.pool.size", err)

	m.decisions, err = meter.Int64Counter(
		"iprotod.pool.admission",
		metric.WithDescription("Admission decisions taken by the execution pool"),
	)
	logMetricInitError(logger, "iprotod.pool.admission", err)

	if m.busy != nil && m.size != nil {
		reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.busy, int64(pool.Busy()))
			o.ObserveInt64(m.size, int64(pool.Size()))
			return nil
		}, m.busy, m.size)
		if err != nil {
			if logger != nil {
				logger.Warn("telemetry.metric.callback_failed", "name", "iprotod.pool", "error", err)
			}
		} else {
			m.reg = reg
		}
	}
	return m
}

func (m *poolMetrics) close() {
	if m == nil || m.reg == nil {
		return
	}
	_ = m.reg.Unregister()
	m.reg = nil
}

func (m *poolMetrics) recordAdmission(ctx context.Context) {
	m.record(ctx, true)
}

func (m *poolMetrics) recordRefusal(ctx context.Context) {
	m.record(ctx, false)
}

func (m *poolMetrics) record(ctx context.Context, admitted bool) {
	if m == nil || m.decisions == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("iprotod.pool.admitted", admitted)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
