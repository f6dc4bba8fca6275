package iprotod

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type serverMetrics struct {
	registration metric.Registration
	logger       pslog.Logger
}

// newServerMetrics exports the thread statistics as observable instruments.
func newServerMetrics(s *Server, logger pslog.Logger) *serverMetrics {
	meter := otel.Meter("pkt.systems/iprotod")
	m := &serverMetrics{logger: logger}

	gauge := func(name, desc, unit string) metric.Int64ObservableGauge {
		g, err := meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
			return nil
		}
		return g
	}
	counter := func(name, desc, unit string) metric.Int64ObservableCounter {
		c, err := meter.Int64ObservableCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
			return nil
		}
		return c
	}

	memUsed := gauge("iprotod.net.mem_used", "Bytes held in connection input and output buffers", "By")
	connections := gauge("iprotod.net.connections", "Open client connections", "{connection}")
	streams := gauge("iprotod.net.streams", "Live multiplexed streams", "{stream}")
	requests := gauge("iprotod.net.requests", "Requests framed and not yet completed", "{request}")
	inProgress := gauge("iprotod.net.requests_in_progress", "Requests running in an execution context", "{request}")
	inStreamQueue := gauge("iprotod.net.requests_in_stream_queue", "Requests waiting behind their stream", "{request}")
	sent := counter("iprotod.net.sent", "Bytes written to client sockets", "By")
	received := counter("iprotod.net.received", "Bytes read from client sockets", "By")

	var instruments []metric.Observable
	for _, inst := range []metric.Observable{memUsed, connections, streams, requests, inProgress, inStreamQueue, sent, received} {
		if inst != nil {
			instruments = append(instruments, inst)
		}
	}
	if len(instruments) == 0 {
		return m
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, th := range s.threads {
			snap := th.Counters().Snapshot()
			attrs := metric.WithAttributes(attribute.Int("iprotod.thread", th.ID()))
			observeGauge(o, memUsed, snap.MemUsed, attrs)
			observeGauge(o, connections, snap.Connections, attrs)
			observeGauge(o, streams, snap.Streams, attrs)
			observeGauge(o, requests, snap.Requests, attrs)
			observeGauge(o, inProgress, snap.RequestsInProgress, attrs)
			observeGauge(o, inStreamQueue, snap.RequestsInStreamQueue, attrs)
			if sent != nil {
				o.ObserveInt64(sent, int64(snap.Totals.Sent), attrs)
			}
			if received != nil {
				o.ObserveInt64(received, int64(snap.Totals.Received), attrs)
			}
		}
		return nil
	}, instruments...)
	if err != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "iprotod.net", "error", err)
		return m
	}
	m.registration = reg
	return m
}

func observeGauge(o metric.Observer, g metric.Int64ObservableGauge, v uint64, opts ...metric.ObserveOption) {
	if g == nil {
		return
	}
	o.ObserveInt64(g, int64(v), opts...)
}

func (m *serverMetrics) close() {
	if m == nil || m.registration == nil {
		return
	}
	if err := m.registration.Unregister(); err != nil {
		m.logger.Warn("telemetry.metric.unregister_failed", "error", err)
	}
}
