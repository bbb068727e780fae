// Package metrics exposes Prometheus counters for the dispatcher.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
)

const namespace = "notifyd"

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	RecipientsTotal  *prometheus.CounterVec
	BatchesTotal     prometheus.Counter
	EventsTotal      *prometheus.CounterVec
	UnroutableTotal  prometheus.Counter
	RetentionDeleted *prometheus.CounterVec
	TasksTotal       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch invocations by intent kind and result.",
		}, []string{"kind", "result"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of dispatch invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		RecipientsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipients_total",
			Help:      "Per-recipient delivery results of bulk and targeted requests.",
		}, []string{"result"}),
		BatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_batches_total",
			Help:      "Multicast gateway calls issued.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Change events received by source and kind.",
		}, []string{"source", "kind"}),
		UnroutableTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_unroutable_total",
			Help:      "Events ignored because they could not be classified.",
		}),
		RetentionDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Rows deleted by the retention sweeper.",
		}, []string{"table"}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task engine lifecycle events.",
		}, []string{"event"}),
	}
	m.reg.MustRegister(
		m.DispatchTotal,
		m.DispatchDuration,
		m.RecipientsTotal,
		m.BatchesTotal,
		m.EventsTotal,
		m.UnroutableTotal,
		m.RetentionDeleted,
		m.TasksTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveDispatch records one dispatch outcome; pass it to
// dispatch.WithObserver.
func (m *Metrics) ObserveDispatch(o dispatch.Outcome) {
	kind := string(o.Kind)
	m.DispatchTotal.WithLabelValues(kind, string(o.Result)).Inc()
	m.DispatchDuration.WithLabelValues(kind).Observe(o.Duration.Seconds())
	if o.Counts.Sent > 0 {
		m.RecipientsTotal.WithLabelValues("sent").Add(float64(o.Counts.Sent))
	}
	if o.Counts.Failed > 0 {
		m.RecipientsTotal.WithLabelValues("failed").Add(float64(o.Counts.Failed))
	}
	if o.Batches > 0 {
		m.BatchesTotal.Add(float64(o.Batches))
	}
}

func (m *Metrics) ObserveEvent(source, kind string) {
	m.EventsTotal.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) ObserveUnroutable(string) { m.UnroutableTotal.Inc() }

func (m *Metrics) ObserveRetention(requests, audit, changes int64) {
	m.RetentionDeleted.WithLabelValues("requests").Add(float64(requests))
	m.RetentionDeleted.WithLabelValues("audit").Add(float64(audit))
	m.RetentionDeleted.WithLabelValues("changes").Add(float64(changes))
}

// WatchBus counts task lifecycle events until ctx ends.
func (m *Metrics) WatchBus(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if strings.HasPrefix(ev.Type, "task.") {
				m.TasksTotal.WithLabelValues(strings.TrimPrefix(ev.Type, "task.")).Inc()
			}
		}
	}
}
