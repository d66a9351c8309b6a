package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is the Prometheus-backed implementation of dispatch.Metrics,
// grounded on marmos91-dittofs's pkg/metrics/prometheus pattern: plain
// counters/gauges registered once via promauto, with a "mini_rpc_broker_"
// prefix.
type metrics struct {
	callsRouted   prometheus.Counter
	fallThroughs  prometheus.Counter
	cancelled     prometheus.Counter
	activeClients prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		callsRouted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mini_rpc_broker_calls_routed_total",
			Help: "Total calls routed to a handler.",
		}),
		fallThroughs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mini_rpc_broker_fall_throughs_total",
			Help: "Total times a call fell through to the next-priority handler.",
		}),
		cancelled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mini_rpc_broker_cancelled_total",
			Help: "Total calls cancelled by their caller.",
		}),
		activeClients: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "mini_rpc_broker_active_clients",
			Help: "Current number of connected clients.",
		}),
	}
}

func (m *metrics) CallRouted()  { m.callsRouted.Inc() }
func (m *metrics) FallThrough() { m.fallThroughs.Inc() }
func (m *metrics) Cancelled()   { m.cancelled.Inc() }

func (m *metrics) ClientConnected()    { m.activeClients.Inc() }
func (m *metrics) ClientDisconnected() { m.activeClients.Dec() }
