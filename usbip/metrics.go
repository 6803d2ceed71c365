package usbip

import (
	"github.com/prometheus/client_golang/prometheus"
)

type serverMetrics struct {
	connectionsTotal   prometheus.Counter
	urbsInFlight       prometheus.Gauge
	submitsTotal       prometheus.Counter
	completionsTotal   prometheus.Counter
	unlinksTotal       prometheus.Counter
	syntheticErrors    *prometheus.CounterVec
	droppedCompletions prometheus.Counter
	bytesIn            prometheus.Counter
	bytesOut           prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_server_connections_total",
			Help: "The total number of accepted USB/IP connections.",
		}),
		urbsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_server_urbs_in_flight",
			Help: "The number of URBs currently submitted to the host layer.",
		}),
		submitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_server_submits_total",
			Help: "The total number of CMD_SUBMIT PDUs accepted.",
		}),
		completionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_server_completions_total",
			Help: "The total number of RET_SUBMIT responses emitted.",
		}),
		unlinksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_server_unlinks_total",
			Help: "The total number of CMD_UNLINK PDUs processed.",
		}),
		syntheticErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_server_synthetic_errors_total",
			Help: "The total number of synthesized error responses, by reason.",
		}, []string{"reason"}),
		droppedCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_server_dropped_completions_total",
			Help: "The total number of host completions dropped because the event queue was full.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_server_rx_bytes_total",
			Help: "The total number of bytes read from USB/IP connections.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_server_tx_bytes_total",
			Help: "The total number of bytes written to USB/IP connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connectionsTotal, m.urbsInFlight, m.submitsTotal, m.completionsTotal,
			m.unlinksTotal, m.syntheticErrors, m.droppedCompletions, m.bytesIn, m.bytesOut,
		)
	}
	return m
}
