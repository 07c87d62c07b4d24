package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pv/tankwatch-go/internal/reconciler"
	"github.com/pv/tankwatch-go/internal/telemetry"
)

// Metrics: метрики Prometheus для сверки и текущих показаний бака.
// Реализует reconciler.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	accepted  *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	fetchFail *prometheus.CounterVec
	level     prometheus.Gauge
	flow      prometheus.Gauge
	setpoint  prometheus.Gauge
	status    *prometheus.GaugeVec
	wsClients prometheus.Gauge
}

var _ reconciler.Metrics = (*Metrics)(nil)

// NewMetrics регистрирует метрики в собственном реестре.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tankwatch_snapshots_accepted_total",
			Help: "Snapshots accepted by the reconciler, by data source.",
		}, []string{"source"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tankwatch_snapshots_rejected_total",
			Help: "Snapshots rejected by the reconciler, by reason.",
		}, []string{"reason"}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tankwatch_fetch_failures_total",
			Help: "Failed latest-snapshot fetches, by error class.",
		}, []string{"kind"}),
		level: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tankwatch_level_percent",
			Help: "Tank level of the current snapshot.",
		}),
		flow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tankwatch_flow_rate",
			Help: "Flow meter reading of the current snapshot.",
		}),
		setpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tankwatch_setpoint",
			Help: "Setpoint of the current snapshot.",
		}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tankwatch_tank_status",
			Help: "1 for the current tank status, 0 otherwise.",
		}, []string{"status"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tankwatch_ws_clients",
			Help: "Connected WebSocket clients.",
		}),
	}
	m.registry.MustRegister(m.accepted, m.rejected, m.fetchFail, m.level, m.flow, m.setpoint, m.status, m.wsClients)
	return m
}

func (m *Metrics) SnapshotAccepted(source reconciler.DataSource) {
	m.accepted.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) SnapshotRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) FetchFailed(kind string) {
	m.fetchFail.WithLabelValues(kind).Inc()
}

// ObserveView обновляет показания из состояния подключения. Подходит для Reconciler.Observe.
func (m *Metrics) ObserveView(v reconciler.View) {
	if v.Snapshot == nil {
		return
	}
	m.level.Set(v.Snapshot.Values.LevelMeter)
	m.flow.Set(v.Snapshot.Values.FlowMeter)
	m.setpoint.Set(v.Snapshot.Values.Setpoint)
	for _, st := range []telemetry.TankStatus{telemetry.StatusNormal, telemetry.StatusHigh, telemetry.StatusLow} {
		val := 0.0
		if v.TankStatus == st {
			val = 1
		}
		m.status.WithLabelValues(string(st)).Set(val)
	}
}

// WSClients: gauge для StateStreamer.
func (m *Metrics) WSClients() prometheus.Gauge {
	return m.wsClients
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
