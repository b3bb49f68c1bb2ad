package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 运行期指标；使用私有注册表，多个实例（测试中）互不冲突
type Metrics struct {
	registry *prometheus.Registry

	connections         *prometheus.GaugeVec
	players             *prometheus.GaugeVec
	commandQueue        *prometheus.GaugeVec
	messages            *prometheus.CounterVec
	commands            *prometheus.CounterVec
	eventsDropped       *prometheus.CounterVec
	snapshotsSuperseded *prometheus.CounterVec
	rateLimited         *prometheus.CounterVec
	tickDuration        *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Open websocket connections.",
		}, []string{"world"}),
		players: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_players",
			Help: "Connections that have joined the world.",
		}, []string{"world"}),
		commandQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_command_queue_length",
			Help: "Commands waiting for a mutator.",
		}, []string{"world"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Inbound messages by type.",
		}, []string{"world", "type"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_commands_total",
			Help: "Command broker outcomes.",
		}, []string{"world", "outcome"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_outbox_events_dropped_total",
			Help: "Events evicted from full outboxes.",
		}, []string{"world"}),
		snapshotsSuperseded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_snapshots_superseded_total",
			Help: "State snapshots replaced before being written.",
		}, []string{"world"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Inbound messages rejected by the per-connection rate limit.",
		}, []string{"world"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_tick_duration_seconds",
			Help:    "Time spent computing one broadcast tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"world"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.players,
		m.commandQueue,
		m.messages,
		m.commands,
		m.eventsDropped,
		m.snapshotsSuperseded,
		m.rateLimited,
		m.tickDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 输出
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// worldMetrics 已绑定 world 标签的指标
type worldMetrics struct {
	connections         prometheus.Gauge
	players             prometheus.Gauge
	commandQueue        prometheus.Gauge
	messages            *prometheus.CounterVec
	commands            *prometheus.CounterVec
	eventsDropped       prometheus.Counter
	snapshotsSuperseded prometheus.Counter
	rateLimited         prometheus.Counter
	tickDuration        prometheus.Observer
}

func (m *Metrics) forWorld(world string) worldMetrics {
	labels := prometheus.Labels{"world": world}
	return worldMetrics{
		connections:         m.connections.With(labels),
		players:             m.players.With(labels),
		commandQueue:        m.commandQueue.With(labels),
		messages:            m.messages.MustCurryWith(labels),
		commands:            m.commands.MustCurryWith(labels),
		eventsDropped:       m.eventsDropped.With(labels),
		snapshotsSuperseded: m.snapshotsSuperseded.With(labels),
		rateLimited:         m.rateLimited.With(labels),
		tickDuration:        m.tickDuration.With(labels),
	}
}

// forgetWorld 删除世界回收后遗留的全部时间序列
func (m *Metrics) forgetWorld(world string) {
	labels := prometheus.Labels{"world": world}
	m.connections.DeletePartialMatch(labels)
	m.players.DeletePartialMatch(labels)
	m.commandQueue.DeletePartialMatch(labels)
	m.messages.DeletePartialMatch(labels)
	m.commands.DeletePartialMatch(labels)
	m.eventsDropped.DeletePartialMatch(labels)
	m.snapshotsSuperseded.DeletePartialMatch(labels)
	m.rateLimited.DeletePartialMatch(labels)
	m.tickDuration.DeletePartialMatch(labels)
}
