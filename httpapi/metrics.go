package httpapi

import (
	"context"
	"sync"
	"time"

	conduit "github.com/forgeworks/conduit"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsRefreshInterval governs how often the gauges are recomputed from a
// fresh snapshot of the stores, rather than incrementally on every event —
// cheaper to reason about than threading counter updates through every
// lifecycle transition, and accurate enough for a scrape-interval dashboard.
const metricsRefreshInterval = 15 * time.Second

// Metrics exports orchestration-level gauges and counters in Prometheus
// format through a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	tasksActive   *prometheus.GaugeVec
	tasksTotal    *prometheus.CounterVec
	devicesOnline prometheus.Gauge
	queueDepth    prometheus.Gauge
	dagsActive    prometheus.Gauge

	seenMu       sync.Mutex
	seenTerminal map[string]bool
}

// NewMetrics builds a Metrics exporter registered against a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		tasksActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "conduit",
				Subsystem: "orchestrator",
				Name:      "tasks_active",
				Help:      "Number of tasks currently running, by agent kind.",
			},
			[]string{"agent_kind"},
		),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conduit",
				Subsystem: "orchestrator",
				Name:      "tasks_total",
				Help:      "Total tasks processed, by terminal state.",
			},
			[]string{"state"},
		),
		devicesOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "conduit",
				Subsystem: "devices",
				Name:      "online",
				Help:      "Number of devices currently online.",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "conduit",
				Subsystem: "devices",
				Name:      "task_queue_depth",
				Help:      "Total pending device tasks across all devices.",
			},
		),
		dagsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "conduit",
				Subsystem: "orchestrator",
				Name:      "dags_active",
				Help:      "Number of DAGs currently running.",
			},
		),
	}

	registry.MustRegister(m.tasksActive, m.tasksTotal, m.devicesOnline, m.queueDepth, m.dagsActive)
	return m
}

func (m *Metrics) setDevicesOnline(n int) { m.devicesOnline.Set(float64(n)) }
func (m *Metrics) setQueueDepth(n int)    { m.queueDepth.Set(float64(n)) }
func (m *Metrics) setDAGsActive(n int)    { m.dagsActive.Set(float64(n)) }

// refresh recomputes every gauge from a fresh snapshot of the stores it was
// given. tasksTotal is cumulative and only ever incremented for states this
// pass newly observes as terminal, tracked by noteTaskState.
func (m *Metrics) refresh(s *Server) {
	ctx := context.Background()

	m.tasksActive.Reset()
	if s.Tasks != nil {
		counts := map[conduit.AgentKind]int{}
		for _, t := range s.Tasks.ListByOwner(ctx, "") {
			if t.State == conduit.TaskRunning {
				counts[t.AgentKind]++
			}
			m.noteTaskState(t.ID, t.State)
		}
		for kind, n := range counts {
			m.tasksActive.WithLabelValues(string(kind)).Set(float64(n))
		}
	}

	if s.Devices != nil {
		online := 0
		for _, d := range s.Devices.List(ctx) {
			if d.State == conduit.DeviceOnline {
				online++
			}
		}
		m.setDevicesOnline(online)
	}

	if s.DeviceTask != nil {
		m.setQueueDepth(s.DeviceTask.PendingCount())
	}

	if s.DAGs != nil {
		active := 0
		for _, d := range s.DAGs.List(ctx) {
			if d.State == conduit.DAGRunning {
				active++
			}
		}
		m.setDAGsActive(active)
	}
}

// noteTaskState increments tasksTotal the first time a given task ID is
// observed in a terminal state, so a repeated snapshot doesn't double-count
// a task that stays completed across refresh ticks.
func (m *Metrics) noteTaskState(taskID string, state conduit.TaskState) {
	if state != conduit.TaskCompleted && state != conduit.TaskFailed && state != conduit.TaskRejected {
		return
	}
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	if m.seenTerminal == nil {
		m.seenTerminal = make(map[string]bool)
	}
	if m.seenTerminal[taskID] {
		return
	}
	m.seenTerminal[taskID] = true
	m.tasksTotal.WithLabelValues(string(state)).Inc()
}

func (s *Server) registerMetricsRoutes() {
	if s.Metrics == nil {
		s.Metrics = NewMetrics()
	}
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.Metrics.registry, promhttp.HandlerOpts{})))
	s.startMetricsRefresh()
}

// startMetricsRefresh launches the periodic gauge-recompute loop. It runs
// for the life of the process, mirroring DeviceRegistry's health-sweep
// pattern — there is no corresponding Stop since Metrics has no per-request
// state to leak.
func (s *Server) startMetricsRefresh() {
	s.Metrics.refresh(s)
	ticker := time.NewTicker(metricsRefreshInterval)
	go func() {
		for range ticker.C {
			s.Metrics.refresh(s)
		}
	}()
}
