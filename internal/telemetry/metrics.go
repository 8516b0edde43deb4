package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"crabstack.local/projects/crab-voice/internal/lifecycle"
	"crabstack.local/projects/crab-voice/internal/supervisor"
)

var sessionStates = []supervisor.State{
	supervisor.StateConnecting,
	supervisor.StateConnected,
	supervisor.StateBackingOff,
	supervisor.StateFailed,
	supervisor.StateStopped,
}

// Metrics records lifecycle and session activity on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	channelsCreated   *prometheus.CounterVec
	channelsReclaimed *prometheus.CounterVec
	activeChannels    prometheus.Gauge
	sweeps            prometheus.Counter
	sweepExpired      prometheus.Counter
	sweepDuration     prometheus.Histogram
	sessionState      *prometheus.GaugeVec
}

var _ lifecycle.Observer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		channelsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crab_voice_channels_created_total",
			Help: "Temporary channel creation attempts by result",
		}, []string{"result"}),
		channelsReclaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crab_voice_channels_reclaimed_total",
			Help: "Reclaim attempts by path and outcome",
		}, []string{"path", "outcome"}),
		activeChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crab_voice_active_channels",
			Help: "Temporary channels currently registered",
		}),
		sweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "crab_voice_sweeps_total",
			Help: "Completed sweep passes",
		}),
		sweepExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "crab_voice_sweep_expired_total",
			Help: "Channels found past the max age during sweeps",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crab_voice_sweep_duration_seconds",
			Help:    "Sweep pass duration seconds",
			Buckets: prometheus.DefBuckets,
		}),
		sessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crab_voice_session_state",
			Help: "Gateway session state, 1 for the current state",
		}, []string{"state"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ChannelCreated(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.channelsCreated.WithLabelValues(result).Inc()
}

func (m *Metrics) ChannelReclaimed(path lifecycle.ReclaimPath, outcome lifecycle.Outcome) {
	m.channelsReclaimed.WithLabelValues(string(path), string(outcome)).Inc()
}

func (m *Metrics) SweepCompleted(report lifecycle.SweepReport, took time.Duration) {
	m.sweeps.Inc()
	m.sweepExpired.Add(float64(report.Expired))
	m.sweepDuration.Observe(took.Seconds())
}

func (m *Metrics) ActiveChannels(n int) {
	m.activeChannels.Set(float64(n))
}

// SessionState marks state as current. It matches supervisor.OnStateChange.
func (m *Metrics) SessionState(state supervisor.State) {
	for _, s := range sessionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.sessionState.WithLabelValues(string(s)).Set(value)
	}
}
