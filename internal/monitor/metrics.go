package monitor

import "github.com/prometheus/client_golang/prometheus"

// Chain tick outcomes.
const (
	tickRescheduled = "rescheduled"
	tickSuperseded  = "superseded"
	tickRetained    = "retained"
	tickStopped     = "stopped"
)

// Metrics are the engine's Prometheus counters.
type Metrics struct {
	Samples         *prometheus.CounterVec
	Reroutes        prometheus.Counter
	SessionsStarted prometheus.Counter
	SessionsStopped prometheus.Counter
	QuotaRejections prometheus.Counter
	ChainTicks      *prometheus.CounterVec
}

// NewMetrics creates the engine metrics and registers them on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	samples := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commute", Subsystem: "poll", Name: "samples_total",
		Help: "Poll cycles by result.",
	}, []string{"result"})
	registerer.MustRegister(samples)

	reroutes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commute", Name: "reroutes_total",
		Help: "Samples flagged as reroutes.",
	})
	registerer.MustRegister(reroutes)

	started := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commute", Subsystem: "sessions", Name: "started_total",
	})
	registerer.MustRegister(started)

	stopped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commute", Subsystem: "sessions", Name: "stopped_total",
	})
	registerer.MustRegister(stopped)

	rejections := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commute", Subsystem: "quota", Name: "rejections_total",
	})
	registerer.MustRegister(rejections)

	ticks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commute", Subsystem: "chain", Name: "ticks_total",
		Help: "Poll chain ticks by outcome.",
	}, []string{"outcome"})
	registerer.MustRegister(ticks)

	return &Metrics{
		Samples:         samples,
		Reroutes:        reroutes,
		SessionsStarted: started,
		SessionsStopped: stopped,
		QuotaRejections: rejections,
		ChainTicks:      ticks,
	}
}
