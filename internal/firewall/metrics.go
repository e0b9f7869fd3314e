package firewall

import "github.com/prometheus/client_golang/prometheus"

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentwall_decisions_total",
		Help: "Firewall decisions by outcome.",
	}, []string{"outcome"})

	evaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentwall_evaluation_duration_seconds",
		Help:    "Time to resolve, evaluate and decide one payload.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(decisionsTotal, evaluationDuration)
}
