package flush

import "github.com/prometheus/client_golang/prometheus"

var (
	flushIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blkflush",
			Name:      "flush_issued_total",
			Help:      "flush carriers dispatched",
		},
		[]string{"queue"},
	)
	flushDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blkflush",
			Name:      "flush_deferred_total",
			Help:      "flush attempts held back because data writes were in flight",
		},
		[]string{"queue"},
	)
	flushForced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blkflush",
			Name:      "flush_forced_total",
			Help:      "flush carriers dispatched past the pending timeout with data still in flight",
		},
		[]string{"queue"},
	)
	requestsSequenced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blkflush",
			Name:      "requests_sequenced_total",
			Help:      "requests that entered flush sequencing",
		},
		[]string{"queue"},
	)
	requestsBypassed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blkflush",
			Name:      "requests_bypassed_total",
			Help:      "requests completed or dispatched without flush sequencing",
		},
		[]string{"queue", "kind"},
	)
	requestsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blkflush",
			Name:      "requests_failed_total",
			Help:      "sequenced requests completed with an error",
		},
		[]string{"queue"},
	)
	dataInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "blkflush",
			Name:      "data_in_flight",
			Help:      "sequenced data writes dispatched and not yet completed",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(flushIssued)
	prometheus.MustRegister(flushDeferred)
	prometheus.MustRegister(flushForced)
	prometheus.MustRegister(requestsSequenced)
	prometheus.MustRegister(requestsBypassed)
	prometheus.MustRegister(requestsFailed)
	prometheus.MustRegister(dataInFlight)
}
