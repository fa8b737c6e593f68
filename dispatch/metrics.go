package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blkflush",
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "commands handed to the dispatch queue",
		},
		[]string{"queue", "op"},
	)
	slotsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "blkflush",
			Subsystem: "dispatch",
			Name:      "slots_in_use",
			Help:      "shared dispatch slots currently held by executing commands",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal)
	prometheus.MustRegister(slotsInUse)
}
