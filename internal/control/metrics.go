package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pptcast",
		Subsystem: "control",
		Name:      "commands_total",
		Help:      "control messages by verb and outcome",
	}, []string{"verb", "result"})
	commandsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pptcast",
		Subsystem: "control",
		Name:      "commands_dropped_total",
		Help:      "control messages dropped because the command queue was full",
	})
	publishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pptcast",
		Subsystem: "control",
		Name:      "publish_errors_total",
		Help:      "outbound replies that could not be published",
	})
)
