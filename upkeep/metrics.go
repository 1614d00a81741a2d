package upkeep

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recurpay_upkeep_checks_total",
		Help: "checkUpkeep evaluations by result",
	}, []string{"result"})

	executionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recurpay_upkeep_executions_total",
		Help: "performUpkeep attempts by outcome",
	}, []string{"outcome"})

	errorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recurpay_upkeep_errors_total",
		Help: "driver errors by kind",
	}, []string{"kind"})

	ticksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recurpay_upkeep_ticks_total",
	})
)
