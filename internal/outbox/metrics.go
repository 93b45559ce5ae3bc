package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeyard_outbox_published_total",
		Help: "Events delivered to the sink",
	}, []string{"type"})

	deliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeyard_outbox_delivery_failures_total",
		Help: "Failed delivery attempts",
	}, []string{"type"})

	deadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeyard_outbox_dead_lettered_total",
		Help: "Events parked in the dead letter table",
	}, []string{"type"})
)
