package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var statusEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "whatsapp_delivery_status_events_total",
	Help: "Webhook status events by status and outcome.",
}, []string{"status", "outcome"}) // outcome: applied, stale, unknown
