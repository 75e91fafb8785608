package sender

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_sender_sends_total",
		Help: "Outbound provider send attempts by final result.",
	}, []string{"result"}) // sent, failed_permanent, failed_transient

	sendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whatsapp_sender_retries_total",
		Help: "Transient send failures that were retried.",
	})

	sendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "whatsapp_sender_send_duration_seconds",
		Help:    "Wall time of one send task including rate-limit wait and retries.",
		Buckets: prometheus.DefBuckets,
	})
)
