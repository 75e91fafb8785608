package automation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_automation_runs_total",
		Help: "Automation flow executions by outcome.",
	}, []string{"outcome"}) // matched, skipped_invalid

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_automation_events_total",
		Help: "Events evaluated by the automation engine.",
	}, []string{"kind"}) // inbound, status
)
