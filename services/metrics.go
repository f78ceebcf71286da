package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadflow",
		Name:      "messages_total",
		Help:      "Messages logged, by channel, direction and status.",
	}, []string{"channel", "direction", "status"})

	followupLeadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadflow",
		Name:      "followup_leads_total",
		Help:      "Due leads handled by followup runs, by outcome.",
	}, []string{"outcome"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "leadflow",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of full followup cycles.",
		Buckets:   prometheus.DefBuckets,
	})

	webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadflow",
		Name:      "webhooks_total",
		Help:      "Inbound webhooks, by source and result.",
	}, []string{"source", "result"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "leadflow",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency, by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

func recordMessage(channel, direction, status string) {
	messagesTotal.WithLabelValues(channel, direction, status).Inc()
}

func recordFollowupOutcome(outcome string) {
	followupLeadsTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhook counts an inbound webhook by source (twilio, cal, intake) and result
func RecordWebhook(source, result string) {
	webhooksTotal.WithLabelValues(source, result).Inc()
}

// ObserveHTTPRequest is used by the metrics middleware
func ObserveHTTPRequest(method, route, status string, seconds float64) {
	httpRequestDuration.WithLabelValues(method, route, status).Observe(seconds)
}
