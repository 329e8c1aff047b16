package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	Cycles              *prometheus.CounterVec
	CycleDuration       *prometheus.HistogramVec
	Deliveries          *prometheus.CounterVec
	DeliveryLatency     *prometheus.HistogramVec
	DeliveryRetries     *prometheus.CounterVec
	DuplicatesSkipped   *prometheus.CounterVec
	CreditOperations    *prometheus.CounterVec
	CampaignTransitions *prometheus.CounterVec
	WAOutgoingMessages  *prometheus.CounterVec
	GatewayRequests     *prometheus.CounterVec
	GatewayLatency      *prometheus.HistogramVec
	Errors              *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detection_cycles_total",
				Help:      "Total detection cycles by trigger and outcome.",
			}, []string{"trigger", "outcome"}),
			CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "detection_cycle_duration_seconds",
				Help:      "Latency distribution for detection cycles.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"trigger"}),
			Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Total delivery attempts by channel and final status.",
			}, []string{"channel", "status"}),
			DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Latency distribution for single deliveries including retries.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"channel"}),
			DeliveryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_retries_total",
				Help:      "Total retried delivery attempts by channel.",
			}, []string{"channel"}),
			DuplicatesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_skipped_total",
				Help:      "Total recipients skipped because they were already contacted.",
			}, []string{"channel"}),
			CreditOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credit_operations_total",
				Help:      "Total credit ledger operations by kind and outcome.",
			}, []string{"operation", "outcome"}),
			CampaignTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "campaign_transitions_total",
				Help:      "Total campaign status transitions by target status.",
			}, []string{"status"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages sent.",
			}, []string{"type"}),
			GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Total SMS gateway requests by endpoint and status.",
			}, []string{"endpoint", "status"}),
			GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_request_duration_seconds",
				Help:      "Latency distribution for SMS gateway requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "status"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.Cycles,
			metricsInstance.CycleDuration,
			metricsInstance.Deliveries,
			metricsInstance.DeliveryLatency,
			metricsInstance.DeliveryRetries,
			metricsInstance.DuplicatesSkipped,
			metricsInstance.CreditOperations,
			metricsInstance.CampaignTransitions,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.GatewayRequests,
			metricsInstance.GatewayLatency,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
