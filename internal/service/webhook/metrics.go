package webhook

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts deliveries, flow requests and handler failures. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	deliveries      *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	flows           *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wahook_webhook_deliveries_total",
			Help: "Webhook deliveries by HTTP status returned.",
		}, []string{"status"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wahook_notifications_total",
			Help: "Canonical notifications dispatched by kind (message type, statuses or event field).",
		}, []string{"kind"}),
		flows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wahook_flow_requests_total",
			Help: "Flow data exchange requests by classified type and HTTP status.",
		}, []string{"type", "status"}),
		handlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wahook_handler_failures_total",
			Help: "Handler invocations that returned an error or panicked, by dispatch step.",
		}, []string{"step"}),
	}
}

func (m *Metrics) observeDelivery(status int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeNotification(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeFlow(flowType string, status int) {
	if m == nil {
		return
	}
	if flowType == "" {
		flowType = "unclassified"
	}
	m.flows.WithLabelValues(flowType, strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeHandlerFailure(step string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(step).Inc()
}
