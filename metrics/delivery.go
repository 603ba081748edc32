package metrics

import (
	"strconv"

	"github.com/marcelsud/webhook-dispatcher/delivery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery counts attempts and terminal outcomes as they happen.
// It satisfies delivery.Observer and dispatch.Observer.
type Delivery struct {
	attempts        *prometheus.CounterVec
	attemptDuration prometheus.Histogram
	outcomes        *prometheus.CounterVec
	attemptsUsed    prometheus.Histogram
}

// NewDelivery registers the delivery collectors on reg
func NewDelivery(reg prometheus.Registerer) *Delivery {
	factory := promauto.With(reg)
	return &Delivery{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_delivery_attempts_total",
			Help: "HTTP attempts made against subscriber endpoints",
		}, []string{"result", "status"}),
		attemptDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_delivery_attempt_duration_seconds",
			Help:    "Duration of single HTTP attempts",
			Buckets: prometheus.DefBuckets,
		}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_delivery_outcomes_total",
			Help: "Terminal outcomes of delivery sequences",
		}, []string{"event_type", "result"}),
		attemptsUsed: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_delivery_attempts_per_outcome",
			Help:    "Attempts used per terminal outcome",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		}),
	}
}

func (d *Delivery) ObserveAttempt(o delivery.Outcome) {
	status := "none"
	if o.HTTPStatus != nil {
		status = strconv.Itoa(*o.HTTPStatus)
	}
	d.attempts.WithLabelValues(result(o), status).Inc()
	d.attemptDuration.Observe(o.Duration.Seconds())
}

func (d *Delivery) ObserveOutcome(eventType string, o delivery.Outcome) {
	d.outcomes.WithLabelValues(eventType, result(o)).Inc()
	if o.AttemptsUsed > 0 {
		d.attemptsUsed.Observe(float64(o.AttemptsUsed))
	}
}

func result(o delivery.Outcome) string {
	switch {
	case o.Canceled:
		return "canceled"
	case o.Success:
		return "success"
	default:
		return "failure"
	}
}
