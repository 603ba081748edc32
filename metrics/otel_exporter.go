package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelExporter publishes subscriber rollups as OpenTelemetry gauges in Prometheus format
type OTelExporter struct {
	meterProvider *sdkmetric.MeterProvider
	collector     Collector

	meter              metric.Meter
	subscribersGauge   metric.Int64ObservableGauge
	callsGauge         metric.Int64ObservableGauge
	successRateGauge   metric.Int64ObservableGauge
	activeDispatchers  metric.Int64ObservableGauge
	averageSuccessRate metric.Int64ObservableGauge
}

// NewOTelExporter creates a new OpenTelemetry metrics exporter with Prometheus format
func NewOTelExporter(collector Collector, opts ...prometheus.Option) (*OTelExporter, error) {
	exporter, err := prometheus.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter(
		"webhook-dispatcher",
		metric.WithInstrumentationVersion("1.0.0"),
	)

	oe := &OTelExporter{
		meterProvider: meterProvider,
		collector:     collector,
		meter:         meter,
	}

	if err := oe.registerInstruments(); err != nil {
		return nil, fmt.Errorf("registering instruments: %w", err)
	}

	return oe, nil
}

func (oe *OTelExporter) registerInstruments() error {
	var err error

	oe.subscribersGauge, err = oe.meter.Int64ObservableGauge(
		"webhook.subscribers",
		metric.WithDescription("Number of subscribers by state"),
		metric.WithUnit("{subscribers}"),
		metric.WithInt64Callback(oe.observeSubscribers),
	)
	if err != nil {
		return fmt.Errorf("creating subscribers gauge: %w", err)
	}

	oe.callsGauge, err = oe.meter.Int64ObservableGauge(
		"webhook.subscriber.calls",
		metric.WithDescription("Recorded calls per subscriber and result"),
		metric.WithUnit("{calls}"),
		metric.WithInt64Callback(oe.observeCalls),
	)
	if err != nil {
		return fmt.Errorf("creating calls gauge: %w", err)
	}

	oe.successRateGauge, err = oe.meter.Int64ObservableGauge(
		"webhook.subscriber.success_rate",
		metric.WithDescription("Success rate per subscriber"),
		metric.WithUnit("%"),
		metric.WithInt64Callback(oe.observeSuccessRates),
	)
	if err != nil {
		return fmt.Errorf("creating success rate gauge: %w", err)
	}

	oe.averageSuccessRate, err = oe.meter.Int64ObservableGauge(
		"webhook.success_rate.average",
		metric.WithDescription("Unweighted mean of per-subscriber success rates"),
		metric.WithUnit("%"),
		metric.WithInt64Callback(oe.observeAverageSuccessRate),
	)
	if err != nil {
		return fmt.Errorf("creating average success rate gauge: %w", err)
	}

	oe.activeDispatchers, err = oe.meter.Int64ObservableGauge(
		"webhook.dispatchers.active",
		metric.WithDescription("Number of dispatchers with a live heartbeat"),
		metric.WithUnit("{dispatchers}"),
		metric.WithInt64Callback(oe.observeActiveDispatchers),
	)
	if err != nil {
		return fmt.Errorf("creating active dispatchers gauge: %w", err)
	}

	return nil
}

func (oe *OTelExporter) observeSubscribers(ctx context.Context, observer metric.Int64Observer) error {
	overall, err := oe.collector.GetOverall(ctx)
	if err != nil {
		return err
	}

	observer.Observe(int64(overall.ActiveSubscribers), metric.WithAttributes(
		attribute.String("subscriber.state", "active"),
	))
	observer.Observe(int64(overall.TotalSubscribers-overall.ActiveSubscribers), metric.WithAttributes(
		attribute.String("subscriber.state", "inactive"),
	))
	return nil
}

func (oe *OTelExporter) observeCalls(ctx context.Context, observer metric.Int64Observer) error {
	perSubscriber, err := oe.collector.GetSubscriberStats(ctx)
	if err != nil {
		return err
	}

	for _, s := range perSubscriber {
		observer.Observe(s.SuccessfulCalls, metric.WithAttributes(
			attribute.String("subscriber.id", s.SubscriberID),
			attribute.String("call.result", "success"),
		))
		observer.Observe(s.FailedCalls, metric.WithAttributes(
			attribute.String("subscriber.id", s.SubscriberID),
			attribute.String("call.result", "failure"),
		))
	}
	return nil
}

func (oe *OTelExporter) observeSuccessRates(ctx context.Context, observer metric.Int64Observer) error {
	perSubscriber, err := oe.collector.GetSubscriberStats(ctx)
	if err != nil {
		return err
	}

	for _, s := range perSubscriber {
		observer.Observe(int64(s.SuccessRate), metric.WithAttributes(
			attribute.String("subscriber.id", s.SubscriberID),
		))
	}
	return nil
}

func (oe *OTelExporter) observeAverageSuccessRate(ctx context.Context, observer metric.Int64Observer) error {
	overall, err := oe.collector.GetOverall(ctx)
	if err != nil {
		return err
	}
	observer.Observe(int64(overall.AverageSuccessRate))
	return nil
}

func (oe *OTelExporter) observeActiveDispatchers(ctx context.Context, observer metric.Int64Observer) error {
	dispatchers, err := oe.collector.GetActiveDispatchers(ctx)
	if err != nil {
		return err
	}

	byTopic := make(map[string]int64)
	for _, d := range dispatchers {
		byTopic[d.Topic]++
	}
	for topic, n := range byTopic {
		observer.Observe(n, metric.WithAttributes(
			attribute.String("bus.topic", topic),
		))
	}
	return nil
}

// Handler serves Prometheus-formatted metrics from the default gatherer
func (oe *OTelExporter) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown gracefully shuts down the meter provider
func (oe *OTelExporter) Shutdown(ctx context.Context) error {
	if oe.meterProvider != nil {
		return oe.meterProvider.Shutdown(ctx)
	}
	return nil
}
