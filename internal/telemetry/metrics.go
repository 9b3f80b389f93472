// Package telemetry bootstraps OpenTelemetry metrics for the pipeline
// processes and defines the counters each of them reports. Metric methods
// are nil-receiver safe so components run unchanged when telemetry is
// disabled (no OTLP endpoint configured).
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// InitMeterProvider bootstraps the OpenTelemetry MeterProvider with an
// OTLP/gRPC metric exporter targeting the given endpoint. Metrics are
// flushed periodically via a PeriodicReader. The caller must defer
// mp.Shutdown(ctx) to flush pending metrics.
func InitMeterProvider(ctx context.Context, serviceName, endpoint string) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	otel.SetMeterProvider(mp)
	return mp, nil
}

// HarvesterMetrics counts harvest-side activity.
type HarvesterMetrics struct {
	harvested     metric.Int64Counter
	published     metric.Int64Counter
	publishFailed metric.Int64Counter
	recoveries    metric.Int64Counter
}

// NewHarvesterMetrics registers the harvester counters on the global meter.
func NewHarvesterMetrics() (*HarvesterMetrics, error) {
	meter := otel.Meter("uba-harvester")
	m := &HarvesterMetrics{}
	var err error
	if m.harvested, err = meter.Int64Counter("uba.harvester.events_harvested"); err != nil {
		return nil, err
	}
	if m.published, err = meter.Int64Counter("uba.harvester.events_published"); err != nil {
		return nil, err
	}
	if m.publishFailed, err = meter.Int64Counter("uba.harvester.publish_failures"); err != nil {
		return nil, err
	}
	if m.recoveries, err = meter.Int64Counter("uba.harvester.recovery_entries"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *HarvesterMetrics) Harvested(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.harvested.Add(ctx, int64(n))
}

func (m *HarvesterMetrics) Published(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.published.Add(ctx, int64(n))
}

func (m *HarvesterMetrics) PublishFailed(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.publishFailed.Add(ctx, int64(n))
}

func (m *HarvesterMetrics) RecoveryEntered(ctx context.Context) {
	if m == nil {
		return
	}
	m.recoveries.Add(ctx, 1)
}

// EngineMetrics counts detection-side activity.
type EngineMetrics struct {
	batches      metric.Int64Counter
	anomalies    metric.Int64Counter
	ruleFailures metric.Int64Counter
	sinkRetries  metric.Int64Counter
	quarantined  metric.Int64Counter
}

// NewEngineMetrics registers the engine counters on the global meter.
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter("uba-engine")
	m := &EngineMetrics{}
	var err error
	if m.batches, err = meter.Int64Counter("uba.engine.batches_processed"); err != nil {
		return nil, err
	}
	if m.anomalies, err = meter.Int64Counter("uba.engine.anomalies_detected"); err != nil {
		return nil, err
	}
	if m.ruleFailures, err = meter.Int64Counter("uba.engine.rule_group_failures"); err != nil {
		return nil, err
	}
	if m.sinkRetries, err = meter.Int64Counter("uba.engine.sink_retries"); err != nil {
		return nil, err
	}
	if m.quarantined, err = meter.Int64Counter("uba.engine.messages_quarantined"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *EngineMetrics) BatchProcessed(ctx context.Context) {
	if m == nil {
		return
	}
	m.batches.Add(ctx, 1)
}

func (m *EngineMetrics) AnomaliesDetected(ctx context.Context, group string, n int) {
	if m == nil {
		return
	}
	m.anomalies.Add(ctx, int64(n), metric.WithAttributes(attribute.String("behavior_group", group)))
}

func (m *EngineMetrics) RuleGroupFailed(ctx context.Context, group string) {
	if m == nil {
		return
	}
	m.ruleFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("rule_group", group)))
}

func (m *EngineMetrics) SinkRetried(ctx context.Context) {
	if m == nil {
		return
	}
	m.sinkRetries.Add(ctx, 1)
}

func (m *EngineMetrics) Quarantined(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.quarantined.Add(ctx, int64(n))
}

// ResponderMetrics counts active-response executions.
type ResponderMetrics struct {
	executed metric.Int64Counter
	failed   metric.Int64Counter
}

// NewResponderMetrics registers the responder counters on the global meter.
func NewResponderMetrics() (*ResponderMetrics, error) {
	meter := otel.Meter("uba-responder")
	m := &ResponderMetrics{}
	var err error
	if m.executed, err = meter.Int64Counter("uba.responder.actions_executed"); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("uba.responder.actions_failed"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ResponderMetrics) ActionExecuted(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.executed.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (m *ResponderMetrics) ActionFailed(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}
