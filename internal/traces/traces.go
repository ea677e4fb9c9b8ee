// Package traces wires OpenTelemetry tracing around settlement attempts.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/custody"

// Config selects the exporter. An empty Endpoint disables tracing.
type Config struct {
	Endpoint       string
	ServiceVersion string
	// SampleRatio is the share of root traces kept, in (0, 1]. Anything
	// else keeps every trace.
	SampleRatio float64
}

// Init installs a global tracer provider exporting over OTLP/gRPC and
// returns its shutdown func.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("custody"),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a span on the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Finish ends span, marking it failed when *errp is non-nil. Use with a
// named error return: defer traces.Finish(span, &err).
func Finish(span trace.Span, errp *error) {
	if errp != nil && *errp != nil {
		span.RecordError(*errp)
		span.SetStatus(codes.Error, (*errp).Error())
	}
	span.End()
}

func EscrowID(id string) attribute.KeyValue { return attribute.String("escrow.id", id) }

func SplitID(id string) attribute.KeyValue { return attribute.String("split.id", id) }

func RetryID(id string) attribute.KeyValue { return attribute.String("retry.id", id) }

func Operation(op string) attribute.KeyValue { return attribute.String("settlement.operation", op) }

func Chain(name string) attribute.KeyValue { return attribute.String("chain", name) }

func TxHash(hash string) attribute.KeyValue { return attribute.String("tx.hash", hash) }

func Attempt(n int) attribute.KeyValue { return attribute.Int("retry.attempt", n) }
