package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string
}

// Init installs the global tracer provider and propagators. When tracing is
// disabled a no-export SDK provider is installed so spans stay cheap but the
// propagation headers keep flowing. The returned shutdown func flushes the
// batcher; it is safe to call more than once.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	if !o.Enabled {
		installGlobals(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	// exporter dial is bounded: the collector is a local agent forwarding
	// to the real backend, so 3s is plenty
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	expOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		expOpts = append(expOpts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(dialCtx, expOpts...)
	if err != nil {
		return nil, err
	}

	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(o.Service+"."+o.Component),
			semconv.ServiceVersionKey.String(o.Version),
		),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(o.Sample),
		)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	installGlobals(tp)
	return tp.Shutdown, nil
}

func installGlobals(tp *sdktrace.TracerProvider) {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
}
