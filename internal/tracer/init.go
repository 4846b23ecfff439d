package tracer

import (
	"context"

	"ai-docchat-client/internal/config"
	"ai-docchat-client/internal/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const module = "Tracer"

func noop(context.Context) error { return nil }

// InitTracer exports the client's ws.call and ws.stream spans over OTLP HTTP and
// returns the shutdown function to run on exit. Tracing is off unless
// cfg.Tracing.Enabled; an exporter that cannot be built also leaves it off.
func InitTracer(cfg *config.Config, log logger.ILogger) func(context.Context) error {
	tc := cfg.Tracing
	if !tc.Enabled {
		log.Debug(module, "Tracing disabled", map[string]interface{}{"hint": "set OTEL_ENABLED=true to enable"})
		return noop
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tc.Endpoint)}
	if tc.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		log.Warn(module, "Failed to create OTLP exporter, tracing disabled", map[string]interface{}{"error": err.Error()})
		return noop
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SampleRatio))),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(tc.ServiceName),
			semconv.DeploymentEnvironmentKey.String(cfg.App.Environment),
		)),
	)
	otel.SetTracerProvider(tp)

	log.Info(module, "Tracer initialized", map[string]interface{}{
		"endpoint":     tc.Endpoint,
		"service":      tc.ServiceName,
		"sample_ratio": tc.SampleRatio,
	})
	return tp.Shutdown
}
