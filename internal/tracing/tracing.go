// Package tracing sets up OpenTelemetry for the relay and holds the span
// names and attributes its components share.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	EnvEnabled     = "CDC_RELAY_OTEL_ENABLED"
	EnvSampleRatio = "CDC_RELAY_OTEL_SAMPLE_RATIO"
	EnvEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvInsecure    = "OTEL_EXPORTER_OTLP_INSECURE"
	EnvServiceName = "OTEL_SERVICE_NAME"

	defaultEndpoint = "localhost:4317"
)

// Config selects the exporter and sampler.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	// RelayName is attached to the resource so spans from several relays
	// sharing a collector can be told apart.
	RelayName   string
	SampleRatio float64
}

// ConfigFromEnv reads the OTLP settings. Tracing is off unless
// CDC_RELAY_OTEL_ENABLED is "true"; the exporter is plaintext unless
// OTEL_EXPORTER_OTLP_INSECURE is "false".
func ConfigFromEnv(serviceName, relayName string) Config {
	cfg := Config{
		Enabled:     envBool(EnvEnabled, false),
		Endpoint:    os.Getenv(EnvEndpoint),
		Insecure:    envBool(EnvInsecure, true),
		ServiceName: serviceName,
		RelayName:   relayName,
		SampleRatio: 1,
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if name := os.Getenv(EnvServiceName); name != "" {
		cfg.ServiceName = name
	}
	if raw := os.Getenv(EnvSampleRatio); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.SampleRatio = min(max(ratio, 0), 1)
		}
	}
	return cfg
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true":
		return true
	case "false":
		return false
	default:
		return def
	}
}

// sampler honours the parent's decision and samples root spans by ratio.
func (c Config) sampler() sdktrace.Sampler {
	switch {
	case c.SampleRatio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case c.SampleRatio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
	}
}

// Provider owns the tracer handed to the relay and sink.
type Provider struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Tracer returns the relay tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error { return p.shutdown(ctx) }

// Setup installs the global tracer provider and W3C propagator. When
// tracing is disabled it returns a no-op provider and leaves the globals
// alone.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return &Provider{
			tracer:   noop.NewTracerProvider().Tracer(cfg.ServiceName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.RelayName != "" {
		attrs = append(attrs, attribute.String(AttrRelayName, cfg.RelayName))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled",
		"endpoint", cfg.Endpoint,
		"service", cfg.ServiceName,
		"sample_ratio", cfg.SampleRatio,
	)
	return &Provider{
		tracer: tp.Tracer(cfg.ServiceName),
		shutdown: func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				return fmt.Errorf("tracer provider shutdown: %w", err)
			}
			return nil
		},
	}, nil
}
