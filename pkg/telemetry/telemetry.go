// Package telemetry owns the OpenTelemetry setup shared by the
// gateway binaries: a tracer provider fed by OTLP over HTTP, inbound
// middleware and outbound client instrumentation.
package telemetry

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const defaultService = "rulegate"

type exporterConfig struct {
	endpoint string
	headers  map[string]string
	timeout  time.Duration
	insecure bool
	// required makes a broken exporter fatal instead of degrading to
	// local-only traces.
	required bool
}

func loadExporterConfig() exporterConfig {
	return exporterConfig{
		endpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		headers:  parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		timeout:  time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		insecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		required: os.Getenv("OTEL_REQUIRED") == "true",
	}
}

// Init installs the global tracer provider and returns its shutdown
// hook. Without an OTLP endpoint, spans stay in-process so local runs
// need no collector.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultService
	}
	cfg := loadExporterConfig()
	sampler := parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG"))
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))

	if cfg.endpoint == "" {
		return install(res, sampler, nil), nil
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		if cfg.required {
			return nil, err
		}
		log.Printf("otel exporter disabled: %v", err)
		return install(res, sampler, nil), nil
	}
	return install(res, sampler, exporter), nil
}

func newExporter(ctx context.Context, cfg exporterConfig) (trace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.endpoint),
		otlptracehttp.WithTimeout(cfg.timeout),
	}
	if cfg.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

func install(res *resource.Resource, sampler trace.Sampler, exporter trace.SpanExporter) func(context.Context) error {
	opts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(sampler),
	}
	if exporter != nil {
		opts = append(opts, trace.WithBatcher(exporter))
	}
	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown
}

func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if arg = strings.TrimSpace(arg); arg != "" {
		if val, err := strconv.ParseFloat(arg, 64); err == nil {
			ratio = min(max(val, 0), 1)
		}
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware wraps inbound handlers in a server span per request.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultService
	}
	return otelhttp.NewMiddleware(serviceName)
}

// InstrumentClient adds trace propagation to outbound requests, so
// upstream app spans join the proxying request's trace.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

// parseHeaders decodes the comma-separated k=v form of
// OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			out[key] = strings.TrimSpace(value)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
