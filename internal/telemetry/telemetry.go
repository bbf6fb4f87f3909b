// Package telemetry wires optional OpenTelemetry export for eventsync.
//
// The sync engine records reconcile spans and remote-failure counters through
// the global providers. Until [Setup] runs those providers are no-ops, so a
// device without a collector pays nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultServiceName is reported as service.name when Config leaves it empty.
const DefaultServiceName = "eventsync"

// Config mirrors the telemetry block of the YAML configuration.
type Config struct {
	// OTLPEndpoint is the collector's gRPC host:port.
	OTLPEndpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// ServiceName overrides service.name. Defaults to [DefaultServiceName].
	ServiceName string

	// DeviceID is attached as service.instance.id so events from different
	// replicas of the same organization can be told apart.
	DeviceID string

	// Headers is sent as gRPC metadata on every export request.
	Headers map[string]string
}

// ShutdownFunc flushes pending telemetry and releases the collector
// connection. Call it with a fresh context; the main one is usually done.
type ShutdownFunc func(context.Context) error

// shutdowns runs in reverse registration order.
type shutdowns []func(context.Context) error

func (s shutdowns) run(ctx context.Context) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		if err := s[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup installs global trace, metric and log providers exporting to
// cfg.OTLPEndpoint over one shared gRPC connection.
//
// The returned ShutdownFunc is never nil. On error everything already started
// has been torn down and the function is a no-op.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		return noopShutdown, errors.New("telemetry: OTLP endpoint is required")
	}

	res, err := newResource(cfg)
	if err != nil {
		return noopShutdown, err
	}

	conn, err := dial(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var stack shutdowns
	stack = append(stack, func(context.Context) error {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("closing OTLP connection: %w", err)
		}
		return nil
	})
	fail := func(err error) (ShutdownFunc, error) {
		_ = stack.run(ctx)
		return noopShutdown, err
	}

	tp, err := newTracerProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	stack = append(stack, wrapShutdown("trace provider", tp.Shutdown))

	mp, err := newMeterProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	stack = append(stack, wrapShutdown("metric provider", mp.Shutdown))

	lp, err := newLoggerProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	stack = append(stack, wrapShutdown("log provider", lp.Shutdown))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	return stack.run, nil
}

// newResource describes this process. NewSchemaless sidesteps schema URL
// conflicts between resource.Default and the semconv version imported here.
func newResource(cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.DeviceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.DeviceID))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

func dial(cfg Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(nil)
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func newTracerProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	), nil
}

func newLoggerProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

func wrapShutdown(name string, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s shutdown: %w", name, err)
		}
		return nil
	}
}

func noopShutdown(context.Context) error { return nil }
