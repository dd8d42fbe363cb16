// Package logging configures logrus, the Rollbar error hook and the
// OpenTelemetry tracer provider shared by every service.
package logging

import (
	"context"
	"errors"
	"os"

	"github.com/rollbar/rollbar-go"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"thrilha/config"
)

// Setup returns a logger for the named service.
func Setup(service string, cfg config.Logging) *log.Logger {
	logger := log.New()
	logger.SetOutput(os.Stdout)
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetLevel(log.InfoLevel)
		logger.SetFormatter(&log.JSONFormatter{})
	}
	if cfg.RollbarToken != "" {
		rollbar.SetToken(cfg.RollbarToken)
		rollbar.SetEnvironment(cfg.Environment)
		rollbar.SetCodeVersion(service)
		logger.AddHook(&RollbarHook{report: rollbar.Error})
	}
	return logger
}

// Flush waits for queued Rollbar reports to be delivered.
func Flush() {
	rollbar.Wait()
}

// RollbarHook forwards error entries to Rollbar with their fields as custom data.
type RollbarHook struct {
	report func(interfaces ...interface{})
}

func (h *RollbarHook) Levels() []log.Level {
	return []log.Level{log.PanicLevel, log.FatalLevel, log.ErrorLevel}
}

func (h *RollbarHook) Fire(entry *log.Entry) error {
	custom := make(map[string]interface{}, len(entry.Data))
	var cause error
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			if k == log.ErrorKey {
				cause = err
			}
			custom[k] = err.Error()
			continue
		}
		custom[k] = v
	}
	if cause == nil {
		cause = errors.New(entry.Message)
	} else {
		custom["message"] = entry.Message
	}
	h.report(cause, custom)
	return nil
}

// SetupTracing installs the global tracer provider. Spans are exported over
// OTLP/HTTP only when an endpoint is configured.
func SetupTracing(ctx context.Context, service string, cfg config.Logging) (func(context.Context) error, error) {
	res := resource.NewSchemaless(attribute.String("service.name", service))
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
