package surge

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the OpenTelemetry options for handshakes and messages.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "surge")
	TracerName string
	// Propagator extracts the parent context from upgrade request headers
	// (default: TraceContext)
	Propagator propagation.TextMapPropagator
	// TracerProvider overrides the global provider
	TracerProvider trace.TracerProvider
	// TraceMessages starts a child span of the handshake for every message
	TraceMessages bool
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "surge",
		Propagator: propagation.TraceContext{},
	}
}

func (tc *TracingConfig) normalize() {
	if tc.TracerName == "" {
		tc.TracerName = "surge"
	}
	if tc.Propagator == nil {
		tc.Propagator = propagation.TraceContext{}
	}
}

func (tc TracingConfig) tracer() trace.Tracer {
	if tc.TracerProvider != nil {
		return tc.TracerProvider.Tracer(tc.TracerName)
	}
	return otel.Tracer(tc.TracerName)
}
