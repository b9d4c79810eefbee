package observability

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationScope = "github.com/ent0n29/callcore"

// Tracer returns a tracer from the globally installed provider. Without an
// exporter configured by the host process spans are no-ops.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationScope + "/" + component)
}

// NewHTTPClient returns a client whose transport emits client spans.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
