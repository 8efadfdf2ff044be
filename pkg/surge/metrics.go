package surge

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	// Registers the server collectors with the default registry.
	_ "github.com/FumingPower3925/surge/internal/metrics"
)

// MetricsHandler returns an http.Handler serving the Prometheus metrics of
// every server in the process.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
