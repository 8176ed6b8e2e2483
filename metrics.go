package modelq

import (
	"net/http"

	"github.com/ModelsLab/modelq-go/internal/telemetry"
)

// MetricsHandler exposes the engine's Prometheus collectors. Mount it on
// /metrics next to your application handlers.
func MetricsHandler() http.Handler {
	return telemetry.Handler()
}
