package tus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MethodLabel bounds the method label of metrics. Any method the protocol
// does not route, including arbitrary overrides, becomes "other".
func MethodLabel(method string) string {
	switch method {
	case http.MethodOptions, http.MethodPost, http.MethodHead,
		http.MethodPatch, http.MethodGet, http.MethodDelete:
		return method
	}
	return "other"
}

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resumable",
			Subsystem: "tus",
			Name:      "requests_total",
			Help:      "Total number of protocol requests by method",
		},
		[]string{"method"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resumable",
			Subsystem: "tus",
			Name:      "errors_total",
			Help:      "Total number of rejected protocol requests by method and status",
		},
		[]string{"method", "status"},
	)

	// bytesReceived counts bytes accepted by the storage engine
	bytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "resumable",
			Subsystem: "tus",
			Name:      "received_bytes_total",
			Help:      "Total bytes accepted through PATCH requests",
		},
	)

	uploadsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resumable",
			Subsystem: "tus",
			Name:      "uploads_finished_total",
			Help:      "Total number of uploads that received all of their bytes",
		},
		[]string{"kind"},
	)

	interruptedPatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "resumable",
			Subsystem: "tus",
			Name:      "interrupted_patches_total",
			Help:      "Total number of PATCH bodies cut short by the client",
		},
	)
)
