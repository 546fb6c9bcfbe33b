package s3store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transientErrors counts network failures that ended a part transfer early
	transientErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resumable",
			Subsystem: "s3",
			Name:      "transient_errors_total",
			Help:      "Total number of transient S3 errors by operation",
		},
		[]string{"operation"},
	)

	partsUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "resumable",
			Subsystem: "s3",
			Name:      "parts_uploaded_total",
			Help:      "Total number of multipart parts uploaded",
		},
	)

	partsCopied = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "resumable",
			Subsystem: "s3",
			Name:      "parts_copied_total",
			Help:      "Total number of multipart parts copied during concatenation",
		},
	)
)
