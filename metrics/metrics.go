package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var IngestionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "ingestions_total",
	Help: "Number of archive ingestions by outcome (committed, client_error, server_error).",
}, []string{"outcome"})

var IngestionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "ingestion_duration_seconds",
	Help:    "Wall time of a single archive ingestion.",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
})

var BlobsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "blobs_written_total",
	Help: "Blobs handed to the content store, by store and whether the content was already present.",
}, []string{"store", "deduplicated"})

var BlobBytesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "blob_bytes_written_total",
	Help: "Bytes handed to the content store.",
}, []string{"store"})

var RevisionsReplaced = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "revisions_replaced_total",
	Help: "Revision commits that replaced an existing revision.",
})

var SpoolDirsSwept = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "spool_dirs_swept_total",
	Help: "Stale spool directories removed by the sweeper.",
})

func init() {
	prometheus.MustRegister(IngestionsTotal)
	prometheus.MustRegister(IngestionDuration)
	prometheus.MustRegister(BlobsWritten)
	prometheus.MustRegister(BlobBytesWritten)
	prometheus.MustRegister(RevisionsReplaced)
	prometheus.MustRegister(SpoolDirsSwept)
}
