package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_paste_retrieved_total",
		Help: "no. of successful visible reads",
	})
	PasteRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_paste_rejected_total",
			Help: "no. of reads answered as not found, by cause",
		},
		[]string{"reason"},
	)
	SubmitInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_submit_invalid_total",
			Help: "no. of submissions rejected by validation",
		},
		[]string{"code"},
	)
	ViewsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_views_lost_total",
		Help: "no. of reads that saw a visible paste but lost its last view to another reader",
	})
	TombstoneHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_tombstone_hits_total",
		Help: "no. of reads answered from the exhausted-id cache",
	})
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_store_errors_total",
			Help: "no. of record store failures",
		},
		[]string{"op"},
	)
	SweepDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_sweep_deleted_total",
		Help: "no. of dead records removed by the sweeper",
	})
	SealOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_seal_operations_total",
			Help: "no. of content seal/open operations",
		},
		[]string{"operation"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastelite_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
