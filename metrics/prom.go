package metrics
import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)
var (
	DocumentsExported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawchain_documents_exported_total",
			Help: "no. of documents written, by layout",
		},
		[]string{"mode"},
	)
	DocumentsImported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drawchain_documents_imported_total",
		Help: "no. of documents imported",
	})
	ImportMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawchain_import_misses_total",
			Help: "no. of imports that found no live document",
		},
		[]string{"reason"},
	)
	ChunksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drawchain_chunks_written_total",
		Help: "no. of chunk entities written",
	})
	RetryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawchain_retry_events_total",
			Help: "retry queue events",
		},
		[]string{"event", "kind"},
	)
	RetryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drawchain_retry_queue_depth",
		Help: "operations waiting in the retry queue",
	})
	ReadBacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawchain_readback_total",
			Help: "post-write verification reads",
		},
		[]string{"result"},
	)
	ShareResolves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawchain_share_resolves_total",
			Help: "share token resolutions",
		},
		[]string{"result"},
	)
	StoreRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drawchain_store_request_duration_seconds",
			Help:    "entity store call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "status"},
	)
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drawchain_cache_hits_total",
		Help: "no. of entity cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drawchain_cache_misses_total",
		Help: "no. of entity cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drawchain_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawchain_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawchain_encryption_operations_total",
			Help: "no. of encryption/decryption operations",
		},
		[]string{"operation"},
	)
	KeyCacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drawchain_kms_key_cache_entries",
			Help: "unwrapped data keys held in memory, by state",
		},
		[]string{"state"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drawchain_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
func Init() {
}
