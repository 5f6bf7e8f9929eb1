package cascade

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/imazen/imageflow-server-sub002/cachekey"
)

const metricsNamespace = "cache_cascade"

var (
	tierOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tier_outcome_total",
			Help:      "Cache cascade outcomes by tier/provider and result status.",
		},
		[]string{"provider", "status"},
	)

	storeDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_dropped_total",
			Help:      "Store-upward attempts dropped because the upload queue was full and the synchronous fallback store failed.",
		},
		[]string{"provider"},
	)

	storeWarningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_warning_total",
			Help:      "Non-fatal store errors from inline-execution providers.",
		},
		[]string{"provider"},
	)
)

// Status enumerates the possible outcomes of GetOrCreate.
type Status int

const (
	// MemoryHit served from the in-process memory tier.
	MemoryHit Status = iota
	// DiskHit served from the local disk tier.
	DiskHit
	// CloudHit served from a cloud object-store tier.
	CloudHit
	// QueueHit was served from an in-flight upload task's bytes rather than
	// a completed tier read.
	QueueHit
	// Created means the factory ran and produced fresh bytes.
	Created
	// Timeout means the coalescing wait expired.
	Timeout
	// Error means the factory (or every tier) returned an unclassified
	// error.
	Error
)

func (s Status) String() string {
	switch s {
	case MemoryHit:
		return "memory_hit"
	case DiskHit:
		return "disk_hit"
	case CloudHit:
		return "cloud_hit"
	case QueueHit:
		return "queue_hit"
	case Created:
		return "created"
	case Timeout:
		return "timeout"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind distinguishes the phase an Event describes.
type EventKind int

const (
	EventOutcome EventKind = iota
	EventStoreWarning
	EventStoreDropped
)

// Event is delivered synchronously to Config.OnCacheEvent for every notable
// cascade occurrence; the default sink (defaultEventSink) records it as a
// Prometheus counter increment.
type Event struct {
	Kind     EventKind
	Provider string
	Status   Status
	Key      cachekey.Key
	Err      error
}

// defaultEventSink is wired in when Config.OnCacheEvent is left nil.
func defaultEventSink(e Event) {
	switch e.Kind {
	case EventOutcome:
		tierOutcomeTotal.WithLabelValues(e.Provider, e.Status.String()).Inc()
	case EventStoreWarning:
		storeWarningTotal.WithLabelValues(e.Provider).Inc()
	case EventStoreDropped:
		storeDroppedTotal.WithLabelValues(e.Provider).Inc()
	}
}
