// Package provider defines the Cache Provider contract that every tier
// (memory, disk, cloud, redis) implements, and that the cascade orchestrates
// over without ever branching on tier identity.
package provider

import (
	"context"
	"time"

	"github.com/imazen/imageflow-server-sub002/blob"
	"github.com/imazen/imageflow-server-sub002/cachekey"
)

// Reason tells a provider why it is being asked whether it wants to store an
// entry, so it can decline writes the bloom filter already predicts are
// redundant.
type Reason int

const (
	// FreshlyCreated means the factory just ran; every provider normally
	// wants this.
	FreshlyCreated Reason = iota
	// Missed means a provider further down the cascade served the hit; an
	// upstream tier may want to promote a copy closer to the caller.
	Missed
	// NotQueried means the bloom filter reported ProbablyContains == false
	// for this key, so the cascade skipped this provider's fast-probe Fetch
	// entirely (a remote round trip not worth making for a key the filter
	// has never seen). A provider seeing this reason at store time still
	// does not know whether it already holds the key.
	NotQueried
)

func (r Reason) String() string {
	switch r {
	case FreshlyCreated:
		return "FreshlyCreated"
	case Missed:
		return "Missed"
	case NotQueried:
		return "NotQueried"
	default:
		return "Unknown"
	}
}

// Capabilities are read once at registration time; the cascade never infers
// them from the tier's name or type.
type Capabilities struct {
	// RequiresInlineExecution is true for tiers whose store must complete on
	// the calling goroutine (in-process memory) rather than via the upload
	// queue.
	RequiresInlineExecution bool
	// IsLocal reports whether the tier lives on the local host. The cascade
	// does not read it: a hit is returned as-is and never copied into
	// another tier.
	IsLocal bool
	// LatencyZone groups providers by expected round-trip class.
	LatencyZone blob.LatencyZone
}

// Metadata accompanies a stored value. Every tier persists ContentType;
// CreatedUTC is kept as given by the memory and redis tiers, while the disk
// tier records its own store time and the cloud tier reports the object's
// LastModified.
type Metadata struct {
	ContentType string
	CreatedUTC  time.Time
}

// FetchResult is what a provider returns on a hit.
type FetchResult struct {
	Data     []byte
	Metadata Metadata
}

// Provider is one cache tier. Every method takes ctx first; Fetch and Store
// must return promptly, deferring any slow upload work to the caller (the
// cascade's upload queue), not to goroutines spawned internally.
type Provider interface {
	Fetch(ctx context.Context, key cachekey.Key) (*FetchResult, bool, error)
	Store(ctx context.Context, key cachekey.Key, data []byte, meta Metadata) error
	Invalidate(ctx context.Context, key cachekey.Key) (bool, error)
	PurgeBySource(ctx context.Context, sourceHash [cachekey.HashSize]byte) (int, error)

	WantsToStore(key cachekey.Key, size int64, reason Reason) bool
	ProbablyContains(key cachekey.Key) bool

	HealthCheck(ctx context.Context) (bool, error)
	Capabilities() Capabilities
	Name() string
}
