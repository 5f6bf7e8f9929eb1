// Package blob implements the shared reference-counted blob handle that lets
// the cascade and the HTTP response writer share one artifact safely: a
// stream blob may be read at most once, a memory blob may be read any number
// of times, and a wrapper silently promotes one into the other the moment a
// second consumer shows up.
package blob

import "time"

// LatencyZone is an opaque tag grouping providers (and the blobs they
// return) by expected round-trip class. The cascade never branches on tier
// identity directly; it only ever asks a provider or a blob for its zone.
type LatencyZone string

// Attributes describes a blob without requiring access to its bytes.
type Attributes struct {
	ContentType      string
	Length           int64
	ETag             string
	LastModifiedUTC  time.Time
	StorageReference string // human-readable origin descriptor, diagnostics only
}
