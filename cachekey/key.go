// Package cachekey implements the content-addressed fingerprint used across
// every cache tier: a deterministic pair of hashes identifying a source blob
// and one specific (source, params) derivative of it.
package cachekey

import (
	"encoding/hex"
	"fmt"

	"github.com/opencontainers/go-digest"
	"lukechampine.com/blake3"
)

// HashSize is the width in bytes of each half of a Key.
const HashSize = 16

// Key is a 32-byte content-addressed fingerprint: a source hash identifying
// the origin object, and a variant hash identifying one specific derivative
// of that source. Two requests producing semantically identical derivatives
// must produce byte-identical keys.
type Key struct {
	Source  [HashSize]byte
	Variant [HashSize]byte
}

// FromSource derives a Key's source half from the origin object's identity
// bytes (e.g. its virtual path plus any provider-supplied ETag/version tag).
// The variant half equals the source half until WithParams narrows it to a
// specific transformation.
func FromSource(sourceIDBytes []byte) Key {
	var k Key
	sum := hashBytes(sourceIDBytes)
	copy(k.Source[:], sum[:HashSize])
	copy(k.Variant[:], sum[:HashSize])
	return k
}

// FromSourceAndParams derives a full Key from the origin object's identity
// bytes and the canonical serialization of the transformation parameters.
// canonicalParamsBytes is trusted as already-normalized; the cache key layer
// does not attempt to canonicalize it.
func FromSourceAndParams(sourceIDBytes, canonicalParamsBytes []byte) Key {
	var k Key
	sourceSum := hashBytes(sourceIDBytes)
	copy(k.Source[:], sourceSum[:HashSize])

	h := blake3.New(32, nil)
	_, _ = h.Write(k.Source[:])
	_, _ = h.Write(canonicalParamsBytes)
	variantSum := h.Sum(nil)
	copy(k.Variant[:], variantSum[:HashSize])
	return k
}

// WithParams returns a new Key sharing this Key's source half but with a
// variant half derived from canonicalParamsBytes.
func (k Key) WithParams(canonicalParamsBytes []byte) Key {
	out := Key{Source: k.Source}
	h := blake3.New(32, nil)
	_, _ = h.Write(k.Source[:])
	_, _ = h.Write(canonicalParamsBytes)
	sum := h.Sum(nil)
	copy(out.Variant[:], sum[:HashSize])
	return out
}

func hashBytes(b []byte) []byte {
	h := blake3.New(32, nil)
	_, _ = h.Write(b)
	return h.Sum(nil)
}

// StoragePath returns the three-level sharded hex path derived from the key:
// {hex(source)[0..4]}/{hex(source)}/{hex(variant)}.
func (k Key) StoragePath() string {
	sourceHex := hex.EncodeToString(k.Source[:])
	variantHex := hex.EncodeToString(k.Variant[:])
	prefix := sourceHex
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return fmt.Sprintf("%s/%s/%s", prefix, sourceHex, variantHex)
}

// SourcePrefixHex returns the first 16 hex characters of the source hash,
// used by cloud tiers as purge-by-source user metadata/tag value.
func (k Key) SourcePrefixHex() string {
	full := hex.EncodeToString(k.Source[:])
	if len(full) > 16 {
		return full[:16]
	}
	return full
}

// SourceHex returns the full hex-encoded source hash.
func (k Key) SourceHex() string {
	return hex.EncodeToString(k.Source[:])
}

// VariantHex returns the full hex-encoded variant hash.
func (k Key) VariantHex() string {
	return hex.EncodeToString(k.Variant[:])
}

// cacheKeyAlgorithm names the digest algorithm under which variant hashes are
// rendered. The cascade hashes with truncated BLAKE3 rather than SHA-256, so
// a distinct algorithm name is registered rather than silently borrowing
// "sha256" and inviting a mismatched Validate() call downstream.
const cacheKeyAlgorithm = digest.Algorithm("blake3-128")

// ETag renders the variant hash as a canonical "<algorithm>:<hex>" digest
// string, matching the shape HTTP clients and object-store metadata expect
// from an opaque ETag. Computing it requires only the key, never the blob
// body, which is what lets If-None-Match short-circuit before any I/O.
func (k Key) ETag() string {
	d := digest.NewDigestFromEncoded(cacheKeyAlgorithm, k.VariantHex())
	return d.String()
}

// String implements fmt.Stringer for diagnostics and logging.
func (k Key) String() string {
	return k.StoragePath()
}
