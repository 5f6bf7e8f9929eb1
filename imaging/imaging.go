// Package imaging defines the opaque transform boundary the pipeline's
// imaging-transform stage calls through. The real image-processing engine is
// out of scope here; this package ships a reference/test-fixture transform
// so the rest of the pipeline has something concrete to drive and test
// against.
package imaging

import (
	"context"
	"fmt"
)

// Params is the canonical, already-normalized set of transform parameters
// for one derivative. Callers are responsible for producing a deterministic
// byte serialization of Params for cache-key derivation before calling
// Transform.
type Params struct {
	Width   int
	Height  int
	Format  string // e.g. "jpeg", "webp"; empty means "keep source format"
}

// CanonicalBytes returns a deterministic serialization of p suitable for
// cachekey.Key derivation. Field order is fixed; this is intentionally not
// JSON so that cache keys never shift if a struct tag or field order changes
// incidentally.
func (p Params) CanonicalBytes() []byte {
	return []byte(fmt.Sprintf("w=%d;h=%d;f=%s", p.Width, p.Height, p.Format))
}

// Transformer converts a source blob's bytes into a derivative. Blocking
// image codecs run synchronously on the calling goroutine; callers that need
// concurrency limits wrap Transform with their own semaphore. watermarkBytes
// is the already-resolved watermark image (nil if none applies for this
// request); the pipeline's imaging-transform stage resolves it via
// WatermarkProvider before calling Transform, so implementations never fetch
// it themselves.
type Transformer interface {
	Transform(ctx context.Context, sourceBytes []byte, sourceContentType string, params Params, watermarkBytes []byte) (derivativeBytes []byte, contentType string, err error)
}

// WatermarkProvider is an injected dependency for transforms that need to
// overlay additional source material; implementations may fetch extra
// blobs, which is why the pipeline's stage interface exposes
// HasDependencies() separately from the primary source fetch.
type WatermarkProvider interface {
	// WatermarkBytes returns the raw bytes of the watermark image to apply,
	// or (nil, false, nil) if no watermark applies to this request.
	WatermarkBytes(ctx context.Context, params Params) (data []byte, applies bool, err error)
}

// PassthroughTransformer is the reference Transformer: it returns the
// source bytes unchanged, tagging the content-type from params.Format when
// set. Useful for pipeline tests and as a placeholder until a real imaging
// engine is wired in.
type PassthroughTransformer struct{}

func (t PassthroughTransformer) Transform(ctx context.Context, sourceBytes []byte, sourceContentType string, params Params, watermarkBytes []byte) ([]byte, string, error) {
	out := make([]byte, len(sourceBytes))
	copy(out, sourceBytes)

	if watermarkBytes != nil {
		// The reference transform acknowledges a resolved watermark but does
		// not composite it; a real imaging engine would blend watermarkBytes
		// into out here.
		_ = watermarkBytes
	}

	contentType := sourceContentType
	if params.Format != "" {
		contentType = formatContentType(params.Format)
	}
	return out, contentType, nil
}

func formatContentType(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
