// Package pipeline composes the Blob Pipeline: derivative cache engine,
// imaging transform, source cache engine, and origin fetch, each a
// long-lived Stage that starts no work until its TryGetBlob is called and
// runs once per call (there is no single-fire guard on a stage), grounded
// on meigma-blob's promise-shaped helpers in cache/blob.go (the stream-or-buffer Blob type) and the fetchGroup.Do
// dedup pattern from the same file.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/imazen/imageflow-server-sub002/blob"
	"github.com/imazen/imageflow-server-sub002/cachekey"
	"github.com/imazen/imageflow-server-sub002/cascade"
	"github.com/imazen/imageflow-server-sub002/cascadeerr"
	"github.com/imazen/imageflow-server-sub002/imaging"
	"github.com/imazen/imageflow-server-sub002/origin"
	"github.com/imazen/imageflow-server-sub002/provider"
)

// Request identifies one derivative to produce.
type Request struct {
	VirtualPath string
	Params      imaging.Params
}

// Router selects which origin provider serves a virtual path; fsorigin and
// httporigin each implement origin.Provider directly, and a Router composes
// several of them by SupportsPath/Prefixes.
type Router interface {
	SelectOrigin(virtualPath string) (origin.Provider, bool)
}

// staticRouter is the reference Router: a fixed, ordered list of providers,
// first SupportsPath match wins.
type staticRouter struct {
	providers []origin.Provider
}

// NewStaticRouter builds a Router over a fixed provider list.
func NewStaticRouter(providers ...origin.Provider) Router {
	return &staticRouter{providers: providers}
}

func (r *staticRouter) SelectOrigin(virtualPath string) (origin.Provider, bool) {
	for _, p := range r.providers {
		if p.SupportsPath(virtualPath) {
			return p, true
		}
	}
	return nil, false
}

// Stage is one link in the pipeline, grounded on the single-fire promise
// discipline meigma-blob's cache layer uses: a stage may not begin work
// until TryGetBlob is called, and HasDependencies/CacheKeyBasisReady let an
// outer stage decide whether it can compute its own cache key before waking
// an inner stage.
type Stage interface {
	TryGetBlob(ctx context.Context, req Request, router Router, pl *Pipeline) (*blob.Wrapper, error)
	HasDependencies() bool
	CacheKeyBasisReady() bool
}

// Pipeline assembles the four standard stages, outermost first, and
// deduplicates concurrent TryGetBlob calls for the same derivative that race
// ahead of the cascade's own request coalescer (e.g. during warmup).
type Pipeline struct {
	outer  Stage
	group  singleflight.Group
	router Router
}

// New assembles the standard pipeline: derivative cache (outer) wrapping
// imaging transform wrapping source cache (inner) wrapping origin fetch.
func New(derivativeCascade, sourceCascade *cascade.Cascade, transformer imaging.Transformer, watermark imaging.WatermarkProvider, router Router) *Pipeline {
	originStage := &originFetchStage{}
	sourceStage := &sourceCacheStage{cascade: sourceCascade, next: originStage}
	transformStage := &imagingTransformStage{transformer: transformer, watermark: watermark, next: sourceStage}
	derivativeStage := &derivativeCacheStage{cascade: derivativeCascade, next: transformStage}

	return &Pipeline{outer: derivativeStage, router: router}
}

// SourceKey derives the content-addressed key for a request's origin
// object, ignoring transform params.
func SourceKey(req Request) cachekey.Key {
	return cachekey.FromSource([]byte(req.VirtualPath))
}

// VariantKey derives the content-addressed key for a request's specific
// derivative.
func VariantKey(req Request) cachekey.Key {
	return SourceKey(req).WithParams(req.Params.CanonicalBytes())
}

// ETag returns the weak ETag for req's derivative, computable without any
// I/O: this is what lets the HTTP layer short-circuit on If-None-Match
// before the pipeline ever touches a cache tier or the origin.
func ETag(req Request) string {
	return VariantKey(req).ETag()
}

// TryGetBlob resolves req through the full pipeline, deduplicating
// concurrent callers for the same derivative with a singleflight.Group
// layered above the derivative cascade's own coalescer.
func (pl *Pipeline) TryGetBlob(ctx context.Context, req Request) (*blob.Wrapper, error) {
	key := VariantKey(req).StoragePath()
	v, err, _ := pl.group.Do(key, func() (interface{}, error) {
		return pl.outer.TryGetBlob(ctx, req, pl.router, pl)
	})
	if err != nil {
		return nil, err
	}
	return v.(*blob.Wrapper), nil
}

// originFetchStage delegates to the router-selected origin.Provider.
type originFetchStage struct{}

func (s *originFetchStage) HasDependencies() bool    { return false }
func (s *originFetchStage) CacheKeyBasisReady() bool { return true }

func (s *originFetchStage) TryGetBlob(ctx context.Context, req Request, router Router, _ *Pipeline) (*blob.Wrapper, error) {
	p, ok := router.SelectOrigin(req.VirtualPath)
	if !ok {
		return nil, fmt.Errorf("pipeline: no origin provider supports path %q", req.VirtualPath)
	}
	return p.Fetch(ctx, req.VirtualPath)
}

// sourceCacheStage wraps the inner origin-fetch stage with a Cache Cascade
// keyed on the source fingerprint.
type sourceCacheStage struct {
	cascade *cascade.Cascade
	next    Stage
}

func (s *sourceCacheStage) HasDependencies() bool    { return s.next.HasDependencies() }
func (s *sourceCacheStage) CacheKeyBasisReady() bool { return true }

func (s *sourceCacheStage) TryGetBlob(ctx context.Context, req Request, router Router, pl *Pipeline) (*blob.Wrapper, error) {
	key := SourceKey(req)
	res, err := s.cascade.GetOrCreate(ctx, key, func(ctx context.Context) ([]byte, provider.Metadata, error) {
		w, err := s.next.TryGetBlob(ctx, req, router, pl)
		if err != nil {
			return nil, provider.Metadata{}, err
		}
		defer w.Dispose()
		data, err := w.FetchMemory(ctx)
		if err != nil {
			return nil, provider.Metadata{}, err
		}
		attrs := w.Attributes()
		return data, provider.Metadata{ContentType: attrs.ContentType, CreatedUTC: time.Now().UTC()}, nil
	})
	if err != nil {
		return nil, classifyCascadeError(err, res.Status)
	}
	return blob.NewFromMemory(res.Data, blob.Attributes{ContentType: res.Metadata.ContentType, Length: int64(len(res.Data))}, "source-cache"), nil
}

// imagingTransformStage fetches the inner (source) stage's blob and runs
// the configured Transformer over it.
type imagingTransformStage struct {
	transformer imaging.Transformer
	watermark   imaging.WatermarkProvider
	next        Stage
}

func (s *imagingTransformStage) HasDependencies() bool    { return s.watermark != nil }
func (s *imagingTransformStage) CacheKeyBasisReady() bool { return true }

func (s *imagingTransformStage) TryGetBlob(ctx context.Context, req Request, router Router, pl *Pipeline) (*blob.Wrapper, error) {
	src, err := s.next.TryGetBlob(ctx, req, router, pl)
	if err != nil {
		return nil, err
	}
	defer src.Dispose()

	data, err := src.FetchMemory(ctx)
	if err != nil {
		return nil, err
	}

	var watermarkBytes []byte
	if s.watermark != nil {
		wm, applies, err := s.watermark.WatermarkBytes(ctx, req.Params)
		if err != nil {
			return nil, fmt.Errorf("pipeline: watermark lookup: %w", err)
		}
		if applies {
			watermarkBytes = wm
		}
	}

	out, contentType, err := s.transformer.Transform(ctx, data, src.Attributes().ContentType, req.Params, watermarkBytes)
	if err != nil {
		return nil, fmt.Errorf("pipeline: transform failed: %w", err)
	}
	return blob.NewFromMemory(out, blob.Attributes{ContentType: contentType, Length: int64(len(out))}, "derivative"), nil
}

// derivativeCacheStage wraps the imaging stage with a Cache Cascade keyed on
// the variant fingerprint; this is the pipeline's outermost stage.
type derivativeCacheStage struct {
	cascade *cascade.Cascade
	next    Stage
}

func (s *derivativeCacheStage) HasDependencies() bool    { return s.next.HasDependencies() }
func (s *derivativeCacheStage) CacheKeyBasisReady() bool { return true }

func (s *derivativeCacheStage) TryGetBlob(ctx context.Context, req Request, router Router, pl *Pipeline) (*blob.Wrapper, error) {
	key := VariantKey(req)
	res, err := s.cascade.GetOrCreate(ctx, key, func(ctx context.Context) ([]byte, provider.Metadata, error) {
		w, err := s.next.TryGetBlob(ctx, req, router, pl)
		if err != nil {
			return nil, provider.Metadata{}, err
		}
		defer w.Dispose()
		data, err := w.FetchMemory(ctx)
		if err != nil {
			return nil, provider.Metadata{}, err
		}
		attrs := w.Attributes()
		return data, provider.Metadata{ContentType: attrs.ContentType, CreatedUTC: time.Now().UTC()}, nil
	})
	if err != nil {
		return nil, classifyCascadeError(err, res.Status)
	}
	return blob.NewFromMemory(res.Data, blob.Attributes{ContentType: res.Metadata.ContentType, ETag: key.ETag(), Length: int64(len(res.Data))}, "derivative-cache"), nil
}

func classifyCascadeError(err error, status cascade.Status) error {
	switch status {
	case cascade.Timeout:
		return fmt.Errorf("%w", cascadeerr.ErrTimeout)
	default:
		return err
	}
}
