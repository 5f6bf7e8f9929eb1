// Package fsorigin implements a local-filesystem origin.Provider: virtual
// paths are resolved under a root directory, grounded on the same
// os.File-plus-cached-size wrapping meigma-blob's fileSource uses for random
// access (file.go's newFileSource), simplified here to the single full-file
// stream the pipeline's origin-fetch stage needs.
package fsorigin

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/imazen/imageflow-server-sub002/blob"
	"github.com/imazen/imageflow-server-sub002/cascadeerr"
)

// Provider serves blobs from a local directory tree.
type Provider struct {
	root string
	zone blob.LatencyZone
}

// Option configures a Provider.
type Option func(*Provider)

// WithLatencyZone overrides the zone tag reported for every path.
func WithLatencyZone(zone blob.LatencyZone) Option {
	return func(p *Provider) { p.zone = zone }
}

// New creates a Provider rooted at root. root must already exist.
func New(root string, opts ...Option) (*Provider, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("fsorigin: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fsorigin: %s is not a directory", root)
	}
	p := &Provider{root: root, zone: "local-disk"}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Prefixes() []string { return []string{"/"} }

func (p *Provider) SupportsPath(virtualPath string) bool {
	return strings.HasPrefix(virtualPath, "/")
}

func (p *Provider) LatencyZone(string) blob.LatencyZone { return p.zone }

// Fetch opens virtualPath under root and wraps it as a single-consumption
// stream blob; the pipeline promotes it to a reusable buffer only if a
// second consumer shows up.
func (p *Provider) Fetch(_ context.Context, virtualPath string) (*blob.Wrapper, error) {
	cleaned := filepath.Clean("/" + virtualPath)
	full := filepath.Join(p.root, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(p.root)+string(filepath.Separator)) && full != filepath.Clean(p.root) {
		return nil, fmt.Errorf("fsorigin: path %q escapes root", virtualPath)
	}

	f, err := os.Open(full) //nolint:gosec // virtualPath is already confined to root above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cascadeerr.ErrNotFound
		}
		return nil, fmt.Errorf("fsorigin: open %q: %w", virtualPath, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("fsorigin: stat %q: %w", virtualPath, err)
	}

	attrs := blob.Attributes{
		ContentType:      contentTypeForPath(cleaned),
		Length:           info.Size(),
		ETag:             fmt.Sprintf("%x-%d", info.ModTime().UnixNano(), info.Size()),
		LastModifiedUTC:  info.ModTime().UTC(),
		StorageReference: full,
	}
	return blob.NewFromStream(f, attrs, p.zone), nil
}

func contentTypeForPath(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
