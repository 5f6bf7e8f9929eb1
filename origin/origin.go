// Package origin defines the contract an origin blob provider implements:
// the external collaborator the Blob Pipeline's origin-fetch stage delegates
// to once both cache engines have missed. Reference implementations live in
// origin/fsorigin (local filesystem) and origin/httporigin (HTTP range
// reads); any other backend need only satisfy this same four-method
// contract.
package origin

import (
	"context"

	"github.com/imazen/imageflow-server-sub002/blob"
)

// Provider fetches blobs by virtual path from one external source.
type Provider interface {
	Fetch(ctx context.Context, virtualPath string) (*blob.Wrapper, error)
	Prefixes() []string
	SupportsPath(virtualPath string) bool
	LatencyZone(virtualPath string) blob.LatencyZone
}
