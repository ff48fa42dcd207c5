// Package grant keeps the durable permission grants taken for user-selected
// document and tree identifiers.
package grant

import (
	"context"
	"time"

	"github.com/joeycumines/secure-fs-access/internal/platform"
)

// Grant is a persisted authorization for one identifier.
type Grant struct {
	TreeURI   string
	Direction platform.Direction
	Kind      platform.ResourceKind
	// ResolvedPath is where the identifier resolved to, if it resolved.
	ResolvedPath string
	GrantedAt    time.Time
}

// Store persists grants. Implementations must tolerate Forget of a grant
// that is already gone, since the host may revoke grants out-of-band.
type Store interface {
	// Record creates or replaces the grant for g.TreeURI.
	Record(ctx context.Context, g Grant) error
	// Forget removes the grant for treeURI; unknown URIs are not an error.
	Forget(ctx context.Context, treeURI string) error
	// Get returns the grant for treeURI and whether it exists.
	Get(ctx context.Context, treeURI string) (Grant, bool, error)
	// List returns all grants ordered by URI.
	List(ctx context.Context) ([]Grant, error)
	Close() error
}
