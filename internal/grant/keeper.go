package grant

import (
	"context"
	"time"

	apperrors "github.com/joeycumines/secure-fs-access/internal/errors"
	"github.com/joeycumines/secure-fs-access/internal/platform"
	"github.com/joeycumines/secure-fs-access/internal/policy"
	"go.uber.org/zap"
)

// Tracker is notified of grants with a resolved path, so it can detect when
// the host revokes them out-of-band.
type Tracker interface {
	Track(g Grant) error
	Untrack(treeURI string)
}

// Keeper takes persistable permissions from the host and records them.
type Keeper struct {
	store   Store
	perms   platform.URIPermissions
	tracker Tracker
	logger  *zap.Logger
	now     func() time.Time
}

// NewKeeper returns a Keeper recording into store.
func NewKeeper(store Store, perms platform.URIPermissions, logger *zap.Logger) *Keeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keeper{
		store:  store,
		perms:  perms,
		logger: logger,
		now:    time.Now,
	}
}

// SetTracker installs a revocation tracker. Passing nil disables tracking.
func (k *Keeper) SetTracker(t Tracker) {
	k.tracker = t
}

// Record takes the persistable permission implied by kind for sel and stores
// the grant. It returns false without side effects when scheme surfaces no
// identifier or sel carries none.
func (k *Keeper) Record(ctx context.Context, scheme policy.Scheme, kind platform.ResourceKind, sel platform.RawSelection) (Grant, bool, error) {
	if !policy.TakesPersistableGrant(scheme) {
		return Grant{}, false, nil
	}
	uri := sel.URI
	if uri == "" {
		uri = sel.Path
	}
	if uri == "" {
		return Grant{}, false, nil
	}

	dir := platform.DirectionFor(kind)
	if err := k.perms.TakePersistable(uri, dir); err != nil {
		return Grant{}, false, apperrors.Wrap(apperrors.CodeGrantFailed, err.Error(), err)
	}

	g := Grant{
		TreeURI:   uri,
		Direction: dir,
		Kind:      kind,
		GrantedAt: k.now(),
	}
	if err := k.store.Record(ctx, g); err != nil {
		return Grant{}, false, apperrors.Wrap(apperrors.CodeGrantFailed, err.Error(), err)
	}
	k.logger.Debug("persistable grant taken",
		zap.String("uri", uri),
		zap.Stringer("direction", dir),
	)
	return g, true, nil
}

// Attach records where a granted identifier resolved to and starts tracking
// it for out-of-band revocation.
func (k *Keeper) Attach(ctx context.Context, g Grant, resolvedPath string) (Grant, error) {
	g.ResolvedPath = resolvedPath
	if err := k.store.Record(ctx, g); err != nil {
		return g, apperrors.Wrap(apperrors.CodeGrantFailed, err.Error(), err)
	}
	if k.tracker != nil && g.Kind == platform.KindFolder && resolvedPath != "" {
		if err := k.tracker.Track(g); err != nil {
			// untracked grants still work, they are just not pruned early
			k.logger.Warn("failed to track grant", zap.String("uri", g.TreeURI), zap.Error(err))
		}
	}
	return g, nil
}

// Release gives the permission back to the host and forgets the grant. A
// grant the host already revoked is released without error.
func (k *Keeper) Release(ctx context.Context, treeURI string) error {
	g, ok, err := k.store.Get(ctx, treeURI)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeGrantFailed, err.Error(), err)
	}
	if !ok {
		return nil
	}
	if err := k.perms.ReleasePersistable(g.TreeURI, g.Direction); err != nil {
		k.logger.Warn("host refused release, forgetting anyway",
			zap.String("uri", treeURI),
			zap.Error(err),
		)
	}
	return k.Forget(ctx, treeURI)
}

// Forget drops the stored grant without talking to the host.
func (k *Keeper) Forget(ctx context.Context, treeURI string) error {
	if k.tracker != nil {
		k.tracker.Untrack(treeURI)
	}
	if err := k.store.Forget(ctx, treeURI); err != nil {
		return apperrors.Wrap(apperrors.CodeGrantFailed, err.Error(), err)
	}
	return nil
}

// List returns every stored grant.
func (k *Keeper) List(ctx context.Context) ([]Grant, error) {
	grants, err := k.store.List(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeGrantFailed, err.Error(), err)
	}
	return grants, nil
}
