// Package permission decides when the coarse storage permission has to be
// requested before a picker is shown.
package permission

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeycumines/secure-fs-access/internal/platform"
	"github.com/joeycumines/secure-fs-access/internal/policy"
	"go.uber.org/zap"
)

// Result is the outcome of Ensure.
type Result int

const (
	Granted Result = iota
	Denied
)

// String implements fmt.Stringer.
func (r Result) String() string {
	if r == Granted {
		return "granted"
	}
	return "denied"
}

// Gate authorizes picks. Denial is an expected outcome, reported as Denied
// with a nil error.
type Gate struct {
	perms  platform.PermissionRequester
	logger *zap.Logger

	// one dialog at a time
	mu sync.Mutex
}

// NewGate returns a Gate backed by perms.
func NewGate(perms platform.PermissionRequester, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{perms: perms, logger: logger}
}

// Ensure returns Granted immediately when the permission is already held or
// scheme does not need it. Otherwise it shows the host dialog and blocks until
// the user answers.
func (g *Gate) Ensure(ctx context.Context, scheme policy.Scheme) (Result, error) {
	if !policy.RequiresStoragePermission(scheme) {
		return Granted, nil
	}
	if g.perms.StoragePermission() == platform.PermissionGranted {
		return Granted, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// a concurrent request may have been answered while we waited
	if g.perms.StoragePermission() == platform.PermissionGranted {
		return Granted, nil
	}

	g.logger.Info("requesting storage permission", zap.Stringer("scheme", scheme))
	state, err := g.perms.RequestStoragePermission(ctx)
	if err != nil {
		return Denied, fmt.Errorf("storage permission request: %w", err)
	}
	if state != platform.PermissionGranted {
		g.logger.Info("storage permission denied", zap.String("state", string(state)))
		return Denied, nil
	}
	return Granted, nil
}
