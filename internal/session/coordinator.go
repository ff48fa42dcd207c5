// Package session runs the pick workflow: permission, picker, resolution and
// grant recording, with every in-flight request keyed by its own correlation
// token.
package session

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/joeycumines/secure-fs-access/internal/errors"
	"github.com/joeycumines/secure-fs-access/internal/grant"
	"github.com/joeycumines/secure-fs-access/internal/permission"
	"github.com/joeycumines/secure-fs-access/internal/platform"
	"github.com/joeycumines/secure-fs-access/internal/policy"
	"github.com/joeycumines/secure-fs-access/internal/resolve"
	"go.uber.org/zap"
)

// anyMIMEType is the file picker filter.
const anyMIMEType = "*/*"

// Publisher relocates a private file into public storage.
type Publisher interface {
	Publish(ctx context.Context, displayName, path string) (string, error)
}

// PickResult is the outcome of ShowPicker. An empty Selected means the user
// declined or the selection was invalid; the caller should prompt again.
type PickResult struct {
	Token    string
	Selected string
	Scheme   policy.Scheme
	State    State
}

// Request is a snapshot of one in-flight or staged pick.
type Request struct {
	Token     string
	Resource  platform.ResourceRequest
	Scheme    policy.Scheme
	State     State
	Path      string
	CreatedAt time.Time
}

// Options wires a Coordinator.
type Options struct {
	Env       platform.Environment
	Picker    platform.Picker
	Gate      *permission.Gate
	Resolver  *resolve.Resolver
	Keeper    *grant.Keeper
	Publisher Publisher
	Logger    *zap.Logger
	// StagedTTL is how long a staged backup waits for FinishBackup before
	// it is dropped. Zero means DefaultStagedTTL.
	StagedTTL time.Duration
}

// DefaultStagedTTL bounds how long an unfinished staged backup is kept.
const DefaultStagedTTL = time.Hour

// Coordinator runs pick workflows. Concurrent calls are independent.
type Coordinator struct {
	env       platform.Environment
	picker    platform.Picker
	gate      *permission.Gate
	resolver  *resolve.Resolver
	keeper    *grant.Keeper
	publisher Publisher
	logger    *zap.Logger
	stagedTTL time.Duration

	newToken func() string
	now      func() time.Time

	mu       sync.Mutex
	requests map[string]*Request
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := opts.StagedTTL
	if ttl <= 0 {
		ttl = DefaultStagedTTL
	}
	return &Coordinator{
		env:       opts.Env,
		picker:    opts.Picker,
		gate:      opts.Gate,
		resolver:  opts.Resolver,
		keeper:    opts.Keeper,
		publisher: opts.Publisher,
		logger:    logger,
		stagedTTL: ttl,
		newToken:  newToken,
		now:       time.Now,
		requests:  make(map[string]*Request),
	}
}

// ShowPicker runs one pick. Permission denial, a dismissed picker and an
// unusable selection all succeed with an empty (or sentinel) Selected.
func (c *Coordinator) ShowPicker(ctx context.Context, res platform.ResourceRequest) (PickResult, error) {
	if _, ok := platform.ParseKind(string(res.Kind)); !ok || strings.TrimSpace(res.SuggestedName) == "" {
		return PickResult{}, apperrors.New(apperrors.CodeInvalidArgument, "Resource type and defaultPath are required")
	}

	version := c.env.SDKVersion()
	scheme := policy.SchemeFor(version)
	req := c.begin(res, scheme)
	log := c.logger.With(
		zap.String("token", req.Token),
		zap.Stringer("scheme", scheme),
		zap.String("kind", string(res.Kind)),
	)

	if !policy.ShowsPicker(scheme) {
		loc := c.resolver.Resolve(platform.RawSelection{}, res, scheme)
		if !loc.Valid() {
			c.finish(req.Token, StateIdle, StateRejected)
			return c.result(req.Token, loc.Path, scheme, StateRejected), nil
		}
		c.stage(req.Token, loc.Path)
		log.Info("staged backup in private cache", zap.String("path", loc.Path))
		return c.result(req.Token, loc.Path, scheme, StateStaged), nil
	}

	c.advance(req.Token, StateIdle, StatePermissionPending)
	perm, err := c.gate.Ensure(ctx, scheme)
	if err != nil {
		c.fail(req.Token, StatePermissionPending)
		return PickResult{}, err
	}
	if perm == permission.Denied {
		c.finish(req.Token, StatePermissionPending, StateDenied)
		log.Info("storage permission denied")
		return c.result(req.Token, "", scheme, StateDenied), nil
	}

	c.advance(req.Token, StatePermissionPending, StatePickerOpen)
	sel, err := c.picker.Pick(ctx, c.intent(req.Token, res, version))
	if errors.Is(err, platform.ErrCancelled) || (err == nil && sel.Empty()) {
		c.finish(req.Token, StatePickerOpen, StateCancelled)
		log.Info("picker dismissed")
		return c.result(req.Token, "", scheme, StateCancelled), nil
	}
	if err != nil {
		c.fail(req.Token, StatePickerOpen)
		log.Error("picker failed", zap.Error(err))
		return PickResult{}, err
	}

	c.advance(req.Token, StatePickerOpen, StateResolving)
	g, taken, err := c.keeper.Record(ctx, scheme, res.Kind, sel)
	if err != nil {
		c.fail(req.Token, StateResolving)
		return PickResult{}, err
	}

	loc := c.resolver.Resolve(sel, res, scheme)
	if !loc.Valid() {
		if taken {
			if err := c.keeper.Release(ctx, g.TreeURI); err != nil {
				log.Warn("failed to release grant for rejected selection", zap.Error(err))
			}
		}
		c.finish(req.Token, StateResolving, StateRejected)
		return c.result(req.Token, loc.Path, scheme, StateRejected), nil
	}
	if taken {
		if _, err := c.keeper.Attach(ctx, g, loc.Path); err != nil {
			c.fail(req.Token, StateResolving)
			return PickResult{}, err
		}
	}

	selected := loc.Path
	if res.Kind == platform.KindFolder {
		selected = filepath.Join(loc.Path, res.SuggestedName)
	}
	c.finish(req.Token, StateResolving, StateResolved)
	log.Info("selection resolved", zap.String("selected", selected))
	return c.result(req.Token, selected, scheme, StateResolved), nil
}

// FinishBackup publishes a staged backup through the media broker and
// returns its final path. An empty token selects the most recently staged
// backup. A failed publish leaves the backup staged.
func (c *Coordinator) FinishBackup(ctx context.Context, token string) (string, error) {
	scheme := policy.SchemeFor(c.env.SDKVersion())
	if policy.ShowsPicker(scheme) {
		return "", apperrors.WithMetadata(apperrors.CodeUnsupportedScheme,
			"finishBackup is only available when backups are staged in the private cache",
			map[string]string{"scheme": scheme.String()})
	}

	req, err := c.claimStaged(token)
	if err != nil {
		return "", err
	}
	log := c.logger.With(zap.String("token", req.Token))

	final, err := c.publisher.Publish(ctx, req.Resource.SuggestedName, req.Path)
	if err != nil {
		c.advance(req.Token, StateTransferring, StateStaged)
		return "", err
	}
	c.finish(req.Token, StateTransferring, StateDone)
	c.forget(req.Token)
	log.Info("backup published", zap.String("path", final))
	return final, nil
}

// Pending returns snapshots of requests that have not reached a terminal
// state, oldest first.
func (c *Coordinator) Pending() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, 0, len(c.requests))
	for _, r := range c.requests {
		if !r.State.Terminal() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Lookup returns a snapshot of the request for token.
func (c *Coordinator) Lookup(token string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.requests[token]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

func (c *Coordinator) intent(token string, res platform.ResourceRequest, version int) platform.PickIntent {
	intent := platform.PickIntent{Token: token, Kind: res.Kind, Flags: platform.Read}
	switch res.Kind {
	case platform.KindFile:
		intent.MIMEType = anyMIMEType
		intent.Openable = true
	case platform.KindFolder:
		intent.LocalOnly = true
		intent.Flags |= platform.Write
		if policy.SupportsInitialLocation(version) {
			intent.InitialLocation = c.env.PublicDirectory(platform.DirDownloads)
		}
	}
	return intent
}

func (c *Coordinator) begin(res platform.ResourceRequest, scheme policy.Scheme) *Request {
	req := &Request{
		Token:     c.newToken(),
		Resource:  res,
		Scheme:    scheme,
		State:     StateIdle,
		CreatedAt: c.now(),
	}
	c.mu.Lock()
	c.requests[req.Token] = req
	c.mu.Unlock()
	return req
}

// advance moves token from one state to the next.
func (c *Coordinator) advance(token string, from, to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.requests[token]
	if !ok {
		return
	}
	if r.State != from || !canTransition(from, to) {
		c.logger.DPanic("illegal pick state transition",
			zap.String("token", token),
			zap.Stringer("state", r.State),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	r.State = to
	c.logger.Debug("pick state", zap.String("token", token), zap.Stringer("state", to))
}

// finish moves token to a terminal state and drops it.
func (c *Coordinator) finish(token string, from, to State) {
	c.advance(token, from, to)
	if to.Terminal() {
		c.forget(token)
	}
}

func (c *Coordinator) fail(token string, from State) {
	c.finish(token, from, StateFailed)
}

func (c *Coordinator) forget(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.requests, token)
}

func (c *Coordinator) stage(token, path string) {
	c.advance(token, StateIdle, StateStaged)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireStagedLocked()
	if r, ok := c.requests[token]; ok {
		r.Path = path
	}
}

// expireStagedLocked drops staged backups older than the TTL. Backups being
// published are left alone.
func (c *Coordinator) expireStagedLocked() {
	cutoff := c.now().Add(-c.stagedTTL)
	for token, r := range c.requests {
		if r.State == StateStaged && r.CreatedAt.Before(cutoff) {
			delete(c.requests, token)
			c.logger.Info("dropped unfinished staged backup",
				zap.String("token", token),
				zap.String("path", r.Path),
				zap.Time("staged", r.CreatedAt),
			)
		}
	}
}

// claimStaged moves a staged request to transferring so that concurrent
// finishes of the same backup cannot both publish it. An empty token claims
// the most recently staged request.
func (c *Coordinator) claimStaged(token string) (Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireStagedLocked()
	if token == "" {
		token = c.latestStagedLocked()
	}
	r, ok := c.requests[token]
	if !ok || (r.State != StateStaged && r.State != StateTransferring) {
		return Request{}, apperrors.WithMetadata(apperrors.CodeRequestNotFound,
			"no staged backup to finish", map[string]string{"token": token})
	}
	if r.State == StateTransferring {
		return Request{}, apperrors.WithMetadata(apperrors.CodeDestinationBusy,
			"backup is already being published", map[string]string{"token": token})
	}
	r.State = StateTransferring
	return *r, nil
}

func (c *Coordinator) latestStagedLocked() string {
	var latest *Request
	for _, r := range c.requests {
		if r.State != StateStaged {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) ||
			(r.CreatedAt.Equal(latest.CreatedAt) && r.Token > latest.Token) {
			latest = r
		}
	}
	if latest == nil {
		return ""
	}
	return latest.Token
}

func (c *Coordinator) result(token, selected string, scheme policy.Scheme, state State) PickResult {
	return PickResult{Token: token, Selected: selected, Scheme: scheme, State: state}
}
