package session

import (
	"context"
	"sync"

	apperrors "github.com/joeycumines/secure-fs-access/internal/errors"
	"github.com/joeycumines/secure-fs-access/internal/platform"
	"go.uber.org/zap"
)

// Launcher asks the host to show a picker for intent. It returns once the
// picker is shown; the result arrives later through Deliver or Cancel.
type Launcher interface {
	Launch(ctx context.Context, intent platform.PickIntent) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, intent platform.PickIntent) error

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context, intent platform.PickIntent) error {
	return f(ctx, intent)
}

type pickReply struct {
	sel platform.RawSelection
	err error
}

// AsyncPicker is a platform.Picker for hosts that report picker results
// through a callback. Each Pick suspends until the result for its intent's
// token is delivered, or ctx is done.
type AsyncPicker struct {
	launcher Launcher
	logger   *zap.Logger

	mu      sync.Mutex
	waiting map[string]chan pickReply
	closed  bool
}

// NewAsyncPicker returns an AsyncPicker that shows pickers through launcher.
func NewAsyncPicker(launcher Launcher, logger *zap.Logger) *AsyncPicker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncPicker{
		launcher: launcher,
		logger:   logger,
		waiting:  make(map[string]chan pickReply),
	}
}

// Pick implements platform.Picker.
func (p *AsyncPicker) Pick(ctx context.Context, intent platform.PickIntent) (platform.RawSelection, error) {
	if intent.Token == "" {
		return platform.RawSelection{}, apperrors.New(apperrors.CodeInvalidArgument, "pick intent has no token")
	}
	reply := make(chan pickReply, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return platform.RawSelection{}, platform.ErrCancelled
	}
	if _, exists := p.waiting[intent.Token]; exists {
		p.mu.Unlock()
		return platform.RawSelection{}, apperrors.WithMetadata(apperrors.CodeInvalidArgument,
			"a picker is already open for this token", map[string]string{"token": intent.Token})
	}
	p.waiting[intent.Token] = reply
	p.mu.Unlock()
	defer p.drop(intent.Token, reply)

	if err := p.launcher.Launch(ctx, intent); err != nil {
		return platform.RawSelection{}, err
	}
	p.logger.Debug("picker launched", zap.String("token", intent.Token))

	select {
	case r := <-reply:
		return r.sel, r.err
	case <-ctx.Done():
		return platform.RawSelection{}, ctx.Err()
	}
}

// Deliver completes the pick waiting on token with sel.
func (p *AsyncPicker) Deliver(token string, sel platform.RawSelection) error {
	return p.reply(token, pickReply{sel: sel})
}

// Cancel completes the pick waiting on token as dismissed.
func (p *AsyncPicker) Cancel(token string) error {
	return p.reply(token, pickReply{err: platform.ErrCancelled})
}

// Waiting returns the number of picks awaiting a result.
func (p *AsyncPicker) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}

func (p *AsyncPicker) reply(token string, r pickReply) error {
	p.mu.Lock()
	ch, ok := p.waiting[token]
	if ok {
		delete(p.waiting, token)
	}
	p.mu.Unlock()
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeRequestNotFound,
			"no picker is waiting for this token", map[string]string{"token": token})
	}
	ch <- r
	return nil
}

func (p *AsyncPicker) drop(token string, reply chan pickReply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiting[token] == reply {
		delete(p.waiting, token)
	}
}

var _ platform.Picker = (*AsyncPicker)(nil)

// Close dismisses every waiting pick. Picks started after Close are dismissed
// without launching a picker.
func (p *AsyncPicker) Close() error {
	p.mu.Lock()
	p.closed = true
	waiting := p.waiting
	p.waiting = make(map[string]chan pickReply)
	p.mu.Unlock()
	for _, ch := range waiting {
		ch <- pickReply{err: platform.ErrCancelled}
	}
	if len(waiting) > 0 {
		p.logger.Info("dismissed waiting picks", zap.Int("count", len(waiting)))
	}
	return nil
}
