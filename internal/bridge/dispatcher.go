package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	apperrors "github.com/joeycumines/secure-fs-access/internal/errors"
	"github.com/joeycumines/secure-fs-access/internal/grant"
	"github.com/joeycumines/secure-fs-access/internal/platform"
	"github.com/joeycumines/secure-fs-access/internal/profile"
	"github.com/joeycumines/secure-fs-access/internal/session"
	"github.com/joeycumines/secure-fs-access/internal/storage"
	"go.uber.org/zap"
)

type handler func(ctx context.Context, data map[string]any) (map[string]any, error)

// Options wires a Dispatcher. Picks is only needed when picker results
// arrive through deliverPick/cancelPick.
type Options struct {
	Coordinator *session.Coordinator
	Engine      *storage.Engine
	Profiles    *profile.Manager
	Keeper      *grant.Keeper
	Picks       *session.AsyncPicker
	Logger      *zap.Logger
}

// Dispatcher routes calls to the core.
type Dispatcher struct {
	coord    *session.Coordinator
	engine   *storage.Engine
	profiles *profile.Manager
	keeper   *grant.Keeper
	picks    *session.AsyncPicker
	logger   *zap.Logger
	methods  map[string]handler
}

// NewDispatcher returns a Dispatcher serving every method.
func NewDispatcher(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		coord:    opts.Coordinator,
		engine:   opts.Engine,
		profiles: opts.Profiles,
		keeper:   opts.Keeper,
		picks:    opts.Picks,
		logger:   logger,
	}
	d.methods = map[string]handler{
		MethodShowPicker:          d.showPicker,
		MethodFinishBackup:        d.finishBackup,
		MethodSaveRecoveryKit:     d.saveRecoveryKit,
		MethodRemoveProfileFolder: d.removeProfileFolder,
		MethodRenameProfileFolder: d.renameProfileFolder,
		MethodListProfileFolders:  d.listProfileFolders,
		MethodEnsureProfileFolder: d.ensureProfileFolder,
		MethodListGrants:          d.listGrants,
		MethodReleaseGrant:        d.releaseGrant,
		MethodDeliverPick:         d.deliverPick,
		MethodCancelPick:          d.cancelPick,
	}
	return d
}

// Methods returns the names of all served methods, sorted.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs call and returns its response. It never panics on bad input.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Response {
	h, ok := d.methods[call.Method]
	if !ok {
		return errorResponse(call.ID, apperrors.WithMetadata(apperrors.CodeInvalidArgument,
			fmt.Sprintf("unknown method %q", call.Method), map[string]string{"method": call.Method}))
	}
	data := call.Data
	if data == nil {
		data = map[string]any{}
	}
	out, err := h(ctx, data)
	if err != nil {
		d.logger.Debug("call failed",
			zap.String("id", call.ID),
			zap.String("method", call.Method),
			zap.Error(err),
		)
		return errorResponse(call.ID, err)
	}
	return Response{ID: call.ID, Data: out}
}

func errorResponse(id string, err error) Response {
	body := &ErrorBody{Code: string(apperrors.CodeOf(err)), Message: err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body.Metadata = appErr.Metadata
	}
	return Response{ID: id, Error: body}
}

func (d *Dispatcher) showPicker(ctx context.Context, data map[string]any) (map[string]any, error) {
	kind, okKind := stringField(data, "type")
	name, okName := stringField(data, "defaultPath")
	if !okKind || !okName {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "Resource type and defaultPath are required")
	}
	res, err := d.coord.ShowPicker(ctx, platform.ResourceRequest{
		Kind:          platform.ResourceKind(kind),
		SuggestedName: name,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"selected": res.Selected,
		"token":    res.Token,
		"state":    res.State.String(),
	}, nil
}

func (d *Dispatcher) finishBackup(ctx context.Context, data map[string]any) (map[string]any, error) {
	token, _ := stringField(data, "token")
	final, err := d.coord.FinishBackup(ctx, token)
	if err != nil {
		return nil, err
	}
	return map[string]any{"selected": final}, nil
}

func (d *Dispatcher) saveRecoveryKit(ctx context.Context, data map[string]any) (map[string]any, error) {
	selected, okSel := stringField(data, "selectedPath")
	from, okFrom := stringField(data, "fromRelativePath")
	if !okSel || !okFrom {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "selectedPath & fromRelativePath are required")
	}
	final, err := d.engine.Save(ctx, from, selected)
	if err != nil {
		return nil, err
	}
	return map[string]any{"selected": final}, nil
}

func (d *Dispatcher) removeProfileFolder(_ context.Context, data map[string]any) (map[string]any, error) {
	folder, ok := stringField(data, "folder")
	if !ok {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "folder is required")
	}
	return nil, d.profiles.Remove(folder)
}

func (d *Dispatcher) renameProfileFolder(_ context.Context, data map[string]any) (map[string]any, error) {
	oldName, okOld := stringField(data, "oldName")
	newName, okNew := stringField(data, "newName")
	if !okOld || !okNew {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "oldName and newName are required")
	}
	return nil, d.profiles.Rename(oldName, newName)
}

func (d *Dispatcher) listProfileFolders(_ context.Context, data map[string]any) (map[string]any, error) {
	folder, ok := stringField(data, "folder")
	if !ok {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "folder is required")
	}
	names, err := d.profiles.List(folder)
	if err != nil {
		return nil, err
	}
	return map[string]any{"folderList": names}, nil
}

func (d *Dispatcher) ensureProfileFolder(_ context.Context, data map[string]any) (map[string]any, error) {
	folder, ok := stringField(data, "folder")
	if !ok {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "folder is required")
	}
	dir, err := d.profiles.Ensure(folder)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": dir}, nil
}

func (d *Dispatcher) listGrants(ctx context.Context, _ map[string]any) (map[string]any, error) {
	grants, err := d.keeper.List(ctx)
	if err != nil {
		return nil, err
	}
	bodies := make([]GrantBody, 0, len(grants))
	for _, g := range grants {
		bodies = append(bodies, grantBody(g))
	}
	return map[string]any{"grants": bodies}, nil
}

func (d *Dispatcher) releaseGrant(ctx context.Context, data map[string]any) (map[string]any, error) {
	uri, ok := stringField(data, "treeUri")
	if !ok || uri == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "treeUri is required")
	}
	return nil, d.keeper.Release(ctx, uri)
}

func (d *Dispatcher) deliverPick(_ context.Context, data map[string]any) (map[string]any, error) {
	if d.picks == nil {
		return nil, apperrors.New(apperrors.CodeUnsupportedScheme, "picker results are not delivered through the bridge")
	}
	token, ok := stringField(data, "token")
	if !ok || token == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "token is required")
	}
	uri, _ := stringField(data, "uri")
	path, _ := stringField(data, "path")
	sel := platform.RawSelection{URI: uri, Path: path}
	if b, _ := data["read"].(bool); b {
		sel.Granted |= platform.Read
	}
	if b, _ := data["write"].(bool); b {
		sel.Granted |= platform.Write
	}
	return nil, d.picks.Deliver(token, sel)
}

func (d *Dispatcher) cancelPick(_ context.Context, data map[string]any) (map[string]any, error) {
	if d.picks == nil {
		return nil, apperrors.New(apperrors.CodeUnsupportedScheme, "picker results are not delivered through the bridge")
	}
	token, ok := stringField(data, "token")
	if !ok || token == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "token is required")
	}
	return nil, d.picks.Cancel(token)
}

// stringField reports a present string argument. A present non-string value
// counts as missing.
func stringField(data map[string]any, key string) (string, bool) {
	v, ok := data[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return s, true
}
