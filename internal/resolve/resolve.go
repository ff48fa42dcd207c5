// Package resolve turns the opaque identifiers returned by host pickers into
// concrete filesystem locations.
package resolve

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/joeycumines/secure-fs-access/internal/platform"
	"github.com/joeycumines/secure-fs-access/internal/policy"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// StorageUnavailable is returned in place of a path when the shared volume is
// neither readable nor writable.
const StorageUnavailable = "Storage is not available"

// VolumeSeparator separates the volume from the relative path in tree and
// document identifiers.
const VolumeSeparator = ":"

// Status classifies a resolution outcome.
type Status int

const (
	// Resolved means Path is a usable location.
	Resolved Status = iota
	// Invalid means the selection could not be decoded; the caller must
	// prompt again. Path is empty.
	Invalid
	// Unavailable means the shared volume is not mounted. Path holds
	// StorageUnavailable.
	Unavailable
)

// Location is the outcome of resolving a selection.
type Location struct {
	Path   string
	Scheme policy.Scheme
	Status Status
}

// Valid reports whether the location can be used for I/O.
func (l Location) Valid() bool {
	return l.Status == Resolved && l.Path != ""
}

// Resolver applies the decoding rules of each addressing scheme.
type Resolver struct {
	env    platform.Environment
	logger *zap.Logger
}

// New returns a Resolver reading device facts from env.
func New(env platform.Environment, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{env: env, logger: logger}
}

// Resolve converts sel into a location under scheme. It never fails: every
// unsupported input degrades to an Invalid or Unavailable location.
func (r *Resolver) Resolve(sel platform.RawSelection, req platform.ResourceRequest, scheme policy.Scheme) Location {
	var loc Location
	switch scheme {
	case policy.LegacyDirect:
		loc = r.legacy(sel)
	case policy.ScopedTree:
		if req.Kind == platform.KindFolder {
			loc = r.tree(sel)
		} else {
			loc = r.document(sel)
		}
	case policy.MediaStoreRedirect:
		loc = r.redirect(req.SuggestedName)
	default:
		loc = invalid()
	}
	loc.Scheme = scheme

	if loc.Status != Resolved {
		r.logger.Warn("selection did not resolve",
			zap.Stringer("scheme", scheme),
			zap.String("kind", string(req.Kind)),
			zap.String("uri", sel.URI),
			zap.String("path", sel.Path),
			zap.String("outcome", loc.Path),
		)
	}
	return loc
}

func invalid() Location {
	return Location{Status: Invalid}
}

// legacy passes a raw path through untouched.
func (r *Resolver) legacy(sel platform.RawSelection) Location {
	p := sel.Path
	if p == "" {
		p = identifier(sel)
	}
	if p == "" {
		return invalid()
	}
	return Location{Path: p, Status: Resolved}
}

// document takes the relative path of a single picked document.
func (r *Resolver) document(sel platform.RawSelection) Location {
	_, rel, ok := strings.Cut(identifier(sel), VolumeSeparator)
	if !ok || rel == "" {
		return invalid()
	}
	return Location{Path: rel, Status: Resolved}
}

// tree re-anchors a picked folder under the public Downloads directory.
// Only trees rooted at Documents or Downloads are accepted.
func (r *Resolver) tree(sel platform.RawSelection) Location {
	state := r.env.ExternalStorageState()
	if !state.Readable() && !state.Writable() {
		return Location{Path: StorageUnavailable, Status: Unavailable}
	}

	_, rel, ok := strings.Cut(identifier(sel), VolumeSeparator)
	if !ok {
		return invalid()
	}

	// a bare collection root is rejected; the user has to pick a folder in it
	i := strings.IndexByte(rel, '/')
	if i < 0 {
		return invalid()
	}
	lead, sub := rel[:i], rel[i:]
	if lead != platform.DirDocuments && lead != platform.DirDownloads {
		return invalid()
	}
	if sub != "" {
		// rooted, so Clean cannot climb above the anchor
		sub = path.Clean(sub)
		if sub == "/" {
			sub = ""
		}
	}

	root := r.env.PublicDirectory(platform.DirDownloads)
	if root == "" {
		return invalid()
	}
	return Location{Path: root + filepath.FromSlash(sub), Status: Resolved}
}

// redirect places the file in the private cache for a later media broker
// relocation.
func (r *Resolver) redirect(name string) Location {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return invalid()
	}
	cache := r.env.CacheDir()
	if cache == "" {
		return invalid()
	}
	return Location{Path: filepath.Join(cache, name), Status: Resolved}
}

// identifier returns the decoded path component of a selection.
func identifier(sel platform.RawSelection) string {
	if sel.Path != "" {
		return norm.NFC.String(sel.Path)
	}
	if sel.URI == "" {
		return ""
	}
	if strings.Contains(sel.URI, "://") {
		u, err := url.Parse(sel.URI)
		if err != nil {
			return ""
		}
		return norm.NFC.String(u.Path)
	}
	decoded, err := url.PathUnescape(sel.URI)
	if err != nil {
		return ""
	}
	return norm.NFC.String(decoded)
}
