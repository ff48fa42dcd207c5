// Package policy maps a platform SDK version to the storage addressing scheme
// in effect. Every other component asks this package instead of comparing
// version numbers itself.
package policy

import "fmt"

// Scheme is the addressing scheme used to reach a user-selected location.
type Scheme int

const (
	// LegacyDirect addresses picked locations by raw absolute path.
	LegacyDirect Scheme = iota
	// ScopedTree addresses picked locations by persisted document-tree URIs.
	ScopedTree
	// MediaStoreRedirect writes into the private cache and relocates the
	// result into public storage through the media broker.
	MediaStoreRedirect
)

const (
	// ScopedStorageVersion is the first SDK version with scoped storage.
	// Transfers at or above it go through the media broker.
	ScopedStorageVersion = 29

	// RedirectVersion is the single intermediate release that only allows
	// direct writes into the private cache.
	RedirectVersion = 29

	// InitialURIVersion is the first SDK version whose folder picker accepts
	// an initial location hint.
	InitialURIVersion = 26
)

// String implements fmt.Stringer.
func (s Scheme) String() string {
	switch s {
	case LegacyDirect:
		return "legacy-direct"
	case ScopedTree:
		return "scoped-tree"
	case MediaStoreRedirect:
		return "media-store-redirect"
	default:
		return fmt.Sprintf("Scheme(%d)", int(s))
	}
}

// SchemeFor returns the addressing scheme for an SDK version.
func SchemeFor(version int) Scheme {
	switch {
	case version == RedirectVersion:
		return MediaStoreRedirect
	case version < ScopedStorageVersion:
		return LegacyDirect
	default:
		return ScopedTree
	}
}

// RequiresStoragePermission reports whether picks under s need the coarse
// storage permission first.
func RequiresStoragePermission(s Scheme) bool {
	return s != MediaStoreRedirect
}

// ShowsPicker reports whether the host picker is invoked under s.
func ShowsPicker(s Scheme) bool {
	return s != MediaStoreRedirect
}

// TakesPersistableGrant reports whether a pick under s surfaces a
// document/tree identifier that must be granted persistently.
func TakesPersistableGrant(s Scheme) bool {
	return s != MediaStoreRedirect
}

// UsesMediaBroker reports whether transfers for version go through the media
// broker rather than a direct byte-stream copy.
func UsesMediaBroker(version int) bool {
	return version >= ScopedStorageVersion
}

// SupportsInitialLocation reports whether folder pickers for version accept an
// initial location hint.
func SupportsInitialLocation(version int) bool {
	return version >= InitialURIVersion
}
