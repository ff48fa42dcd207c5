// Package platform declares the contracts the host operating system fulfils
// for the storage access core: the device environment, the coarse storage
// permission dialog, the document/tree picker, the persistable URI permission
// primitive, and the media broker.
//
// The core never talks to the host directly; hosts provide an implementation
// of Device (see package hostdevice for a directory-backed one).
package platform

import (
	"context"
	"errors"
	"strings"
)

// ErrCancelled is returned by a Picker when the user dismissed it without
// selecting anything.
var ErrCancelled = errors.New("picker cancelled")

// Public directory names, as reported by the host for its shared collections.
const (
	DirDownloads = "Download"
	DirDocuments = "Documents"
)

// ResourceKind distinguishes file picks from folder picks.
type ResourceKind string

const (
	KindFile   ResourceKind = "file"
	KindFolder ResourceKind = "folder"
)

// ParseKind parses the wire form of a resource kind.
func ParseKind(s string) (ResourceKind, bool) {
	switch ResourceKind(s) {
	case KindFile:
		return KindFile, true
	case KindFolder:
		return KindFolder, true
	}
	return "", false
}

// Direction is a set of access directions carried by a grant.
type Direction uint8

const (
	Read Direction = 1 << iota
	Write
)

// Has reports whether d includes all of other.
func (d Direction) Has(other Direction) bool { return d&other == other }

// String implements fmt.Stringer.
func (d Direction) String() string {
	var parts []string
	if d.Has(Read) {
		parts = append(parts, "read")
	}
	if d.Has(Write) {
		parts = append(parts, "write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// DirectionFor returns the persistable direction implied by a resource kind.
// Files are read back later; folders are picked so a backup can be written
// into them.
func DirectionFor(kind ResourceKind) Direction {
	if kind == KindFolder {
		return Write
	}
	return Read
}

// ResourceRequest is a single user-initiated pick.
type ResourceRequest struct {
	Kind          ResourceKind
	SuggestedName string
}

// RawSelection is the opaque identifier a picker returned, with the access
// flags that were granted alongside it.
type RawSelection struct {
	// URI is the full identifier, e.g.
	// content://com.android.externalstorage.documents/tree/primary%3ADownload.
	URI string
	// Path is the decoded path component of URI, or a raw filesystem path
	// on hosts that hand out plain paths. Either may be empty.
	Path    string
	Granted Direction
}

// Empty reports whether the selection carries no identifier at all.
func (s RawSelection) Empty() bool {
	return s.URI == "" && s.Path == ""
}

// PickIntent describes the picker the host should show.
type PickIntent struct {
	// Token correlates an asynchronous picker result with its request.
	Token string
	Kind  ResourceKind
	// MIMEType filters selectable documents; files only.
	MIMEType string
	// Openable restricts file picks to documents that can be opened as a stream.
	Openable      bool
	AllowMultiple bool
	// LocalOnly restricts folder picks to on-device storage.
	LocalOnly bool
	// InitialLocation is a hint for where a folder picker opens, or empty.
	InitialLocation string
	// Flags are the URI permissions requested with the pick.
	Flags Direction
}

// StorageState is the mount state of the shared external volume.
type StorageState string

const (
	StateMounted         StorageState = "mounted"
	StateMountedReadOnly StorageState = "mounted_ro"
	StateUnmounted       StorageState = "unmounted"
)

// Readable reports whether the volume can be read.
func (s StorageState) Readable() bool {
	return s == StateMounted || s == StateMountedReadOnly
}

// Writable reports whether the volume can be written.
func (s StorageState) Writable() bool {
	return s == StateMounted
}

// PermissionState is the state of the coarse storage permission.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

// Environment exposes the device facts the core depends on.
type Environment interface {
	// SDKVersion is the platform API level.
	SDKVersion() int
	// ExternalStorageState reports whether the shared volume is mounted.
	ExternalStorageState() StorageState
	// PublicDirectory returns the absolute path of a public collection
	// such as DirDownloads.
	PublicDirectory(name string) string
	// CacheDir is the app-private cache directory.
	CacheDir() string
	// FilesDir is the app-private files directory.
	FilesDir() string
}

// PermissionRequester checks and requests the coarse storage permission.
type PermissionRequester interface {
	StoragePermission() PermissionState
	// RequestStoragePermission shows the host dialog and blocks until the
	// user answers or ctx is done.
	RequestStoragePermission(ctx context.Context) (PermissionState, error)
}

// Picker shows the host document/tree picker and blocks until a result is
// delivered. A dismissed picker returns ErrCancelled.
type Picker interface {
	Pick(ctx context.Context, intent PickIntent) (RawSelection, error)
}

// URIPermissions is the host's persistable URI permission primitive.
type URIPermissions interface {
	TakePersistable(uri string, dir Direction) error
	ReleasePersistable(uri string, dir Direction) error
}

// MediaBroker writes into shared public collections without direct
// filesystem permission.
type MediaBroker interface {
	// SaveToDownloads inserts or updates a downloads entry named displayName
	// with the content at path, returning the final accessible path.
	SaveToDownloads(ctx context.Context, displayName, path string) (string, error)
}

// Device is everything a host provides.
type Device interface {
	Environment
	PermissionRequester
	Picker
	URIPermissions
	MediaBroker
}
