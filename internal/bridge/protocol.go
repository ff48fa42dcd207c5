// Package bridge exposes the storage access core to the application's call
// layer as named methods taking and returning JSON objects.
package bridge

import (
	"time"

	"github.com/joeycumines/secure-fs-access/internal/grant"
	"github.com/joeycumines/secure-fs-access/internal/platform"
)

// Method names.
const (
	MethodShowPicker          = "showPicker"
	MethodFinishBackup        = "finishBackup"
	MethodSaveRecoveryKit     = "saveRecoveryKit"
	MethodRemoveProfileFolder = "removeProfileFolder"
	MethodRenameProfileFolder = "renameProfileFolder"
	MethodListProfileFolders  = "listProfileFolders"
	MethodEnsureProfileFolder = "ensureProfileFolder"
	MethodListGrants          = "listGrants"
	MethodReleaseGrant        = "releaseGrant"
	MethodDeliverPick         = "deliverPick"
	MethodCancelPick          = "cancelPick"
)

// EventLaunchPicker asks the host to show a picker.
const EventLaunchPicker = "launchPicker"

// Call is one request. Data holds the method's named arguments.
type Call struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Data   map[string]any `json:"data,omitempty"`
}

// Response answers the Call with the same ID. Exactly one of Data and Error
// is set on failure; a successful call may carry no data.
type Response struct {
	ID    string         `json:"id"`
	Data  map[string]any `json:"data,omitempty"`
	Error *ErrorBody     `json:"error,omitempty"`
}

// ErrorBody is the wire form of a failed call. Message is passed through
// from the underlying error and may be empty.
type ErrorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event is an unsolicited message from the core to the host.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// PickIntentBody is the wire form of platform.PickIntent.
type PickIntentBody struct {
	Token           string `json:"token"`
	Type            string `json:"type"`
	MIMEType        string `json:"mimeType,omitempty"`
	Openable        bool   `json:"openable,omitempty"`
	AllowMultiple   bool   `json:"allowMultiple"`
	LocalOnly       bool   `json:"localOnly,omitempty"`
	InitialLocation string `json:"initialLocation,omitempty"`
	Read            bool   `json:"read"`
	Write           bool   `json:"write"`
}

func intentBody(intent platform.PickIntent) PickIntentBody {
	return PickIntentBody{
		Token:           intent.Token,
		Type:            string(intent.Kind),
		MIMEType:        intent.MIMEType,
		Openable:        intent.Openable,
		AllowMultiple:   intent.AllowMultiple,
		LocalOnly:       intent.LocalOnly,
		InitialLocation: intent.InitialLocation,
		Read:            intent.Flags.Has(platform.Read),
		Write:           intent.Flags.Has(platform.Write),
	}
}

// GrantBody is the wire form of grant.Grant.
type GrantBody struct {
	TreeURI      string `json:"treeUri"`
	Direction    string `json:"direction"`
	Kind         string `json:"kind"`
	ResolvedPath string `json:"resolvedPath,omitempty"`
	GrantedAt    string `json:"grantedAt"`
}

func grantBody(g grant.Grant) GrantBody {
	return GrantBody{
		TreeURI:      g.TreeURI,
		Direction:    g.Direction.String(),
		Kind:         string(g.Kind),
		ResolvedPath: g.ResolvedPath,
		GrantedAt:    g.GrantedAt.UTC().Format(time.RFC3339),
	}
}
