// Package errors provides the structured error type shared by the storage
// access core and the request bridge.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an error that carries no domain code.
	CodeUnknown Code = "UNKNOWN"

	// Request errors
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeRequestNotFound   Code = "REQUEST_NOT_FOUND"
	CodeUnsupportedScheme Code = "UNSUPPORTED_SCHEME"

	// Profile folder errors
	CodeFolderNotFound Code = "FOLDER_NOT_FOUND"
	CodeCreateFailed   Code = "CREATE_FAILED"
	CodeDeleteFailed   Code = "DELETE_FAILED"
	CodeRenameFailed   Code = "RENAME_FAILED"
	CodeListFailed     Code = "LIST_FAILED"
	CodeUnknownCause   Code = "UNKNOWN_CAUSE"

	// Transfer errors
	CodeCopyFailed      Code = "COPY_FAILED"
	CodeMediaBroker     Code = "MEDIA_BROKER"
	CodeDestinationBusy Code = "DESTINATION_BUSY"

	// Grant errors
	CodeGrantFailed Code = "GRANT_FAILED"
)
