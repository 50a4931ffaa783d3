package entities

import "fmt"

// ErrorCode categorizes host errors for machine consumption.
type ErrorCode string

const (
	// CodeIncompatibleEngine means the manifest's declared engine range does
	// not admit the running host version. Fatal to load.
	CodeIncompatibleEngine ErrorCode = "incompatible_engine"

	// CodeConnectorIDInUse means a declared data-connector id is already
	// owned by another loaded extension. Fatal to load.
	CodeConnectorIDInUse ErrorCode = "connector_id_in_use"

	// CodePermissionDenied means a capability call was rejected because the
	// required permission has not been granted. Recoverable: the caller may
	// re-request via EnsurePermissions.
	CodePermissionDenied ErrorCode = "permission_denied"

	// CodeNotActivatedForEvent means a call required an inactive extension
	// that does not declare the matching activation event. Rejected without
	// side effects.
	CodeNotActivatedForEvent ErrorCode = "not_activated_for_event"

	// CodeCallTimeout means this specific call exceeded its category budget.
	CodeCallTimeout ErrorCode = "call_timeout"

	// CodeWorkerTerminated means the call was collateral damage of a sandbox
	// termination triggered by something else (another call's timeout, an
	// unload, or host disposal). Distinct from CodeCallTimeout so callers can
	// tell "my work is slow" from "my sandbox died for an unrelated reason".
	CodeWorkerTerminated ErrorCode = "worker_terminated"

	// CodeConnectorNotDeclared means an invocation named a connector id no
	// loaded extension declares.
	CodeConnectorNotDeclared ErrorCode = "connector_not_declared"

	// CodeExtensionFailure means the extension's own code reported an error
	// in response to a correlated call.
	CodeExtensionFailure ErrorCode = "extension_failure"

	// CodeUnknownExtension means the referenced extension id is not loaded.
	CodeUnknownExtension ErrorCode = "unknown_extension"

	// CodeInvalidManifest means the manifest failed structural validation.
	CodeInvalidManifest ErrorCode = "invalid_manifest"

	// CodeUnknownAPI means a sandbox invoked a capability the host's dispatch
	// table does not register.
	CodeUnknownAPI ErrorCode = "unknown_api"

	// CodeCapabilityFailure wraps an error a capability collaborator
	// reported, e.g. the spreadsheet API's range-size guard. The collaborator
	// message is propagated, never swallowed.
	CodeCapabilityFailure ErrorCode = "capability_failure"
)

// HostError is the structured error type used across the host. Two HostErrors
// compare equal under errors.Is when their codes match, so sentinel values
// below work with wrapped instances carrying extra detail.
type HostError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Error implements the error interface.
func (e *HostError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports code equality, making errors.Is(err, ErrCallTimeout) hold for
// any HostError carrying that code.
func (e *HostError) Is(target error) bool {
	t, ok := target.(*HostError)
	return ok && t.Code == e.Code
}

// WithDetail returns a copy of the error with the given detail attached.
func (e *HostError) WithDetail(detail map[string]any) *HostError {
	clone := *e
	clone.Detail = detail
	return &clone
}

// NewHostError builds a HostError with a formatted message.
func NewHostError(code ErrorCode, format string, args ...any) *HostError {
	return &HostError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors for errors.Is checks.
var (
	ErrIncompatibleEngine   = &HostError{Code: CodeIncompatibleEngine, Message: "extension is not compatible with this engine version"}
	ErrConnectorIDInUse     = &HostError{Code: CodeConnectorIDInUse, Message: "data connector id is already owned by a loaded extension"}
	ErrPermissionDenied     = &HostError{Code: CodePermissionDenied, Message: "permission has not been granted"}
	ErrNotActivatedForEvent = &HostError{Code: CodeNotActivatedForEvent, Message: "extension is not active and does not declare the required activation event"}
	ErrCallTimeout          = &HostError{Code: CodeCallTimeout, Message: "call exceeded its timeout budget"}
	ErrWorkerTerminated     = &HostError{Code: CodeWorkerTerminated, Message: "sandbox was terminated while the call was pending"}
	ErrConnectorNotDeclared = &HostError{Code: CodeConnectorNotDeclared, Message: "no loaded extension declares this data connector"}
	ErrUnknownExtension     = &HostError{Code: CodeUnknownExtension, Message: "extension is not loaded"}
	ErrInvalidManifest      = &HostError{Code: CodeInvalidManifest, Message: "manifest failed validation"}
)
