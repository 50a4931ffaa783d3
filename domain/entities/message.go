package entities

// MessageKind identifies a protocol message category. The protocol is a
// correlated request/response exchange: every request-shaped message carries
// a unique id, and the matching result/error message echoes it back.
type MessageKind string

const (
	// KindInit is the fire-and-forget setup message carrying the manifest and
	// assigned permission context into a fresh sandbox.
	KindInit MessageKind = "init"

	// Entry-point invocation.
	KindActivate       MessageKind = "activate"
	KindActivateResult MessageKind = "activate_result"
	KindActivateError  MessageKind = "activate_error"

	// KindEvent is a fire-and-forget broadcast; no response is expected.
	KindEvent MessageKind = "event"

	// Capability invocations. Host-bound api_call messages come from the
	// sandbox (extension code calling host capabilities); sandbox-bound ones
	// come from the host (command and custom-function dispatch).
	KindAPICall   MessageKind = "api_call"
	KindAPIResult MessageKind = "api_result"
	KindAPIError  MessageKind = "api_error"

	// Data-connector invocation.
	KindConnectorInvoke MessageKind = "invoke_data_connector"
	KindConnectorResult MessageKind = "data_connector_result"
	KindConnectorError  MessageKind = "data_connector_error"
)

// IsResponse reports whether the kind correlates to a pending request.
func (k MessageKind) IsResponse() bool {
	switch k {
	case KindActivateResult, KindActivateError, KindAPIResult, KindAPIError,
		KindConnectorResult, KindConnectorError:
		return true
	}
	return false
}

// IsErrorResponse reports whether the kind rejects its pending request.
func (k MessageKind) IsErrorResponse() bool {
	switch k {
	case KindActivateError, KindAPIError, KindConnectorError:
		return true
	}
	return false
}

// Message is the unit of exchange with a sandbox. The sandbox's execution
// model is opaque; only this contract matters.
type Message struct {
	Kind MessageKind `json:"kind"`

	// ID correlates requests with responses. Empty for fire-and-forget kinds.
	ID string `json:"id,omitempty"`

	// Name carries the event name for KindEvent, the capability namespace
	// ("sheet", "storage", ...) for host-bound api_call, the dispatch target
	// ("command", "customFunction") for sandbox-bound api_call, and the
	// connector id for KindConnectorInvoke.
	Name string `json:"name,omitempty"`

	// Method carries the capability method, command id, custom-function name,
	// or connector method, depending on Kind.
	Method string `json:"method,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`

	// Error is set on error responses.
	Error *HostError `json:"error,omitempty"`
}

// Result builds the success response for a request message.
func (m Message) Result(payload map[string]any) Message {
	return Message{Kind: resultKind(m.Kind), ID: m.ID, Payload: payload}
}

// Failure builds the error response for a request message.
func (m Message) Failure(err *HostError) Message {
	return Message{Kind: errorKind(m.Kind), ID: m.ID, Error: err}
}

func resultKind(k MessageKind) MessageKind {
	switch k {
	case KindActivate:
		return KindActivateResult
	case KindConnectorInvoke:
		return KindConnectorResult
	default:
		return KindAPIResult
	}
}

func errorKind(k MessageKind) MessageKind {
	switch k {
	case KindActivate:
		return KindActivateError
	case KindConnectorInvoke:
		return KindConnectorError
	default:
		return KindAPIError
	}
}
