package host

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
)

// Permission names gating the built-in capability namespaces.
const (
	PermSheetRead  = "sheet.read"
	PermSheetWrite = "sheet.write"
	PermStorage    = "storage"
	PermPanels     = "ui.panels"
)

// apiHandler executes one capability method on behalf of an extension.
type apiHandler func(ctx context.Context, extensionID string, params map[string]any) (map[string]any, error)

type apiEntry struct {
	handler    apiHandler
	permission string
}

// apiTable is the static dispatch table mapping (namespace, method) to a
// handler plus its required permission. Entries are registered at host
// construction; no runtime reflection.
type apiTable struct {
	entries map[string]apiEntry
}

func newAPITable() *apiTable {
	return &apiTable{entries: make(map[string]apiEntry)}
}

func (t *apiTable) register(namespace, method, permission string, handler apiHandler) {
	t.entries[namespace+"."+method] = apiEntry{handler: handler, permission: permission}
}

func (t *apiTable) lookup(namespace, method string) (apiEntry, bool) {
	e, ok := t.entries[namespace+"."+method]
	return e, ok
}

// registerCapabilities populates the dispatch table from the configured
// collaborators.
func (h *Host) registerCapabilities() {
	if s := h.config.sheet; s != nil {
		h.api.register("sheet", "readRange", PermSheetRead, func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
			ref, err := stringParam(params, "range")
			if err != nil {
				return nil, err
			}
			values, err := s.ReadRange(ctx, ref)
			if err != nil {
				return nil, err
			}
			return map[string]any{"values": values}, nil
		})
		h.api.register("sheet", "writeRange", PermSheetWrite, func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
			ref, err := stringParam(params, "range")
			if err != nil {
				return nil, err
			}
			values, err := matrixParam(params, "values")
			if err != nil {
				return nil, err
			}
			return nil, s.WriteRange(ctx, ref, values)
		})
		h.api.register("sheet", "getSelection", PermSheetRead, func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
			ref, err := s.GetSelection(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"range": ref}, nil
		})
		h.api.register("sheet", "setSelection", PermSheetWrite, func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
			ref, err := stringParam(params, "range")
			if err != nil {
				return nil, err
			}
			return nil, s.SetSelection(ctx, ref)
		})
	}

	if st := h.config.storage; st != nil {
		h.api.register("storage", "get", PermStorage, func(_ context.Context, extensionID string, params map[string]any) (map[string]any, error) {
			key, err := stringParam(params, "key")
			if err != nil {
				return nil, err
			}
			value, ok := st.Get(extensionID, key)
			return map[string]any{"value": value, "exists": ok}, nil
		})
		h.api.register("storage", "set", PermStorage, func(_ context.Context, extensionID string, params map[string]any) (map[string]any, error) {
			key, err := stringParam(params, "key")
			if err != nil {
				return nil, err
			}
			st.Set(extensionID, key, params["value"])
			return nil, nil
		})
		h.api.register("storage", "delete", PermStorage, func(_ context.Context, extensionID string, params map[string]any) (map[string]any, error) {
			key, err := stringParam(params, "key")
			if err != nil {
				return nil, err
			}
			st.Delete(extensionID, key)
			return nil, nil
		})
	}

	h.api.register("ui", "createPanel", PermPanels, func(_ context.Context, extensionID string, params map[string]any) (map[string]any, error) {
		panelID, err := stringParam(params, "panelId")
		if err != nil {
			return nil, err
		}
		h.panels.Register(extensionID, panelID)
		return map[string]any{"panelId": panelID}, nil
	})
	h.api.register("ui", "disposePanel", PermPanels, func(_ context.Context, extensionID string, params map[string]any) (map[string]any, error) {
		panelID, err := stringParam(params, "panelId")
		if err != nil {
			return nil, err
		}
		if h.panels.Remove(extensionID, panelID) && h.config.ui != nil {
			h.config.ui.PanelDisposed(extensionID, panelID)
		}
		return nil, nil
	})
}

// handleSandboxRequest serves a host-bound message from an extension's
// sandbox: permission check first, then dispatch. Capability errors propagate
// to the extension; they are never retried by the host.
func (h *Host) handleSandboxRequest(rec *extensionRecord, msg entities.Message, respond func(entities.Message)) {
	if msg.Kind != entities.KindAPICall {
		h.config.logger.Debug("ignoring unexpected sandbox message",
			zap.String("extension", rec.id), zap.String("kind", string(msg.Kind)))
		return
	}

	entry, ok := h.api.lookup(msg.Name, msg.Method)
	if !ok {
		respond(msg.Failure(entities.NewHostError(entities.CodeUnknownAPI,
			"no capability %s.%s", msg.Name, msg.Method)))
		return
	}

	granted, err := h.perms.Granted(rec.id, entry.permission)
	if err != nil {
		respond(msg.Failure(toHostError(err)))
		return
	}
	if !granted {
		// Denials are sticky for capability calls: no prompt here. The
		// extension must go through EnsurePermissions to re-request.
		respond(msg.Failure(entities.ErrPermissionDenied.WithDetail(map[string]any{
			"permission": entry.permission,
		})))
		return
	}

	result, err := entry.handler(context.Background(), rec.id, msg.Payload)
	if err != nil {
		respond(msg.Failure(toHostError(err)))
		return
	}
	respond(msg.Result(result))
}

// toHostError preserves structured host errors and wraps collaborator errors
// without losing their message.
func toHostError(err error) *entities.HostError {
	var he *entities.HostError
	if errors.As(err, &he) {
		return he
	}
	return entities.NewHostError(entities.CodeCapabilityFailure, "%v", err)
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return s, nil
}

func matrixParam(params map[string]any, key string) ([][]any, error) {
	switch v := params[key].(type) {
	case [][]any:
		return v, nil
	case []any:
		out := make([][]any, 0, len(v))
		for _, row := range v {
			r, ok := row.([]any)
			if !ok {
				return nil, fmt.Errorf("parameter %q must be a matrix of values", key)
			}
			out = append(out, r)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q must be a matrix of values", key)
	}
}
