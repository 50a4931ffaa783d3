package ports

import (
	"context"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
)

// Prompter requests user consent for permissions not already granted. The
// prompt is a boolean gate per invocation: an affirmative answer grants every
// named permission.
type Prompter interface {
	PromptPermissions(ctx context.Context, meta entities.ExtensionMeta, permissions []string) (bool, error)
}

// PermissionStore is the key-value persistence backend for grants. The
// manager serializes the full grant table under a single namespaced key.
type PermissionStore interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// Storage is the per-extension private key/value store.
type Storage interface {
	Get(extensionID, key string) (any, bool)
	Set(extensionID, key string, value any)
	Delete(extensionID, key string)
	Keys(extensionID string) []string
}

// StorageClearer is the optional bulk-clear operation. When a Storage also
// implements it, ResetExtensionState uses it instead of deleting keys one by
// one.
type StorageClearer interface {
	Clear(extensionID string)
}

// UI is notified of panel disposal so the shell can tear down rendered
// surfaces. Rendering itself is not the host's concern.
type UI interface {
	PanelDisposed(extensionID, panelID string)
}

// SheetAPI is the spreadsheet capability surface extensions call through the
// host. Implementations reject oversized range requests with their own
// size-limit error instead of materializing the value matrix; the host
// propagates that error untouched.
type SheetAPI interface {
	ReadRange(ctx context.Context, ref string) ([][]any, error)
	WriteRange(ctx context.Context, ref string, values [][]any) error
	GetSelection(ctx context.Context) (string, error)
	SetSelection(ctx context.Context, ref string) error
}
