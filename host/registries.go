package host

import (
	"sync"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
)

// ConnectorRegistry tracks data-connector id ownership. An id is owned by at
// most one loaded extension at a time; unloading releases the id back to the
// pool for reuse.
type ConnectorRegistry struct {
	mu     sync.Mutex
	owners map[string]string // connector id -> extension id
}

// NewConnectorRegistry creates an empty registry.
func NewConnectorRegistry() *ConnectorRegistry {
	return &ConnectorRegistry{owners: make(map[string]string)}
}

// Reserve claims every id for the extension, all-or-nothing. On conflict
// nothing is reserved and the error names the contested id.
func (r *ConnectorRegistry) Reserve(extensionID string, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if owner, taken := r.owners[id]; taken && owner != extensionID {
			return entities.ErrConnectorIDInUse.WithDetail(map[string]any{
				"connectorId": id,
				"ownedBy":     owner,
			})
		}
	}
	for _, id := range ids {
		r.owners[id] = extensionID
	}
	return nil
}

// Owner returns the extension owning a connector id.
func (r *ConnectorRegistry) Owner(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	return owner, ok
}

// Release returns the named ids to the pool if the extension owns them.
func (r *ConnectorRegistry) Release(extensionID string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if r.owners[id] == extensionID {
			delete(r.owners, id)
		}
	}
}

// ReleaseAll returns every id owned by the extension to the pool.
func (r *ConnectorRegistry) ReleaseAll(extensionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, owner := range r.owners {
		if owner == extensionID {
			delete(r.owners, id)
		}
	}
}

// panelRef identifies one tracked panel.
type panelRef struct {
	ExtensionID string
	PanelID     string
}

// PanelRegistry tracks panels for the sole purpose of guaranteed disposal
// notification when an extension or the host is torn down.
type PanelRegistry struct {
	mu     sync.Mutex
	panels map[panelRef]struct{}
}

// NewPanelRegistry creates an empty registry.
func NewPanelRegistry() *PanelRegistry {
	return &PanelRegistry{panels: make(map[panelRef]struct{})}
}

// Register starts tracking a panel.
func (r *PanelRegistry) Register(extensionID, panelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panels[panelRef{ExtensionID: extensionID, PanelID: panelID}] = struct{}{}
}

// Remove stops tracking one panel, reporting whether it was tracked.
func (r *PanelRegistry) Remove(extensionID, panelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := panelRef{ExtensionID: extensionID, PanelID: panelID}
	_, ok := r.panels[ref]
	delete(r.panels, ref)
	return ok
}

// RemoveAll stops tracking every panel of an extension and returns their ids.
func (r *PanelRegistry) RemoveAll(extensionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for ref := range r.panels {
		if ref.ExtensionID == extensionID {
			ids = append(ids, ref.PanelID)
			delete(r.panels, ref)
		}
	}
	return ids
}

// Drain removes and returns every tracked panel, including ones never
// explicitly removed. Used at host disposal.
func (r *PanelRegistry) Drain() []panelRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := make([]panelRef, 0, len(r.panels))
	for ref := range r.panels {
		refs = append(refs, ref)
		delete(r.panels, ref)
	}
	return refs
}
