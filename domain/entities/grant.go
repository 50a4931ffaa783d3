package entities

import (
	"encoding/json"
	"fmt"
)

// GrantTableVersion is the current persisted grant-table format.
const GrantTableVersion = 2

// Grant is a persisted decision that one permission has been allowed for one
// extension. Simple permissions carry no scope; scoped permissions carry the
// scope object derived from the extension's declared form.
type Grant struct {
	Allowed bool
	Scope   map[string]any
}

// MarshalJSON renders a simple grant as the boolean true and a scoped grant
// as its scope object, matching the on-disk v2 format.
func (g Grant) MarshalJSON() ([]byte, error) {
	if g.Scope == nil {
		return json.Marshal(g.Allowed)
	}
	return json.Marshal(g.Scope)
}

// UnmarshalJSON accepts both persisted forms.
func (g *Grant) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		g.Allowed = b
		g.Scope = nil
		return nil
	}
	var scope map[string]any
	if err := json.Unmarshal(data, &scope); err != nil {
		return fmt.Errorf("grant must be a boolean or a scope object: %w", err)
	}
	g.Allowed = true
	g.Scope = scope
	return nil
}

// GrantFromDecl builds the grant a declared permission produces once allowed.
// Only the declared shape matters: bare names become boolean grants, scoped
// declarations carry their scope object.
func GrantFromDecl(decl PermissionDecl) Grant {
	if decl.Scope == nil {
		return Grant{Allowed: true}
	}
	scope := make(map[string]any, len(decl.Scope))
	for k, v := range decl.Scope {
		scope[k] = v
	}
	return Grant{Allowed: true, Scope: scope}
}

// GrantRecord maps permission name to grant for a single extension.
type GrantRecord map[string]Grant

// Clone returns a copy safe to hand to callers.
func (r GrantRecord) Clone() GrantRecord {
	if r == nil {
		return nil
	}
	out := make(GrantRecord, len(r))
	for name, g := range r {
		out[name] = g
	}
	return out
}

// GrantTable is the full persisted grant state, keyed by extension id.
type GrantTable struct {
	Version    int                    `json:"version"`
	Extensions map[string]GrantRecord `json:"extensions"`
}

// NewGrantTable returns an empty table at the current version.
func NewGrantTable() *GrantTable {
	return &GrantTable{Version: GrantTableVersion, Extensions: make(map[string]GrantRecord)}
}

// Record returns the grant record for an extension, creating it on demand.
func (t *GrantTable) Record(extensionID string) GrantRecord {
	rec, ok := t.Extensions[extensionID]
	if !ok {
		rec = make(GrantRecord)
		t.Extensions[extensionID] = rec
	}
	return rec
}
