package entities

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is a package-level singleton; constructing a validator per call is
// expensive and the instance is safe for concurrent use.
var validate = validator.New()

// Manifest is the root description an extension ships with.
type Manifest struct {
	Name             string            `json:"name" validate:"required"`
	Publisher        string            `json:"publisher" validate:"required"`
	Version          string            `json:"version" validate:"required"`
	Engines          map[string]string `json:"engines" validate:"required,min=1"`
	ActivationEvents []string          `json:"activationEvents,omitempty"`
	Permissions      []PermissionDecl  `json:"permissions,omitempty"`
	Contributes      Contributions     `json:"contributes"`
}

// Contributions enumerates the capabilities an extension registers with the
// host at load time.
type Contributions struct {
	Commands        []Command        `json:"commands,omitempty"`
	CustomFunctions []CustomFunction `json:"customFunctions,omitempty"`
	DataConnectors  []DataConnector  `json:"dataConnectors,omitempty"`
	Panels          []Panel          `json:"panels,omitempty"`
}

// Command is a named action invokable via the host.
type Command struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title,omitempty"`
}

// CustomFunction is a spreadsheet function implemented by the extension.
type CustomFunction struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
}

// DataConnector is an external-data integration point. Its id is reserved
// host-wide while the declaring extension is loaded.
type DataConnector struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name,omitempty"`
}

// Panel is a UI surface the extension contributes. The host tracks panels
// only to guarantee disposal notification.
type Panel struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title,omitempty"`
}

// PermissionDecl is a declared permission: either a bare name or a single-key
// object carrying scope data, e.g. {"network": {"hosts": ["api.example.com"]}}.
// The declared shape determines the structure of the persisted grant.
type PermissionDecl struct {
	Name  string
	Scope map[string]any
}

// UnmarshalJSON accepts both the bare-name and the single-key-object forms.
func (p *PermissionDecl) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		p.Name = name
		p.Scope = nil
		return nil
	}

	var obj map[string]map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("permission must be a string or a single-key object: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("scoped permission must have exactly one key, got %d", len(obj))
	}
	for name, scope := range obj {
		p.Name = name
		p.Scope = scope
	}
	return nil
}

// MarshalJSON renders the declared form back out.
func (p PermissionDecl) MarshalJSON() ([]byte, error) {
	if p.Scope == nil {
		return json.Marshal(p.Name)
	}
	return json.Marshal(map[string]map[string]any{p.Name: p.Scope})
}

// ExtensionMeta is the display metadata handed to consent prompts.
type ExtensionMeta struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Publisher string `json:"publisher"`
	Version   string `json:"version"`
}

// Meta derives display metadata from the manifest.
func (m Manifest) Meta(extensionID string) ExtensionMeta {
	return ExtensionMeta{
		ID:        extensionID,
		Name:      m.Name,
		Publisher: m.Publisher,
		Version:   m.Version,
	}
}

// PermissionNames returns the declared permission names in declaration order.
func (m Manifest) PermissionNames() []string {
	names := make([]string, 0, len(m.Permissions))
	for _, p := range m.Permissions {
		names = append(names, p.Name)
	}
	return names
}

// DeclaredPermission returns the declaration for a permission name, if any.
func (m Manifest) DeclaredPermission(name string) (PermissionDecl, bool) {
	for _, p := range m.Permissions {
		if p.Name == name {
			return p, true
		}
	}
	return PermissionDecl{}, false
}

// DeclaresConnector reports whether the manifest contributes the connector id.
func (m Manifest) DeclaresConnector(id string) bool {
	for _, c := range m.Contributes.DataConnectors {
		if c.ID == id {
			return true
		}
	}
	return false
}

// DeclaresActivationEvent reports whether the manifest lists the event.
func (m Manifest) DeclaresActivationEvent(event string) bool {
	for _, e := range m.ActivationEvents {
		if e == event {
			return true
		}
	}
	return false
}

// ValidateManifest checks the manifest structurally. Engine-range
// compatibility is the orchestrator's concern, not validation's.
func ValidateManifest(m *Manifest) error {
	if err := validate.Struct(m); err != nil {
		return NewHostError(CodeInvalidManifest, "%v", err)
	}
	for _, p := range m.Permissions {
		if p.Name == "" {
			return NewHostError(CodeInvalidManifest, "permission declaration with empty name")
		}
	}
	return nil
}
