// Package schema generates and enforces JSON schemas for manifest
// contribution payloads. Schemas are reflected from the Go contribution
// types, so the manifest surface and its validation cannot drift apart.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
)

type registryConfig struct {
	strictMode bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

// WithStrictMode toggles failure on duplicate registrations. Default true.
func WithStrictMode(enabled bool) RegistryOption {
	return func(c *registryConfig) {
		c.strictMode = enabled
	}
}

// Registry maps contribution kinds to JSON schemas reflected from Go models.
type Registry struct {
	config   registryConfig
	mu       sync.Mutex
	schemas  map[string]string
	compiled map[string]*jsonschemav5.Schema
}

// NewRegistry creates a Registry with the given options.
func NewRegistry(opts ...RegistryOption) *Registry {
	cfg := registryConfig{strictMode: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{
		config:   cfg,
		schemas:  make(map[string]string),
		compiled: make(map[string]*jsonschemav5.Schema),
	}
}

// NewContributionRegistry returns a Registry pre-loaded with the manifest's
// contribution kinds.
func NewContributionRegistry() (*Registry, error) {
	r := NewRegistry()
	models := map[string]any{
		"commands":        entities.Command{},
		"customFunctions": entities.CustomFunction{},
		"dataConnectors":  entities.DataConnector{},
		"panels":          entities.Panel{},
	}
	for kind, model := range models {
		if err := r.Register(kind, model); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register reflects a schema from the model and compiles it for validation.
func (r *Registry) Register(kind string, model any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config.strictMode {
		if _, exists := r.schemas[kind]; exists {
			return fmt.Errorf("contribution kind %q already registered", kind)
		}
	}

	s := jsonschema.Reflect(model)
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", kind, err)
	}

	compiler := jsonschemav5.NewCompiler()
	if err := compiler.AddResource(kind, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", kind, err)
	}
	compiled, err := compiler.Compile(kind)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", kind, err)
	}

	r.schemas[kind] = string(data)
	r.compiled[kind] = compiled
	return nil
}

// GetSchema returns the JSON schema for a contribution kind.
func (r *Registry) GetSchema(kind string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemas[kind]
	return s, ok
}

// List returns the registered kinds.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		kinds = append(kinds, k)
	}
	return kinds
}

// ValidatePayload checks one contribution entry against its kind's schema.
func (r *Registry) ValidatePayload(kind string, payload any) error {
	r.mu.Lock()
	compiled, ok := r.compiled[kind]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no schema registered for contribution kind %q", kind)
	}

	// Round-trip through JSON so struct payloads validate the same way raw
	// manifest JSON would.
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("prepare %s payload: %w", kind, err)
	}
	var obj any
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("prepare %s payload: %w", kind, err)
	}
	if err := compiled.Validate(obj); err != nil {
		return fmt.Errorf("%s contribution invalid: %w", kind, err)
	}
	return nil
}

// ValidateContributions checks every contribution entry in the manifest.
func (r *Registry) ValidateContributions(m *entities.Manifest) error {
	for _, c := range m.Contributes.Commands {
		if err := r.ValidatePayload("commands", c); err != nil {
			return err
		}
	}
	for _, f := range m.Contributes.CustomFunctions {
		if err := r.ValidatePayload("customFunctions", f); err != nil {
			return err
		}
	}
	for _, d := range m.Contributes.DataConnectors {
		if err := r.ValidatePayload("dataConnectors", d); err != nil {
			return err
		}
	}
	for _, p := range m.Contributes.Panels {
		if err := r.ValidatePayload("panels", p); err != nil {
			return err
		}
	}
	return nil
}
