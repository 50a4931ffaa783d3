// Package permissions tracks declared versus granted capabilities per
// extension and persists consent decisions.
package permissions

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
	"github.com/gridlet-dev/gridlet-host/domain/ports"
	"github.com/gridlet-dev/gridlet-host/logging"
)

// DefaultStoreKey is the namespaced key the grant table is persisted under.
const DefaultStoreKey = "gridlet.permissions.grants"

type managerConfig struct {
	storeKey string
	logger   *logging.Logger
}

func defaultManagerConfig() managerConfig {
	return managerConfig{
		storeKey: DefaultStoreKey,
		logger:   logging.NewNop(),
	}
}

// Option configures a Manager.
type Option func(*managerConfig)

// WithStoreKey overrides the persistence key.
func WithStoreKey(key string) Option {
	return func(c *managerConfig) {
		c.storeKey = key
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *managerConfig) {
		c.logger = l
	}
}

// Manager mediates permission grants. All mutations are read-modify-write
// sequences over the persisted table, serialized by the manager's mutex.
type Manager struct {
	mu       sync.Mutex
	store    ports.PermissionStore
	prompter ports.Prompter
	config   managerConfig

	// table caches the decoded store contents; nil until first access.
	table *entities.GrantTable
}

// NewManager creates a Manager over the given persistence backend and prompt
// collaborator.
func NewManager(store ports.PermissionStore, prompter ports.Prompter, opts ...Option) *Manager {
	cfg := defaultManagerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{store: store, prompter: prompter, config: cfg}
}

// EnsurePermissions computes the subset of required permissions not already
// granted and, if non-empty, prompts once for the whole subset. An
// affirmative answer persists a structured grant per permission, shaped by
// the extension's declared form. A denial leaves the table untouched and
// returns ErrPermissionDenied; denials are sticky for capability calls, which
// never re-prompt.
func (m *Manager) EnsurePermissions(ctx context.Context, meta entities.ExtensionMeta, required []entities.PermissionDecl) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.loadLocked()
	if err != nil {
		return err
	}

	rec := table.Extensions[meta.ID]
	var missing []entities.PermissionDecl
	for _, decl := range required {
		if g, ok := rec[decl.Name]; !ok || !g.Allowed {
			missing = append(missing, decl)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	names := make([]string, len(missing))
	for i, decl := range missing {
		names[i] = decl.Name
	}

	granted, err := m.prompter.PromptPermissions(ctx, meta, names)
	if err != nil {
		return fmt.Errorf("permission prompt: %w", err)
	}
	if !granted {
		m.config.logger.Info("permissions denied",
			zap.String("extension", meta.ID),
			zap.Strings("permissions", names))
		return entities.ErrPermissionDenied.WithDetail(map[string]any{"permissions": names})
	}

	rec = table.Record(meta.ID)
	for _, decl := range missing {
		rec[decl.Name] = entities.GrantFromDecl(decl)
	}
	m.config.logger.Info("permissions granted",
		zap.String("extension", meta.ID),
		zap.Strings("permissions", names))
	return m.saveLocked()
}

// Granted reports whether one permission is granted for the extension.
func (m *Manager) Granted(extensionID, permission string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.loadLocked()
	if err != nil {
		return false, err
	}
	g, ok := table.Extensions[extensionID][permission]
	return ok && g.Allowed, nil
}

// GetGrantedPermissions returns a copy of the extension's grant record.
func (m *Manager) GetGrantedPermissions(extensionID string) (entities.GrantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.loadLocked()
	if err != nil {
		return nil, err
	}
	rec := table.Extensions[extensionID]
	if rec == nil {
		return entities.GrantRecord{}, nil
	}
	return rec.Clone(), nil
}

// RevokePermissions removes grants for the extension. With no subset the
// whole record goes; with a subset only the named permissions are removed,
// leaving the rest and every other extension's record untouched.
func (m *Manager) RevokePermissions(extensionID string, subset ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.loadLocked()
	if err != nil {
		return err
	}

	if len(subset) == 0 {
		delete(table.Extensions, extensionID)
		return m.saveLocked()
	}
	rec, ok := table.Extensions[extensionID]
	if !ok {
		return nil
	}
	for _, name := range subset {
		delete(rec, name)
	}
	if len(rec) == 0 {
		delete(table.Extensions, extensionID)
	}
	return m.saveLocked()
}

// ResetPermissions clears the extension's entire grant record.
func (m *Manager) ResetPermissions(extensionID string) error {
	return m.RevokePermissions(extensionID)
}

// ResetAllPermissions clears every extension's grants.
func (m *Manager) ResetAllPermissions() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.loadLocked(); err != nil {
		return err
	}
	m.table = entities.NewGrantTable()
	return m.saveLocked()
}

func (m *Manager) loadLocked() (*entities.GrantTable, error) {
	if m.table != nil {
		return m.table, nil
	}
	raw, ok, err := m.store.Get(m.config.storeKey)
	if err != nil {
		return nil, fmt.Errorf("read grant store: %w", err)
	}
	if !ok {
		m.table = entities.NewGrantTable()
		return m.table, nil
	}
	table, err := decodeTable(raw)
	if err != nil {
		return nil, err
	}
	m.table = table
	return m.table, nil
}

func (m *Manager) saveLocked() error {
	encoded, err := encodeTable(m.table)
	if err != nil {
		return err
	}
	if err := m.store.Set(m.config.storeKey, encoded); err != nil {
		return fmt.Errorf("write grant store: %w", err)
	}
	return nil
}
