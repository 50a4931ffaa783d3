package host

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
	"github.com/gridlet-dev/gridlet-host/domain/ports"
	"github.com/gridlet-dev/gridlet-host/permissions"
	"github.com/gridlet-dev/gridlet-host/semver"
)

// extensionRecord is the host's bookkeeping for one loaded extension. The
// record survives sandbox replacement; only the channel handle changes.
type extensionRecord struct {
	id       string
	manifest entities.Manifest
	source   []byte
	seq      uint64 // load order, for rebuilding last-wins lookups on unload

	mu      sync.Mutex
	channel *channel

	// activatedOn is the channel whose sandbox completed activation; a
	// replacement channel starts out unactivated. everActivated stays set
	// across terminations, so a respawn re-runs activation transparently
	// instead of demanding a gating event again.
	activatedOn   *channel
	everActivated bool

	// activationMu serializes the activate round-trip so a sandbox never
	// receives more than one activate message per activation.
	activationMu sync.Mutex
}

// isActive reports whether the current sandbox has completed activation.
func (r *extensionRecord) isActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activatedOn != nil && r.activatedOn == r.channel && r.activatedOn.alive()
}

func (r *extensionRecord) wasActivated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.everActivated
}

func (r *extensionRecord) markActivated(ch *channel) {
	r.mu.Lock()
	r.activatedOn = ch
	r.everActivated = true
	r.mu.Unlock()
}

func (r *extensionRecord) currentChannel() *channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}

// Host orchestrates extension sandboxes: loading and validation, activation,
// entry-point dispatch with per-category deadlines, capability calls, and
// transparent respawn after a sandbox dies.
type Host struct {
	config *hostConfig
	perms  *permissions.Manager
	api    *apiTable

	connectors *ConnectorRegistry
	panels     *PanelRegistry

	mu        sync.Mutex
	exts      map[string]*extensionRecord
	commands  map[string]string // command id -> extension id, last load wins
	functions map[string]string // function name -> extension id, last load wins
	loadSeq   uint64
	disposed  bool

	respawn singleflight.Group
}

// New builds a Host running extensions on the given engine.
func New(engine ports.Engine, opts ...Option) (*Host, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine must not be nil")
	}
	cfg := defaultHostConfig()
	cfg.engine = engine
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.store == nil {
		return nil, fmt.Errorf("a permission store is required, use WithPermissionStore")
	}
	if cfg.prompter == nil {
		return nil, fmt.Errorf("a prompter is required, use WithPrompter")
	}
	if _, err := semver.Parse(cfg.engineVersion); err != nil {
		return nil, fmt.Errorf("invalid engine version %q: %w", cfg.engineVersion, err)
	}

	h := &Host{
		config:     cfg,
		perms:      permissions.NewManager(cfg.store, cfg.prompter, permissions.WithLogger(cfg.logger)),
		api:        newAPITable(),
		connectors: NewConnectorRegistry(),
		panels:     NewPanelRegistry(),
		exts:       make(map[string]*extensionRecord),
		commands:   make(map[string]string),
		functions:  make(map[string]string),
	}
	h.registerCapabilities()
	return h, nil
}

// Permissions exposes the consent manager, e.g. for a settings surface that
// lists and revokes grants.
func (h *Host) Permissions() *permissions.Manager {
	return h.perms
}

// EnsurePermissions requests consent for the named permissions on behalf of a
// loaded extension, prompting only for the ones not already granted. The
// grant's structure follows the manifest's declared shape for each name. With
// no names, every declared permission is requested.
func (h *Host) EnsurePermissions(ctx context.Context, extensionID string, names ...string) error {
	rec, err := h.lookup(extensionID)
	if err != nil {
		return err
	}
	var decls []entities.PermissionDecl
	if len(names) == 0 {
		decls = rec.manifest.Permissions
	} else {
		decls = make([]entities.PermissionDecl, 0, len(names))
		for _, name := range names {
			decl, ok := rec.manifest.DeclaredPermission(name)
			if !ok {
				decl = entities.PermissionDecl{Name: name}
			}
			decls = append(decls, decl)
		}
	}
	return h.perms.EnsurePermissions(ctx, rec.manifest.Meta(rec.id), decls)
}

// LoadExtension validates the manifest, checks engine compatibility, reserves
// the declared connector ids, registers the extension's contributions, and
// spawns its sandbox. The extension id is derived from the manifest as
// publisher.name, so it stays stable across version updates.
func (h *Host) LoadExtension(ctx context.Context, manifest entities.Manifest, source []byte) (string, error) {
	if err := h.checkDisposed(); err != nil {
		return "", err
	}
	if err := entities.ValidateManifest(&manifest); err != nil {
		return "", err
	}
	if h.config.schemas != nil {
		if err := h.config.schemas.ValidateContributions(&manifest); err != nil {
			return "", entities.NewHostError(entities.CodeInvalidManifest, "%v", err)
		}
	}
	if err := h.checkEngineRange(manifest); err != nil {
		return "", err
	}

	id := ExtensionID(manifest)

	h.mu.Lock()
	if _, exists := h.exts[id]; exists {
		h.mu.Unlock()
		return "", fmt.Errorf("extension %s is already loaded", id)
	}
	h.mu.Unlock()

	connectorIDs := make([]string, 0, len(manifest.Contributes.DataConnectors))
	for _, c := range manifest.Contributes.DataConnectors {
		connectorIDs = append(connectorIDs, c.ID)
	}
	if err := h.connectors.Reserve(id, connectorIDs); err != nil {
		return "", err
	}

	rec := &extensionRecord{id: id, manifest: manifest, source: source}

	ch, err := h.spawnChannel(ctx, rec)
	if err != nil {
		h.connectors.ReleaseAll(id)
		return "", err
	}

	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		ch.terminate()
		h.connectors.ReleaseAll(id)
		return "", fmt.Errorf("host is disposed")
	}
	// Re-checked under the same lock as the insert: a concurrent load of the
	// same id may have won the race while this one was spawning. The winner's
	// connector reservations stay; only ids it does not declare are released.
	if winner, exists := h.exts[id]; exists {
		h.mu.Unlock()
		ch.terminate()
		h.connectors.Release(id, connectorIDsNotDeclaredBy(winner.manifest, connectorIDs))
		return "", fmt.Errorf("extension %s is already loaded", id)
	}
	rec.channel = ch
	h.loadSeq++
	rec.seq = h.loadSeq
	h.exts[id] = rec
	for _, c := range manifest.Contributes.Commands {
		h.commands[c.ID] = id
	}
	for _, f := range manifest.Contributes.CustomFunctions {
		h.functions[f.Name] = id
	}
	h.mu.Unlock()

	h.config.logger.Info("extension loaded",
		zap.String("extension", id),
		zap.String("version", manifest.Version))
	return id, nil
}

// UnloadExtension terminates the extension's sandbox, releases its connector
// ids, and notifies the UI about every panel it still had open. Granted
// permissions persist across unload.
func (h *Host) UnloadExtension(extensionID string) error {
	h.mu.Lock()
	rec, ok := h.exts[extensionID]
	if !ok {
		h.mu.Unlock()
		return entities.ErrUnknownExtension.WithDetail(map[string]any{"extension": extensionID})
	}
	delete(h.exts, extensionID)
	h.rebuildLookupsLocked()
	h.mu.Unlock()

	if ch := rec.currentChannel(); ch != nil {
		ch.terminate()
	}
	h.connectors.ReleaseAll(extensionID)
	for _, panelID := range h.panels.RemoveAll(extensionID) {
		if h.config.ui != nil {
			h.config.ui.PanelDisposed(extensionID, panelID)
		}
	}

	h.config.logger.Info("extension unloaded", zap.String("extension", extensionID))
	return nil
}

// ReloadExtension unloads and reloads an extension with its current manifest
// and source. The reloaded extension comes back inactive.
func (h *Host) ReloadExtension(ctx context.Context, extensionID string) error {
	h.mu.Lock()
	rec, ok := h.exts[extensionID]
	h.mu.Unlock()
	if !ok {
		return entities.ErrUnknownExtension.WithDetail(map[string]any{"extension": extensionID})
	}
	manifest, source := rec.manifest, rec.source

	if err := h.UnloadExtension(extensionID); err != nil {
		return err
	}
	_, err := h.LoadExtension(ctx, manifest, source)
	return err
}

// UpdateExtension replaces a loaded extension with a new manifest and source.
// The manifest must resolve to the same extension id; grants carry over
// because grants key on the id, not the version.
func (h *Host) UpdateExtension(ctx context.Context, manifest entities.Manifest, source []byte) error {
	if err := entities.ValidateManifest(&manifest); err != nil {
		return err
	}
	if h.config.schemas != nil {
		if err := h.config.schemas.ValidateContributions(&manifest); err != nil {
			return entities.NewHostError(entities.CodeInvalidManifest, "%v", err)
		}
	}
	if err := h.checkEngineRange(manifest); err != nil {
		return err
	}
	id := ExtensionID(manifest)

	h.mu.Lock()
	_, ok := h.exts[id]
	h.mu.Unlock()
	if !ok {
		return entities.ErrUnknownExtension.WithDetail(map[string]any{"extension": id})
	}

	// Connector ids claimed by other extensions would make the reload fail
	// after the working copy is already gone, so they are rejected up front.
	for _, c := range manifest.Contributes.DataConnectors {
		if owner, taken := h.connectors.Owner(c.ID); taken && owner != id {
			return entities.ErrConnectorIDInUse.WithDetail(map[string]any{
				"connectorId": c.ID,
				"ownedBy":     owner,
			})
		}
	}

	if err := h.UnloadExtension(id); err != nil {
		return err
	}
	_, err := h.LoadExtension(ctx, manifest, source)
	return err
}

// ResetExtensionState wipes the extension's persisted permission grants and
// its private storage. Storage backends implementing the bulk-clear operation
// get it in one call; otherwise the extension's own keys are deleted in
// place, preserving the storage object's identity. Other extensions' grants
// and storage are untouched.
func (h *Host) ResetExtensionState(extensionID string) error {
	if err := h.perms.ResetPermissions(extensionID); err != nil {
		return err
	}
	if h.config.storage == nil {
		return nil
	}
	if clearer, ok := h.config.storage.(ports.StorageClearer); ok {
		clearer.Clear(extensionID)
		return nil
	}
	for _, key := range h.config.storage.Keys(extensionID) {
		h.config.storage.Delete(extensionID, key)
	}
	return nil
}

// ExecuteCommand dispatches a contributed command to its owning extension,
// activating it first when its manifest gates on the command.
func (h *Host) ExecuteCommand(ctx context.Context, commandID string, args map[string]any) (map[string]any, error) {
	h.mu.Lock()
	owner, ok := h.commands[commandID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no extension contributes command %q", commandID)
	}
	return h.ExecuteCommandIn(ctx, owner, commandID, args)
}

// ExecuteCommandIn dispatches a command to a specific extension.
func (h *Host) ExecuteCommandIn(ctx context.Context, extensionID, commandID string, args map[string]any) (map[string]any, error) {
	rec, err := h.lookup(extensionID)
	if err != nil {
		return nil, err
	}
	if err := h.requireActive(ctx, rec, entities.CommandActivationEvent(commandID)); err != nil {
		return nil, err
	}
	msg := entities.Message{
		Kind:    entities.KindAPICall,
		ID:      uuid.NewString(),
		Name:    "command",
		Method:  commandID,
		Payload: args,
	}
	return h.callWithRespawn(ctx, rec, msg, h.config.timeouts.Command)
}

// InvokeCustomFunction evaluates a contributed custom function in its owning
// extension.
func (h *Host) InvokeCustomFunction(ctx context.Context, name string, args []any) (any, error) {
	h.mu.Lock()
	owner, ok := h.functions[name]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no extension contributes custom function %q", name)
	}
	return h.InvokeCustomFunctionIn(ctx, owner, name, args)
}

// InvokeCustomFunctionIn evaluates a custom function in a specific extension.
func (h *Host) InvokeCustomFunctionIn(ctx context.Context, extensionID, name string, args []any) (any, error) {
	rec, err := h.lookup(extensionID)
	if err != nil {
		return nil, err
	}
	if err := h.requireActive(ctx, rec, entities.FunctionActivationEvent(name)); err != nil {
		return nil, err
	}
	msg := entities.Message{
		Kind:    entities.KindAPICall,
		ID:      uuid.NewString(),
		Name:    "customFunction",
		Method:  name,
		Payload: map[string]any{"args": args},
	}
	result, err := h.callWithRespawn(ctx, rec, msg, h.config.timeouts.CustomFunction)
	if err != nil {
		return nil, err
	}
	return result["value"], nil
}

// InvokeDataConnector routes a connector invocation to the extension owning
// the connector id. An inactive owner is activated when its manifest declares
// onDataConnector:<id>; otherwise the invocation is rejected rather than
// silently waking the extension.
func (h *Host) InvokeDataConnector(ctx context.Context, connectorID, method string, params map[string]any) (map[string]any, error) {
	owner, ok := h.connectors.Owner(connectorID)
	if !ok {
		return nil, entities.ErrConnectorNotDeclared.WithDetail(map[string]any{"connector": connectorID})
	}
	rec, err := h.lookup(owner)
	if err != nil {
		return nil, err
	}
	if !rec.manifest.DeclaresConnector(connectorID) {
		return nil, entities.ErrConnectorNotDeclared.WithDetail(map[string]any{
			"connector": connectorID, "extension": owner,
		})
	}
	if err := h.requireActive(ctx, rec, entities.ConnectorActivationEvent(connectorID)); err != nil {
		return nil, err
	}
	msg := entities.Message{
		Kind:    entities.KindConnectorInvoke,
		ID:      uuid.NewString(),
		Name:    connectorID,
		Method:  method,
		Payload: params,
	}
	return h.callWithRespawn(ctx, rec, msg, h.config.timeouts.DataConnector)
}

// Dispose tears the whole host down: terminates every sandbox and notifies
// the UI for every tracked panel. The host is unusable afterwards.
func (h *Host) Dispose() {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	records := make([]*extensionRecord, 0, len(h.exts))
	for _, rec := range h.exts {
		records = append(records, rec)
	}
	h.exts = make(map[string]*extensionRecord)
	h.commands = make(map[string]string)
	h.functions = make(map[string]string)
	h.mu.Unlock()

	for _, rec := range records {
		if ch := rec.currentChannel(); ch != nil {
			ch.terminate()
		}
		h.connectors.ReleaseAll(rec.id)
	}
	for _, ref := range h.panels.Drain() {
		if h.config.ui != nil {
			h.config.ui.PanelDisposed(ref.ExtensionID, ref.PanelID)
		}
	}
	h.config.logger.Info("host disposed")
}

// ExtensionID derives the stable extension identity from a manifest.
func ExtensionID(m entities.Manifest) string {
	return m.Publisher + "." + m.Name
}

func (h *Host) checkDisposed() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return fmt.Errorf("host is disposed")
	}
	return nil
}

func (h *Host) lookup(extensionID string) (*extensionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return nil, fmt.Errorf("host is disposed")
	}
	rec, ok := h.exts[extensionID]
	if !ok {
		return nil, entities.ErrUnknownExtension.WithDetail(map[string]any{"extension": extensionID})
	}
	return rec, nil
}

func (h *Host) snapshotRecords() []*extensionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := make([]*extensionRecord, 0, len(h.exts))
	for _, rec := range h.exts {
		records = append(records, rec)
	}
	return records
}

// checkEngineRange verifies the manifest's declared engine range admits the
// host's version.
// rebuildLookupsLocked recomputes the command and custom-function lookups
// from the remaining records in load order, so an id shadowed by a
// later-loaded extension falls back to its earlier declarer when the
// shadowing extension unloads. Caller holds h.mu.
func (h *Host) rebuildLookupsLocked() {
	recs := make([]*extensionRecord, 0, len(h.exts))
	for _, rec := range h.exts {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	h.commands = make(map[string]string)
	h.functions = make(map[string]string)
	for _, rec := range recs {
		for _, c := range rec.manifest.Contributes.Commands {
			h.commands[c.ID] = rec.id
		}
		for _, f := range rec.manifest.Contributes.CustomFunctions {
			h.functions[f.Name] = rec.id
		}
	}
}

// connectorIDsNotDeclaredBy filters ids down to the ones the manifest does
// not declare as data connectors.
func connectorIDsNotDeclaredBy(manifest entities.Manifest, ids []string) []string {
	declared := make(map[string]struct{}, len(manifest.Contributes.DataConnectors))
	for _, c := range manifest.Contributes.DataConnectors {
		declared[c.ID] = struct{}{}
	}
	var extra []string
	for _, id := range ids {
		if _, ok := declared[id]; !ok {
			extra = append(extra, id)
		}
	}
	return extra
}

func (h *Host) checkEngineRange(manifest entities.Manifest) error {
	rangeExpr, ok := manifest.Engines[EngineName]
	if !ok {
		return entities.ErrIncompatibleEngine.WithDetail(map[string]any{
			"engine": EngineName, "reason": "manifest declares no range for this engine",
		})
	}
	satisfied, err := semver.Satisfies(h.config.engineVersion, rangeExpr)
	if err != nil {
		return entities.NewHostError(entities.CodeInvalidManifest,
			"invalid engine range %q: %v", rangeExpr, err)
	}
	if !satisfied {
		return entities.ErrIncompatibleEngine.WithDetail(map[string]any{
			"engine":  EngineName,
			"version": h.config.engineVersion,
			"range":   rangeExpr,
		})
	}
	return nil
}

// spawnChannel creates a fresh sandbox for rec, wraps it in a supervised
// channel, and sends the init message carrying the manifest and the current
// set of granted permissions.
func (h *Host) spawnChannel(ctx context.Context, rec *extensionRecord) (*channel, error) {
	sandbox, err := h.config.engine.Spawn(ctx, ports.SandboxSpec{
		ExtensionID: rec.id,
		Manifest:    rec.manifest,
		Source:      rec.source,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn sandbox for %s: %w", rec.id, err)
	}

	ch := newChannel(sandbox, func(msg entities.Message, respond func(entities.Message)) {
		h.handleSandboxRequest(rec, msg, respond)
	}, h.config.logger)

	granted, err := h.perms.GetGrantedPermissions(rec.id)
	if err != nil {
		ch.terminate()
		return nil, err
	}
	init := entities.Message{
		Kind: entities.KindInit,
		Payload: map[string]any{
			"extensionId": rec.id,
			"manifest":    rec.manifest,
			"granted":     grantedNames(granted),
		},
	}
	if err := ch.notify(init); err != nil {
		ch.terminate()
		return nil, fmt.Errorf("init sandbox for %s: %w", rec.id, err)
	}
	return ch, nil
}

// ensureChannel returns a live channel for rec, transparently respawning the
// sandbox if the previous one was terminated. Respawns for the same extension
// are coalesced; the replacement comes up inactive and re-activates on the
// next gated call or activation event.
func (h *Host) ensureChannel(rec *extensionRecord) (*channel, error) {
	if ch := rec.currentChannel(); ch != nil && ch.alive() {
		return ch, nil
	}

	v, err, _ := h.respawn.Do(rec.id, func() (any, error) {
		if ch := rec.currentChannel(); ch != nil && ch.alive() {
			return ch, nil
		}
		h.config.logger.Info("respawning sandbox", zap.String("extension", rec.id))
		ch, err := h.spawnChannel(context.Background(), rec)
		if err != nil {
			return nil, err
		}
		rec.mu.Lock()
		rec.channel = ch
		rec.mu.Unlock()
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*channel), nil
}

// callWithRespawn performs one correlated call on the extension's current
// channel, creating a fresh sandbox first if the previous one died.
func (h *Host) callWithRespawn(ctx context.Context, rec *extensionRecord, msg entities.Message, timeout time.Duration) (map[string]any, error) {
	ch, err := h.ensureChannel(rec)
	if err != nil {
		return nil, err
	}
	return ch.call(ctx, msg, timeout)
}

func grantedNames(rec entities.GrantRecord) []string {
	names := make([]string, 0, len(rec))
	for name, grant := range rec {
		if grant.Allowed {
			names = append(names, name)
		}
	}
	return names
}
