package host

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
	"github.com/gridlet-dev/gridlet-host/domain/ports"
	"github.com/gridlet-dev/gridlet-host/infrastructure/kvstore"
	"github.com/gridlet-dev/gridlet-host/permissions"
	"github.com/gridlet-dev/gridlet-host/infrastructure/prompter"
	"github.com/gridlet-dev/gridlet-host/infrastructure/storage"
	"github.com/gridlet-dev/gridlet-host/internal/testutil"
)

// uiRecorder records panel disposal notifications.
type uiRecorder struct {
	mu       sync.Mutex
	disposed []string
}

func (u *uiRecorder) PanelDisposed(extensionID, panelID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.disposed = append(u.disposed, extensionID+"/"+panelID)
}

func (u *uiRecorder) all() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.disposed))
	copy(out, u.disposed)
	return out
}

func testManifest(name string, mutate func(*entities.Manifest)) entities.Manifest {
	m := entities.Manifest{
		Name:      name,
		Publisher: "acme",
		Version:   "1.0.0",
		Engines:   map[string]string{EngineName: "^1.0.0"},
	}
	if mutate != nil {
		mutate(&m)
	}
	return m
}

// seededStore returns a permission store whose grant table already allows the
// given permissions for one extension.
func seededStore(extensionID string, perms ...string) *kvstore.MemoryStore {
	table := entities.NewGrantTable()
	rec := table.Record(extensionID)
	for _, p := range perms {
		rec[p] = entities.Grant{Allowed: true}
	}
	data, err := json.Marshal(table)
	if err != nil {
		panic(err)
	}
	s := kvstore.NewMemoryStore()
	s.Seed(permissions.DefaultStoreKey, string(data))
	return s
}

func newTestHost(t *testing.T, engine *testutil.FakeEngine, opts ...Option) *Host {
	t.Helper()
	base := []Option{
		WithPermissionStore(kvstore.NewMemoryStore()),
		WithPrompter(prompter.NewStatic(true)),
	}
	h, err := New(engine, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(h.Dispose)
	return h
}

func TestLoadExtension_SendsInit(t *testing.T) {
	engine := testutil.NewFakeEngine(nil)
	h := newTestHost(t, engine)

	id, err := h.LoadExtension(context.Background(), testManifest("tools", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "acme.tools", id)

	sb := engine.LastSandbox()
	require.NotNil(t, sb)
	inits := sb.ReceivedKind(entities.KindInit)
	require.Len(t, inits, 1)
	assert.Equal(t, "acme.tools", inits[0].Payload["extensionId"])
}

func TestLoadExtension_RejectsInvalidManifest(t *testing.T) {
	engine := testutil.NewFakeEngine(nil)
	h := newTestHost(t, engine)

	m := testManifest("tools", func(m *entities.Manifest) { m.Version = "" })
	_, err := h.LoadExtension(context.Background(), m, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, entities.ErrInvalidManifest)
	assert.Zero(t, engine.SpawnCount(), "an invalid manifest must not spawn a sandbox")
}

func TestLoadExtension_RejectsIncompatibleEngine(t *testing.T) {
	engine := testutil.NewFakeEngine(nil)
	h := newTestHost(t, engine, WithEngineVersion("1.2.0"))

	m := testManifest("tools", func(m *entities.Manifest) {
		m.Engines[EngineName] = "^2.0.0"
	})
	_, err := h.LoadExtension(context.Background(), m, nil)
	assert.ErrorIs(t, err, entities.ErrIncompatibleEngine)

	m = testManifest("other", func(m *entities.Manifest) {
		m.Engines = map[string]string{"someone-else": "*"}
	})
	_, err = h.LoadExtension(context.Background(), m, nil)
	assert.ErrorIs(t, err, entities.ErrIncompatibleEngine)
}

func TestLoadExtension_ConnectorConflict(t *testing.T) {
	engine := testutil.NewFakeEngine(nil)
	h := newTestHost(t, engine)

	first := testManifest("crm-a", func(m *entities.Manifest) {
		m.Contributes.DataConnectors = []entities.DataConnector{{ID: "crm"}}
	})
	_, err := h.LoadExtension(context.Background(), first, nil)
	require.NoError(t, err)

	second := testManifest("crm-b", func(m *entities.Manifest) {
		m.Contributes.DataConnectors = []entities.DataConnector{{ID: "crm"}, {ID: "crm-extra"}}
	})
	_, err = h.LoadExtension(context.Background(), second, nil)
	assert.ErrorIs(t, err, entities.ErrConnectorIDInUse)

	// All-or-nothing: the uncontested id from the failed load stays free.
	third := testManifest("crm-c", func(m *entities.Manifest) {
		m.Contributes.DataConnectors = []entities.DataConnector{{ID: "crm-extra"}}
	})
	_, err = h.LoadExtension(context.Background(), third, nil)
	assert.NoError(t, err)
}

func TestUnloadExtension_ReleasesConnectors(t *testing.T) {
	engine := testutil.NewFakeEngine(nil)
	h := newTestHost(t, engine)

	m := testManifest("crm-a", func(m *entities.Manifest) {
		m.Contributes.DataConnectors = []entities.DataConnector{{ID: "crm"}}
	})
	id, err := h.LoadExtension(context.Background(), m, nil)
	require.NoError(t, err)
	require.NoError(t, h.UnloadExtension(id))

	assert.True(t, engine.LastSandbox().Terminated())

	// The released id is loadable by a new extension.
	replacement := testManifest("crm-b", func(m *entities.Manifest) {
		m.Contributes.DataConnectors = []entities.DataConnector{{ID: "crm"}}
	})
	_, err = h.LoadExtension(context.Background(), replacement, nil)
	assert.NoError(t, err)
}

func TestUnloadExtension_Unknown(t *testing.T) {
	h := newTestHost(t, testutil.NewFakeEngine(nil))
	err := h.UnloadExtension("acme.ghost")
	assert.ErrorIs(t, err, entities.ErrUnknownExtension)
}

func TestActivateView_BroadcastAndReplay(t *testing.T) {
	engine := testutil.NewFakeEngine(nil)
	h := newTestHost(t, engine)

	active := testManifest("listener", func(m *entities.Manifest) {
		m.ActivationEvents = []string{entities.EventStartupFinished}
	})
	_, err := h.LoadExtension(context.Background(), active, nil)
	require.NoError(t, err)
	activeSB := engine.LastSandbox()

	woken := testManifest("viewer", func(m *entities.Manifest) {
		m.ActivationEvents = []string{"onView:dashboard"}
	})
	_, err = h.LoadExtension(context.Background(), woken, nil)
	require.NoError(t, err)
	wokenSB := engine.LastSandbox()

	require.NoError(t, h.Startup(context.Background()))
	require.Len(t, activeSB.ReceivedKind(entities.KindActivate), 1)
	require.Empty(t, wokenSB.ReceivedKind(entities.KindActivate))

	require.NoError(t, h.ActivateView(context.Background(), "dashboard"))

	viewEvents := func(sb *testutil.FakeSandbox) []entities.Message {
		var out []entities.Message
		for _, m := range sb.ReceivedKind(entities.KindEvent) {
			if m.Name == entities.EventViewActivated {
				out = append(out, m)
			}
		}
		return out
	}

	assert.Len(t, viewEvents(activeSB), 1, "an already-active extension sees the event exactly once")

	wokenEvents := viewEvents(wokenSB)
	require.Len(t, wokenEvents, 2, "a newly-activated extension sees broadcast plus replay")
	assert.Equal(t, "dashboard", wokenEvents[0].Payload["viewId"])
	require.Len(t, wokenSB.ReceivedKind(entities.KindActivate), 1)
}

func TestActivateView_CanonicalizesViewID(t *testing.T) {
	engine := testutil.NewFakeEngine(nil)
	h := newTestHost(t, engine)

	m := testManifest("viewer", func(m *entities.Manifest) {
		m.ActivationEvents = []string{"onView:42"}
	})
	_, err := h.LoadExtension(context.Background(), m, nil)
	require.NoError(t, err)

	require.NoError(t, h.ActivateView(context.Background(), 42))
	assert.Len(t, engine.LastSandbox().ReceivedKind(entities.KindActivate), 1)
}

func TestExecuteCommand_GatesOnCommandEvent(t *testing.T) {
	engine := testutil.NewFakeEngine(func(_ *testutil.FakeSandbox, msg entities.Message) *entities.Message {
		switch msg.Kind {
		case entities.KindActivate:
			r := msg.Result(map[string]any{})
			return &r
		case entities.KindAPICall:
			r := msg.Result(map[string]any{"ran": msg.Method})
			return &r
		}
		return nil
	})
	h := newTestHost(t, engine)

	m := testManifest("tools", func(m *entities.Manifest) {
		m.ActivationEvents = []string{"onCommand:export"}
		m.Contributes.Commands = []entities.Command{{ID: "export"}, {ID: "ungated"}}
	})
	_, err := h.LoadExtension(context.Background(), m, nil)
	require.NoError(t, err)

	// Ungated command on an inactive extension is rejected without waking it.
	_, err = h.ExecuteCommand(context.Background(), "ungated", nil)
	assert.ErrorIs(t, err, entities.ErrNotActivatedForEvent)
	assert.Empty(t, engine.LastSandbox().ReceivedKind(entities.KindActivate))

	result, err := h.ExecuteCommand(context.Background(), "export", map[string]any{"sheet": "Q3"})
	require.NoError(t, err)
	assert.Equal(t, "export", result["ran"])

	// Once active, other commands run without a gate.
	_, err = h.ExecuteCommand(context.Background(), "ungated", nil)
	assert.NoError(t, err)

	_, err = h.ExecuteCommand(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestInvokeCustomFunction_ReturnsValue(t *testing.T) {
	engine := testutil.NewFakeEngine(func(_ *testutil.FakeSandbox, msg entities.Message) *entities.Message {
		switch msg.Kind {
		case entities.KindActivate:
			r := msg.Result(map[string]any{})
			return &r
		case entities.KindAPICall:
			r := msg.Result(map[string]any{"value": 6.0})
			return &r
		}
		return nil
	})
	h := newTestHost(t, engine)

	m := testManifest("math", func(m *entities.Manifest) {
		m.ActivationEvents = []string{"onCustomFunction:TRIPLE"}
		m.Contributes.CustomFunctions = []entities.CustomFunction{{Name: "TRIPLE"}}
	})
	_, err := h.LoadExtension(context.Background(), m, nil)
	require.NoError(t, err)

	value, err := h.InvokeCustomFunction(context.Background(), "TRIPLE", []any{2.0})
	require.NoError(t, err)
	assert.Equal(t, 6.0, value)
}

func TestInvokeDataConnector_TimeoutThenRespawn(t *testing.T) {
	var engine *testutil.FakeEngine
	engine = testutil.NewFakeEngine(func(sb *testutil.FakeSandbox, msg entities.Message) *entities.Message {
		switch msg.Kind {
		case entities.KindActivate:
			r := msg.Result(map[string]any{})
			return &r
		case entities.KindConnectorInvoke:
			if sb == engine.Sandboxes()[0] {
				return nil // first sandbox hangs forever
			}
			r := msg.Result(map[string]any{"rows": 1.0})
			return &r
		}
		return nil
	})

	timeouts := DefaultTimeouts()
	timeouts.DataConnector = 50 * time.Millisecond
	h := newTestHost(t, engine, WithTimeouts(timeouts))

	m := testManifest("crm", func(m *entities.Manifest) {
		m.ActivationEvents = []string{"onDataConnector:crm"}
		m.Contributes.DataConnectors = []entities.DataConnector{{ID: "crm"}}
	})
	_, err := h.LoadExtension(context.Background(), m, nil)
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := h.InvokeDataConnector(context.Background(), "crm", "query", nil)
		first <- err
	}()
	require.Eventually(t, func() bool {
		return len(engine.Sandboxes()[0].ReceivedKind(entities.KindConnectorInvoke)) == 1
	}, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := h.InvokeDataConnector(context.Background(), "crm", "query", nil)
		second <- err
	}()
	require.Eventually(t, func() bool {
		return len(engine.Sandboxes()[0].ReceivedKind(entities.KindConnectorInvoke)) == 2
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, <-first, entities.ErrCallTimeout)
	assert.ErrorIs(t, <-second, entities.ErrWorkerTerminated)

	// The next call gets a fresh, re-activated sandbox.
	result, err := h.InvokeDataConnector(context.Background(), "crm", "query", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"rows": 1.0}, result)
	assert.Equal(t, 2, engine.SpawnCount())
	assert.Len(t, engine.Sandboxes()[1].ReceivedKind(entities.KindActivate), 1,
		"the replacement sandbox must be re-activated before serving the call")
}

func TestTermination_ReactivatesTransparently(t *testing.T) {
	var engine *testutil.FakeEngine
	engine = testutil.NewFakeEngine(func(sb *testutil.FakeSandbox, msg entities.Message) *entities.Message {
		switch msg.Kind {
		case entities.KindActivate:
			r := msg.Result(map[string]any{})
			return &r
		case entities.KindAPICall:
			if msg.Method == "slow" && sb == engine.Sandboxes()[0] {
				return nil
			}
			r := msg.Result(map[string]any{"ran": msg.Method})
			return &r
		}
		return nil
	})

	timeouts := DefaultTimeouts()
	timeouts.Command = 50 * time.Millisecond
	h := newTestHost(t, engine, WithTimeouts(timeouts))

	m := testManifest("tools", func(m *entities.Manifest) {
		m.ActivationEvents = []string{"onCommand:fast"}
		m.Contributes.Commands = []entities.Command{{ID: "fast"}, {ID: "slow"}}
	})
	_, err := h.LoadExtension(context.Background(), m, nil)
	require.NoError(t, err)

	_, err = h.ExecuteCommand(context.Background(), "fast", nil)
	require.NoError(t, err)

	_, err = h.ExecuteCommand(context.Background(), "slow", nil)
	require.ErrorIs(t, err, entities.ErrCallTimeout)

	// The ungated command still works: the replacement sandbox is spun up
	// and re-activated without demanding a gating event again.
	result, err := h.ExecuteCommand(context.Background(), "slow", nil)
	require.NoError(t, err)
	assert.Equal(t, "slow", result["ran"])
	assert.Equal(t, 2, engine.SpawnCount())
	assert.Len(t, engine.Sandboxes()[1].ReceivedKind(entities.KindActivate), 1)
}

func TestInvokeDataConnector_NotActivatedForEvent(t *testing.T) {
	engine := testutil.NewFakeEngine(nil)
	h := newTestHost(t, engine)

	m := testManifest("crm", func(m *entities.Manifest) {
		// Declares the connector but not its gating event.
		m.Contributes.DataConnectors = []entities.DataConnector{{ID: "crm"}}
	})
	_, err := h.LoadExtension(context.Background(), m, nil)
	require.NoError(t, err)

	_, err = h.InvokeDataConnector(context.Background(), "crm", "query", nil)
	assert.ErrorIs(t, err, entities.ErrNotActivatedForEvent)
	assert.Empty(t, engine.LastSandbox().ReceivedKind(entities.KindActivate),
		"a rejected call must not attempt activation")
}

func TestInvokeDataConnector_Undeclared(t *testing.T) {
	h := newTestHost(t, testutil.NewFakeEngine(nil))
	_, err := h.InvokeDataConnector(context.Background(), "ghost", "query", nil)
	assert.ErrorIs(t, err, entities.ErrConnectorNotDeclared)
}

func TestResetExtensionState_LeavesOthersUntouched(t *testing.T) {
	store := storage.NewMemory()
	h := newTestHost(t, testutil.NewFakeEngine(nil),
		WithStorage(store),
		WithPermissionStore(seededStore("acme.a", "storage")))

	require.NoError(t, h.Permissions().EnsurePermissions(context.Background(),
		entities.ExtensionMeta{ID: "acme.b", Name: "b", Publisher: "acme"},
		[]entities.PermissionDecl{{Name: "storage"}}))

	store.Set("acme.a", "k1", 1)
	store.Set("acme.a", "k2", 2)
	store.Set("acme.b", "k1", 3)

	require.NoError(t, h.ResetExtensionState("acme.a"))

	assert.Empty(t, store.Keys("acme.a"))
	assert.Len(t, store.Keys("acme.b"), 1)

	granted, err := h.Permissions().Granted("acme.a", "storage")
	require.NoError(t, err)
	assert.False(t, granted, "the target extension's grants are cleared")

	granted, err = h.Permissions().Granted("acme.b", "storage")
	require.NoError(t, err)
	assert.True(t, granted, "other extensions' grants survive")
}

func TestResetExtensionState_FallbackWithoutBulkClear(t *testing.T) {
	store := storage.NewMemoryWithoutClear()
	h := newTestHost(t, testutil.NewFakeEngine(nil), WithStorage(store))

	store.Set("acme.a", "k1", 1)
	store.Set("acme.b", "k1", 2)

	require.NoError(t, h.ResetExtensionState("acme.a"))

	assert.Empty(t, store.Keys("acme.a"))
	assert.Len(t, store.Keys("acme.b"), 1)
}

func TestDispose_NotifiesPanels(t *testing.T) {
	ui := &uiRecorder{}
	engine := testutil.NewFakeEngine(nil)
	h := newTestHost(t, engine,
		WithUI(ui),
		WithPermissionStore(seededStore("acme.tools", "ui.panels")))

	_, err := h.LoadExtension(context.Background(), testManifest("tools", nil), nil)
	require.NoError(t, err)
	sb := engine.LastSandbox()

	sb.Emit(entities.Message{
		Kind: entities.KindAPICall, ID: "p1", Name: "ui", Method: "createPanel",
		Payload: map[string]any{"panelId": "report"},
	})
	require.Eventually(t, func() bool {
		return len(sb.ReceivedKind(entities.KindAPIResult)) == 1
	}, time.Second, 5*time.Millisecond)

	h.Dispose()
	assert.Equal(t, []string{"acme.tools/report"}, ui.all())
	assert.True(t, sb.Terminated())
}

func TestUnload_NotifiesPanels(t *testing.T) {
	ui := &uiRecorder{}
	engine := testutil.NewFakeEngine(nil)
	h := newTestHost(t, engine,
		WithUI(ui),
		WithPermissionStore(seededStore("acme.tools", "ui.panels")))

	id, err := h.LoadExtension(context.Background(), testManifest("tools", nil), nil)
	require.NoError(t, err)
	sb := engine.LastSandbox()

	sb.Emit(entities.Message{
		Kind: entities.KindAPICall, ID: "p1", Name: "ui", Method: "createPanel",
		Payload: map[string]any{"panelId": "report"},
	})
	require.Eventually(t, func() bool {
		return len(sb.ReceivedKind(entities.KindAPIResult)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.UnloadExtension(id))
	assert.Equal(t, []string{"acme.tools/report"}, ui.all())
}

func TestReloadExtension(t *testing.T) {
	engine := testutil.NewFakeEngine(nil)
	h := newTestHost(t, engine)

	m := testManifest("tools", func(m *entities.Manifest) {
		m.Contributes.DataConnectors = []entities.DataConnector{{ID: "crm"}}
	})
	id, err := h.LoadExtension(context.Background(), m, nil)
	require.NoError(t, err)

	require.NoError(t, h.ReloadExtension(context.Background(), id))
	assert.Equal(t, 2, engine.SpawnCount())
	assert.True(t, engine.Sandboxes()[0].Terminated())

	err = h.ReloadExtension(context.Background(), "acme.ghost")
	assert.ErrorIs(t, err, entities.ErrUnknownExtension)
}

func TestUpdateExtension_KeepsGrants(t *testing.T) {
	engine := testutil.NewFakeEngine(nil)
	store := kvstore.NewMemoryStore()
	h := newTestHost(t, engine, WithPermissionStore(store))

	m := testManifest("tools", func(m *entities.Manifest) {
		m.Permissions = []entities.PermissionDecl{{Name: "storage"}}
	})
	id, err := h.LoadExtension(context.Background(), m, nil)
	require.NoError(t, err)
	require.NoError(t, h.EnsurePermissions(context.Background(), id))

	updated := testManifest("tools", func(m *entities.Manifest) {
		m.Version = "1.1.0"
		m.Permissions = []entities.PermissionDecl{{Name: "storage"}}
	})
	require.NoError(t, h.UpdateExtension(context.Background(), updated, nil))

	granted, err := h.Permissions().Granted(id, "storage")
	require.NoError(t, err)
	assert.True(t, granted, "grants key on the extension id, not the version")
}

// slowSpawnEngine delays Spawn so overlapping loads interleave.
type slowSpawnEngine struct {
	*testutil.FakeEngine
	delay time.Duration
}

func (e *slowSpawnEngine) Spawn(ctx context.Context, spec ports.SandboxSpec) (ports.Sandbox, error) {
	time.Sleep(e.delay)
	return e.FakeEngine.Spawn(ctx, spec)
}

func TestLoadExtension_ConcurrentDuplicateKeepsOneRecord(t *testing.T) {
	fake := testutil.NewFakeEngine(nil)
	engine := &slowSpawnEngine{FakeEngine: fake, delay: 30 * time.Millisecond}
	h, err := New(engine,
		WithPermissionStore(kvstore.NewMemoryStore()),
		WithPrompter(prompter.NewStatic(true)))
	require.NoError(t, err)
	t.Cleanup(h.Dispose)

	m := testManifest("tools", func(m *entities.Manifest) {
		m.Contributes.DataConnectors = []entities.DataConnector{{ID: "crm"}}
	})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.LoadExtension(context.Background(), m, nil)
			errs <- err
		}()
	}
	results := []error{<-errs, <-errs}

	var failures int
	for _, err := range results {
		if err != nil {
			failures++
			assert.Contains(t, err.Error(), "already loaded")
		}
	}
	assert.Equal(t, 1, failures, "exactly one of two concurrent duplicate loads must be rejected")

	var alive int
	for _, sb := range fake.Sandboxes() {
		if !sb.Terminated() {
			alive++
		}
	}
	assert.Equal(t, 1, alive, "the losing load's sandbox must not keep running")

	// The winner's connector reservation survives the loser's teardown.
	rival := testManifest("rival", func(m *entities.Manifest) {
		m.Contributes.DataConnectors = []entities.DataConnector{{ID: "crm"}}
	})
	_, err = h.LoadExtension(context.Background(), rival, nil)
	assert.ErrorIs(t, err, entities.ErrConnectorIDInUse)

	require.NoError(t, h.UnloadExtension("acme.tools"))
}

func TestUpdateExtension_RejectsIncompatibleWithoutUnloading(t *testing.T) {
	engine := testutil.NewFakeEngine(nil)
	h := newTestHost(t, engine)

	id, err := h.LoadExtension(context.Background(), testManifest("tools", nil), nil)
	require.NoError(t, err)

	update := testManifest("tools", func(m *entities.Manifest) {
		m.Version = "2.0.0"
		m.Engines = map[string]string{EngineName: "^9.0.0"}
	})
	err = h.UpdateExtension(context.Background(), update, nil)
	assert.ErrorIs(t, err, entities.ErrIncompatibleEngine)

	require.Len(t, engine.Sandboxes(), 1)
	assert.False(t, engine.Sandboxes()[0].Terminated(), "a rejected update must leave the old extension running")
	require.NoError(t, h.UnloadExtension(id))
}

func TestUpdateExtension_RejectsConnectorConflictWithoutUnloading(t *testing.T) {
	engine := testutil.NewFakeEngine(nil)
	h := newTestHost(t, engine)

	owner := testManifest("crm-a", func(m *entities.Manifest) {
		m.Contributes.DataConnectors = []entities.DataConnector{{ID: "crm"}}
	})
	_, err := h.LoadExtension(context.Background(), owner, nil)
	require.NoError(t, err)

	id, err := h.LoadExtension(context.Background(), testManifest("tools", nil), nil)
	require.NoError(t, err)

	update := testManifest("tools", func(m *entities.Manifest) {
		m.Version = "1.1.0"
		m.Contributes.DataConnectors = []entities.DataConnector{{ID: "crm"}}
	})
	err = h.UpdateExtension(context.Background(), update, nil)
	assert.ErrorIs(t, err, entities.ErrConnectorIDInUse)

	require.NoError(t, h.UnloadExtension(id), "the old copy must still be loaded after the rejected update")
}

func TestUnloadExtension_RestoresShadowedCommand(t *testing.T) {
	engine := testutil.NewFakeEngine(func(_ *testutil.FakeSandbox, msg entities.Message) *entities.Message {
		switch msg.Kind {
		case entities.KindActivate, entities.KindAPICall:
			r := msg.Result(map[string]any{})
			return &r
		}
		return nil
	})
	h := newTestHost(t, engine)

	declareExport := func(m *entities.Manifest) {
		m.ActivationEvents = []string{"onCommand:export"}
		m.Contributes.Commands = []entities.Command{{ID: "export"}}
	}
	_, err := h.LoadExtension(context.Background(), testManifest("alpha", declareExport), nil)
	require.NoError(t, err)
	_, err = h.LoadExtension(context.Background(), testManifest("beta", declareExport), nil)
	require.NoError(t, err)

	require.NoError(t, h.UnloadExtension("acme.beta"))

	_, err = h.ExecuteCommand(context.Background(), "export", nil)
	require.NoError(t, err, "the earlier declarer must take the command back over")

	alphaCalls := engine.Sandboxes()[0].ReceivedKind(entities.KindAPICall)
	require.Len(t, alphaCalls, 1)
	assert.Equal(t, "export", alphaCalls[0].Method)
}
