package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oss-usbip/usbip-assignd/internal/bus"
	"github.com/oss-usbip/usbip-assignd/internal/registry"
	"github.com/oss-usbip/usbip-assignd/internal/store"
)

// fakeDriver is an in-memory usbiptool.Driver stand-in that records calls
// instead of shelling out.
type fakeDriver struct {
	mu        sync.Mutex
	bindOK    map[string]bool // defaults to true if absent
	binds     []string
	unbinds   []string
	names     map[string]string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{bindOK: make(map[string]bool), names: make(map[string]string)}
}

func (f *fakeDriver) Bind(busID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds = append(f.binds, busID)
	if ok, set := f.bindOK[busID]; set {
		return ok, nil
	}
	return true, nil
}

func (f *fakeDriver) Unbind(busID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbinds = append(f.unbinds, busID)
	return nil
}

func (f *fakeDriver) IsToolPresent() bool { return true }

func (f *fakeDriver) ProductName(busID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.names[busID]; ok {
		return name
	}
	return busID
}

// fakeSessions is an in-memory sessions.Manager stand-in.
type fakeSessions struct {
	mu        sync.Mutex
	connected map[string]bool
	pushed    []pushedFrame
	failNext  map[string]bool
}

type pushedFrame struct {
	clientID string
	frame    string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{connected: make(map[string]bool), failNext: make(map[string]bool)}
}

func (f *fakeSessions) connect(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[clientID] = true
}

func (f *fakeSessions) Push(clientID, frame string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[clientID] || f.failNext[clientID] {
		return false
	}
	f.pushed = append(f.pushed, pushedFrame{clientID, frame})
	return true
}

func (f *fakeSessions) Broadcast(frame string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.connected {
		f.pushed = append(f.pushed, pushedFrame{id, frame})
	}
}

func (f *fakeSessions) IsConnected(clientID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[clientID]
}

func (f *fakeSessions) ConnectedClients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.connected {
		ids = append(ids, id)
	}
	return ids
}

type testEnv struct {
	engine   *Engine
	driver   *fakeDriver
	sessions *fakeSessions
	registry *registry.Registry
	store    *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "assignments.json"), nil)
	require.NoError(t, err)

	reg := registry.New()
	sess := newFakeSessions()
	drv := newFakeDriver()
	eb := bus.New()

	eng := New(reg, st, sess, drv, eb, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = eng.Run(ctx) }()
	t.Cleanup(cancel)

	return &testEnv{engine: eng, driver: drv, sessions: sess, registry: reg, store: st}
}

func (e *testEnv) addDevice(t *testing.T, busID string) {
	t.Helper()
	e.engine.PostDeviceAdded(busID)
	waitUntil(t, func() bool { return e.registry.IsExported(busID) })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDeviceAddedExportsAndLeavesUnassignedWithNoOwner(t *testing.T) {
	env := newTestEnv(t)
	env.addDevice(t, "1-1")

	devices, err := env.engine.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "1-1", devices[0].BusID)
	require.Empty(t, devices[0].InUse)
}

func TestDeviceAddedPushesToExistingDesiredOwner(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Set("1-1", "client-a"))
	env.sessions.connect("client-a")

	env.addDevice(t, "1-1")

	waitUntil(t, func() bool {
		owner, ok := env.registry.InUseBy("1-1")
		return ok && owner == "client-a"
	})
}

func TestClientConnectedAutoAssignsUnownedExportedDevice(t *testing.T) {
	env := newTestEnv(t)
	env.addDevice(t, "1-1")

	env.sessions.connect("client-a")
	env.engine.ClientConnected("client-a")

	waitUntil(t, func() bool {
		owner, ok := env.registry.InUseBy("1-1")
		return ok && owner == "client-a"
	})
	owner, ok := env.store.Get("1-1")
	require.True(t, ok)
	require.Equal(t, "client-a", owner)
}

func TestClientConnectedDoesNotAutoAssignWhenAssignAllSet(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SetAssignAll("client-b"))
	env.addDevice(t, "1-1")

	env.sessions.connect("client-a")
	env.engine.ClientConnected("client-a")

	// Give the reactor a moment to process; there should be no assignment.
	time.Sleep(20 * time.Millisecond)
	_, ok := env.registry.InUseBy("1-1")
	require.False(t, ok)
}

func TestClientDisconnectedClearsInUse(t *testing.T) {
	env := newTestEnv(t)
	env.addDevice(t, "1-1")
	env.sessions.connect("client-a")
	env.engine.ClientConnected("client-a")
	waitUntil(t, func() bool {
		_, ok := env.registry.InUseBy("1-1")
		return ok
	})

	env.engine.ClientDisconnected("client-a")
	waitUntil(t, func() bool {
		_, ok := env.registry.InUseBy("1-1")
		return !ok
	})
}

func TestDeviceRemovedRetainsDesiredOwner(t *testing.T) {
	env := newTestEnv(t)
	env.addDevice(t, "1-1")
	env.sessions.connect("client-a")
	env.engine.ClientConnected("client-a")
	waitUntil(t, func() bool {
		_, ok := env.registry.InUseBy("1-1")
		return ok
	})

	env.engine.PostDeviceRemoved("1-1")
	waitUntil(t, func() bool { return !env.registry.IsExported("1-1") })

	owner, ok := env.store.Get("1-1")
	require.True(t, ok)
	require.Equal(t, "client-a", owner)
}

func TestAssignToNewOwnerForcesFreeOfPrevious(t *testing.T) {
	env := newTestEnv(t)
	env.addDevice(t, "1-1")
	env.sessions.connect("client-a")
	env.sessions.connect("client-b")

	outcome, err := env.engine.Assign(context.Background(), "1-1", "client-a")
	require.NoError(t, err)
	require.Equal(t, "assigned", outcome)

	outcome, err = env.engine.Assign(context.Background(), "1-1", "client-b")
	require.NoError(t, err)
	require.Equal(t, "assigned", outcome)

	owner, ok := env.registry.InUseBy("1-1")
	require.True(t, ok)
	require.Equal(t, "client-b", owner)
}

func TestAssignNoneUnassigns(t *testing.T) {
	env := newTestEnv(t)
	env.addDevice(t, "1-1")
	env.sessions.connect("client-a")
	_, err := env.engine.Assign(context.Background(), "1-1", "client-a")
	require.NoError(t, err)

	outcome, err := env.engine.Assign(context.Background(), "1-1", store.AssignAllNone)
	require.NoError(t, err)
	require.Equal(t, "unassigned", outcome)

	_, ok := env.registry.InUseBy("1-1")
	require.False(t, ok)
	_, ok = env.store.Get("1-1")
	require.False(t, ok)
}

func TestForceFreeNotExported(t *testing.T) {
	env := newTestEnv(t)
	outcome, err := env.engine.ForceFree(context.Background(), "9-9")
	require.NoError(t, err)
	require.Equal(t, "not-exported", outcome)
}

func TestForceFreeClearsOwnerAndRebinds(t *testing.T) {
	env := newTestEnv(t)
	env.addDevice(t, "1-1")
	env.sessions.connect("client-a")
	_, err := env.engine.Assign(context.Background(), "1-1", "client-a")
	require.NoError(t, err)

	outcome, err := env.engine.ForceFree(context.Background(), "1-1")
	require.NoError(t, err)
	require.Equal(t, "freed", outcome)

	_, ok := env.registry.InUseBy("1-1")
	require.False(t, ok)
	require.True(t, env.registry.IsExported("1-1"))
	require.Contains(t, env.driver.unbinds, "1-1")
}

func TestAssignAllClearedFreesEveryDevice(t *testing.T) {
	env := newTestEnv(t)
	env.addDevice(t, "1-1")
	env.addDevice(t, "1-2")
	env.sessions.connect("client-a")

	outcome, err := env.engine.AssignAll(context.Background(), "client-a")
	require.NoError(t, err)
	require.Equal(t, "assigned", outcome)
	waitUntil(t, func() bool {
		_, ok1 := env.registry.InUseBy("1-1")
		_, ok2 := env.registry.InUseBy("1-2")
		return ok1 && ok2
	})

	outcome, err = env.engine.AssignAll(context.Background(), store.AssignAllNone)
	require.NoError(t, err)
	require.Equal(t, "cleared", outcome)

	_, ok := env.registry.InUseBy("1-1")
	require.False(t, ok)
	_, ok = env.store.Get("1-1")
	require.False(t, ok)
}
