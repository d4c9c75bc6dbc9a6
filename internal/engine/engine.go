// SPDX-License-Identifier: GPL-2.0-only

// Package engine implements the Assignment Engine component: the single
// reactor goroutine that owns every mutation of device and client state.
// Every other component posts commands onto its channel rather than
// touching the Registry, Store, or Sessions directly, which is what gives
// the per-bus-ID event ordering guarantee without explicit locking.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/oss-usbip/usbip-assignd/internal/apitypes"
	"github.com/oss-usbip/usbip-assignd/internal/bus"
	"github.com/oss-usbip/usbip-assignd/internal/registry"
	"github.com/oss-usbip/usbip-assignd/internal/store"
	"github.com/oss-usbip/usbip-assignd/internal/usbiptool"
)

// Sessions is the subset of *sessions.Manager the Engine depends on.
type Sessions interface {
	Push(clientID, frame string) bool
	Broadcast(frame string)
	IsConnected(clientID string) bool
	ConnectedClients() []string
}

// Metrics is the subset of internal/metrics the Engine reports to. It is an
// interface so engine tests don't need a live Prometheus registry.
type Metrics interface {
	SetExportedDevices(n int)
	SetConnectedClients(n int)
	IncBindOps()
	IncAttachPushes()
}

type noopMetrics struct{}

func (noopMetrics) SetExportedDevices(int)  {}
func (noopMetrics) SetConnectedClients(int) {}
func (noopMetrics) IncBindOps()             {}
func (noopMetrics) IncAttachPushes()        {}

type commandKind int

const (
	cmdDeviceAdded commandKind = iota
	cmdDeviceRemoved
	cmdClientConnected
	cmdClientDisconnected
	cmdAssign
	cmdForceFree
	cmdForceReattach
	cmdAssignAll
	cmdListDevices
	cmdListClients
	cmdDebug
)

type command struct {
	kind     commandKind
	busID    string
	clientID string
	reply    chan result
}

type result struct {
	outcome string
	devices []apitypes.DeviceInfo
	clients []string
	debug   apitypes.DebugSnapshot
	err     error
}

// Engine is the Assignment Engine. Construct with New and start its reactor
// loop with Run before posting any commands.
type Engine struct {
	registry *registry.Registry
	store    *store.Store
	sessions Sessions
	driver   usbiptool.Driver
	bus      *bus.Bus
	metrics  Metrics
	logger   log.Logger

	commands chan command
}

// New builds an Engine. The returned value's Run method must be started in
// its own goroutine before any Post*/command method is called. sess may be
// nil at construction time and wired in later with SetSessions — needed
// because *sessions.Manager itself depends on the Engine as its Notifier,
// so the two must be constructed in two steps to break the cycle.
func New(reg *registry.Registry, st *store.Store, sess Sessions, driver usbiptool.Driver, eventBus *bus.Bus, metrics Metrics, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{
		registry: reg,
		store:    st,
		sessions: sess,
		driver:   driver,
		bus:      eventBus,
		metrics:  metrics,
		logger:   logger,
		commands: make(chan command, 64),
	}
}

// SetSessions wires the Sessions dependency in after construction. It must
// be called before Run starts processing commands.
func (e *Engine) SetSessions(sess Sessions) {
	e.sessions = sess
}

// Run drains the command channel until ctx is cancelled. It must be run in
// its own goroutine; every mutation of Registry/Store/Sessions state
// happens inline in this loop.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-e.commands:
			e.dispatch(cmd)
		}
	}
}

func (e *Engine) dispatch(cmd command) {
	switch cmd.kind {
	case cmdDeviceAdded:
		e.handleDeviceAdded(cmd.busID)
	case cmdDeviceRemoved:
		e.handleDeviceRemoved(cmd.busID)
	case cmdClientConnected:
		e.handleClientConnected(cmd.clientID)
	case cmdClientDisconnected:
		e.handleClientDisconnected(cmd.clientID)
	case cmdAssign:
		cmd.reply <- result{outcome: e.handleAssign(cmd.busID, cmd.clientID)}
	case cmdForceFree:
		cmd.reply <- result{outcome: e.handleForceFree(cmd.busID)}
	case cmdForceReattach:
		cmd.reply <- result{outcome: e.handleForceReattach(cmd.busID)}
	case cmdAssignAll:
		cmd.reply <- result{outcome: e.handleAssignAll(cmd.clientID)}
	case cmdListDevices:
		cmd.reply <- result{devices: e.listDevices()}
	case cmdListClients:
		cmd.reply <- result{clients: e.sessions.ConnectedClients()}
	case cmdDebug:
		cmd.reply <- result{debug: e.debugSnapshot()}
	}

	e.metrics.SetExportedDevices(len(e.registry.ExportedBusIDs()))
	e.metrics.SetConnectedClients(len(e.sessions.ConnectedClients()))
}

func frame(busID, verb string) string {
	return fmt.Sprintf("Device %s %s", busID, verb)
}

// -- event handlers (fire-and-forget; posted from portwatcher/sessions) --

func (e *Engine) handleDeviceAdded(busID string) {
	ok, err := e.driver.Bind(busID)
	e.metrics.IncBindOps()
	if err != nil {
		_ = level.Error(e.logger).Log("msg", "bind failed", "bus_id", busID, "err", err)
		return
	}
	if !ok {
		_ = level.Warn(e.logger).Log("msg", "device did not bind; leaving unexported", "bus_id", busID)
		return
	}

	name := e.driver.ProductName(busID)
	e.registry.MarkExported(busID, name)

	assignAll := e.store.GetAssignAll()
	switch {
	case assignAll != store.AssignAllNone && e.sessions.IsConnected(assignAll):
		_ = e.store.Set(busID, assignAll)
		e.pushBound(busID, assignAll)
	default:
		if owner, ok := e.store.Get(busID); ok && owner != store.AssignAllNone && owner != "" && e.sessions.IsConnected(owner) {
			e.pushBound(busID, owner)
		}
	}

	e.bus.Publish(bus.TopicDeviceAdded, busID)
}

func (e *Engine) handleDeviceRemoved(busID string) {
	e.registry.Remove(busID)
	e.sessions.Broadcast(frame(busID, "removed"))
	// Desired owner in the Store is intentionally retained: open question 1.
	e.bus.Publish(bus.TopicDeviceRemoved, busID)
}

func (e *Engine) handleClientConnected(clientID string) {
	assignAll := e.store.GetAssignAll()
	for _, busID := range e.registry.ExportedBusIDs() {
		if _, inUse := e.registry.InUseBy(busID); inUse {
			continue
		}
		owner, hasOwner := e.store.Get(busID)
		switch {
		case hasOwner && owner == clientID:
			e.pushBound(busID, clientID)
		case !hasOwner && assignAll == store.AssignAllNone:
			if err := e.store.Set(busID, clientID); err != nil {
				_ = level.Error(e.logger).Log("msg", "failed to persist auto-assignment", "bus_id", busID, "client_id", clientID, "err", err)
				continue
			}
			if !e.pushBound(busID, clientID) {
				_ = e.store.Remove(busID)
			}
		}
	}
	e.bus.Publish(bus.TopicClientConnected, clientID)
}

func (e *Engine) handleClientDisconnected(clientID string) {
	for _, busID := range e.registry.BusIDsInUseBy(clientID) {
		e.registry.ClearInUse(busID)
	}
	e.bus.Publish(bus.TopicClientDisconnected, clientID)
}

// pushBound sends a bound frame for busID to clientID and, on success,
// records the in-use relationship in the Registry.
func (e *Engine) pushBound(busID, clientID string) bool {
	if e.sessions.Push(clientID, frame(busID, "bound")) {
		e.registry.SetInUse(busID, clientID)
		e.metrics.IncAttachPushes()
		return true
	}
	return false
}

// -- operator commands (request/response) --

func (e *Engine) handleAssign(busID, clientID string) string {
	if !e.registry.IsExported(busID) {
		ok, err := e.driver.Bind(busID)
		e.metrics.IncBindOps()
		if err != nil || !ok {
			_ = level.Warn(e.logger).Log("msg", "assign could not export device", "bus_id", busID, "client_id", clientID)
			return "queued-for-client"
		}
		e.registry.MarkExported(busID, e.driver.ProductName(busID))
	}

	if owner, inUse := e.registry.InUseBy(busID); inUse {
		if owner == clientID {
			_ = e.store.Set(busID, clientID)
			return "already-in-use"
		}
		e.forceFreeCycle(busID)
	}

	if clientID == store.AssignAllNone {
		e.registry.ClearInUse(busID)
		_ = e.store.Remove(busID)
		return "unassigned"
	}

	if err := e.store.Set(busID, clientID); err != nil {
		_ = level.Error(e.logger).Log("msg", "failed to persist assignment", "bus_id", busID, "client_id", clientID, "err", err)
	}
	if e.pushBound(busID, clientID) {
		return "assigned"
	}
	return "queued-for-client"
}

func (e *Engine) handleForceFree(busID string) string {
	if !e.registry.IsExported(busID) {
		return "not-exported"
	}
	e.forceFreeCycle(busID)
	return "freed"
}

func (e *Engine) handleForceReattach(busID string) string {
	if !e.registry.IsExported(busID) {
		return "not-exported"
	}
	e.forceFreeCycle(busID)
	e.handleDeviceAdded(busID)
	return "reattached"
}

// forceFreeCycle clears any current owner, notifies them best-effort, and
// runs the unbind / settle / rebind cycle shared by force_free,
// force_reattach, and assign's pre-emption of an existing owner.
func (e *Engine) forceFreeCycle(busID string) {
	if owner, inUse := e.registry.InUseBy(busID); inUse {
		e.sessions.Push(owner, frame(busID, "unbound"))
		e.registry.ClearInUse(busID)
	}

	if err := e.driver.Unbind(busID); err != nil {
		_ = level.Warn(e.logger).Log("msg", "unbind failed during force-free cycle", "bus_id", busID, "err", err)
	}
	time.Sleep(usbiptool.SettleDelay)

	ok, err := e.driver.Bind(busID)
	e.metrics.IncBindOps()
	switch {
	case err != nil:
		_ = level.Error(e.logger).Log("msg", "rebind failed during force-free cycle", "bus_id", busID, "err", err)
		e.registry.Remove(busID)
	case !ok:
		_ = level.Warn(e.logger).Log("msg", "rebind did not succeed during force-free cycle", "bus_id", busID)
		e.registry.Remove(busID)
	default:
		e.registry.MarkExported(busID, e.driver.ProductName(busID))
	}
}

func (e *Engine) handleAssignAll(clientID string) string {
	if clientID == store.AssignAllNone {
		_ = e.store.SetAssignAll(store.AssignAllNone)
		for _, busID := range e.store.SortedBusIDs() {
			if e.registry.IsExported(busID) {
				e.forceFreeCycle(busID)
			}
			_ = e.store.Remove(busID)
		}
		return "cleared"
	}

	_ = e.store.SetAssignAll(clientID)
	for _, busID := range e.registry.ExportedBusIDs() {
		if owner, ok := e.store.Get(busID); ok && owner != clientID {
			e.forceFreeCycle(busID)
		}
	}
	for _, busID := range e.registry.ExportedBusIDs() {
		if err := e.store.Set(busID, clientID); err != nil {
			_ = level.Error(e.logger).Log("msg", "failed to persist blanket assignment", "bus_id", busID, "client_id", clientID, "err", err)
			continue
		}
		e.pushBound(busID, clientID)
	}
	return "assigned"
}

func (e *Engine) listDevices() []apitypes.DeviceInfo {
	snapshot := e.registry.Snapshot()
	devices := make([]apitypes.DeviceInfo, 0, len(snapshot))
	for _, d := range snapshot {
		owner, _ := e.store.Get(d.BusID)
		devices = append(devices, apitypes.DeviceInfo{
			BusID:      d.BusID,
			Name:       d.Name,
			AssignedTo: owner,
			InUse:      d.InUseBy,
		})
	}
	return devices
}

func (e *Engine) debugSnapshot() apitypes.DebugSnapshot {
	snapshot := e.registry.Snapshot()
	inUse := make(map[string]string, len(snapshot))
	for _, d := range snapshot {
		if d.InUseBy != "" {
			inUse[d.BusID] = d.InUseBy
		}
	}
	return apitypes.DebugSnapshot{
		DeviceAssignments: e.store.Iter(),
		DeviceInUse:       inUse,
		ExportedDevices:   e.registry.ExportedBusIDs(),
		Clients:           e.sessions.ConnectedClients(),
		AssignAllClientID: e.store.GetAssignAll(),
	}
}

// -- public API: fire-and-forget event posting --

func (e *Engine) PostDeviceAdded(busID string)      { e.commands <- command{kind: cmdDeviceAdded, busID: busID} }
func (e *Engine) PostDeviceRemoved(busID string)     { e.commands <- command{kind: cmdDeviceRemoved, busID: busID} }
func (e *Engine) ClientConnected(clientID string)    { e.commands <- command{kind: cmdClientConnected, clientID: clientID} }
func (e *Engine) ClientDisconnected(clientID string) { e.commands <- command{kind: cmdClientDisconnected, clientID: clientID} }

// -- public API: operator request/response commands --

func (e *Engine) do(ctx context.Context, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)
	select {
	case e.commands <- cmd:
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Assign implements the assign(bus_id, client_id) operator command.
func (e *Engine) Assign(ctx context.Context, busID, clientID string) (string, error) {
	res, err := e.do(ctx, command{kind: cmdAssign, busID: busID, clientID: clientID})
	return res.outcome, err
}

// ForceFree implements the force_free(bus_id) operator command.
func (e *Engine) ForceFree(ctx context.Context, busID string) (string, error) {
	res, err := e.do(ctx, command{kind: cmdForceFree, busID: busID})
	return res.outcome, err
}

// ForceReattach implements the force_reattach(bus_id) operator command.
func (e *Engine) ForceReattach(ctx context.Context, busID string) (string, error) {
	res, err := e.do(ctx, command{kind: cmdForceReattach, busID: busID})
	return res.outcome, err
}

// AssignAll implements the assign_all(client_id) operator command.
func (e *Engine) AssignAll(ctx context.Context, clientID string) (string, error) {
	res, err := e.do(ctx, command{kind: cmdAssignAll, clientID: clientID})
	return res.outcome, err
}

// ListDevices returns every exported device and its current assignment.
func (e *Engine) ListDevices(ctx context.Context) ([]apitypes.DeviceInfo, error) {
	res, err := e.do(ctx, command{kind: cmdListDevices})
	return res.devices, err
}

// ListClients returns every currently connected client ID.
func (e *Engine) ListClients(ctx context.Context) ([]string, error) {
	res, err := e.do(ctx, command{kind: cmdListClients})
	return res.clients, err
}

// Debug returns a full internal-state snapshot for operator diagnostics.
func (e *Engine) Debug(ctx context.Context) (apitypes.DebugSnapshot, error) {
	res, err := e.do(ctx, command{kind: cmdDebug})
	return res.debug, err
}
