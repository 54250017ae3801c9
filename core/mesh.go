package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport"
)

var ErrStopped = errors.New("mesh instance stopped")

// MeshModule is a component of a mesh instance. Modules are initialised in
// order and cleaned up in reverse.
type MeshModule interface {
	Init(m *Mesh) error
	Cleanup(m *Mesh) error
}

// Mesh is one B.A.T.M.A.N. IV instance: the interfaces it runs on and
// everything it learned through them.
type Mesh struct {
	*state.Env
	Counters  *Counters
	Events    *EventBus
	Tvlv      *TvlvRegistry
	Ifaces    *InterfaceTable
	Topology  *TopologyStore
	Routes    *RouteSelector
	Aggr      *AggregationScheduler
	Gateways  *GatewaySelector
	Engine    *Engine
	Transport transport.Transport

	mu        sync.Mutex
	modules   []MeshModule
	purgeTask *state.Task
	started   atomic.Bool
	stopping  atomic.Bool
}

// NewMesh builds an instance on env that sends and receives through tr.
// Nothing is sent until Start.
func NewMesh(env *state.Env, tr transport.Transport) (*Mesh, error) {
	m := &Mesh{
		Env:       env,
		Counters:  &Counters{},
		Events:    &EventBus{},
		Tvlv:      &TvlvRegistry{},
		Ifaces:    NewInterfaceTable(),
		Topology:  &TopologyStore{},
		Routes:    &RouteSelector{},
		Aggr:      &AggregationScheduler{},
		Gateways:  &GatewaySelector{},
		Engine:    &Engine{},
		Transport: tr,
	}
	modules := []MeshModule{m.Events, m.Tvlv, m.Topology, m.Routes, m.Aggr, m.Gateways, m.Engine}
	for _, module := range modules {
		if err := module.Init(m); err != nil {
			m.cleanup()
			return nil, fmt.Errorf("init %T: %w", module, err)
		}
		m.modules = append(m.modules, module)
	}
	return m, nil
}

// Start opens the transport, enables every configured interface and starts the purge timer.
func (m *Mesh) Start() error {
	if m.started.Swap(true) {
		return errors.New("mesh instance already started")
	}
	if err := m.Transport.Start(m.Context, m.Engine.OnReceive); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	for _, cfg := range m.Interfaces {
		if _, err := m.AddInterface(cfg); err != nil {
			return err
		}
	}
	m.purgeTask = m.RepeatTask(m.purge, state.PurgeInterval)
	m.Log.Info("mesh instance started", "interfaces", len(m.Interfaces))
	return nil
}

// AddInterface registers and enables a hard interface.
func (m *Mesh) AddInterface(cfg state.InterfaceCfg) (*HardIface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping.Load() {
		return nil, ErrStopped
	}
	h, err := m.Ifaces.Add(cfg)
	if err != nil {
		return nil, err
	}
	if err := m.Engine.EnableInterface(h, transport.InterfaceFromConfig(h.ID, cfg)); err != nil {
		_, _ = m.Ifaces.Remove(h.ID)
		return nil, err
	}
	return h, nil
}

// RemoveInterface disables the interface with the given name and forgets it.
func (m *Mesh) RemoveInterface(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.Ifaces.ByName(name)
	if h == nil {
		return ErrUnknownInterface
	}
	if err := m.Engine.DisableInterface(h); err != nil && !errors.Is(err, ErrInterfaceDisabled) {
		return err
	}
	_, err := m.Ifaces.Remove(h.ID)
	return err
}

// Stop disables every interface, sends what is still queued and tears the instance down.
func (m *Mesh) Stop() {
	if m.stopping.Swap(true) {
		return
	}
	m.Log.Info("stopping mesh instance")
	if m.purgeTask != nil {
		m.purgeTask.Stop()
	}
	m.mu.Lock()
	for _, h := range m.Ifaces.All() {
		if h.emit != nil {
			h.emit.Stop()
		}
	}
	m.mu.Unlock()
	m.Aggr.Stop(m.started.Load())
	m.Cancel(ErrStopped)
	if err := m.Transport.Close(); err != nil {
		m.Log.Error("closing transport", "error", err)
	}
	m.cleanup()
	m.Log.Info("stopped", "reason", context.Cause(m.Context))
}

func (m *Mesh) cleanup() {
	for i := len(m.modules) - 1; i >= 0; i-- {
		module := m.modules[i]
		if err := module.Cleanup(m); err != nil {
			m.Log.Error("error occurred during cleanup", "module", fmt.Sprintf("%T", module), "error", err)
		}
	}
	m.modules = nil
}

// Done is closed once the instance stopped or failed.
func (m *Mesh) Done() <-chan struct{} {
	return m.Context.Done()
}
