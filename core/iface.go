package core

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/encodeous/bativ/state"
)

var (
	ErrUnknownInterface  = errors.New("unknown interface")
	ErrInterfaceDisabled = errors.New("interface is not active")
)

type IfaceState int32

const (
	IfaceDisabled IfaceState = iota
	IfaceEnabling
	IfaceActive
)

func (s IfaceState) String() string {
	switch s {
	case IfaceDisabled:
		return "disabled"
	case IfaceEnabling:
		return "enabling"
	case IfaceActive:
		return "active"
	}
	return "unknown"
}

// HardIface is a local interface OGMs are sent and received on.
type HardIface struct {
	ID         state.IfaceID
	Name       string
	Addr       state.NodeID
	Link       string
	Wifi       bool
	HopPenalty uint8

	status atomic.Int32
	// next sequence number to emit
	seqno atomic.Uint32
	emit  *state.Task
}

func (h *HardIface) State() IfaceState {
	return IfaceState(h.status.Load())
}

func (h *HardIface) Active() bool {
	return h.State() == IfaceActive
}

func (h *HardIface) transition(from, to IfaceState) bool {
	return h.status.CompareAndSwap(int32(from), int32(to))
}

func (h *HardIface) NextSeqno() uint32 {
	return h.seqno.Load()
}

func (h *HardIface) String() string {
	return fmt.Sprintf("%s(%s)", h.Name, h.Addr)
}

// InterfaceTable holds the local hard interfaces. The primary interface is the
// first one to become active; its address is the identity of this node.
type InterfaceTable struct {
	mu      sync.RWMutex
	ifaces  map[state.IfaceID]*HardIface
	primary state.IfaceID
	nextID  state.IfaceID
}

func NewInterfaceTable() *InterfaceTable {
	return &InterfaceTable{
		ifaces: make(map[state.IfaceID]*HardIface),
		nextID: 1,
	}
}

func (t *InterfaceTable) Add(cfg state.InterfaceCfg) (*HardIface, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.ifaces {
		if h.Name == cfg.Name {
			return nil, fmt.Errorf("interface %s already exists", cfg.Name)
		}
		if h.Addr == cfg.Addr {
			return nil, fmt.Errorf("address %s already used by %s", cfg.Addr, h.Name)
		}
	}
	h := &HardIface{
		ID:         t.nextID,
		Name:       cfg.Name,
		Addr:       cfg.Addr,
		Link:       cfg.Link,
		Wifi:       cfg.Wifi,
		HopPenalty: cfg.HopPenalty,
	}
	t.nextID++
	t.ifaces[h.ID] = h
	return h, nil
}

func (t *InterfaceTable) Remove(id state.IfaceID) (*HardIface, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.ifaces[id]
	if !ok {
		return nil, ErrUnknownInterface
	}
	delete(t.ifaces, id)
	if t.primary == id {
		t.electPrimaryLocked()
	}
	return h, nil
}

func (t *InterfaceTable) Get(id state.IfaceID) *HardIface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ifaces[id]
}

func (t *InterfaceTable) ByName(name string) *HardIface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, h := range t.ifaces {
		if h.Name == name {
			return h
		}
	}
	return nil
}

func (t *InterfaceTable) All() []*HardIface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*HardIface, 0, len(t.ifaces))
	for _, h := range t.ifaces {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *HardIface) int {
		return int(a.ID) - int(b.ID)
	})
	return out
}

func (t *InterfaceTable) Active() []*HardIface {
	return slices.DeleteFunc(t.All(), func(h *HardIface) bool {
		return !h.Active()
	})
}

// IsActive reports whether id names an active hard interface.
func (t *InterfaceTable) IsActive(id state.IfaceID) bool {
	h := t.Get(id)
	return h != nil && h.Active()
}

func (t *InterfaceTable) Primary() *HardIface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ifaces[t.primary]
}

// activated is called once h became active.
func (t *InterfaceTable) activated(h *HardIface) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.ifaces[t.primary]; !ok || !p.Active() {
		t.primary = h.ID
	}
}

// deactivated is called once h left the active state.
func (t *InterfaceTable) deactivated(h *HardIface) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.primary == h.ID {
		t.electPrimaryLocked()
	}
}

func (t *InterfaceTable) electPrimaryLocked() {
	t.primary = state.IfaceDefault
	for id, h := range t.ifaces {
		if h.Active() && (t.primary == state.IfaceDefault || id < t.primary) {
			t.primary = id
		}
	}
}

// Owner returns the active interface using addr, if any.
func (t *InterfaceTable) Owner(addr state.NodeID) *HardIface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, h := range t.ifaces {
		if h.Addr == addr && h.Active() {
			return h
		}
	}
	return nil
}

func (t *InterfaceTable) IsMyAddr(addr state.NodeID) bool {
	return t.Owner(addr) != nil
}
