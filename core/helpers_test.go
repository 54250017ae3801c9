package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/encodeous/bativ/protocol"
	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport"
	"github.com/encodeous/bativ/transport/memory"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func addr(last byte) state.NodeID {
	return state.NodeID{0x02, 0, 0, 0, 0, last}
}

func testConfig(name string, ifaces ...state.InterfaceCfg) state.Config {
	cfg := state.DefaultConfig()
	cfg.Name = name
	cfg.Interfaces = ifaces
	cfg.Workers = 0
	return cfg
}

func iface(name string, a state.NodeID, link string) state.InterfaceCfg {
	return state.InterfaceCfg{Name: name, Addr: a, Link: link}
}

// newTestMesh builds an instance that is not started.
func newTestMesh(t *testing.T, clock state.Clock, tr transport.Transport, cfg state.Config) *Mesh {
	t.Helper()
	require.NoError(t, state.ConfigValidator(&cfg))
	env := state.NewEnv(context.Background(), cfg, nil, clock)
	m, err := NewMesh(env, tr)
	require.NoError(t, err)
	return m
}

// startTestMesh builds and starts an instance that is stopped with the test.
func startTestMesh(t *testing.T, clock state.Clock, hub *memory.Hub, cfg state.Config) *Mesh {
	t.Helper()
	m := newTestMesh(t, clock, hub.NewTransport(), cfg)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

// testNeighbor adds a neighbor of orig whose average TQ through the default view is tq.
func testNeighbor(orig *OriginatorNode, a state.NodeID, in state.IfaceID, tq uint8) *NeighborNode {
	n := &NeighborNode{
		Addr:      a,
		Incoming:  in,
		Orig:      orig,
		NeighOrig: newOriginator(a),
		ifinfo:    make(map[state.IfaceID]*NeighIfInfo),
	}
	n.observeTQ(state.IfaceDefault, tq, 1)
	orig.neighbors = append(orig.neighbors, n)
	return n
}

func routerOf(m *Mesh, orig state.NodeID) (state.NodeID, bool) {
	o := m.Topology.Originator(orig)
	if o == nil {
		return state.NodeID{}, false
	}
	r := o.Router(state.IfaceDefault)
	if r == nil {
		return state.NodeID{}, false
	}
	return r.Addr, true
}

func routeTQOf(m *Mesh, orig state.NodeID) uint8 {
	o := m.Topology.Originator(orig)
	if o == nil {
		return 0
	}
	tq, _ := routeTQ(o)
	return tq
}

type sentFrame struct {
	iface state.IfaceID
	frame []byte
}

// recordTransport keeps every broadcast frame instead of sending it.
type recordTransport struct {
	mu       sync.Mutex
	sent     []sentFrame
	attached map[state.IfaceID]transport.Interface
	fail     error
}

func newRecordTransport() *recordTransport {
	return &recordTransport{attached: make(map[state.IfaceID]transport.Interface)}
}

func (r *recordTransport) Start(ctx context.Context, h transport.Handler) error {
	return nil
}

func (r *recordTransport) Attach(iface transport.Interface) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached[iface.ID] = iface
	return nil
}

func (r *recordTransport) Detach(id state.IfaceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attached, id)
	return nil
}

func (r *recordTransport) Broadcast(id state.IfaceID, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, sentFrame{iface: id, frame: append([]byte(nil), frame...)})
	return nil
}

func (r *recordTransport) Close() error {
	return nil
}

func (r *recordTransport) frames() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentFrame(nil), r.sent...)
}

// decoded parses every recorded frame.
func (r *recordTransport) decoded(t *testing.T) [][]protocol.OGM {
	t.Helper()
	var out [][]protocol.OGM
	for _, f := range r.frames() {
		ogms, err := protocol.ParseFrame(f.frame)
		require.NoError(t, err)
		out = append(out, ogms)
	}
	return out
}

// activate registers an interface as active without scheduling its own OGMs.
func activate(t *testing.T, m *Mesh, cfg state.InterfaceCfg) *HardIface {
	t.Helper()
	h, err := m.Ifaces.Add(cfg)
	require.NoError(t, err)
	require.True(t, h.transition(IfaceDisabled, IfaceActive))
	m.Ifaces.activated(h)
	require.NoError(t, m.Transport.Attach(transport.InterfaceFromConfig(h.ID, cfg)))
	return h
}
