// Package sim runs several mesh instances in one process over the in-memory
// transport. It backs the sim command and the convergence tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/encodeous/bativ/core"
	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport/memory"
)

type Signal chan bool

func NewSignal() Signal {
	return make(chan bool)
}
func (s Signal) Trigger() {
	select {
	case <-s:
	default:
		close(s)
	}
}
func (s Signal) Triggered() bool {
	select {
	case <-s:
		return true
	default:
		return false
	}
}
func (s Signal) Wait() {
	<-s
}

// Node is one simulated mesh instance.
type Node struct {
	Name  string
	Index int
	Cfg   state.Config
	Mesh  *core.Mesh
	links int
}

// ID is the originator address of the node, the address of its first interface.
func (n *Node) ID() state.NodeID {
	if len(n.Cfg.Interfaces) == 0 {
		return state.NodeID{}
	}
	return n.Cfg.Interfaces[0].Addr
}

// IfaceAddr derives the address of a node's link-th interface.
func IfaceAddr(node, link int) state.NodeID {
	return state.NodeID{0x02, 0xba, byte(node >> 8), byte(node), byte(link >> 8), byte(link)}
}

type VirtualHarness struct {
	Base    state.Config
	Clock   state.Clock
	Log     *slog.Logger
	Hub     *memory.Hub
	Context context.Context
	Cancel  context.CancelCauseFunc
	Nodes   []*Node
	Links   []state.LinkDef
	byAddr  map[state.NodeID]*Node
}

// NewHarness creates an empty harness. Every node starts from base; a nil
// clock means wall time.
func NewHarness(base state.Config, clock state.Clock, log *slog.Logger) *VirtualHarness {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = state.SystemClock{}
	}
	base.Interfaces = nil
	return &VirtualHarness{
		Base:   base,
		Clock:  clock,
		Log:    log,
		Hub:    memory.NewHub(),
		byAddr: make(map[state.NodeID]*Node),
	}
}

// FromGraph creates one node per name and one link per graph line, see state.ParseLinks.
func FromGraph(base state.Config, clock state.Clock, log *slog.Logger, names []string, graph []string) (*VirtualHarness, error) {
	v := NewHarness(base, clock, log)
	for _, name := range names {
		if err := state.NameValidator(name); err != nil {
			return nil, err
		}
		v.NewNode(name)
	}
	links, err := state.ParseLinks(graph, names)
	if err != nil {
		return nil, err
	}
	for _, link := range links {
		v.AddLink(link.Name, link.Nodes...)
	}
	return v, nil
}

func (v *VirtualHarness) NewNode(name string) *Node {
	cfg := v.Base
	cfg.Name = name
	cfg.Transport = state.TransportCfg{Type: "memory"}
	n := &Node{Name: name, Index: len(v.Nodes), Cfg: cfg}
	v.Nodes = append(v.Nodes, n)
	return n
}

func (v *VirtualHarness) Node(name string) *Node {
	idx := slices.IndexFunc(v.Nodes, func(n *Node) bool {
		return n.Name == name
	})
	if idx == -1 {
		return nil
	}
	return v.Nodes[idx]
}

// AddLink gives every named node an interface on a shared broadcast domain.
func (v *VirtualHarness) AddLink(link string, nodes ...string) {
	v.Links = append(v.Links, state.LinkDef{Name: link, Nodes: nodes})
	for _, name := range nodes {
		n := v.Node(name)
		if n == nil {
			panic(fmt.Sprintf("no node named %s", name))
		}
		addr := IfaceAddr(n.Index, n.links)
		n.links++
		n.Cfg.Interfaces = append(n.Cfg.Interfaces, state.InterfaceCfg{
			Name: fmt.Sprintf("%s-%s", name, link),
			Addr: addr,
			Link: link,
		})
		v.byAddr[addr] = n
	}
}

// Path returns the impairments from one node to another on the given link.
func (v *VirtualHarness) Path(link, from, to string) *memory.Path {
	return v.Hub.Path(v.ifaceOn(link, from), v.ifaceOn(link, to))
}

// Cut drops every frame between two nodes on the given link.
func (v *VirtualHarness) Cut(link, a, b string) {
	v.Hub.Cut(v.ifaceOn(link, a), v.ifaceOn(link, b))
}

func (v *VirtualHarness) Heal(link, a, b string) {
	v.Hub.Heal(v.ifaceOn(link, a), v.ifaceOn(link, b))
}

func (v *VirtualHarness) ifaceOn(link, name string) state.NodeID {
	n := v.Node(name)
	if n == nil {
		panic(fmt.Sprintf("no node named %s", name))
	}
	for _, itf := range n.Cfg.Interfaces {
		if itf.Link == link {
			return itf.Addr
		}
	}
	panic(fmt.Sprintf("%s is not attached to %s", name, link))
}

// Owner resolves an interface address to the node it belongs to.
func (v *VirtualHarness) Owner(addr state.NodeID) *Node {
	return v.byAddr[addr]
}

// Start brings every node up. On error the nodes already started are stopped.
func (v *VirtualHarness) Start() error {
	v.Context, v.Cancel = context.WithCancelCause(context.Background())
	for _, n := range v.Nodes {
		if err := state.ConfigValidator(&n.Cfg); err != nil {
			v.Stop()
			return fmt.Errorf("node %s: %w", n.Name, err)
		}
		env := state.NewEnv(v.Context, n.Cfg, v.Log.With("node", n.Name), v.Clock)
		m, err := core.NewMesh(env, v.Hub.NewTransport())
		if err != nil {
			v.Stop()
			return fmt.Errorf("node %s: %w", n.Name, err)
		}
		n.Mesh = m
		if err := m.Start(); err != nil {
			v.Stop()
			return fmt.Errorf("node %s: %w", n.Name, err)
		}
	}
	return nil
}

func (v *VirtualHarness) Stop() {
	if v.Cancel != nil {
		v.Cancel(errors.New("stopping harness"))
	}
	for _, n := range v.Nodes {
		if n.Mesh != nil {
			n.Mesh.Stop()
		}
	}
	v.Hub.Wait()
}

// NextHop returns the node from currently routes through towards to.
func (v *VirtualHarness) NextHop(from, to string) (*Node, bool) {
	src, dst := v.Node(from), v.Node(to)
	if src == nil || dst == nil || src.Mesh == nil {
		return nil, false
	}
	o := src.Mesh.Topology.Originator(dst.ID())
	if o == nil {
		return nil, false
	}
	r := o.Router(state.IfaceDefault)
	if r == nil {
		return nil, false
	}
	hop := v.Owner(r.Addr)
	return hop, hop != nil
}

// Trace follows next hops from one node to another. It fails on a missing route or a loop.
func (v *VirtualHarness) Trace(from, to string) ([]string, error) {
	path := []string{from}
	cur := from
	for cur != to {
		hop, ok := v.NextHop(cur, to)
		if !ok {
			return path, fmt.Errorf("%s has no route to %s", cur, to)
		}
		if slices.Contains(path, hop.Name) {
			return append(path, hop.Name), fmt.Errorf("routing loop towards %s", to)
		}
		path = append(path, hop.Name)
		cur = hop.Name
	}
	return path, nil
}

// Converged reports whether every node can trace a loop-free path to every other node.
func (v *VirtualHarness) Converged() bool {
	for _, a := range v.Nodes {
		for _, b := range v.Nodes {
			if a == b {
				continue
			}
			if _, err := v.Trace(a.Name, b.Name); err != nil {
				return false
			}
		}
	}
	return true
}

// WaitConverged polls until Converged holds or the timeout passes. Only
// meaningful with wall time.
func (v *VirtualHarness) WaitConverged(timeout time.Duration) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if v.Converged() {
			return nil
		}
		select {
		case <-deadline:
			return errors.New("network did not converge in time")
		case <-v.Context.Done():
			return context.Cause(v.Context)
		case <-tick.C:
		}
	}
}
