// Package memory provides an in-process transport where every interface
// attached to the same link name shares one simulated broadcast medium.
package memory

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

// Hub is a set of simulated links shared by many transports.
type Hub struct {
	mu    sync.RWMutex
	ports map[string][]*port
	paths map[state.Pair[state.NodeID, state.NodeID]]*Path
	wg    sync.WaitGroup
}

// Path holds the impairments applied from one interface address to another.
type Path struct {
	Latency    time.Duration
	Jitter     time.Duration
	PacketLoss float64
}

func (p *Path) WithLatency(lat, jitter time.Duration) *Path {
	p.Latency = lat
	p.Jitter = jitter
	return p
}

func (p *Path) WithPacketLoss(loss float64) *Path {
	p.PacketLoss = loss
	return p
}

type port struct {
	t     *Transport
	iface transport.Interface
}

func NewHub() *Hub {
	return &Hub{
		ports: make(map[string][]*port),
		paths: make(map[state.Pair[state.NodeID, state.NodeID]]*Path),
	}
}

// Path returns the impairments from one interface address to another, creating a perfect path if none exists.
func (h *Hub) Path(from, to state.NodeID) *Path {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := state.Pair[state.NodeID, state.NodeID]{V1: from, V2: to}
	p, ok := h.paths[key]
	if !ok {
		p = &Path{}
		h.paths[key] = p
	}
	return p
}

// Cut drops everything between a and b in both directions.
func (h *Hub) Cut(a, b state.NodeID) {
	h.Path(a, b).WithPacketLoss(1)
	h.Path(b, a).WithPacketLoss(1)
}

// Heal removes the impairments between a and b.
func (h *Hub) Heal(a, b state.NodeID) {
	*h.Path(a, b) = Path{}
	*h.Path(b, a) = Path{}
}

// Wait blocks until frames delayed by latency have been delivered or dropped.
func (h *Hub) Wait() {
	h.wg.Wait()
}

func (h *Hub) attach(p *port) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ports[p.iface.Link] = append(h.ports[p.iface.Link], p)
}

func (h *Hub) detach(t *Transport, id state.IfaceID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for link, ports := range h.ports {
		n := 0
		for _, p := range ports {
			if p.t == t && p.iface.ID == id {
				continue
			}
			ports[n] = p
			n++
		}
		h.ports[link] = ports[:n]
	}
}

type delivery struct {
	to    *port
	delay time.Duration
}

func (h *Hub) broadcast(from *port, frame []byte) {
	h.mu.RLock()
	targets := make([]delivery, 0)
	for _, p := range h.ports[from.iface.Link] {
		if p == from {
			continue
		}
		path := h.paths[state.Pair[state.NodeID, state.NodeID]{V1: from.iface.Addr, V2: p.iface.Addr}]
		d := delivery{to: p}
		if path != nil {
			if path.PacketLoss > 0 && rand.Float64() < path.PacketLoss {
				continue
			}
			d.delay = path.Latency
			if path.Jitter > 0 {
				d.delay += time.Duration(rand.Float64() * float64(path.Jitter))
			}
		}
		targets = append(targets, d)
	}
	h.mu.RUnlock()

	for _, d := range targets {
		pkt := append([]byte(nil), frame...)
		if d.delay == 0 {
			d.to.t.deliver(d.to.iface.ID, from.iface.Addr, pkt)
			continue
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			select {
			case <-d.to.t.ctx.Done():
			case <-time.After(d.delay):
				d.to.t.deliver(d.to.iface.ID, from.iface.Addr, pkt)
			}
		}()
	}
}
