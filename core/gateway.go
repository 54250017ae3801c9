package core

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/encodeous/bativ/protocol"
	"github.com/encodeous/bativ/state"
)

// Gateway is an originator announcing uplink bandwidth.
type Gateway struct {
	Orig *OriginatorNode
	protocol.GatewayBandwidth
}

// GatewaySelector tracks announced gateways and, in client mode, elects the
// one this node should use.
type GatewaySelector struct {
	m   *Mesh
	log *slog.Logger

	mu       sync.Mutex
	gateways map[state.NodeID]*Gateway
	current  *Gateway
	reselect bool
	class    uint32
}

func (g *GatewaySelector) Init(m *Mesh) error {
	g.m = m
	g.log = m.Log.WithGroup("gw")
	g.gateways = make(map[state.NodeID]*Gateway)
	g.class = m.Gateway.SelClass
	m.Tvlv.RegisterHandler(protocol.TvlvGateway, 1, g.handleTVLV, true)
	if m.Gateway.Mode == state.GatewayServer {
		m.Tvlv.RegisterContainer(protocol.GatewayBandwidth{
			Down: m.Gateway.BandwidthDown,
			Up:   m.Gateway.BandwidthUp,
		}.TVLV())
	}
	return nil
}

func (g *GatewaySelector) Cleanup(m *Mesh) error {
	m.Tvlv.UnregisterHandler(protocol.TvlvGateway, 1)
	m.Tvlv.UnregisterContainer(protocol.TvlvGateway, 1)
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.gateways)
	g.current = nil
	return nil
}

func (g *GatewaySelector) client() bool {
	return g.m.Gateway.Mode == state.GatewayClient
}

func (g *GatewaySelector) handleTVLV(orig *OriginatorNode, value []byte, found bool) {
	bw := protocol.GatewayBandwidth{}
	if found {
		var err error
		bw, err = protocol.ParseGatewayBandwidth(value)
		if err != nil {
			g.log.Debug("ignoring malformed gateway announcement", "orig", orig.ID, "error", err)
			return
		}
	}
	g.Update(orig, bw)
}

// Update records the bandwidth orig announces. No downlink bandwidth removes the gateway.
func (g *GatewaySelector) Update(orig *OriginatorNode, bw protocol.GatewayBandwidth) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gw, ok := g.gateways[orig.ID]
	if bw.Down == 0 {
		if !ok {
			return
		}
		g.log.Debug("gateway withdrawn", "orig", orig.ID)
		delete(g.gateways, orig.ID)
		if g.current == gw {
			g.reselect = true
		}
		return
	}
	if !ok {
		g.log.Info("found new gateway", "orig", orig.ID, "down", bw.Down, "up", bw.Up)
		g.gateways[orig.ID] = &Gateway{Orig: orig, GatewayBandwidth: bw}
		return
	}
	if gw.GatewayBandwidth == bw {
		return
	}
	g.log.Debug("gateway bandwidth changed", "orig", orig.ID, "down", bw.Down, "up", bw.Up)
	gw.Orig = orig
	gw.GatewayBandwidth = bw
	if g.current == gw {
		g.reselect = true
	}
}

// Remove forgets the gateway of a purged originator.
func (g *GatewaySelector) Remove(id state.NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gw, ok := g.gateways[id]
	if !ok {
		return
	}
	delete(g.gateways, id)
	if g.current == gw {
		g.reselect = true
	}
}

func routeTQ(orig *OriginatorNode) (uint8, bool) {
	r := orig.Router(state.IfaceDefault)
	if r == nil {
		return 0, false
	}
	info, ok := r.IfInfo(state.IfaceDefault)
	if !ok {
		return 0, false
	}
	return info.TQAvg, true
}

// BestGateway ranks the reachable gateways. Class 1 weighs the route TQ
// against the announced downlink, every other class takes the best TQ.
func (g *GatewaySelector) BestGateway(class uint32) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bestLocked(class)
}

func (g *GatewaySelector) bestLocked(class uint32) *Gateway {
	ids := make([]state.NodeID, 0, len(g.gateways))
	for id := range g.gateways {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, state.NodeID.Compare)

	var best *Gateway
	var maxTQ uint8
	var maxFactor uint64
	for _, id := range ids {
		gw := g.gateways[id]
		if gw.Orig.Isolated() {
			continue
		}
		tq, ok := routeTQ(gw.Orig)
		if !ok {
			continue
		}
		var factor uint64
		switch class {
		case 1:
			factor = uint64(tq) * uint64(tq) * uint64(gw.Down) * 100 * 100 >> 18
			if factor > maxFactor || (factor == maxFactor && tq > maxTQ) {
				best = gw
			}
		default:
			if tq > maxTQ {
				best = gw
			}
		}
		maxTQ = max(maxTQ, tq)
		maxFactor = max(maxFactor, factor)
	}
	return best
}

// IsEligibleSwitch reports whether the route to candidate is enough of an
// improvement over the route to current to switch gateways.
func IsEligibleSwitch(current, candidate *OriginatorNode, class uint32) bool {
	curTQ, ok := routeTQ(current)
	if !ok {
		return true
	}
	candTQ, ok := routeTQ(candidate)
	if !ok {
		return false
	}
	if candTQ < curTQ {
		return false
	}
	// late switch classes name the TQ margin the candidate needs
	if class > 3 && uint32(candTQ-curTQ) < class {
		return false
	}
	return true
}

// CheckElection asks for a re-election when orig became a better gateway than
// the current one. Classes 1 and 2 keep their gateway until it is lost.
func (g *GatewaySelector) CheckElection(orig *OriginatorNode) {
	if !g.client() || g.class <= 2 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil || g.current.Orig == orig {
		return
	}
	if _, ok := g.gateways[orig.ID]; !ok {
		return
	}
	if IsEligibleSwitch(g.current.Orig, orig, g.class) {
		g.log.Debug("restarting gateway selection", "candidate", orig.ID, "current", g.current.Orig.ID)
		g.reselect = true
	}
}

// Reselect forces the next election to reconsider the current gateway.
func (g *GatewaySelector) Reselect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reselect = true
}

// Elect picks a gateway when none is selected or a re-election was requested.
func (g *GatewaySelector) Elect() {
	if !g.client() {
		return
	}
	g.mu.Lock()
	prev := g.current
	if prev != nil {
		if _, ok := g.gateways[prev.Orig.ID]; !ok {
			g.reselect = true
		} else if _, ok := routeTQ(prev.Orig); !ok {
			g.reselect = true
		}
	}
	if !g.reselect && prev != nil {
		g.mu.Unlock()
		return
	}
	g.reselect = false
	next := g.bestLocked(g.class)
	if next == prev {
		g.mu.Unlock()
		return
	}
	g.current = next
	g.mu.Unlock()

	ev := GatewayEvent{}
	if prev != nil {
		id := prev.Orig.ID
		ev.Previous = &id
	}
	switch {
	case next == nil:
		ev.Kind = GatewayLost
		g.log.Info("removing selected gateway, no gateway in range", "previous", *ev.Previous)
	case prev == nil:
		id := next.Orig.ID
		ev.Kind, ev.Gateway = GatewayAdded, &id
		g.log.Info("adding route to gateway", "gateway", id, "down", next.Down, "up", next.Up)
	default:
		id := next.Orig.ID
		ev.Kind, ev.Gateway = GatewaySwitched, &id
		g.log.Info("changing route to gateway", "gateway", id, "previous", *ev.Previous)
	}
	g.m.Events.publish(ev)
}

// CurrentGateway is the selected gateway, if any.
func (g *GatewaySelector) CurrentGateway() (state.NodeID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return state.NodeID{}, false
	}
	return g.current.Orig.ID, true
}

func (g *GatewaySelector) OnGatewayChanged(fn func(GatewayEvent)) {
	g.m.Events.OnGatewayChanged(fn)
}

// Gateways returns copies of the known gateways sorted by originator.
func (g *GatewaySelector) Gateways() []Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Gateway, 0, len(g.gateways))
	for _, gw := range g.gateways {
		out = append(out, *gw)
	}
	slices.SortFunc(out, func(a, b Gateway) int {
		return a.Orig.ID.Compare(b.Orig.ID)
	})
	return out
}
