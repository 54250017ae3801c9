package core

import "github.com/encodeous/bativ/state"

// RouteSelector picks the best next hop per originator and outgoing interface
// and announces every change it makes.
type RouteSelector struct {
	events *EventBus
}

func (r *RouteSelector) Init(m *Mesh) error {
	r.events = m.Events
	return nil
}

func (r *RouteSelector) Cleanup(m *Mesh) error {
	return nil
}

// OnRouteChanged registers fn for every router change. fn runs on the
// goroutine that made the change, after the records involved were unlocked.
func (r *RouteSelector) OnRouteChanged(fn func(RouteEvent)) {
	r.events.OnRouteChanged(fn)
}

func (r *RouteSelector) Publish(evs []RouteEvent) {
	r.events.PublishRoutes(evs)
}

// ConsiderUpdate makes cand the router towards orig through out if it offers a
// strictly better average TQ than the current router. On a tie the neighbor
// that echoed more of our own OGMs on its incoming interface wins, and the
// incumbent stays when that is tied too. Requires orig.mu.
func ConsiderUpdate(orig *OriginatorNode, out state.IfaceID, cand *NeighborNode) (RouteEvent, bool) {
	cur := orig.Router(out)
	if cur == cand {
		return RouteEvent{}, false
	}
	if cur != nil {
		curInfo, ok := cur.IfInfo(out)
		if !ok {
			return RouteEvent{}, false
		}
		candTQ := cand.TQAvg(out)
		if curInfo.TQAvg > candTQ {
			return RouteEvent{}, false
		}
		if curInfo.TQAvg == candTQ {
			curSum := cur.NeighOrig.EchoCount(cur.Incoming)
			candSum := cand.NeighOrig.EchoCount(cand.Incoming)
			if curSum >= candSum {
				return RouteEvent{}, false
			}
		}
	}
	return setRouter(orig, out, cand)
}

// setRouter replaces the router towards orig through out. A nil n removes the route.
func setRouter(orig *OriginatorNode, out state.IfaceID, n *NeighborNode) (RouteEvent, bool) {
	old := orig.swapRouter(out, n)
	if old == n {
		return RouteEvent{}, false
	}
	ev := RouteEvent{Originator: orig.ID, Iface: out}
	if n != nil {
		addr := n.Addr
		ev.Router = &addr
		ev.Incoming = n.Incoming
	}
	return ev, true
}

// BestNeighbor is the neighbor of orig with the highest average TQ through
// out, or nil if none has a usable one. Requires orig.mu.
func BestNeighbor(orig *OriginatorNode, out state.IfaceID) *NeighborNode {
	var best *NeighborNode
	var bestTQ uint8
	for _, n := range orig.neighbors {
		tq := n.TQAvg(out)
		if tq == 0 {
			continue
		}
		if best == nil || tq > bestTQ {
			best, bestTQ = n, tq
		}
	}
	return best
}
