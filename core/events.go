package core

import (
	"sync"

	"github.com/dustin/go-broadcast"
	"github.com/encodeous/bativ/state"
)

type RouterEvent int

// trace events

const (
	RouteChanged RouterEvent = iota
	RouteRemoved
	OriginatorPurged
	NeighborPurged
	GatewayChanged
	SeqnoReset
)

// drop events

const (
	DropMalformed RouterEvent = iota + 1000
	DropInactiveIface
	DropOwnBroadcast
	DropOwnOGM
	DropOwnRebroadcast
	DropNotBestNextHop
	DropProtected
	DropZeroTQ
	DropPossibleLoop
	DropUnknownNeighbor
	DropTableFull
	DropWrongOutgoing
	DropNotBidirectional
	DropDuplicate
	DropTTLExceeded
	DropNotFromBestNextHop
	DropSendFailed
)

func (e RouterEvent) String() string {
	switch e {
	case RouteChanged:
		return "route changed"
	case RouteRemoved:
		return "route removed"
	case OriginatorPurged:
		return "originator purged"
	case NeighborPurged:
		return "neighbor purged"
	case GatewayChanged:
		return "gateway changed"
	case SeqnoReset:
		return "sequence number reset"
	case DropMalformed:
		return "malformed packet"
	case DropInactiveIface:
		return "received on inactive interface"
	case DropOwnBroadcast:
		return "received my own broadcast"
	case DropOwnOGM:
		return "originator packet from myself (via neighbor)"
	case DropOwnRebroadcast:
		return "rebroadcast echo of my packet"
	case DropNotBestNextHop:
		return "packet not forwarded from the best next hop"
	case DropProtected:
		return "sequence number reset protection"
	case DropZeroTQ:
		return "originator packet with tq equal 0"
	case DropPossibleLoop:
		return "rebroadcast that may make me loop"
	case DropUnknownNeighbor:
		return "OGM via unknown neighbor"
	case DropTableFull:
		return "originator table full"
	case DropWrongOutgoing:
		return "OGM from secondary interface and wrong outgoing interface"
	case DropNotBidirectional:
		return "not received via bidirectional link"
	case DropDuplicate:
		return "duplicate packet"
	case DropTTLExceeded:
		return "ttl exceeded"
	case DropNotFromBestNextHop:
		return "multihop OGM not from best next hop"
	case DropSendFailed:
		return "send failed"
	}
	return "unknown"
}

// RouteEvent reports a change of the best next hop towards an originator on
// one outgoing interface. A nil Router means the route was removed.
type RouteEvent struct {
	Originator state.NodeID
	Iface      state.IfaceID
	Router     *state.NodeID
	Incoming   state.IfaceID
}

type GatewayEventKind int

const (
	GatewayAdded GatewayEventKind = iota
	GatewaySwitched
	GatewayLost
)

func (k GatewayEventKind) String() string {
	switch k {
	case GatewayAdded:
		return "add"
	case GatewaySwitched:
		return "change"
	case GatewayLost:
		return "del"
	}
	return "unknown"
}

type GatewayEvent struct {
	Kind     GatewayEventKind
	Gateway  *state.NodeID
	Previous *state.NodeID
}

// EventBus fans route and gateway changes out to subscribers. Callbacks run
// synchronously on the goroutine that made the change; channel subscribers are
// fed through a broadcaster and lose events when they fall behind.
type EventBus struct {
	broadcast.Broadcaster
	mu       sync.RWMutex
	closed   bool
	routeFns []func(RouteEvent)
	gwFns    []func(GatewayEvent)
	counters *Counters
}

func (b *EventBus) Init(m *Mesh) error {
	b.Broadcaster = broadcast.NewBroadcaster(state.EventBufferLen)
	b.counters = m.Counters
	return nil
}

func (b *EventBus) Cleanup(m *Mesh) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.Broadcaster.Close()
}

func (b *EventBus) OnRouteChanged(fn func(RouteEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routeFns = append(b.routeFns, fn)
}

func (b *EventBus) OnGatewayChanged(fn func(GatewayEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gwFns = append(b.gwFns, fn)
}

func (b *EventBus) publish(ev any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	switch ev := ev.(type) {
	case RouteEvent:
		for _, fn := range b.routeFns {
			fn(ev)
		}
	case GatewayEvent:
		for _, fn := range b.gwFns {
			fn(ev)
		}
	}
	if !b.TrySubmit(ev) {
		b.counters.EventsDropped.Add(1)
	}
}

func (b *EventBus) PublishRoutes(evs []RouteEvent) {
	for _, ev := range evs {
		b.publish(ev)
	}
}
