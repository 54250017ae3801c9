package core

import (
	"time"

	"github.com/encodeous/bativ/state"
)

// RouterInfo is the best next hop towards an originator through one outgoing interface.
type RouterInfo struct {
	Iface    string       `yaml:"iface"`
	Router   state.NodeID `yaml:"router"`
	Incoming string       `yaml:"incoming"`
	TQ       uint8        `yaml:"tq"`
}

type OriginatorInfo struct {
	ID       state.NodeID  `yaml:"id"`
	LastSeen time.Duration `yaml:"last_seen"`
	Isolated bool          `yaml:"isolated,omitempty"`
	Seqno    uint32        `yaml:"seqno"`
	Routers  []RouterInfo  `yaml:"routers,omitempty"`
}

type NeighborInfo struct {
	Originator state.NodeID  `yaml:"originator"`
	Addr       state.NodeID  `yaml:"addr"`
	Incoming   string        `yaml:"incoming"`
	LastSeen   time.Duration `yaml:"last_seen"`
	TQ         uint8         `yaml:"tq"`
	Received   uint8         `yaml:"received"`
	Echoes     uint8         `yaml:"echoes"`
}

type GatewayInfo struct {
	Originator state.NodeID `yaml:"originator"`
	Selected   bool         `yaml:"selected,omitempty"`
	TQ         uint8        `yaml:"tq"`
	Down       uint32       `yaml:"bandwidth_down"`
	Up         uint32       `yaml:"bandwidth_up"`
}

type InterfaceInfo struct {
	ID      state.IfaceID `yaml:"id"`
	Name    string        `yaml:"name"`
	Addr    state.NodeID  `yaml:"addr"`
	State   string        `yaml:"state"`
	Primary bool          `yaml:"primary,omitempty"`
	Seqno   uint32        `yaml:"seqno"`
	Pending int           `yaml:"pending"`
}

func (m *Mesh) ifaceName(id state.IfaceID) string {
	if id == state.IfaceDefault {
		return id.String()
	}
	if h := m.Ifaces.Get(id); h != nil {
		return h.Name
	}
	return id.String()
}

func (m *Mesh) originatorInfo(o *OriginatorNode, now time.Time) OriginatorInfo {
	info := OriginatorInfo{
		ID:       o.ID,
		LastSeen: now.Sub(o.LastSeen()).Truncate(time.Millisecond),
		Isolated: o.Isolated(),
	}
	o.mu.Lock()
	if oi, ok := o.ifinfo[state.IfaceDefault]; ok {
		info.Seqno = oi.LastRealSeqno
	}
	o.mu.Unlock()
	views := o.routerViews()
	for _, out := range append([]state.IfaceID{state.IfaceDefault}, ifaceIDs(m.Ifaces.All())...) {
		r, ok := views[out]
		if !ok {
			continue
		}
		info.Routers = append(info.Routers, RouterInfo{
			Iface:    m.ifaceName(out),
			Router:   r.Addr,
			Incoming: m.ifaceName(r.Incoming),
			TQ:       r.TQAvg(out),
		})
	}
	return info
}

func ifaceIDs(hs []*HardIface) []state.IfaceID {
	ids := make([]state.IfaceID, len(hs))
	for i, h := range hs {
		ids[i] = h.ID
	}
	return ids
}

// Originators returns a cursor over a snapshot of the originator table.
func (m *Mesh) Originators() *Cursor[OriginatorInfo] {
	now := m.Clock.Now()
	origs := m.Topology.Snapshot()
	out := make([]OriginatorInfo, 0, len(origs))
	for _, o := range origs {
		out = append(out, m.originatorInfo(o, now))
	}
	return NewCursor(out, func(i OriginatorInfo) state.NodeID { return i.ID })
}

// Neighbors lists the single hop neighbors on every interface.
func (m *Mesh) Neighbors() []NeighborInfo {
	now := m.Clock.Now()
	out := make([]NeighborInfo, 0)
	for _, h := range m.Ifaces.All() {
		for _, n := range m.Topology.HardifNeighbors(h.ID) {
			info, _ := n.IfInfo(state.IfaceDefault)
			out = append(out, NeighborInfo{
				Originator: n.Orig.ID,
				Addr:       n.Addr,
				Incoming:   h.Name,
				LastSeen:   now.Sub(n.LastSeen()).Truncate(time.Millisecond),
				TQ:         info.TQAvg,
				Received:   info.RealPacketCount,
				Echoes:     n.NeighOrig.EchoCount(h.ID),
			})
		}
	}
	return out
}

func (m *Mesh) GatewayList() []GatewayInfo {
	cur, hasCur := m.Gateways.CurrentGateway()
	gws := m.Gateways.Gateways()
	out := make([]GatewayInfo, 0, len(gws))
	for _, gw := range gws {
		tq, _ := routeTQ(gw.Orig)
		out = append(out, GatewayInfo{
			Originator: gw.Orig.ID,
			Selected:   hasCur && cur == gw.Orig.ID,
			TQ:         tq,
			Down:       gw.Down,
			Up:         gw.Up,
		})
	}
	return out
}

func (m *Mesh) InterfaceList() []InterfaceInfo {
	primary := m.Ifaces.Primary()
	out := make([]InterfaceInfo, 0)
	for _, h := range m.Ifaces.All() {
		out = append(out, InterfaceInfo{
			ID:      h.ID,
			Name:    h.Name,
			Addr:    h.Addr,
			State:   h.State().String(),
			Primary: h == primary,
			Seqno:   h.NextSeqno(),
			Pending: m.Aggr.Pending(h.ID),
		})
	}
	return out
}

// Cursor pages through a snapshot taken when it was created. Its position is
// the key of the last item returned, so a new cursor over a fresh snapshot
// can resume where an old one stopped.
type Cursor[T any] struct {
	items []T
	key   func(T) state.NodeID
	pos   int
	last  *state.NodeID
}

// NewCursor expects items sorted by key.
func NewCursor[T any](items []T, key func(T) state.NodeID) *Cursor[T] {
	return &Cursor[T]{items: items, key: key}
}

// Next returns up to n items, or nil once the snapshot is exhausted.
func (c *Cursor[T]) Next(n int) []T {
	if c.pos >= len(c.items) || n <= 0 {
		return nil
	}
	end := min(c.pos+n, len(c.items))
	page := c.items[c.pos:end]
	c.pos = end
	k := c.key(page[len(page)-1])
	c.last = &k
	return page
}

// Position is the key of the last item returned, if any.
func (c *Cursor[T]) Position() (state.NodeID, bool) {
	if c.last == nil {
		return state.NodeID{}, false
	}
	return *c.last, true
}

// Resume skips every item up to and including key.
func (c *Cursor[T]) Resume(key state.NodeID) {
	for c.pos < len(c.items) && c.key(c.items[c.pos]).Compare(key) <= 0 {
		c.pos++
	}
	c.last = &key
}

func (c *Cursor[T]) Len() int {
	return len(c.items)
}
