package core

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/encodeous/bativ/state"
)

var ErrTableFull = errors.New("originator table full")

const topoShards = 64

// OrigIfInfo is the per outgoing interface view of an originator.
type OrigIfInfo struct {
	LastRealSeqno uint32
	LastTTL       uint8
	// time of the last accepted sequence number reset
	seqnoReset time.Time
}

type echoWindow struct {
	bits Window
	sum  uint8
}

// OriginatorNode is every mesh node ever heard of. mu serialises the OGM
// update pipeline; cntMu, routeMu and the neighbor ifMu are leaf locks that
// may be taken while mu is held but never nest among themselves.
type OriginatorNode struct {
	ID state.NodeID

	lastSeen atomic.Int64
	isolated atomic.Bool
	removed  atomic.Bool

	mu        sync.Mutex
	ifinfo    map[state.IfaceID]*OrigIfInfo
	neighbors []*NeighborNode

	cntMu    sync.Mutex
	bcastOwn map[state.IfaceID]*echoWindow

	routeMu sync.RWMutex
	routers map[state.IfaceID]*NeighborNode
}

func newOriginator(id state.NodeID) *OriginatorNode {
	return &OriginatorNode{
		ID:       id,
		ifinfo:   make(map[state.IfaceID]*OrigIfInfo),
		bcastOwn: make(map[state.IfaceID]*echoWindow),
		routers:  make(map[state.IfaceID]*NeighborNode),
	}
}

func (o *OriginatorNode) LastSeen() time.Time {
	return time.Unix(0, o.lastSeen.Load())
}

func (o *OriginatorNode) touch(now time.Time) {
	o.lastSeen.Store(now.UnixNano())
}

func (o *OriginatorNode) Isolated() bool {
	return o.isolated.Load()
}

// Router is the current best next hop towards o through out, or nil.
func (o *OriginatorNode) Router(out state.IfaceID) *NeighborNode {
	o.routeMu.RLock()
	defer o.routeMu.RUnlock()
	return o.routers[out]
}

func (o *OriginatorNode) swapRouter(out state.IfaceID, n *NeighborNode) *NeighborNode {
	o.routeMu.Lock()
	defer o.routeMu.Unlock()
	old := o.routers[out]
	if n == nil {
		delete(o.routers, out)
	} else {
		o.routers[out] = n
	}
	return old
}

func (o *OriginatorNode) routerViews() map[state.IfaceID]*NeighborNode {
	o.routeMu.RLock()
	defer o.routeMu.RUnlock()
	views := make(map[state.IfaceID]*NeighborNode, len(o.routers))
	for k, v := range o.routers {
		views[k] = v
	}
	return views
}

// EchoCount is how many of our last OGMs sent on iface o rebroadcast back to us.
func (o *OriginatorNode) EchoCount(iface state.IfaceID) uint8 {
	o.cntMu.Lock()
	defer o.cntMu.Unlock()
	if w, ok := o.bcastOwn[iface]; ok {
		return w.sum
	}
	return 0
}

func (o *OriginatorNode) markEcho(iface state.IfaceID, pos int, size int) {
	o.cntMu.Lock()
	defer o.cntMu.Unlock()
	w, ok := o.bcastOwn[iface]
	if !ok {
		w = &echoWindow{}
		o.bcastOwn[iface] = w
	}
	w.bits.Mark(pos, size)
	w.sum = w.bits.Count(size)
}

// slideEcho makes room for a new own OGM on iface.
func (o *OriginatorNode) slideEcho(iface state.IfaceID, size int) {
	o.cntMu.Lock()
	defer o.cntMu.Unlock()
	w, ok := o.bcastOwn[iface]
	if !ok {
		return
	}
	w.bits.GetPacket(1, size, false)
	w.sum = w.bits.Count(size)
}

// ifInfo returns the view of o through out, creating it. Requires o.mu.
func (o *OriginatorNode) ifInfo(out state.IfaceID) *OrigIfInfo {
	info, ok := o.ifinfo[out]
	if !ok {
		info = &OrigIfInfo{}
		o.ifinfo[out] = info
	}
	return info
}

// findNeighbor requires o.mu.
func (o *OriginatorNode) findNeighbor(addr state.NodeID, in state.IfaceID) *NeighborNode {
	for _, n := range o.neighbors {
		if n.Addr == addr && n.Incoming == in {
			return n
		}
	}
	return nil
}

// Neighbors returns a copy of the neighbors o was heard through.
func (o *OriginatorNode) Neighbors() []*NeighborNode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.neighbors)
}

// NeighIfInfo is the per outgoing interface view of a neighbor.
type NeighIfInfo struct {
	ring            RingBuffer
	TQAvg           uint8
	realBits        Window
	RealPacketCount uint8
	LastTTL         uint8
}

// NeighborNode is a next hop: a node heard directly on one local interface.
type NeighborNode struct {
	Addr     state.NodeID
	Incoming state.IfaceID
	// Orig is the originator whose neighbor list holds this entry.
	Orig *OriginatorNode
	// NeighOrig is the originator record of Addr itself.
	NeighOrig *OriginatorNode

	lastSeen atomic.Int64

	ifMu   sync.RWMutex
	ifinfo map[state.IfaceID]*NeighIfInfo
}

func (n *NeighborNode) LastSeen() time.Time {
	return time.Unix(0, n.lastSeen.Load())
}

func (n *NeighborNode) touch(now time.Time) {
	n.lastSeen.Store(now.UnixNano())
}

func (n *NeighborNode) TQAvg(out state.IfaceID) uint8 {
	n.ifMu.RLock()
	defer n.ifMu.RUnlock()
	if info, ok := n.ifinfo[out]; ok {
		return info.TQAvg
	}
	return 0
}

// IfInfo returns a copy of the view of n through out.
func (n *NeighborNode) IfInfo(out state.IfaceID) (NeighIfInfo, bool) {
	n.ifMu.RLock()
	defer n.ifMu.RUnlock()
	if info, ok := n.ifinfo[out]; ok {
		return *info, true
	}
	return NeighIfInfo{}, false
}

func (n *NeighborNode) hasIfInfo(out state.IfaceID) bool {
	n.ifMu.RLock()
	defer n.ifMu.RUnlock()
	_, ok := n.ifinfo[out]
	return ok
}

func (n *NeighborNode) ifInfoLocked(out state.IfaceID, ringSize int) *NeighIfInfo {
	info, ok := n.ifinfo[out]
	if !ok {
		info = &NeighIfInfo{ring: NewRingBuffer(ringSize)}
		n.ifinfo[out] = info
	}
	return info
}

// trackSeqno records seqno in the receive window of n and reports whether it
// had been seen through n before and whether the window slid.
func (n *NeighborNode) trackSeqno(out state.IfaceID, last, seqno uint32, size, ringSize int, setMark bool) (dup bool, slid bool) {
	n.ifMu.Lock()
	defer n.ifMu.Unlock()
	info := n.ifInfoLocked(out, ringSize)
	dup = info.realBits.TestBit(last, seqno, size)
	slid = info.realBits.GetPacket(int32(seqno-last), size, setMark)
	info.RealPacketCount = info.realBits.Count(size)
	return dup, slid
}

func (n *NeighborNode) realCount(out state.IfaceID, ringSize int) uint8 {
	n.ifMu.Lock()
	defer n.ifMu.Unlock()
	return n.ifInfoLocked(out, ringSize).RealPacketCount
}

func (n *NeighborNode) observeTQ(out state.IfaceID, tq uint8, ringSize int) {
	n.ifMu.Lock()
	defer n.ifMu.Unlock()
	info := n.ifInfoLocked(out, ringSize)
	info.TQAvg = info.ring.Observe(tq)
}

// observeLoss records a missed OGM through out, if n has a view there.
func (n *NeighborNode) observeLoss(out state.IfaceID) {
	n.ifMu.Lock()
	defer n.ifMu.Unlock()
	if info, ok := n.ifinfo[out]; ok {
		info.TQAvg = info.ring.Observe(0)
	}
}

func (n *NeighborNode) setLastTTL(out state.IfaceID, ttl uint8, ringSize int) {
	n.ifMu.Lock()
	defer n.ifMu.Unlock()
	n.ifInfoLocked(out, ringSize).LastTTL = ttl
}

func (n *NeighborNode) dropIfInfo(out state.IfaceID) {
	n.ifMu.Lock()
	defer n.ifMu.Unlock()
	delete(n.ifinfo, out)
}

type topoShard struct {
	mu    sync.RWMutex
	origs map[state.NodeID]*OriginatorNode
}

// TopologyStore owns every originator and neighbor record.
type TopologyStore struct {
	shards       [topoShards]topoShard
	count        atomic.Int64
	limit        int
	localWindow  int
	globalWindow int
}

func (t *TopologyStore) Init(m *Mesh) error {
	for i := range t.shards {
		t.shards[i].origs = make(map[state.NodeID]*OriginatorNode)
	}
	t.limit = m.MaxOriginators
	t.localWindow = m.LocalWindow
	t.globalWindow = m.GlobalWindow
	return nil
}

func (t *TopologyStore) Cleanup(m *Mesh) error {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		clear(s.origs)
		s.mu.Unlock()
	}
	t.count.Store(0)
	return nil
}

func (t *TopologyStore) shard(id state.NodeID) *topoShard {
	return &t.shards[id.Hash()%topoShards]
}

func (t *TopologyStore) Originator(id state.NodeID) *OriginatorNode {
	s := t.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.origs[id]
}

func (t *TopologyStore) GetOrCreateOriginator(id state.NodeID, now time.Time) (*OriginatorNode, error) {
	if o := t.Originator(id); o != nil {
		return o, nil
	}
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.origs[id]; ok {
		return o, nil
	}
	if t.limit > 0 && t.count.Load() >= int64(t.limit) {
		return nil, ErrTableFull
	}
	o := newOriginator(id)
	o.touch(now)
	s.origs[id] = o
	t.count.Add(1)
	return o, nil
}

// GetOrCreateNeighbor returns the neighbor addr heard on in from orig's list.
// Requires orig.mu.
func (t *TopologyStore) GetOrCreateNeighbor(orig *OriginatorNode, addr state.NodeID, in state.IfaceID, neighOrig *OriginatorNode, now time.Time) *NeighborNode {
	if n := orig.findNeighbor(addr, in); n != nil {
		return n
	}
	n := &NeighborNode{
		Addr:      addr,
		Incoming:  in,
		Orig:      orig,
		NeighOrig: neighOrig,
		ifinfo:    make(map[state.IfaceID]*NeighIfInfo),
	}
	n.touch(now)
	orig.neighbors = append(orig.neighbors, n)
	return n
}

func (t *TopologyStore) Len() int {
	return int(t.count.Load())
}

// Snapshot copies the live originator list, sorted by ID.
func (t *TopologyStore) Snapshot() []*OriginatorNode {
	out := make([]*OriginatorNode, 0, t.Len())
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, o := range s.origs {
			out = append(out, o)
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b *OriginatorNode) int {
		return a.ID.Compare(b.ID)
	})
	return out
}

func (t *TopologyStore) MarkIsolated(id state.NodeID, isolated bool) bool {
	o := t.Originator(id)
	if o == nil {
		return false
	}
	o.isolated.Store(isolated)
	return true
}

// Remove deletes the originator record of id and returns the routes it held.
func (t *TopologyStore) Remove(id state.NodeID) []RouteEvent {
	s := t.shard(id)
	s.mu.Lock()
	o, ok := s.origs[id]
	if ok {
		delete(s.origs, id)
		t.count.Add(-1)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	o.removed.Store(true)
	o.mu.Lock()
	defer o.mu.Unlock()
	var evs []RouteEvent
	for out := range o.routerViews() {
		if ev, changed := setRouter(o, out, nil); changed {
			evs = append(evs, ev)
		}
	}
	o.neighbors = nil
	return evs
}

// HardifNeighbors lists the single hop neighbors heard on iface.
func (t *TopologyStore) HardifNeighbors(iface state.IfaceID) []*NeighborNode {
	var out []*NeighborNode
	for _, o := range t.Snapshot() {
		for _, n := range o.Neighbors() {
			if n.Addr == o.ID && n.Incoming == iface {
				out = append(out, n)
			}
		}
	}
	return out
}

// SlideOwnWindows shifts every echo window of iface before a new own OGM goes out.
func (t *TopologyStore) SlideOwnWindows(iface state.IfaceID) {
	for _, o := range t.Snapshot() {
		o.slideEcho(iface, t.localWindow)
	}
}

// RemoveInterface forgets everything learned through iface.
func (t *TopologyStore) RemoveInterface(iface state.IfaceID) []RouteEvent {
	var evs []RouteEvent
	for _, o := range t.Snapshot() {
		o.mu.Lock()
		views := o.routerViews()
		o.neighbors = slices.DeleteFunc(o.neighbors, func(n *NeighborNode) bool {
			return n.Incoming == iface
		})
		for _, n := range o.neighbors {
			n.dropIfInfo(iface)
		}
		delete(o.ifinfo, iface)
		for out, r := range views {
			if out == iface {
				if ev, changed := setRouter(o, out, nil); changed {
					evs = append(evs, ev)
				}
			} else if r.Incoming == iface {
				if ev, changed := setRouter(o, out, BestNeighbor(o, out)); changed {
					evs = append(evs, ev)
				}
			}
		}
		o.mu.Unlock()
		o.cntMu.Lock()
		delete(o.bcastOwn, iface)
		o.cntMu.Unlock()
	}
	return evs
}

// PurgeResult lists what a purge pass removed.
type PurgeResult struct {
	Routes      []RouteEvent
	Originators []state.NodeID
	Neighbors   int
}

// Purge drops neighbors not heard from within timeout or heard through an
// interface that is gone, then removes timed out originators that no current
// route depends on.
func (t *TopologyStore) Purge(now time.Time, timeout time.Duration, active func(state.IfaceID) bool) PurgeResult {
	var res PurgeResult
	origs := t.Snapshot()
	var expired []*OriginatorNode
	for _, o := range origs {
		if now.Sub(o.LastSeen()) > timeout {
			expired = append(expired, o)
		}
		o.mu.Lock()
		before := len(o.neighbors)
		o.neighbors = slices.DeleteFunc(o.neighbors, func(n *NeighborNode) bool {
			return now.Sub(n.LastSeen()) > timeout || !active(n.Incoming)
		})
		if len(o.neighbors) != before {
			res.Neighbors += before - len(o.neighbors)
			for out, r := range o.routerViews() {
				if slices.Contains(o.neighbors, r) {
					continue
				}
				if ev, changed := setRouter(o, out, BestNeighbor(o, out)); changed {
					res.Routes = append(res.Routes, ev)
				}
			}
		}
		o.mu.Unlock()
	}
	if len(expired) == 0 {
		return res
	}
	// originators some live route goes through stay
	pinned := make(map[state.NodeID]struct{})
	for _, o := range origs {
		if slices.Contains(expired, o) {
			continue
		}
		for _, r := range o.routerViews() {
			pinned[r.NeighOrig.ID] = struct{}{}
		}
	}
	for _, o := range expired {
		if _, ok := pinned[o.ID]; ok {
			continue
		}
		res.Routes = append(res.Routes, t.Remove(o.ID)...)
		res.Originators = append(res.Originators, o.ID)
	}
	return res
}

// lockPair locks the records of a and b in ID order.
func lockPair(a, b *OriginatorNode) {
	if a == b {
		a.mu.Lock()
		return
	}
	if a.ID.Compare(b.ID) > 0 {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
}

func unlockPair(a, b *OriginatorNode) {
	a.mu.Unlock()
	if a != b {
		b.mu.Unlock()
	}
}
