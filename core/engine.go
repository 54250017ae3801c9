package core

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/encodeous/bativ/perf"
	"github.com/encodeous/bativ/protocol"
	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type inboundFrame struct {
	iface state.IfaceID
	src   state.NodeID
	frame []byte
}

type dropKey struct {
	src state.NodeID
	ev  RouterEvent
}

// Engine announces this node and runs every received OGM through duplicate
// detection, link quality estimation, route ranking and forwarding.
type Engine struct {
	m   *Mesh
	log *slog.Logger

	dropLog      *ttlcache.Cache[dropKey, struct{}]
	resetLimiter *rate.Limiter

	group   *errgroup.Group
	workers []chan inboundFrame
}

func (e *Engine) Init(m *Mesh) error {
	e.m = m
	e.log = m.Log.WithGroup("ogm")
	e.dropLog = ttlcache.New[dropKey, struct{}](
		ttlcache.WithTTL[dropKey, struct{}](state.DropLogDedupTTL),
		ttlcache.WithDisableTouchOnHit[dropKey, struct{}](),
	)
	e.resetLimiter = rate.NewLimiter(rate.Every(time.Second), 5)
	if m.Workers > 0 {
		g, ctx := errgroup.WithContext(m.Context)
		e.group = g
		for range m.Workers {
			ch := make(chan inboundFrame, state.WorkerQueueLen)
			e.workers = append(e.workers, ch)
			g.Go(func() error {
				return e.worker(ctx, ch)
			})
		}
	}
	return nil
}

func (e *Engine) Cleanup(m *Mesh) error {
	var err error
	if e.group != nil {
		err = e.group.Wait()
	}
	e.dropLog.DeleteAll()
	return err
}

func (e *Engine) worker(ctx context.Context, ch <-chan inboundFrame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			e.m.Cancel(err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-ch:
			e.processFrame(f)
		}
	}
}

// EnableInterface starts announcing this node on h.
func (e *Engine) EnableInterface(h *HardIface, tr transport.Interface) error {
	if !h.transition(IfaceDisabled, IfaceEnabling) {
		return fmt.Errorf("interface %s is %s", h.Name, h.State())
	}
	// a random start keeps a restarted node out of its old sequence window
	h.seqno.Store(rand.Uint32())
	if err := e.m.Transport.Attach(tr); err != nil {
		h.status.Store(int32(IfaceDisabled))
		return fmt.Errorf("attaching %s: %w", h.Name, err)
	}
	h.transition(IfaceEnabling, IfaceActive)
	e.m.Ifaces.activated(h)
	e.log.Info("interface enabled", "iface", h.Name, "addr", h.Addr, "primary", e.m.Ifaces.Primary() == h)
	h.emit = e.m.RepeatTask(func() (time.Duration, error) {
		return e.EmitOwn(h)
	}, 0)
	return nil
}

// DisableInterface stops h and forgets everything learned through it.
func (e *Engine) DisableInterface(h *HardIface) error {
	if !h.transition(IfaceActive, IfaceDisabled) {
		return ErrInterfaceDisabled
	}
	if h.emit != nil {
		h.emit.Stop()
	}
	e.m.Ifaces.deactivated(h)
	e.m.Aggr.RemoveInterface(h.ID)
	e.m.Routes.Publish(e.m.Topology.RemoveInterface(h.ID))
	if err := e.m.Transport.Detach(h.ID); err != nil {
		e.log.Debug("detaching interface", "iface", h.Name, "error", err)
	}
	e.log.Info("interface disabled", "iface", h.Name)
	return nil
}

func (e *Engine) emitDelay() time.Duration {
	return e.m.OrigInterval - e.m.Jitter + time.Duration(rand.Int64N(2*int64(e.m.Jitter)+1))
}

func (e *Engine) forwardDelay() time.Duration {
	return time.Duration(rand.Int64N(int64(e.m.Jitter/2) + 1))
}

// EmitOwn queues the next own OGM of h and returns the delay until the
// following one. The primary interface floods its OGM on every interface,
// secondary interfaces only announce themselves to their own link.
func (e *Engine) EmitOwn(h *HardIface) (time.Duration, error) {
	delay := e.emitDelay()
	if !h.Active() {
		return delay, nil
	}
	now := e.m.Clock.Now()
	primary := e.m.Ifaces.Primary() == h
	seqno := h.seqno.Add(1) - 1
	e.m.Topology.SlideOwnWindows(h.ID)

	ogm := protocol.OGM{
		TTL:        state.TTLSecondary,
		TQ:         state.TQMax,
		Seqno:      seqno,
		Orig:       h.Addr,
		PrevSender: h.Addr,
	}
	sendTime := now.Add(delay)
	if !primary {
		return delay, e.m.Aggr.Enqueue(&ogm, h.ID, h.ID, true, sendTime)
	}
	ogm.TTL = state.TTLPrimary
	ogm.Flags = protocol.FlagPrimariesFirstHop
	tvlv, err := e.m.Tvlv.AppendOwnContainers(nil)
	if err != nil || len(tvlv) > ownTVLVLimit {
		e.log.Warn("not announcing tvlv containers", "len", len(tvlv), "error", err)
		tvlv = nil
	}
	ogm.TVLV = tvlv
	for _, out := range e.m.Ifaces.Active() {
		if err := e.m.Aggr.Enqueue(&ogm, h.ID, out.ID, true, sendTime); err != nil {
			return delay, fmt.Errorf("queueing own OGM on %s: %w", out.Name, err)
		}
	}
	return delay, nil
}

// OnReceive accepts a frame heard on iface from the link-layer sender src.
// Frames of one sender are always processed in arrival order.
func (e *Engine) OnReceive(iface state.IfaceID, src state.NodeID, frame []byte) {
	if e.m.Context.Err() != nil {
		return
	}
	f := inboundFrame{iface: iface, src: src, frame: frame}
	if len(e.workers) == 0 {
		e.processFrame(f)
		return
	}
	ch := e.workers[src.Hash()%uint32(len(e.workers))]
	select {
	case ch <- f:
	case <-e.m.Context.Done():
	}
}

func (e *Engine) processFrame(f inboundFrame) {
	start := time.Now()
	in := e.m.Ifaces.Get(f.iface)
	if in == nil || !in.Active() {
		e.logDrop(f.src, DropInactiveIface, "iface", f.iface)
		return
	}
	if f.src == state.BroadcastID || f.src.IsZero() {
		e.m.Counters.Malformed.Add(1)
		e.logDrop(f.src, DropMalformed, "error", "invalid sender address")
		return
	}
	perf.RecvBytesPerSecond.Add(float64(len(f.frame)))
	r := protocol.NewFrameReader(f.frame)
	for r.Next() {
		ogm := r.OGM()
		e.m.Counters.received()
		e.processOGM(in, f.src, ogm)
	}
	if err := r.Err(); err != nil {
		e.m.Counters.Malformed.Add(1)
		e.logDrop(f.src, DropMalformed, "offset", r.Offset(), "error", err)
	}
	perf.ProcessLatency.Add(float64(time.Since(start).Microseconds()))
}

func (e *Engine) processOGM(in *HardIface, src state.NodeID, ogm protocol.OGM) {
	now := e.m.Clock.Now()
	if e.m.Ifaces.IsMyAddr(src) {
		e.logDrop(src, DropOwnBroadcast)
		return
	}
	if e.m.Ifaces.IsMyAddr(ogm.Orig) {
		e.recordEcho(in, src, &ogm, now)
		e.logDrop(src, DropOwnOGM)
		return
	}
	if e.m.Ifaces.IsMyAddr(ogm.PrevSender) {
		e.logDrop(src, DropOwnRebroadcast)
		return
	}
	if ogm.Flags.Has(protocol.FlagNotBestNextHop) {
		e.logDrop(src, DropNotBestNextHop)
		return
	}
	orig, err := e.m.Topology.GetOrCreateOriginator(ogm.Orig, now)
	if err != nil {
		e.m.Counters.AllocationFailures.Add(1)
		e.logDrop(src, DropTableFull, "orig", ogm.Orig)
		return
	}
	e.processPerOutIf(in, src, ogm, orig, nil)
	for _, out := range e.m.Ifaces.Active() {
		e.processPerOutIf(in, src, ogm, orig, out)
	}
}

// recordEcho counts a neighbor rebroadcasting one of our own OGMs straight
// back on the interface it was sent from.
func (e *Engine) recordEcho(in *HardIface, src state.NodeID, ogm *protocol.OGM, now time.Time) {
	origNeigh, err := e.m.Topology.GetOrCreateOriginator(src, now)
	if err != nil {
		e.m.Counters.AllocationFailures.Add(1)
		return
	}
	if !ogm.Flags.Has(protocol.FlagDirectLink) || in.Addr != ogm.Orig {
		return
	}
	// bit 0 is the last OGM sent before the one currently queued
	pos := int32(in.NextSeqno() - 2 - ogm.Seqno)
	if pos < 0 || int(pos) >= e.m.LocalWindow {
		return
	}
	origNeigh.markEcho(in.ID, int(pos), e.m.LocalWindow)
}

type outIfResult struct {
	routes   []RouteEvent
	forward  *protocol.OGM
	tvlv     bool
	accepted bool
}

// processPerOutIf evaluates ogm from the point of view of one outgoing
// interface. A nil out is the default view used for the forwarding table.
func (e *Engine) processPerOutIf(in *HardIface, src state.NodeID, ogm protocol.OGM, orig *OriginatorNode, out *HardIface) {
	now := e.m.Clock.Now()
	outID := state.IfaceDefault
	if out != nil {
		if !out.Active() {
			e.m.Counters.UnsupportedEgress.Add(1)
			return
		}
		outID = out.ID
	}
	singleHop := src == ogm.Orig
	origNeigh := orig
	if !singleHop {
		var err error
		origNeigh, err = e.m.Topology.GetOrCreateOriginator(src, now)
		if err != nil {
			e.m.Counters.AllocationFailures.Add(1)
			e.logDrop(src, DropTableFull, "orig", src)
			return
		}
	}

	lockPair(orig, origNeigh)
	var res outIfResult
	if !orig.removed.Load() && !origNeigh.removed.Load() {
		res = e.rankLocked(in, src, &ogm, orig, origNeigh, outID, singleHop, now)
	}
	unlockPair(orig, origNeigh)

	if res.tvlv {
		if err := e.m.Tvlv.Dispatch(orig, ogm.TVLV); err != nil {
			e.logDrop(src, DropMalformed, "orig", orig.ID, "error", err)
		}
	}
	e.m.Routes.Publish(res.routes)
	if res.accepted && outID == state.IfaceDefault {
		e.m.Gateways.CheckElection(orig)
	}
	if res.forward != nil {
		err := e.m.Aggr.Enqueue(res.forward, in.ID, outID, false, now.Add(e.forwardDelay()))
		if err != nil {
			e.logDrop(src, DropSendFailed, "out", outID, "error", err)
			return
		}
		e.m.Counters.Forwarded.Add(1)
	}
}

// rankLocked requires the records of orig and origNeigh.
func (e *Engine) rankLocked(in *HardIface, src state.NodeID, ogm *protocol.OGM, orig, origNeigh *OriginatorNode, out state.IfaceID, singleHop bool, now time.Time) outIfResult {
	var res outIfResult
	dup := e.updateSeqnos(orig, src, in.ID, out, ogm.Seqno, now)
	if dup == Protected {
		e.m.Counters.ProtectedDuplicates.Add(1)
		e.logDrop(src, DropProtected, "orig", ogm.Orig, "seqno", ogm.Seqno)
		return res
	}
	if dup != NoDup && out == state.IfaceDefault {
		e.m.Counters.Duplicates.Add(1)
	}
	if ogm.TQ == 0 {
		e.logDrop(src, DropZeroTQ, "orig", ogm.Orig)
		return res
	}

	router := orig.Router(out)
	var routerRouter *NeighborNode
	fromBest := false
	if router != nil {
		routerRouter = router.NeighOrig.Router(out)
		fromBest = router.TQAvg(out) != 0 && router.Addr == src
	}
	if router != nil && routerRouter != nil &&
		router.Addr == ogm.PrevSender && ogm.Orig != ogm.PrevSender &&
		router.Addr == routerRouter.Addr {
		e.logDrop(src, DropPossibleLoop, "orig", ogm.Orig)
		return res
	}
	res.tvlv = out == state.IfaceDefault

	if !singleHop && origNeigh.Router(out) == nil {
		e.logDrop(src, DropUnknownNeighbor, "orig", ogm.Orig)
		return res
	}
	bidirect := e.calcTQ(orig, origNeigh, ogm, in, out, now)

	info := orig.ifInfo(out)
	sameSeq := info.LastRealSeqno == ogm.Seqno
	similarTTL := int(info.LastTTL)-state.TTLSlack <= int(ogm.TTL)
	// a copy of the same seqno through another neighbor still ranks that
	// neighbor, a copy already counted through this one never does
	if bidirect && (dup == NoDup || (dup == OrigDup && sameSeq && similarTTL)) {
		if ev, changed := e.origUpdate(orig, origNeigh, info, src, ogm, in.ID, out, dup, now); changed {
			res.routes = append(res.routes, ev)
		}
		res.accepted = true
	}

	// the default view only feeds the forwarding table
	if out == state.IfaceDefault {
		return res
	}
	if singleHop {
		// secondary interface OGMs only go back out where they came from
		if ogm.TTL <= 2 && in.ID != out {
			e.logDrop(src, DropWrongOutgoing, "orig", ogm.Orig, "out", out)
			return res
		}
		res.forward = e.forward(src, *ogm, true, fromBest)
		return res
	}
	if !bidirect {
		e.logDrop(src, DropNotBidirectional, "orig", ogm.Orig)
		return res
	}
	if dup == NeighDup {
		e.logDrop(src, DropDuplicate, "orig", ogm.Orig, "seqno", ogm.Seqno)
		return res
	}
	res.forward = e.forward(src, *ogm, false, fromBest)
	return res
}

// updateSeqnos slides the receive windows of every neighbor of orig and
// classifies seqno. Requires orig.mu.
func (e *Engine) updateSeqnos(orig *OriginatorNode, src state.NodeID, in, out state.IfaceID, seqno uint32, now time.Time) DupStatus {
	info := orig.ifInfo(out)
	diff := int32(seqno - info.LastRealSeqno)
	if len(orig.neighbors) > 0 {
		if WindowProtected(diff, e.m.LocalWindow, &info.seqnoReset, now, e.m.ResetProtection) {
			return Protected
		}
		if IsReset(diff, e.m.LocalWindow) && e.resetLimiter.Allow() {
			e.log.Warn(SeqnoReset.String(), "orig", orig.ID, "out", out, "last", info.LastRealSeqno, "seqno", seqno)
		}
	}
	status := NoDup
	slid := false
	for _, n := range orig.neighbors {
		mark := n.Addr == src && n.Incoming == in
		dup, moved := n.trackSeqno(out, info.LastRealSeqno, seqno, e.m.LocalWindow, e.m.GlobalWindow, mark)
		if dup {
			if mark {
				status = NeighDup
			} else if status != NeighDup {
				status = OrigDup
			}
		}
		slid = slid || moved
	}
	if slid {
		info.LastRealSeqno = seqno
	}
	return status
}

// calcTQ folds the quality of the link to the sending neighbor into the TQ
// of ogm and reports whether that link is usable in both directions.
func (e *Engine) calcTQ(orig, origNeigh *OriginatorNode, ogm *protocol.OGM, in *HardIface, out state.IfaceID, now time.Time) bool {
	neigh := e.m.Topology.GetOrCreateNeighbor(origNeigh, origNeigh.ID, in.ID, origNeigh, now)
	if orig == origNeigh {
		neigh.touch(now)
	}
	orig.touch(now)

	echoes := origNeigh.EchoCount(in.ID)
	recv := neigh.realCount(out, e.m.GlobalWindow)
	local := LocalTQ(echoes, recv)
	asym := AsymmetryPenalty(recv, e.m.LocalWindow)
	ifacePenalty := uint8(state.TQMax - int(in.HopPenalty))
	// half duplex media lose throughput when forwarding back out the same radio
	if out != state.IfaceDefault && out == in.ID && in.Wifi {
		ifacePenalty = HopPenalty(ifacePenalty, e.m.HopPenalty)
	}
	combined := CombinedTQ(ogm.TQ, local, asym, ifacePenalty)
	e.log.Debug("calculated tq",
		"orig", orig.ID, "neigh", origNeigh.ID, "iface", in.Name, "out", out,
		"echoes", echoes, "recv", recv, "local", local, "asym", asym, "reported", ogm.TQ, "total", combined)
	ogm.TQ = combined
	return IsBidirectional(combined)
}

// origUpdate feeds the TQ of ogm into the neighbor it was received from and
// lets the route selector reconsider it. Requires orig.mu and origNeigh.mu.
func (e *Engine) origUpdate(orig, origNeigh *OriginatorNode, info *OrigIfInfo, src state.NodeID, ogm *protocol.OGM, in, out state.IfaceID, dup DupStatus, now time.Time) (RouteEvent, bool) {
	var neigh *NeighborNode
	for _, n := range orig.neighbors {
		if n.Addr == src && n.Incoming == in {
			neigh = n
			continue
		}
		if dup == NoDup {
			// every other neighbor missed this sequence number
			n.observeLoss(out)
		}
	}
	if neigh == nil {
		neigh = e.m.Topology.GetOrCreateNeighbor(orig, src, in, origNeigh, now)
	}
	neigh.touch(now)
	neigh.observeTQ(out, ogm.TQ, e.m.GlobalWindow)
	if dup == NoDup {
		info.LastTTL = ogm.TTL
		neigh.setLastTTL(out, ogm.TTL, e.m.GlobalWindow)
	}
	return ConsiderUpdate(orig, out, neigh)
}

// forward prepares the copy of ogm to rebroadcast, or returns nil.
func (e *Engine) forward(src state.NodeID, ogm protocol.OGM, singleHop, fromBest bool) *protocol.OGM {
	if ogm.TTL <= 1 {
		e.logDrop(src, DropTTLExceeded, "orig", ogm.Orig)
		return nil
	}
	if !fromBest {
		// direct neighbors are still rebroadcast so they can measure the link
		if !singleHop {
			e.logDrop(src, DropNotFromBestNextHop, "orig", ogm.Orig)
			return nil
		}
		ogm.Flags |= protocol.FlagNotBestNextHop
	}
	ogm.TTL--
	ogm.PrevSender = src
	ogm.TQ = HopPenalty(ogm.TQ, e.m.HopPenalty)
	ogm.Flags &^= protocol.FlagPrimariesFirstHop
	if singleHop {
		ogm.Flags |= protocol.FlagDirectLink
	} else {
		ogm.Flags &^= protocol.FlagDirectLink
	}
	return &ogm
}

// logDrop logs a dropped packet at debug level, at most once per sender and
// reason within the dedup period.
func (e *Engine) logDrop(src state.NodeID, ev RouterEvent, args ...any) {
	if !e.log.Enabled(e.m.Context, slog.LevelDebug) {
		return
	}
	key := dropKey{src: src, ev: ev}
	if e.dropLog.Get(key) != nil {
		return
	}
	e.dropLog.Set(key, struct{}{}, ttlcache.DefaultTTL)
	e.log.Debug("drop packet: "+ev.String(), append([]any{"from", src}, args...)...)
}
