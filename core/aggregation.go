package core

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/encodeous/bativ/protocol"
	"github.com/encodeous/bativ/state"
)

// pendingAggregate is a frame of OGMs waiting to go out on one interface.
type pendingAggregate struct {
	buf      []byte
	sendTime time.Time
	own      bool
	// bit i set when sub-packet i was heard directly from its originator
	directLink uint32
	incoming   state.IfaceID
	outgoing   state.IfaceID
	count      int
	// header of the first sub-packet
	baseFlags protocol.Flags
	baseTTL   uint8
}

type ifaceQueue struct {
	mu      sync.Mutex
	pending []*pendingAggregate
	timer   state.Timer
	stopped bool
}

// AggregationScheduler batches OGMs per outgoing interface into frames bounded
// in size and delay and hands them to the transport when they are due.
type AggregationScheduler struct {
	m   *Mesh
	log *slog.Logger

	mu      sync.Mutex
	queues  map[state.IfaceID]*ifaceQueue
	stopped bool
}

func (a *AggregationScheduler) Init(m *Mesh) error {
	a.m = m
	a.log = m.Log.WithGroup("aggr")
	a.queues = make(map[state.IfaceID]*ifaceQueue)
	return nil
}

func (a *AggregationScheduler) Cleanup(m *Mesh) error {
	a.Stop(false)
	return nil
}

func (a *AggregationScheduler) queue(out state.IfaceID) *ifaceQueue {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[out]
	if !ok {
		q = &ifaceQueue{stopped: a.stopped}
		a.queues[out] = q
	}
	return q
}

// canAggregate reports whether an OGM with the given header, sent at sendTime
// and heard on in, may be appended to agg. sendTime must fall within
// [agg.sendTime, agg.sendTime + MaxAggregationDelay].
func (a *AggregationScheduler) canAggregate(agg *pendingAggregate, ogm *protocol.OGM, size int, in state.IfaceID, sendTime time.Time) bool {
	if sendTime.Before(agg.sendTime) || sendTime.After(agg.sendTime.Add(state.MaxAggregationDelay)) {
		return false
	}
	if len(agg.buf)+size > state.MaxAggregationBytes || agg.count >= state.MaxAggregationPackets {
		return false
	}
	var primary state.IfaceID
	if p := a.m.Ifaces.Primary(); p != nil {
		primary = p.ID
	}
	directLink := ogm.Flags.Has(protocol.FlagDirectLink)
	// flooded packets go together unless the base is an own packet of a
	// secondary interface, which only leaves that interface
	if !directLink && !agg.baseFlags.Has(protocol.FlagDirectLink) && agg.baseTTL != 1 &&
		(!agg.own || agg.incoming == primary) {
		return true
	}
	// packets sent on this one interface only can still join packets heard
	// from direct neighbors or own secondary interface packets of that link
	return directLink && ogm.TTL == 1 && agg.incoming == in &&
		(agg.baseFlags.Has(protocol.FlagDirectLink) || (agg.own && agg.incoming != primary))
}

// Enqueue schedules ogm, heard on in, for transmission on out. The OGM joins
// the first compatible pending frame whose window covers sendTime, otherwise
// it opens a new frame due at sendTime. Forwarded OGMs opening a frame wait
// one extra MaxAggregationDelay for others to join.
func (a *AggregationScheduler) Enqueue(ogm *protocol.OGM, in, out state.IfaceID, own bool, sendTime time.Time) error {
	size := ogm.Len()
	q := a.queue(out)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	if a.m.Aggregation {
		for _, agg := range q.pending {
			if agg.outgoing != out || !a.canAggregate(agg, ogm, size, in, sendTime) {
				continue
			}
			buf, err := ogm.AppendBinary(agg.buf)
			if err != nil {
				return err
			}
			agg.buf = buf
			if ogm.Flags.Has(protocol.FlagDirectLink) {
				agg.directLink |= 1 << agg.count
			}
			agg.count++
			return nil
		}
	}
	if a.m.Aggregation && !own {
		// give later packets a chance to join
		sendTime = sendTime.Add(state.MaxAggregationDelay)
	}
	capacity := size
	if a.m.Aggregation {
		capacity = max(size, state.MaxAggregationBytes)
	}
	buf, err := ogm.AppendBinary(make([]byte, 0, capacity))
	if err != nil {
		return err
	}
	agg := &pendingAggregate{
		buf:       buf,
		sendTime:  sendTime,
		own:       own,
		incoming:  in,
		outgoing:  out,
		count:     1,
		baseFlags: ogm.Flags,
		baseTTL:   ogm.TTL,
	}
	if ogm.Flags.Has(protocol.FlagDirectLink) {
		agg.directLink = 1
	}
	q.pending = append(q.pending, agg)
	a.armLocked(q)
	return nil
}

// armLocked points the queue timer at the earliest pending send time.
func (a *AggregationScheduler) armLocked(q *ifaceQueue) {
	if len(q.pending) == 0 {
		if q.timer != nil {
			q.timer.Stop()
		}
		return
	}
	earliest := q.pending[0].sendTime
	for _, agg := range q.pending[1:] {
		if agg.sendTime.Before(earliest) {
			earliest = agg.sendTime
		}
	}
	d := earliest.Sub(a.m.Clock.Now())
	if q.timer == nil {
		q.timer = a.m.Clock.AfterFunc(d, func() {
			a.flush(q)
		})
	} else {
		q.timer.Reset(d)
	}
}

// flush sends every aggregate of q that is due.
func (a *AggregationScheduler) flush(q *ifaceQueue) {
	now := a.m.Clock.Now()
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	var due []*pendingAggregate
	q.pending = slices.DeleteFunc(q.pending, func(agg *pendingAggregate) bool {
		if agg.sendTime.After(now) {
			return false
		}
		due = append(due, agg)
		return true
	})
	a.armLocked(q)
	q.mu.Unlock()

	slices.SortFunc(due, func(x, y *pendingAggregate) int {
		return x.sendTime.Compare(y.sendTime)
	})
	for _, agg := range due {
		a.send(agg)
	}
}

// finalize sets DIRECTLINK on the sub-packets heard directly on the
// interface the frame is leaving through and clears it everywhere else.
func (agg *pendingAggregate) finalize() []byte {
	for i, off := range protocol.SubPacketOffsets(agg.buf) {
		on := agg.directLink&(1<<i) != 0 && agg.incoming == agg.outgoing
		protocol.SetFlag(agg.buf, off, protocol.FlagDirectLink, on)
	}
	return agg.buf
}

func (a *AggregationScheduler) send(agg *pendingAggregate) {
	if !a.m.Ifaces.IsActive(agg.outgoing) {
		return
	}
	frame := agg.finalize()
	if err := a.m.Transport.Broadcast(agg.outgoing, frame); err != nil {
		a.m.Counters.SendFailures.Add(1)
		a.log.Debug(DropSendFailed.String(), "iface", agg.outgoing, "count", agg.count, "error", err)
		return
	}
	a.m.Counters.sentFrame(agg.count, len(frame))
}

// RemoveInterface drops everything pending on id.
func (a *AggregationScheduler) RemoveInterface(id state.IfaceID) {
	a.mu.Lock()
	q, ok := a.queues[id]
	delete(a.queues, id)
	a.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.pending = nil
	if q.timer != nil {
		q.timer.Stop()
	}
}

// Pending returns the number of frames waiting on out.
func (a *AggregationScheduler) Pending(out state.IfaceID) int {
	q := a.queue(out)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop cancels every queue timer. With flush set, pending frames are sent
// right away, otherwise they are dropped.
func (a *AggregationScheduler) Stop(flush bool) {
	a.mu.Lock()
	a.stopped = true
	queues := make([]*ifaceQueue, 0, len(a.queues))
	for _, q := range a.queues {
		queues = append(queues, q)
	}
	a.mu.Unlock()
	for _, q := range queues {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			continue
		}
		q.stopped = true
		if q.timer != nil {
			q.timer.Stop()
		}
		pending := q.pending
		q.pending = nil
		q.mu.Unlock()
		if !flush {
			continue
		}
		for _, agg := range pending {
			a.send(agg)
		}
	}
}
