package core

import (
	"testing"
	"time"

	"github.com/encodeous/bativ/protocol"
	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	m     *Mesh
	clock *state.ManualClock
	tr    *recordTransport
	eth0  *HardIface
}

// newEngineFixture is a single instance whose frames are fed in by hand.
func newEngineFixture(t *testing.T, cfg state.Config) *engineFixture {
	clock := state.NewManualClock(epoch)
	tr := newRecordTransport()
	m := newTestMesh(t, clock, tr, cfg)
	f := &engineFixture{m: m, clock: clock, tr: tr}
	f.eth0 = activate(t, m, cfg.Interfaces[0])
	t.Cleanup(m.cleanup)
	return f
}

func (f *engineFixture) receive(t *testing.T, src state.NodeID, ogms ...protocol.OGM) {
	t.Helper()
	var frame []byte
	for _, o := range ogms {
		var err error
		frame, err = o.AppendBinary(frame)
		require.NoError(t, err)
	}
	f.m.Engine.OnReceive(f.eth0.ID, src, frame)
}

func neighborOGM(orig state.NodeID, seqno uint32) protocol.OGM {
	return protocol.OGM{TTL: state.TTLPrimary, Flags: protocol.FlagPrimariesFirstHop, TQ: state.TQMax, Seqno: seqno, Orig: orig, PrevSender: orig}
}

func TestEngine_ForwardsNeighbor(t *testing.T) {
	f := newEngineFixture(t, testConfig("a", iface("eth0", addr(1), "l0")))
	f.receive(t, addr(9), neighborOGM(addr(9), 100))
	assert.Equal(t, uint64(1), f.m.Counters.Received.Load())
	assert.NotNil(t, f.m.Topology.Originator(addr(9)))

	f.clock.Advance(200 * time.Millisecond)
	frames := f.tr.decoded(t)
	require.Len(t, frames, 1)
	require.Len(t, frames[0], 1)
	fwd := frames[0][0]
	assert.Equal(t, addr(9), fwd.Orig)
	assert.Equal(t, addr(9), fwd.PrevSender)
	assert.Equal(t, state.TTLPrimary-1, fwd.TTL)
	assert.Equal(t, uint32(100), fwd.Seqno)
	// not a usable link yet, but echoed so the neighbor can measure it
	assert.True(t, fwd.Flags.Has(protocol.FlagDirectLink))
	assert.True(t, fwd.Flags.Has(protocol.FlagNotBestNextHop))
	assert.False(t, fwd.Flags.Has(protocol.FlagPrimariesFirstHop))
	assert.Equal(t, uint64(1), f.m.Counters.Forwarded.Load())
}

func TestEngine_Drops(t *testing.T) {
	f := newEngineFixture(t, testConfig("a", iface("eth0", addr(1), "l0")))

	// from ourselves
	f.receive(t, addr(1), neighborOGM(addr(1), 1))
	// carrying NOT_BEST_NEXT_HOP
	nbnh := neighborOGM(addr(9), 1)
	nbnh.Flags |= protocol.FlagNotBestNextHop
	f.receive(t, addr(9), nbnh)
	// our own OGM relayed by someone else
	relay := neighborOGM(addr(8), 1)
	relay.PrevSender = addr(1)
	f.receive(t, addr(9), relay)
	assert.Equal(t, 0, f.m.Topology.Len())

	// multi hop through a neighbor we never heard directly
	f.receive(t, addr(9), neighborOGM(addr(8), 1))
	f.clock.Advance(time.Second)
	assert.Empty(t, f.tr.frames())
}

func TestEngine_Malformed(t *testing.T) {
	f := newEngineFixture(t, testConfig("a", iface("eth0", addr(1), "l0")))
	f.m.Engine.OnReceive(f.eth0.ID, addr(9), []byte{0, protocol.Version, 1})
	assert.Equal(t, uint64(1), f.m.Counters.Malformed.Load())

	good, err := (&protocol.OGM{TTL: 5, TQ: 255, Seqno: 1, Orig: addr(9), PrevSender: addr(9)}).MarshalBinary()
	require.NoError(t, err)
	f.m.Engine.OnReceive(f.eth0.ID, state.BroadcastID, good)
	assert.Equal(t, uint64(2), f.m.Counters.Malformed.Load())

	// the OGM before a broken one still counts
	frame := append(good, 0xff, 0xff)
	f.m.Engine.OnReceive(f.eth0.ID, addr(9), frame)
	assert.Equal(t, uint64(3), f.m.Counters.Malformed.Load())
	assert.Equal(t, uint64(1), f.m.Counters.Received.Load())

	// unknown interfaces are ignored
	f.m.Engine.OnReceive(42, addr(9), good)
	assert.Equal(t, uint64(1), f.m.Counters.Received.Load())
}

func TestEngine_Duplicates(t *testing.T) {
	f := newEngineFixture(t, testConfig("a", iface("eth0", addr(1), "l0")))
	f.receive(t, addr(9), neighborOGM(addr(9), 1))
	f.receive(t, addr(9), neighborOGM(addr(9), 2))
	assert.Equal(t, uint64(0), f.m.Counters.Duplicates.Load())
	// counted once even though every view saw it
	f.receive(t, addr(9), neighborOGM(addr(9), 2))
	assert.Equal(t, uint64(1), f.m.Counters.Duplicates.Load())
}

func TestEngine_ResetProtection(t *testing.T) {
	f := newEngineFixture(t, testConfig("a", iface("eth0", addr(1), "l0")))
	f.receive(t, addr(9), neighborOGM(addr(9), 1))
	f.receive(t, addr(9), neighborOGM(addr(9), 2))
	// the neighbor restarted, the first jump is accepted
	f.receive(t, addr(9), neighborOGM(addr(9), 70002))
	assert.Equal(t, uint64(0), f.m.Counters.ProtectedDuplicates.Load())
	// another jump within the protection period is refused in both views
	f.receive(t, addr(9), neighborOGM(addr(9), 5))
	assert.Equal(t, uint64(2), f.m.Counters.ProtectedDuplicates.Load())

	f.clock.Advance(f.m.ResetProtection + time.Second)
	f.receive(t, addr(9), neighborOGM(addr(9), 10))
	assert.Equal(t, uint64(2), f.m.Counters.ProtectedDuplicates.Load())
}

func TestEngine_ResetProtectionForwardJump(t *testing.T) {
	f := newEngineFixture(t, testConfig("a", iface("eth0", addr(1), "l0")))
	f.receive(t, addr(9), neighborOGM(addr(9), 1))
	f.receive(t, addr(9), neighborOGM(addr(9), 2))
	// more than a window ahead counts as a reset, the first one is accepted
	f.receive(t, addr(9), neighborOGM(addr(9), 102))
	assert.Equal(t, uint64(0), f.m.Counters.ProtectedDuplicates.Load())

	f.clock.Advance(5 * time.Second)
	f.receive(t, addr(9), neighborOGM(addr(9), 202))
	assert.Equal(t, uint64(2), f.m.Counters.ProtectedDuplicates.Load())
}

func TestEngine_RecordsEchoes(t *testing.T) {
	f := newEngineFixture(t, testConfig("a", iface("eth0", addr(1), "l0")))
	_, err := f.m.Engine.EmitOwn(f.eth0)
	require.NoError(t, err)
	_, err = f.m.Engine.EmitOwn(f.eth0)
	require.NoError(t, err)
	require.Equal(t, uint32(2), f.eth0.NextSeqno())

	echo := neighborOGM(addr(1), 0)
	echo.TTL--
	echo.PrevSender = addr(9)
	// without DIRECTLINK it is not an echo of the link
	f.receive(t, addr(9), echo)
	require.NotNil(t, f.m.Topology.Originator(addr(9)))
	assert.Equal(t, uint8(0), f.m.Topology.Originator(addr(9)).EchoCount(f.eth0.ID))

	echo.Flags |= protocol.FlagDirectLink
	f.receive(t, addr(9), echo)
	assert.Equal(t, uint8(1), f.m.Topology.Originator(addr(9)).EchoCount(f.eth0.ID))

	// the OGM still queued cannot have been echoed yet
	echo.Seqno = 1
	f.receive(t, addr(9), echo)
	assert.Equal(t, uint8(1), f.m.Topology.Originator(addr(9)).EchoCount(f.eth0.ID))
}

func TestEngine_EmitOwn(t *testing.T) {
	eth0 := iface("eth0", addr(1), "l0")
	eth1 := iface("eth1", addr(2), "l1")
	cfg := testConfig("a", eth0, eth1)
	cfg.Gateway = state.GatewayCfg{Mode: state.GatewayServer, SelClass: 20, BandwidthDown: 100, BandwidthUp: 10}
	f := newEngineFixture(t, cfg)
	second := activate(t, f.m, eth1)

	delay, err := f.m.Engine.EmitOwn(second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, delay, cfg.OrigInterval-cfg.Jitter)
	assert.LessOrEqual(t, delay, cfg.OrigInterval+cfg.Jitter)
	assert.Equal(t, 0, f.m.Aggr.Pending(f.eth0.ID))
	assert.Equal(t, 1, f.m.Aggr.Pending(second.ID))

	_, err = f.m.Engine.EmitOwn(f.eth0)
	require.NoError(t, err)
	assert.Equal(t, 1, f.m.Aggr.Pending(f.eth0.ID))
	assert.Equal(t, 2, f.m.Aggr.Pending(second.ID))

	f.clock.Advance(2 * time.Second)
	for _, fr := range f.tr.frames() {
		ogms, err := protocol.ParseFrame(fr.frame)
		require.NoError(t, err)
		require.Len(t, ogms, 1)
		o := ogms[0]
		switch o.Orig {
		case addr(2):
			assert.Equal(t, second.ID, fr.iface)
			assert.Equal(t, state.TTLSecondary, o.TTL)
			assert.Empty(t, o.TVLV)
		case addr(1):
			assert.Equal(t, state.TTLPrimary, o.TTL)
			assert.True(t, o.Flags.Has(protocol.FlagPrimariesFirstHop))
			tvs, err := protocol.ParseTVLVs(o.TVLV)
			require.NoError(t, err)
			require.Len(t, tvs, 1)
			assert.Equal(t, uint8(protocol.TvlvGateway), tvs[0].Type)
		default:
			t.Fatalf("unexpected originator %s", o.Orig)
		}
	}
	assert.Len(t, f.tr.frames(), 3)
}

func TestEngine_TableFull(t *testing.T) {
	cfg := testConfig("a", iface("eth0", addr(1), "l0"))
	cfg.MaxOriginators = 1
	f := newEngineFixture(t, cfg)
	f.receive(t, addr(9), neighborOGM(addr(9), 1))
	f.receive(t, addr(8), neighborOGM(addr(8), 1))
	assert.Equal(t, 1, f.m.Topology.Len())
	assert.Equal(t, uint64(1), f.m.Counters.AllocationFailures.Load())
}

// run advances the shared clock in small steps so queued frames interleave.
func run(clock *state.ManualClock, d time.Duration) {
	for step := time.Duration(0); step < d; step += 50 * time.Millisecond {
		clock.Advance(50 * time.Millisecond)
	}
}

func TestEngine_TwoNodes(t *testing.T) {
	clock := state.NewManualClock(epoch)
	hub := memory.NewHub()
	a := startTestMesh(t, clock, hub, testConfig("a", iface("eth0", addr(1), "l0")))
	b := startTestMesh(t, clock, hub, testConfig("b", iface("eth0", addr(2), "l0")))
	var events []RouteEvent
	a.Routes.OnRouteChanged(func(ev RouteEvent) {
		events = append(events, ev)
	})

	run(clock, 5*time.Second)
	r, ok := routerOf(a, addr(2))
	require.True(t, ok, "a has no route to b")
	assert.Equal(t, addr(2), r)
	r, ok = routerOf(b, addr(1))
	require.True(t, ok, "b has no route to a")
	assert.Equal(t, addr(1), r)
	require.NotEmpty(t, events)
	assert.Equal(t, addr(2), events[0].Originator)

	// a full window of OGMs in both directions makes the link perfect
	run(clock, 80*time.Second)
	assert.GreaterOrEqual(t, routeTQOf(a, addr(2)), uint8(250))
	assert.GreaterOrEqual(t, routeTQOf(b, addr(1)), uint8(250))
	assert.Zero(t, a.Counters.Malformed.Load())
	assert.Positive(t, a.Counters.Sent.Load())
	assert.Positive(t, b.Counters.Received.Load())
}

func TestEngine_Line(t *testing.T) {
	clock := state.NewManualClock(epoch)
	hub := memory.NewHub()
	a := startTestMesh(t, clock, hub, testConfig("a", iface("eth0", addr(1), "ab")))
	b := startTestMesh(t, clock, hub, testConfig("b", iface("eth0", addr(2), "ab"), iface("eth1", addr(3), "bc")))
	c := startTestMesh(t, clock, hub, testConfig("c", iface("eth0", addr(4), "bc")))

	run(clock, 90*time.Second)
	// c reaches a and b's primary through b's interface on their shared link
	r, ok := routerOf(c, addr(1))
	require.True(t, ok, "c has no route to a")
	assert.Equal(t, addr(3), r)
	r, ok = routerOf(c, addr(2))
	require.True(t, ok)
	assert.Equal(t, addr(3), r)
	r, ok = routerOf(a, addr(4))
	require.True(t, ok, "a has no route to c")
	assert.Equal(t, addr(2), r)
	// b hears both ends directly, each on its own interface
	r, ok = routerOf(b, addr(1))
	require.True(t, ok, "b has no route to a")
	assert.Equal(t, addr(1), r)
	r, ok = routerOf(b, addr(4))
	require.True(t, ok, "b has no route to c")
	assert.Equal(t, addr(4), r)

	// every hop costs the hop penalty
	assert.Less(t, routeTQOf(c, addr(1)), routeTQOf(c, addr(2)))
	assert.GreaterOrEqual(t, routeTQOf(c, addr(1)), uint8(200))

	// secondary interface OGMs stay on their link
	assert.Nil(t, a.Topology.Originator(addr(3)))
	assert.NotNil(t, c.Topology.Originator(addr(3)))
}

func TestEngine_LinkLoss(t *testing.T) {
	clock := state.NewManualClock(epoch)
	hub := memory.NewHub()
	cfgA := testConfig("a", iface("eth0", addr(1), "l0"))
	cfgA.PurgeTimeout = 10 * time.Second
	a := startTestMesh(t, clock, hub, cfgA)
	startTestMesh(t, clock, hub, testConfig("b", iface("eth0", addr(2), "l0")))

	run(clock, 10*time.Second)
	_, ok := routerOf(a, addr(2))
	require.True(t, ok)

	var removed []RouteEvent
	a.Routes.OnRouteChanged(func(ev RouteEvent) {
		if ev.Router == nil {
			removed = append(removed, ev)
		}
	})
	hub.Cut(addr(1), addr(2))
	run(clock, 15*time.Second)
	_, ok = routerOf(a, addr(2))
	assert.False(t, ok)
	assert.Nil(t, a.Topology.Originator(addr(2)))
	require.NotEmpty(t, removed)
	assert.Equal(t, addr(2), removed[0].Originator)

	hub.Heal(addr(1), addr(2))
	run(clock, 10*time.Second)
	_, ok = routerOf(a, addr(2))
	assert.True(t, ok)
}

func neighborTQ(t *testing.T, o *OriginatorNode, a state.NodeID) uint8 {
	t.Helper()
	for _, n := range o.Neighbors() {
		if n.Addr == a {
			return n.TQAvg(state.IfaceDefault)
		}
	}
	t.Fatalf("%s is not a neighbor of %s", a, o.ID)
	return 0
}

func TestEngine_RedeliveryKeepsRouter(t *testing.T) {
	f := newEngineFixture(t, testConfig("a", iface("eth0", addr(1), "l0")))
	n1, n2, x := addr(5), addr(6), addr(20)
	relayed := func(seqno uint32, tq uint8) protocol.OGM {
		return protocol.OGM{TTL: state.TTLPrimary - 1, TQ: tq, Seqno: seqno, Orig: x, PrevSender: x}
	}

	// n1 and n2 echo our OGMs and both relay x, n1 with the better quality
	var seqno uint32
	for seqno = 1; seqno <= 20; seqno++ {
		_, err := f.m.Engine.EmitOwn(f.eth0)
		require.NoError(t, err)
		if next := f.eth0.NextSeqno(); next >= 2 {
			echo := neighborOGM(addr(1), next-2)
			echo.TTL--
			echo.Flags |= protocol.FlagDirectLink
			echo.PrevSender = n1
			f.receive(t, n1, echo)
			echo.PrevSender = n2
			f.receive(t, n2, echo)
		}
		f.receive(t, n1, neighborOGM(n1, seqno))
		f.receive(t, n2, neighborOGM(n2, seqno))
		f.receive(t, n1, relayed(seqno, 200))
		f.receive(t, n2, relayed(seqno, 150))
	}
	last := seqno - 1

	orig := f.m.Topology.Originator(x)
	require.NotNil(t, orig)
	router, ok := routerOf(f.m, x)
	require.True(t, ok, "no route to x")
	require.Equal(t, n1, router)
	tq1, tq2 := neighborTQ(t, orig, n1), neighborTQ(t, orig, n2)
	require.Positive(t, tq2)
	require.Greater(t, tq1, tq2)
	dups := f.m.Counters.Duplicates.Load()

	// copies already counted through n2 do not feed its quality again
	for range 5 {
		f.receive(t, n2, relayed(last, 255))
	}
	router, ok = routerOf(f.m, x)
	require.True(t, ok)
	assert.Equal(t, n1, router)
	assert.Equal(t, tq1, neighborTQ(t, orig, n1))
	assert.Equal(t, tq2, neighborTQ(t, orig, n2))
	assert.Equal(t, dups+5, f.m.Counters.Duplicates.Load())
}
