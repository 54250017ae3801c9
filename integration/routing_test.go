//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/encodeous/bativ/core"
	"github.com/encodeous/bativ/sim"
	"github.com/encodeous/bativ/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// square is a-b-d and a-c-d with no link between b and c.
func square(t *testing.T) (*sim.VirtualHarness, *state.ManualClock) {
	names := []string{"a", "b", "c", "d"}
	return newManualHarness(t, names, []string{"a, b", "b, d", "a, c", "c, d"})
}

func TestReroute(t *testing.T) {
	vh, clock := square(t)
	start(t, vh)
	run(clock, 30*time.Second)
	require.True(t, vh.Converged())

	first, ok := vh.NextHop("a", "d")
	require.True(t, ok)
	require.Contains(t, []string{"b", "c"}, first.Name)
	other := "c"
	if first.Name == "c" {
		other = "b"
	}

	moved := sim.NewSignal()
	vh.Node("a").Mesh.Routes.OnRouteChanged(func(ev core.RouteEvent) {
		if ev.Originator != vh.Node("d").ID() || ev.Iface != state.IfaceDefault || ev.Router == nil {
			return
		}
		if hop := vh.Owner(*ev.Router); hop != nil && hop.Name == other {
			moved.Trigger()
		}
	})

	link := "a-" + first.Name
	vh.Cut(link, "a", first.Name)
	run(clock, 20*time.Second)
	assert.True(t, moved.Triggered())
	path, err := vh.Trace("a", "d")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", other, "d"}, path)
	// the far side notices too
	path, err = vh.Trace("d", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"d", other, "a"}, path)
}

func TestPartition(t *testing.T) {
	names := []string{"a", "b", "c"}
	vh, clock := newManualHarness(t, names, state.LineTopology(names))
	for _, n := range vh.Nodes {
		n.Cfg.PurgeTimeout = 10 * time.Second
	}
	start(t, vh)
	run(clock, 20*time.Second)
	require.True(t, vh.Converged())

	vh.Cut("b-c", "b", "c")
	run(clock, 20*time.Second)
	_, err := vh.Trace("a", "c")
	assert.Error(t, err)
	assert.Nil(t, vh.Node("a").Mesh.Topology.Originator(vh.Node("c").ID()))
	_, err = vh.Trace("a", "b")
	assert.NoError(t, err)

	vh.Heal("b-c", "b", "c")
	run(clock, 20*time.Second)
	assert.True(t, vh.Converged())
}

func TestLossyShortcut(t *testing.T) {
	names := []string{"a", "b", "c"}
	vh, clock := newManualHarness(t, names, []string{"a, b", "a, c", "b, c"})
	vh.Path("a-b", "a", "b").WithPacketLoss(0.6)
	vh.Path("a-b", "b", "a").WithPacketLoss(0.6)
	start(t, vh)

	run(clock, 90*time.Second)
	// two clean hops beat one lossy one
	hop, ok := vh.NextHop("a", "b")
	require.True(t, ok)
	assert.Equal(t, "c", hop.Name)
	hop, ok = vh.NextHop("b", "a")
	require.True(t, ok)
	assert.Equal(t, "c", hop.Name)
}

func TestGatewayElection(t *testing.T) {
	names := []string{"a", "b", "c", "d"}
	vh, clock := newManualHarness(t, names, state.LineTopology(names))
	vh.Node("a").Cfg.Gateway = state.GatewayCfg{Mode: state.GatewayClient, SelClass: 20}
	vh.Node("c").Cfg.Gateway = state.GatewayCfg{Mode: state.GatewayServer, SelClass: 20, BandwidthDown: 100, BandwidthUp: 20}
	vh.Node("d").Cfg.Gateway = state.GatewayCfg{Mode: state.GatewayServer, SelClass: 20, BandwidthDown: 1000, BandwidthUp: 100}
	start(t, vh)

	run(clock, 60*time.Second)
	gws := vh.Node("a").Mesh.GatewayList()
	require.Len(t, gws, 2)
	cur, ok := vh.Node("a").Mesh.Gateways.CurrentGateway()
	require.True(t, ok)
	assert.Contains(t, []state.NodeID{vh.Node("c").ID(), vh.Node("d").ID()}, cur)
	// servers do not elect
	_, ok = vh.Node("c").Mesh.Gateways.CurrentGateway()
	assert.False(t, ok)
}
