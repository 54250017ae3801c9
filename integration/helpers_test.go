//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/encodeous/bativ/sim"
	"github.com/encodeous/bativ/state"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func baseConfig() state.Config {
	cfg := state.DefaultConfig()
	cfg.Workers = 0
	return cfg
}

// newManualHarness builds a harness on a manual clock, so every frame is
// processed on the goroutine advancing it.
func newManualHarness(t *testing.T, names []string, graph []string) (*sim.VirtualHarness, *state.ManualClock) {
	t.Helper()
	clock := state.NewManualClock(epoch)
	vh, err := sim.FromGraph(baseConfig(), clock, nil, names, graph)
	require.NoError(t, err)
	return vh, clock
}

func start(t *testing.T, vh *sim.VirtualHarness) {
	t.Helper()
	require.NoError(t, vh.Start())
	t.Cleanup(vh.Stop)
}

func run(clock *state.ManualClock, d time.Duration) {
	for step := time.Duration(0); step < d; step += 50 * time.Millisecond {
		clock.Advance(50 * time.Millisecond)
	}
}

func routeTQ(vh *sim.VirtualHarness, from, to string) uint8 {
	o := vh.Node(from).Mesh.Topology.Originator(vh.Node(to).ID())
	if o == nil {
		return 0
	}
	r := o.Router(state.IfaceDefault)
	if r == nil {
		return 0
	}
	return r.TQAvg(state.IfaceDefault)
}
