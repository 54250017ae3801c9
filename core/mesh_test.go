package core

import (
	"context"
	"testing"
	"time"

	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func fastConfig(name string, ifaces ...state.InterfaceCfg) state.Config {
	cfg := testConfig(name, ifaces...)
	cfg.OrigInterval = 50 * time.Millisecond
	cfg.Jitter = 5 * time.Millisecond
	cfg.Workers = 2
	return cfg
}

func TestMesh_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := memory.NewHub()
	a := newTestMesh(t, state.SystemClock{}, hub.NewTransport(), fastConfig("a", iface("eth0", addr(1), "l0")))
	b := newTestMesh(t, state.SystemClock{}, hub.NewTransport(), fastConfig("b", iface("eth0", addr(2), "l0")))
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	require.Eventually(t, func() bool {
		_, ab := routerOf(a, addr(2))
		_, ba := routerOf(b, addr(1))
		return ab && ba
	}, 10*time.Second, 20*time.Millisecond)

	a.Stop()
	b.Stop()
	hub.Wait()
	assert.ErrorIs(t, context.Cause(a.Context), ErrStopped)
	select {
	case <-a.Done():
	default:
		t.Fatal("stopped instance is not done")
	}
}

func TestMesh_StartTwice(t *testing.T) {
	clock := state.NewManualClock(epoch)
	m := startTestMesh(t, clock, memory.NewHub(), testConfig("a", iface("eth0", addr(1), "l0")))
	assert.Error(t, m.Start())
}

func TestMesh_StopIdempotent(t *testing.T) {
	clock := state.NewManualClock(epoch)
	m := startTestMesh(t, clock, memory.NewHub(), testConfig("a", iface("eth0", addr(1), "l0")))
	m.Stop()
	m.Stop()
	_, err := m.AddInterface(iface("eth1", addr(2), "l1"))
	assert.ErrorIs(t, err, ErrStopped)
	// no timers left behind
	assert.Zero(t, clock.Pending())
}

func TestMesh_Interfaces(t *testing.T) {
	clock := state.NewManualClock(epoch)
	hub := memory.NewHub()
	a := startTestMesh(t, clock, hub, testConfig("a", iface("eth0", addr(1), "l0")))
	startTestMesh(t, clock, hub, testConfig("b", iface("eth0", addr(2), "l1")))

	run(clock, 3*time.Second)
	_, ok := routerOf(a, addr(2))
	require.False(t, ok, "no shared link yet")

	eth1, err := a.AddInterface(iface("eth1", addr(3), "l1"))
	require.NoError(t, err)
	assert.True(t, eth1.Active())
	assert.Equal(t, "eth0", a.Ifaces.Primary().Name)
	_, err = a.AddInterface(iface("eth1", addr(4), "l1"))
	assert.Error(t, err)

	run(clock, 5*time.Second)
	r, ok := routerOf(a, addr(2))
	require.True(t, ok)
	assert.Equal(t, addr(2), r)
	// b reaches a's primary through a's interface on l1
	assert.NotEmpty(t, a.Topology.HardifNeighbors(eth1.ID))

	assert.ErrorIs(t, a.RemoveInterface("eth9"), ErrUnknownInterface)
	require.NoError(t, a.RemoveInterface("eth1"))
	assert.Nil(t, a.Ifaces.ByName("eth1"))
	_, ok = routerOf(a, addr(2))
	assert.False(t, ok)
	assert.Empty(t, a.Topology.HardifNeighbors(eth1.ID))
	assert.Zero(t, a.Aggr.Pending(eth1.ID))
}

func TestMesh_PrimaryFailover(t *testing.T) {
	clock := state.NewManualClock(epoch)
	m := startTestMesh(t, clock, memory.NewHub(), testConfig("a", iface("eth0", addr(1), "l0"), iface("eth1", addr(2), "l1")))
	require.Equal(t, "eth0", m.Ifaces.Primary().Name)
	require.NoError(t, m.RemoveInterface("eth0"))
	assert.Equal(t, "eth1", m.Ifaces.Primary().Name)
	assert.False(t, m.Ifaces.IsMyAddr(addr(1)))
}
