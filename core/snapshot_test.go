package core

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/encodeous/bativ/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_Paging(t *testing.T) {
	ids := []state.NodeID{addr(1), addr(2), addr(3), addr(4), addr(5)}
	c := NewCursor(ids, func(id state.NodeID) state.NodeID { return id })
	assert.Equal(t, 5, c.Len())
	_, ok := c.Position()
	assert.False(t, ok)

	assert.Equal(t, ids[:2], c.Next(2))
	pos, ok := c.Position()
	require.True(t, ok)
	assert.Equal(t, addr(2), pos)
	assert.Equal(t, ids[2:5], c.Next(10))
	assert.Nil(t, c.Next(1))
	assert.Nil(t, NewCursor(ids, func(id state.NodeID) state.NodeID { return id }).Next(0))
}

func TestCursor_Resume(t *testing.T) {
	key := func(id state.NodeID) state.NodeID { return id }
	first := NewCursor([]state.NodeID{addr(1), addr(2), addr(3)}, key)
	first.Next(2)
	pos, _ := first.Position()

	// addr(2) went away and addr(4) appeared in between
	second := NewCursor([]state.NodeID{addr(1), addr(3), addr(4)}, key)
	second.Resume(pos)
	assert.Equal(t, []state.NodeID{addr(3), addr(4)}, second.Next(5))

	// resuming at a key that is not in the snapshot
	third := NewCursor([]state.NodeID{addr(1), addr(3), addr(4)}, key)
	third.Resume(addr(2))
	p, ok := third.Position()
	require.True(t, ok)
	assert.Equal(t, addr(2), p)
	assert.Equal(t, []state.NodeID{addr(3)}, third.Next(1))
}

// newPopulatedFixture has heard one OGM from each of three neighbors.
func newPopulatedFixture(t *testing.T) *engineFixture {
	f := newEngineFixture(t, testConfig("a", iface("eth0", addr(1), "l0")))
	for _, n := range []byte{9, 7, 8} {
		f.receive(t, addr(n), neighborOGM(addr(n), 1))
	}
	return f
}

func TestMesh_Originators(t *testing.T) {
	f := newPopulatedFixture(t)
	c := f.m.Originators()
	require.Equal(t, 3, c.Len())
	page := c.Next(2)
	require.Len(t, page, 2)
	assert.Equal(t, addr(7), page[0].ID)
	assert.Equal(t, addr(8), page[1].ID)
	// no bidirectional link yet
	assert.Empty(t, page[0].Routers)

	rest := f.m.Originators()
	pos, _ := c.Position()
	rest.Resume(pos)
	page = rest.Next(5)
	require.Len(t, page, 1)
	assert.Equal(t, addr(9), page[0].ID)
}

func TestMesh_Neighbors(t *testing.T) {
	f := newPopulatedFixture(t)
	ns := f.m.Neighbors()
	require.Len(t, ns, 3)
	for _, n := range ns {
		assert.Equal(t, "eth0", n.Incoming)
		assert.Equal(t, n.Originator, n.Addr)
		assert.Zero(t, n.Echoes)
	}

	ifs := f.m.InterfaceList()
	require.Len(t, ifs, 1)
	assert.Equal(t, "eth0", ifs[0].Name)
	assert.True(t, ifs[0].Primary)
	assert.Equal(t, IfaceActive.String(), ifs[0].State)
}

func TestIPC(t *testing.T) {
	f := newPopulatedFixture(t)
	sock := filepath.Join(t.TempDir(), "bativ.sock")
	srv, err := f.m.ServeIPC(sock)
	require.NoError(t, err)
	defer srv.Close()

	res, err := IPCGet(sock, "counters")
	require.NoError(t, err)
	assert.Contains(t, res, "received: 3")

	res, err = IPCGet(sock, "originators limit 1")
	require.NoError(t, err)
	assert.Contains(t, res, addr(7).String())
	assert.NotContains(t, res, addr(8).String())

	res, err = IPCGet(sock, "originators after "+addr(7).String())
	require.NoError(t, err)
	assert.NotContains(t, res, addr(7).String())
	assert.Contains(t, res, addr(8).String())
	assert.Contains(t, res, addr(9).String())

	res, err = IPCGet(sock, "originators after "+addr(9).String())
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(res))

	res, err = IPCGet(sock, "interfaces")
	require.NoError(t, err)
	assert.Contains(t, res, "name: eth0")

	_, err = IPCGet(sock, "routes")
	assert.ErrorContains(t, err, "unknown command routes")
	_, err = IPCGet(sock, "originators limit x")
	assert.ErrorContains(t, err, "bad limit")
}
