//go:build linux

package rawsock

import (
	"testing"

	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport"
	"github.com/stretchr/testify/assert"
)

func TestHtons(t *testing.T) {
	assert.Equal(t, uint16(0x0543), htons(EtherType))
}

func TestAttach_RequiresStart(t *testing.T) {
	tr := New(nil)
	err := tr.Attach(transport.Interface{ID: 1, Name: "lo", Addr: state.MustParseNodeID("02:00:00:00:00:01")})
	assert.ErrorIs(t, err, transport.ErrNotStarted)
}

func TestUnknownInterface(t *testing.T) {
	tr := New(nil)
	assert.ErrorIs(t, tr.Broadcast(3, []byte{0}), transport.ErrUnknownIface)
	assert.ErrorIs(t, tr.Detach(3), transport.ErrUnknownIface)
	assert.NoError(t, tr.Close())
}
