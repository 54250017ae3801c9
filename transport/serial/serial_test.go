package serial

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/goleak"
)

var (
	addrA = state.MustParseNodeID("02:00:00:00:00:0a")
	addrB = state.MustParseNodeID("02:00:00:00:00:0b")
)

type heard struct {
	iface state.IfaceID
	src   state.NodeID
	frame []byte
}

func collect(t *Transport) *[]heard {
	var out []heard
	t.handler = func(iface state.IfaceID, src state.NodeID, frame []byte) {
		out = append(out, heard{iface, src, frame})
	}
	return &out
}

func TestFletcher16(t *testing.T) {
	assert.Equal(t, uint16(0), Fletcher16(nil))
	assert.Equal(t, uint16(0xC8F0), Fletcher16([]byte("abcde")))
	assert.Equal(t, uint16(0x2057), Fletcher16([]byte("abcdef")))
}

func TestFrameRoundTrip(t *testing.T) {
	buf, err := EncodeFrame(addrA, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, buf, minFrameLen+3)

	src, frame, rest, err := DecodeFrame(append(buf, 0xff))
	require.NoError(t, err)
	assert.Equal(t, addrA, src)
	assert.Equal(t, []byte{1, 2, 3}, frame)
	assert.Equal(t, []byte{0xff}, rest)

	_, err = EncodeFrame(addrA, make([]byte, MaxPayload))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDecodeFrame_Errors(t *testing.T) {
	buf, err := EncodeFrame(addrA, []byte{1, 2, 3})
	require.NoError(t, err)

	_, _, _, err = DecodeFrame(buf[:5])
	assert.ErrorIs(t, err, ErrFrameTooShort)
	_, _, _, err = DecodeFrame(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrIncompleteFrame)

	bad := append([]byte(nil), buf...)
	bad[0] = 0
	_, _, _, err = DecodeFrame(bad)
	assert.ErrorIs(t, err, ErrInvalidMagic)

	bad = append([]byte(nil), buf...)
	bad[len(bad)-3] ^= 0xff
	_, _, _, err = DecodeFrame(bad)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestProcessFrames(t *testing.T) {
	tr := New(Config{})
	out := collect(tr)
	iface := transport.Interface{ID: 3, Name: "tty0", Addr: addrA}

	one, _ := EncodeFrame(addrB, []byte{1})
	two, _ := EncodeFrame(addrB, []byte{2, 2})
	own, _ := EncodeFrame(addrA, []byte{9})

	var data []byte
	data = append(data, 0x00, 0xBA, 0x01) // line noise
	data = append(data, one...)
	data = append(data, own...)
	data = append(data, two[:5]...)

	rest := tr.processFrames(iface, data)
	require.Len(t, *out, 1)
	assert.Equal(t, heard{3, addrB, []byte{1}}, (*out)[0])
	assert.Equal(t, two[:5], rest)

	rest = tr.processFrames(iface, append(rest, two[5:]...))
	assert.Empty(t, rest)
	require.Len(t, *out, 2)
	assert.Equal(t, []byte{2, 2}, (*out)[1].frame)
}

func TestProcessFrames_Corrupt(t *testing.T) {
	tr := New(Config{})
	out := collect(tr)
	iface := transport.Interface{ID: 1, Addr: addrA}

	bad, _ := EncodeFrame(addrB, []byte{1, 2, 3})
	bad[len(bad)-1] ^= 0xff
	good, _ := EncodeFrame(addrB, []byte{4})

	rest := tr.processFrames(iface, append(bad, good...))
	assert.Empty(t, rest)
	require.Len(t, *out, 1)
	assert.Equal(t, []byte{4}, (*out)[0].frame)
}

func pipeOpener(conn net.Conn) OpenFunc {
	return func(device string, mode *serial.Mode) (io.ReadWriteCloser, error) {
		return conn, nil
	}
}

func TestPipeLink(t *testing.T) {
	defer goleak.VerifyNone(t)
	ca, cb := net.Pipe()
	a := New(Config{Open: pipeOpener(ca)})
	b := New(Config{Open: pipeOpener(cb)})

	frames := make(chan heard, 4)
	h := func(iface state.IfaceID, src state.NodeID, frame []byte) {
		frames <- heard{iface, src, frame}
	}
	require.NoError(t, a.Start(t.Context(), h))
	require.NoError(t, b.Start(t.Context(), h))
	assert.ErrorIs(t, a.Start(t.Context(), h), transport.ErrAlreadyStarted)

	require.NoError(t, a.Attach(transport.Interface{ID: 1, Name: "tty0", Addr: addrA, Device: "/dev/ttyA"}))
	require.NoError(t, b.Attach(transport.Interface{ID: 7, Name: "tty0", Addr: addrB, Device: "/dev/ttyB"}))

	require.NoError(t, a.Broadcast(1, []byte{0xde, 0xad}))
	select {
	case got := <-frames:
		assert.Equal(t, heard{7, addrA, []byte{0xde, 0xad}}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("frame not delivered")
	}

	assert.ErrorIs(t, a.Broadcast(2, []byte{1}), transport.ErrUnknownIface)
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestAttach_Errors(t *testing.T) {
	tr := New(Config{Open: pipeOpener(nil)})
	assert.Error(t, tr.Attach(transport.Interface{ID: 1, Name: "tty0"}))
	assert.ErrorIs(t, tr.Attach(transport.Interface{ID: 1, Name: "tty0", Device: "/dev/null"}), transport.ErrNotStarted)
	assert.ErrorIs(t, tr.Detach(1), transport.ErrUnknownIface)
}
