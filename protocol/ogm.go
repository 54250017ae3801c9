// Package protocol implements the wire format of B.A.T.M.A.N. IV originator
// messages. All multi-byte fields are big-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/encodeous/bativ/state"
)

const (
	PacketTypeOGM = 0x00
	Version       = 15
	// HeaderLen is the size of an OGM without its TVLV payload.
	HeaderLen = 24
)

var (
	ErrPacketTooShort = errors.New("packet too short")
	ErrBadPacketType  = errors.New("not an OGM")
	ErrBadVersion     = errors.New("incompatible protocol version")
	ErrTvlvTooLong    = errors.New("tvlv payload too long")
	ErrTvlvOverrun    = errors.New("tvlv container overruns payload")
)

type Flags uint8

const (
	FlagNotBestNextHop    Flags = 1 << 0
	FlagPrimariesFirstHop Flags = 1 << 1
	FlagDirectLink        Flags = 1 << 2
)

func (f Flags) Has(x Flags) bool {
	return f&x == x
}

func (f Flags) String() string {
	parts := make([]string, 0, 3)
	if f.Has(FlagNotBestNextHop) {
		parts = append(parts, "NOT_BEST_NEXT_HOP")
	}
	if f.Has(FlagPrimariesFirstHop) {
		parts = append(parts, "PRIMARIES_FIRST_HOP")
	}
	if f.Has(FlagDirectLink) {
		parts = append(parts, "DIRECTLINK")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// OGM is a decoded originator message.
type OGM struct {
	TTL        uint8
	Flags      Flags
	TQ         uint8
	Seqno      uint32
	Orig       state.NodeID
	PrevSender state.NodeID
	// TVLV aliases the buffer the OGM was decoded from.
	TVLV []byte
}

func (o *OGM) Len() int {
	return HeaderLen + len(o.TVLV)
}

func (o *OGM) String() string {
	return fmt.Sprintf("ogm(orig: %s, prev: %s, seqno: %d, ttl: %d, tq: %d, flags: %s, tvlv: %d)",
		o.Orig, o.PrevSender, o.Seqno, o.TTL, o.TQ, o.Flags, len(o.TVLV))
}

// AppendBinary appends the encoded OGM to b.
func (o *OGM) AppendBinary(b []byte) ([]byte, error) {
	if len(o.TVLV) > 0xffff {
		return b, ErrTvlvTooLong
	}
	b = append(b, PacketTypeOGM, Version, o.TTL, byte(o.Flags), 0, o.TQ)
	b = binary.BigEndian.AppendUint16(b, uint16(len(o.TVLV)))
	b = binary.BigEndian.AppendUint32(b, o.Seqno)
	b = append(b, o.Orig[:]...)
	b = append(b, o.PrevSender[:]...)
	b = append(b, o.TVLV...)
	return b, nil
}

func (o *OGM) MarshalBinary() ([]byte, error) {
	return o.AppendBinary(make([]byte, 0, o.Len()))
}

// DecodeOGM decodes the OGM at the start of b and returns its encoded length.
func DecodeOGM(b []byte) (OGM, int, error) {
	var o OGM
	if len(b) < HeaderLen {
		return o, 0, ErrPacketTooShort
	}
	if b[0] != PacketTypeOGM {
		return o, 0, fmt.Errorf("%w: type 0x%02x", ErrBadPacketType, b[0])
	}
	if b[1] != Version {
		return o, 0, fmt.Errorf("%w: %d", ErrBadVersion, b[1])
	}
	tvlvLen := int(binary.BigEndian.Uint16(b[6:8]))
	if len(b) < HeaderLen+tvlvLen {
		return o, 0, ErrPacketTooShort
	}
	o.TTL = b[2]
	o.Flags = Flags(b[3])
	o.TQ = b[5]
	o.Seqno = binary.BigEndian.Uint32(b[8:12])
	copy(o.Orig[:], b[12:18])
	copy(o.PrevSender[:], b[18:24])
	if tvlvLen > 0 {
		o.TVLV = b[HeaderLen : HeaderLen+tvlvLen : HeaderLen+tvlvLen]
	}
	return o, HeaderLen + tvlvLen, nil
}

// SetFlag sets or clears f on the encoded OGM starting at off.
func SetFlag(frame []byte, off int, f Flags, on bool) {
	if on {
		frame[off+3] |= byte(f)
	} else {
		frame[off+3] &^= byte(f)
	}
}
