package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	TvlvHeaderLen = 4

	TvlvGateway = 0x04
)

// TVLV is a type-version-length-value container carried in an OGM.
type TVLV struct {
	Type    uint8
	Version uint8
	Value   []byte
}

func (t TVLV) Len() int {
	return TvlvHeaderLen + len(t.Value)
}

func AppendTVLV(b []byte, t TVLV) ([]byte, error) {
	if len(t.Value) > 0xffff {
		return b, ErrTvlvTooLong
	}
	b = append(b, t.Type, t.Version)
	b = binary.BigEndian.AppendUint16(b, uint16(len(t.Value)))
	return append(b, t.Value...), nil
}

// ParseTVLVs splits an OGM TVLV payload into containers. Values alias b.
func ParseTVLVs(b []byte) ([]TVLV, error) {
	out := make([]TVLV, 0)
	for len(b) > 0 {
		if len(b) < TvlvHeaderLen {
			return out, fmt.Errorf("%w: %d trailing bytes", ErrTvlvOverrun, len(b))
		}
		l := int(binary.BigEndian.Uint16(b[2:4]))
		if len(b) < TvlvHeaderLen+l {
			return out, fmt.Errorf("%w: type 0x%02x needs %d bytes, %d left", ErrTvlvOverrun, b[0], l, len(b)-TvlvHeaderLen)
		}
		out = append(out, TVLV{Type: b[0], Version: b[1], Value: b[TvlvHeaderLen : TvlvHeaderLen+l]})
		b = b[TvlvHeaderLen+l:]
	}
	return out, nil
}

// GatewayBandwidth is the gateway announcement, in units of 100 kbit/s.
type GatewayBandwidth struct {
	Down uint32
	Up   uint32
}

func (g GatewayBandwidth) TVLV() TVLV {
	v := make([]byte, 0, 8)
	v = binary.BigEndian.AppendUint32(v, g.Down)
	v = binary.BigEndian.AppendUint32(v, g.Up)
	return TVLV{Type: TvlvGateway, Version: 1, Value: v}
}

func ParseGatewayBandwidth(v []byte) (GatewayBandwidth, error) {
	if len(v) < 8 {
		return GatewayBandwidth{}, fmt.Errorf("%w: gateway container has %d bytes", ErrPacketTooShort, len(v))
	}
	return GatewayBandwidth{
		Down: binary.BigEndian.Uint32(v[0:4]),
		Up:   binary.BigEndian.Uint32(v[4:8]),
	}, nil
}
