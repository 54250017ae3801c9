package state

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"net"
)

// NodeID is the link-layer address a mesh node or one of its interfaces is known by.
type NodeID [6]byte

// IfaceID identifies a local hard interface. IfaceDefault is the soft interface
// view used to build the forwarding table.
type IfaceID uint16

const IfaceDefault IfaceID = 0

var BroadcastID = NodeID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	hw, err := net.ParseMAC(s)
	if err != nil {
		return id, err
	}
	if len(hw) != len(id) {
		return id, fmt.Errorf("%s is not a 6 byte link-layer address", s)
	}
	copy(id[:], hw)
	return id, nil
}

func MustParseNodeID(s string) NodeID {
	id, err := ParseNodeID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (n NodeID) String() string {
	return net.HardwareAddr(n[:]).String()
}

func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

func (n NodeID) Compare(o NodeID) int {
	return bytes.Compare(n[:], o[:])
}

func (n NodeID) Hash() uint32 {
	h := fnv.New32a()
	_, _ = h.Write(n[:])
	return h.Sum32()
}

func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *NodeID) UnmarshalText(text []byte) error {
	id, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*n = id
	return nil
}

func (i IfaceID) String() string {
	if i == IfaceDefault {
		return "default"
	}
	return fmt.Sprintf("if%d", uint16(i))
}
