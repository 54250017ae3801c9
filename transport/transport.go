// Package transport defines how a mesh instance reaches the link layer.
package transport

import (
	"context"
	"errors"

	"github.com/encodeous/bativ/state"
)

var (
	ErrNotStarted     = errors.New("transport not started")
	ErrUnknownIface   = errors.New("interface not attached")
	ErrAlreadyStarted = errors.New("transport already started")
)

// Interface is a hard interface as seen by a transport.
type Interface struct {
	ID   state.IfaceID
	Name string
	Addr state.NodeID
	Link string
	// Device is the serial port path, only read by the serial transport.
	Device string
}

func InterfaceFromConfig(id state.IfaceID, cfg state.InterfaceCfg) Interface {
	link := cfg.Link
	if link == "" {
		link = cfg.Name
	}
	return Interface{ID: id, Name: cfg.Name, Addr: cfg.Addr, Link: link, Device: cfg.Device}
}

// Handler is called for every frame heard on an attached interface. src is
// the link-layer sender. The frame is owned by the handler.
type Handler func(iface state.IfaceID, src state.NodeID, frame []byte)

// Transport broadcasts frames on hard interfaces and delivers what they hear.
type Transport interface {
	// Start begins delivering frames to h. The context bounds the transport's lifetime.
	Start(ctx context.Context, h Handler) error
	Attach(iface Interface) error
	Detach(id state.IfaceID) error
	// Broadcast sends frame to every node on the interface's link. It must not retain frame.
	Broadcast(id state.IfaceID, frame []byte) error
	Close() error
}
