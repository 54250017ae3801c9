//go:build !linux

package rawsock

import (
	"context"
	"errors"
	"log/slog"

	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport"
)

var ErrUnsupported = errors.New("raw sockets are only supported on linux")

type Transport struct{}

func New(log *slog.Logger) *Transport {
	return &Transport{}
}

func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	return ErrUnsupported
}

func (t *Transport) Attach(iface transport.Interface) error {
	return ErrUnsupported
}

func (t *Transport) Detach(id state.IfaceID) error {
	return ErrUnsupported
}

func (t *Transport) Broadcast(id state.IfaceID, frame []byte) error {
	return ErrUnsupported
}

func (t *Transport) Close() error {
	return nil
}
