package memory

import (
	"context"
	"sync"

	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport"
)

// Transport attaches one mesh instance to a Hub.
type Transport struct {
	hub     *Hub
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	handler transport.Handler
	ports   map[state.IfaceID]*port
}

func (h *Hub) NewTransport() *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
		ports:  make(map[state.IfaceID]*port),
	}
}

func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler != nil {
		return transport.ErrAlreadyStarted
	}
	t.handler = h
	go func() {
		select {
		case <-ctx.Done():
			t.cancel()
		case <-t.ctx.Done():
		}
	}()
	return nil
}

func (t *Transport) Attach(iface transport.Interface) error {
	p := &port{t: t, iface: iface}
	t.mu.Lock()
	t.ports[iface.ID] = p
	t.mu.Unlock()
	t.hub.attach(p)
	return nil
}

func (t *Transport) Detach(id state.IfaceID) error {
	t.mu.Lock()
	_, ok := t.ports[id]
	delete(t.ports, id)
	t.mu.Unlock()
	if !ok {
		return transport.ErrUnknownIface
	}
	t.hub.detach(t, id)
	return nil
}

func (t *Transport) Broadcast(id state.IfaceID, frame []byte) error {
	t.mu.RLock()
	p, ok := t.ports[id]
	started := t.handler != nil
	t.mu.RUnlock()
	if !started {
		return transport.ErrNotStarted
	}
	if !ok {
		return transport.ErrUnknownIface
	}
	t.hub.broadcast(p, frame)
	return nil
}

func (t *Transport) deliver(id state.IfaceID, src state.NodeID, frame []byte) {
	if t.ctx.Err() != nil {
		return
	}
	t.mu.RLock()
	h := t.handler
	_, attached := t.ports[id]
	t.mu.RUnlock()
	if h == nil || !attached {
		return
	}
	h(id, src, frame)
}

func (t *Transport) Close() error {
	t.cancel()
	t.mu.Lock()
	ids := make([]state.IfaceID, 0, len(t.ports))
	for id := range t.ports {
		ids = append(ids, id)
	}
	t.ports = make(map[state.IfaceID]*port)
	t.mu.Unlock()
	for _, id := range ids {
		t.hub.detach(t, id)
	}
	return nil
}
