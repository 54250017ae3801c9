//go:build linux

// Package rawsock sends and receives OGM frames directly on Ethernet
// interfaces through AF_PACKET sockets.
package rawsock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport"
	"golang.org/x/sys/unix"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// EtherType is the ethertype batman-adv frames are sent with.
	EtherType = 0x4305
	ethHdrLen = 14
	readBuf   = 2048
)

// Transport owns one raw socket per attached interface.
type Transport struct {
	log     *slog.Logger
	mu      sync.RWMutex
	ctx     context.Context
	handler transport.Handler
	socks   map[state.IfaceID]*socket
	wg      sync.WaitGroup
}

type socket struct {
	fd      int
	ifindex int
	iface   transport.Interface
	closed  chan struct{}
}

func New(log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		log:   log.WithGroup("rawsock"),
		socks: make(map[state.IfaceID]*socket),
	}
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler != nil {
		return transport.ErrAlreadyStarted
	}
	t.ctx = ctx
	t.handler = h
	return nil
}

func (t *Transport) Attach(iface transport.Interface) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler == nil {
		return transport.ErrNotStarted
	}
	nif, err := net.InterfaceByName(iface.Name)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(EtherType)))
	if err != nil {
		return fmt.Errorf("opening raw socket on %s: %w", iface.Name, err)
	}
	err = unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: htons(EtherType), Ifindex: nif.Index})
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("binding raw socket to %s: %w", iface.Name, err)
	}
	// reads wake up periodically so Close never waits on a quiet link
	tv := unix.NsecToTimeval((500 * time.Millisecond).Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return err
	}
	s := &socket{fd: fd, ifindex: nif.Index, iface: iface, closed: make(chan struct{})}
	t.socks[iface.ID] = s
	t.wg.Add(1)
	go t.readLoop(s)
	t.log.Info("attached", "iface", iface.Name, "addr", iface.Addr)
	return nil
}

func (t *Transport) readLoop(s *socket) {
	defer t.wg.Done()
	defer unix.Close(s.fd)
	buf := make([]byte, readBuf)
	for {
		select {
		case <-s.closed:
			return
		case <-t.ctx.Done():
			return
		default:
		}
		n, _, err := unix.Recvfrom(s.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			t.log.Warn("read failed", "iface", s.iface.Name, "error", err)
			return
		}
		if n <= ethHdrLen || binary.BigEndian.Uint16(buf[12:14]) != EtherType {
			continue
		}
		var src state.NodeID
		copy(src[:], buf[6:12])
		if src == s.iface.Addr {
			continue
		}
		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			h(s.iface.ID, src, append([]byte(nil), buf[ethHdrLen:n]...))
		}
	}
}

func (t *Transport) Detach(id state.IfaceID) error {
	t.mu.Lock()
	s, ok := t.socks[id]
	delete(t.socks, id)
	t.mu.Unlock()
	if !ok {
		return transport.ErrUnknownIface
	}
	close(s.closed)
	return nil
}

func (t *Transport) Broadcast(id state.IfaceID, frame []byte) error {
	t.mu.RLock()
	s, ok := t.socks[id]
	t.mu.RUnlock()
	if !ok {
		return transport.ErrUnknownIface
	}
	pkt := make([]byte, 0, ethHdrLen+len(frame))
	pkt = append(pkt, state.BroadcastID[:]...)
	pkt = append(pkt, s.iface.Addr[:]...)
	pkt = binary.BigEndian.AppendUint16(pkt, EtherType)
	pkt = append(pkt, frame...)
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(EtherType),
		Ifindex:  s.ifindex,
		Halen:    6,
	}
	copy(addr.Addr[:], state.BroadcastID[:])
	return unix.Sendto(s.fd, pkt, 0, addr)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	for id, s := range t.socks {
		close(s.closed)
		delete(t.socks, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
