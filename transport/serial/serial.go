// Package serial runs a point-to-point link over a serial line, one port per
// interface. Both ends see each other as the only node on the link.
//
// Frames are wrapped as [magic][length][source address][frame][checksum]
// with big endian integers and a Fletcher-16 checksum over the length,
// address and frame, so a reader can resynchronise on a noisy line.
package serial

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is used when the configuration leaves it unset.
	DefaultBaudRate = 115200

	Magic        uint16 = 0xBA7E
	headerLen           = 4
	checksumLen         = 2
	addrLen             = 6
	minFrameLen         = headerLen + addrLen + checksumLen
	MaxPayload          = 2048
	readBufSize         = 1024
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrInvalidMagic     = errors.New("invalid frame magic")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum size")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrIncompleteFrame  = errors.New("incomplete frame")
)

// OpenFunc opens the device behind an interface.
type OpenFunc func(device string, mode *serial.Mode) (io.ReadWriteCloser, error)

type Config struct {
	BaudRate int
	// Open replaces serial.Open, mostly for tests.
	Open   OpenFunc
	Logger *slog.Logger
}

func ConfigFrom(cfg *state.SerialCfg, log *slog.Logger) Config {
	c := Config{Logger: log}
	if cfg != nil {
		c.BaudRate = cfg.BaudRate
	}
	return c
}

type Transport struct {
	cfg     Config
	log     *slog.Logger
	mu      sync.RWMutex
	handler transport.Handler
	ports   map[state.IfaceID]*port
}

type port struct {
	iface transport.Interface
	rw    io.ReadWriteCloser
	wmu   sync.Mutex
	done  chan struct{}
}

func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Open == nil {
		cfg.Open = func(device string, mode *serial.Mode) (io.ReadWriteCloser, error) {
			return serial.Open(device, mode)
		}
	}
	return &Transport{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("serial"),
		ports: make(map[state.IfaceID]*port),
	}
}

// Start records the handler. Ports are closed by Close, not by ctx.
func (t *Transport) Start(_ context.Context, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler != nil {
		return transport.ErrAlreadyStarted
	}
	t.handler = h
	return nil
}

func (t *Transport) Attach(iface transport.Interface) error {
	if iface.Device == "" {
		return fmt.Errorf("interface %s has no serial device", iface.Name)
	}
	t.mu.RLock()
	started := t.handler != nil
	t.mu.RUnlock()
	if !started {
		return transport.ErrNotStarted
	}
	rw, err := t.cfg.Open(iface.Device, &serial.Mode{BaudRate: t.cfg.BaudRate})
	if err != nil {
		return fmt.Errorf("opening serial port %s: %w", iface.Device, err)
	}
	p := &port{iface: iface, rw: rw, done: make(chan struct{})}
	t.mu.Lock()
	if old, ok := t.ports[iface.ID]; ok {
		t.mu.Unlock()
		_ = rw.Close()
		return fmt.Errorf("interface %s already attached to %s", iface.Name, old.iface.Device)
	}
	t.ports[iface.ID] = p
	t.mu.Unlock()
	go t.readLoop(p)
	t.log.Info("opened serial port", "iface", iface.Name, "device", iface.Device, "baud", t.cfg.BaudRate)
	return nil
}

func (t *Transport) Detach(id state.IfaceID) error {
	t.mu.Lock()
	p, ok := t.ports[id]
	delete(t.ports, id)
	t.mu.Unlock()
	if !ok {
		return transport.ErrUnknownIface
	}
	return p.close()
}

func (t *Transport) Broadcast(id state.IfaceID, frame []byte) error {
	t.mu.RLock()
	p, ok := t.ports[id]
	t.mu.RUnlock()
	if !ok {
		return transport.ErrUnknownIface
	}
	buf, err := EncodeFrame(p.iface.Addr, frame)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if _, err := p.rw.Write(buf); err != nil {
		return fmt.Errorf("writing to %s: %w", p.iface.Device, err)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	ports := t.ports
	t.ports = make(map[state.IfaceID]*port)
	t.handler = nil
	t.mu.Unlock()
	var errs []error
	for _, p := range ports {
		errs = append(errs, p.close())
	}
	return errors.Join(errs...)
}

func (p *port) close() error {
	err := p.rw.Close()
	<-p.done
	return err
}

func (t *Transport) readLoop(p *port) {
	defer close(p.done)
	buf := make([]byte, readBufSize)
	var pending []byte
	for {
		n, err := p.rw.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = t.processFrames(p.iface, pending)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.log.Debug("serial read stopped", "iface", p.iface.Name, "error", err)
			}
			return
		}
	}
}

// processFrames delivers every complete frame in data and returns the bytes
// that do not form one yet.
func (t *Transport) processFrames(iface transport.Interface, data []byte) []byte {
	for len(data) >= minFrameLen {
		src, frame, rest, err := DecodeFrame(data)
		if err != nil {
			if errors.Is(err, ErrIncompleteFrame) {
				return data
			}
			t.log.Debug("dropping serial frame", "iface", iface.Name, "error", err)
			if idx := findMagic(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			return nil
		}
		data = rest
		if src == iface.Addr {
			continue
		}
		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			h(iface.ID, src, frame)
		}
	}
	return data
}

func findMagic(data []byte) int {
	for i := 0; i+1 < len(data); i++ {
		if binary.BigEndian.Uint16(data[i:]) == Magic {
			return i
		}
	}
	return -1
}

// EncodeFrame wraps frame sent by src for the serial line.
func EncodeFrame(src state.NodeID, frame []byte) ([]byte, error) {
	n := addrLen + len(frame)
	if n > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, 0, headerLen+n+checksumLen)
	out = binary.BigEndian.AppendUint16(out, Magic)
	out = binary.BigEndian.AppendUint16(out, uint16(n))
	out = append(out, src[:]...)
	out = append(out, frame...)
	return binary.BigEndian.AppendUint16(out, Fletcher16(out[2:])), nil
}

// DecodeFrame unwraps the first frame in data. The returned frame is a copy.
func DecodeFrame(data []byte) (src state.NodeID, frame, rest []byte, err error) {
	if len(data) < minFrameLen {
		return src, nil, data, ErrFrameTooShort
	}
	if binary.BigEndian.Uint16(data) != Magic {
		return src, nil, data, ErrInvalidMagic
	}
	n := int(binary.BigEndian.Uint16(data[2:]))
	if n > MaxPayload {
		return src, nil, data, ErrPayloadTooLarge
	}
	if n < addrLen {
		return src, nil, data, ErrFrameTooShort
	}
	total := headerLen + n + checksumLen
	if len(data) < total {
		return src, nil, data, ErrIncompleteFrame
	}
	sum := binary.BigEndian.Uint16(data[headerLen+n:])
	if want := Fletcher16(data[2 : headerLen+n]); sum != want {
		return src, nil, data, fmt.Errorf("%w: expected %04x, got %04x", ErrChecksumMismatch, want, sum)
	}
	copy(src[:], data[headerLen:])
	frame = append([]byte(nil), data[headerLen+addrLen:headerLen+n]...)
	return src, frame, data[total:], nil
}

func Fletcher16(data []byte) uint16 {
	var sum1, sum2 uint16
	for _, b := range data {
		sum1 = (sum1 + uint16(b)) % 255
		sum2 = (sum2 + sum1) % 255
	}
	return sum2<<8 | sum1
}
