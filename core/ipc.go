package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/encodeous/bativ/state"
	"github.com/goccy/go-yaml"
)

const ipcHeader = "get=bativ\n"

// IPCServer answers inspect requests on a unix socket.
type IPCServer struct {
	m    *Mesh
	ln   net.Listener
	wg   sync.WaitGroup
	path string
}

func (m *Mesh) ServeIPC(path string) (*IPCServer, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	s := &IPCServer{m: m, ln: ln, path: path}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

func (s *IPCServer) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.m.Log.Warn("ipc accept failed", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
			if err := HandleIPCGet(s.m, rw); err != nil {
				s.m.Log.Debug("ipc request failed", "error", err)
				_, _ = rw.WriteString("error: " + err.Error() + "\x00")
			}
			_ = rw.Flush()
		}()
	}
}

func (s *IPCServer) Close() error {
	err := s.ln.Close()
	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}

// IPCGet sends cmd to the instance listening on socket and returns its answer.
func IPCGet(socket, cmd string) (string, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if _, err = rw.WriteString(ipcHeader + cmd + "\n"); err != nil {
		return "", err
	}
	if err = rw.Flush(); err != nil {
		return "", err
	}
	res, err := rw.ReadString(0)
	if err != nil && err != io.EOF {
		return "", err
	}
	res = strings.TrimSuffix(res, "\x00")
	if msg, ok := strings.CutPrefix(res, "error: "); ok {
		return "", errors.New(msg)
	}
	return res, nil
}

// HandleIPCGet reads one request from rw and writes the YAML answer.
// Requests are "originators [after <addr>] [limit <n>]", "neighbors",
// "gateways", "interfaces" and "counters".
func HandleIPCGet(m *Mesh, rw *bufio.ReadWriter) error {
	header, err := rw.ReadString('\n')
	if err != nil {
		return err
	}
	if header != ipcHeader {
		return fmt.Errorf("unexpected request %q", strings.TrimSpace(header))
	}
	line, err := rw.ReadString('\n')
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return errors.New("empty command")
	}
	var v any
	switch fields[0] {
	case "originators":
		c := m.Originators()
		limit := c.Len()
		for i := 1; i+1 < len(fields); i += 2 {
			switch fields[i] {
			case "after":
				id, err := state.ParseNodeID(fields[i+1])
				if err != nil {
					return err
				}
				c.Resume(id)
			case "limit":
				if _, err := fmt.Sscan(fields[i+1], &limit); err != nil {
					return fmt.Errorf("bad limit: %w", err)
				}
			default:
				return fmt.Errorf("unknown option %s", fields[i])
			}
		}
		page := c.Next(limit)
		if page == nil {
			page = []OriginatorInfo{}
		}
		v = page
	case "neighbors":
		v = m.Neighbors()
	case "gateways":
		v = m.GatewayList()
	case "interfaces":
		v = m.InterfaceList()
	case "counters":
		v = m.Counters.Snapshot()
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if _, err = rw.Write(out); err != nil {
		return err
	}
	return rw.WriteByte(0)
}
