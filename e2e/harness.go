//go:build e2e

// Package e2e runs mesh instances against a real MQTT broker started in a container.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/encodeous/bativ/core"
	"github.com/encodeous/bativ/state"
	"github.com/encodeous/tint"
	"github.com/testcontainers/testcontainers-go"
	tcnetwork "github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	BrokerImage = "eclipse-mosquitto:2"
	BrokerPort  = "1883/tcp"
	WaitTimeout = 2 * time.Minute
)

const brokerConfig = `listener 1883
allow_anonymous true
log_type all
`

type Harness struct {
	t          *testing.T
	mu         sync.Mutex
	ctx        context.Context
	Network    *testcontainers.DockerNetwork
	Broker     testcontainers.Container
	BrokerURL  string
	LogManager *LogManager
	Nodes      map[string]*core.Mesh
	Prefix     string
}

// NewHarness starts a broker on its own network. Everything is torn down with the test.
func NewHarness(t *testing.T) *Harness {
	ctx := context.Background()
	net, err := tcnetwork.New(ctx, tcnetwork.WithDriver("bridge"), tcnetwork.WithAttachable())
	if err != nil {
		t.Fatal(err)
	}
	h := &Harness{
		t:          t,
		ctx:        ctx,
		Network:    net,
		LogManager: NewLogManager(),
		Nodes:      make(map[string]*core.Mesh),
		Prefix:     "bativ-" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "-")),
	}
	t.Cleanup(h.Cleanup)
	h.startBroker()
	return h
}

func (h *Harness) startBroker() {
	req := testcontainers.ContainerRequest{
		Image:        BrokerImage,
		ExposedPorts: []string{BrokerPort},
		Networks:     []string{h.Network.Name},
		NetworkAliases: map[string][]string{
			h.Network.Name: {"broker"},
		},
		Files: []testcontainers.ContainerFile{
			{
				Reader:            strings.NewReader(brokerConfig),
				ContainerFilePath: "/mosquitto/config/mosquitto.conf",
				FileMode:          0o644,
			},
		},
		WaitingFor: wait.ForListeningPort(BrokerPort).WithStartupTimeout(30 * time.Second),
		HostConfigModifier: func(hostConfig *container.HostConfig) {
			hostConfig.Tmpfs = map[string]string{"/mosquitto/data": ""}
		},
		LogConsumerCfg: &testcontainers.LogConsumerConfig{
			Consumers: []testcontainers.LogConsumer{
				&containerLogs{name: "broker", manager: h.LogManager},
			},
		},
	}
	c, err := testcontainers.GenericContainer(h.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		h.t.Fatalf("failed to start broker: %v", err)
	}
	h.Broker = c
	endpoint, err := c.PortEndpoint(h.ctx, BrokerPort, "tcp")
	if err != nil {
		h.t.Fatalf("failed to resolve broker endpoint: %v", err)
	}
	h.BrokerURL = endpoint
	h.t.Logf("broker listening on %s", endpoint)
}

// Addr is the address of the link-th interface of the node-th instance.
func Addr(node, link int) state.NodeID {
	return state.NodeID{0x02, 0xe2, 0, byte(node), 0, byte(link)}
}

// StartNode runs a mesh instance whose interfaces reach each other through the broker.
func (h *Harness) StartNode(cfg state.Config) *core.Mesh {
	cfg.Transport = state.TransportCfg{
		Type: "mqtt",
		Mqtt: &state.MqttCfg{
			Broker:      h.BrokerURL,
			TopicPrefix: h.Prefix,
			ClientID:    h.Prefix + "-" + cfg.Name,
		},
	}
	if err := state.ConfigValidator(&cfg); err != nil {
		h.t.Fatalf("node %s: %v", cfg.Name, err)
	}
	w := io.MultiWriter(os.Stdout, &logWriter{name: cfg.Name, manager: h.LogManager})
	log := slog.New(tint.NewHandler(w, &tint.Options{
		Level:        slog.LevelDebug,
		NoColor:      true,
		CustomPrefix: cfg.Name,
	}))
	tr, err := core.OpenTransport(&cfg, log)
	if err != nil {
		h.t.Fatalf("node %s: %v", cfg.Name, err)
	}
	m, err := core.NewMesh(state.NewEnv(h.ctx, cfg, log, state.SystemClock{}), tr)
	if err != nil {
		h.t.Fatalf("node %s: %v", cfg.Name, err)
	}
	if err := m.Start(); err != nil {
		h.t.Fatalf("node %s: %v", cfg.Name, err)
	}
	h.mu.Lock()
	h.Nodes[cfg.Name] = m
	h.mu.Unlock()
	return m
}

// WaitForLog blocks until source logged a line matching pattern.
func (h *Harness) WaitForLog(source, pattern string) {
	ch, cancel, err := h.LogManager.Watch(source, pattern)
	if err != nil {
		h.t.Fatalf("bad pattern %q: %v", pattern, err)
	}
	defer cancel()
	select {
	case <-ch:
	case <-time.After(WaitTimeout):
		h.t.Fatalf("timed out waiting for %q from %s", pattern, source)
	}
}

// Eventually polls cond until it holds.
func (h *Harness) Eventually(desc string, cond func() bool) {
	deadline := time.Now().Add(WaitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (h *Harness) StopNode(name string) {
	h.mu.Lock()
	m, ok := h.Nodes[name]
	delete(h.Nodes, name)
	h.mu.Unlock()
	if ok {
		m.Stop()
	}
}

func (h *Harness) Cleanup() {
	h.mu.Lock()
	nodes := h.Nodes
	h.Nodes = make(map[string]*core.Mesh)
	h.mu.Unlock()
	for _, m := range nodes {
		m.Stop()
	}
	if h.Broker != nil {
		if err := h.Broker.Terminate(h.ctx); err != nil {
			h.t.Logf("failed to terminate broker: %v", err)
		}
	}
	if err := h.Network.Remove(h.ctx); err != nil {
		h.t.Logf("failed to remove network: %v", err)
	}
}

func routerTo(m *core.Mesh, id state.NodeID) (state.NodeID, bool) {
	o := m.Topology.Originator(id)
	if o == nil {
		return state.NodeID{}, false
	}
	r := o.Router(state.IfaceDefault)
	if r == nil {
		return state.NodeID{}, false
	}
	return r.Addr, true
}
