// Package mqtt carries OGM frames through an MQTT broker so mesh instances on
// different hosts can share emulated links.
//
// Every link maps to the topic "{prefix}/{link}". A message is the 6 byte
// link-layer address of the sending interface followed by the raw frame.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix for mesh frames.
	DefaultTopicPrefix = "bativ"
)

var ErrNotConnected = errors.New("not connected")

// Config holds the configuration for an MQTT transport.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker   string
	Username string
	Password string
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID    string
	TopicPrefix string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func ConfigFrom(cfg *state.MqttCfg, log *slog.Logger) Config {
	return Config{
		Broker:      cfg.Broker,
		Username:    cfg.Username,
		Password:    cfg.Password,
		ClientID:    cfg.ClientID,
		TopicPrefix: cfg.TopicPrefix,
		Logger:      log,
	}
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg     Config
	client  paho.Client
	log     *slog.Logger
	mu      sync.RWMutex
	handler transport.Handler
	ifaces  map[state.IfaceID]transport.Interface
}

func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("mqtt"),
		ifaces: make(map[state.IfaceID]transport.Interface),
	}
}

func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	if t.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "bativ-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}

	t.mu.Lock()
	t.handler = h
	t.client = paho.NewClient(opts)
	t.mu.Unlock()

	token := t.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}
	return nil
}

func (t *Transport) Attach(iface transport.Interface) error {
	t.mu.Lock()
	t.ifaces[iface.ID] = iface
	client := t.client
	t.mu.Unlock()
	if client != nil && client.IsConnected() {
		t.subscribe(iface.Link)
	}
	return nil
}

func (t *Transport) Detach(id state.IfaceID) error {
	t.mu.Lock()
	iface, ok := t.ifaces[id]
	delete(t.ifaces, id)
	shared := false
	for _, other := range t.ifaces {
		if other.Link == iface.Link {
			shared = true
		}
	}
	client := t.client
	t.mu.Unlock()
	if !ok {
		return transport.ErrUnknownIface
	}
	if !shared && client != nil && client.IsConnected() {
		client.Unsubscribe(t.topic(iface.Link))
	}
	return nil
}

func (t *Transport) Broadcast(id state.IfaceID, frame []byte) error {
	t.mu.RLock()
	iface, ok := t.ifaces[id]
	client := t.client
	t.mu.RUnlock()
	if !ok {
		return transport.ErrUnknownIface
	}
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}
	token := client.Publish(t.topic(iface.Link), 0, false, EncodePayload(iface.Addr, frame))
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Disconnect(250)
	}
	t.handler = nil
	return nil
}

func (t *Transport) topic(link string) string {
	return t.cfg.TopicPrefix + "/" + link
}

func (t *Transport) subscribe(link string) {
	topic := t.topic(link)
	t.client.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
		t.handleMessage(link, msg.Payload())
	})
	t.log.Debug("subscribed to link topic", "topic", topic)
}

func (t *Transport) handleMessage(link string, payload []byte) {
	src, frame, err := DecodePayload(payload)
	if err != nil {
		t.log.Debug("dropping malformed message", "link", link, "error", err)
		return
	}
	t.mu.RLock()
	h := t.handler
	targets := make([]state.IfaceID, 0, 1)
	for _, iface := range t.ifaces {
		if iface.Link != link {
			continue
		}
		if iface.Addr == src {
			// the broker echoes our own publications
			targets = targets[:0]
			break
		}
		targets = append(targets, iface.ID)
	}
	t.mu.RUnlock()
	if h == nil {
		return
	}
	for _, id := range targets {
		h(id, src, append([]byte(nil), frame...))
	}
}

func (t *Transport) onConnected(_ paho.Client) {
	t.mu.RLock()
	links := make(map[string]struct{})
	for _, iface := range t.ifaces {
		links[iface.Link] = struct{}{}
	}
	t.mu.RUnlock()
	for link := range links {
		t.subscribe(link)
	}
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker)
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.log.Error("MQTT connection lost", "error", err)
}

func EncodePayload(src state.NodeID, frame []byte) []byte {
	out := make([]byte, 0, len(src)+len(frame))
	out = append(out, src[:]...)
	return append(out, frame...)
}

func DecodePayload(payload []byte) (state.NodeID, []byte, error) {
	var src state.NodeID
	if len(payload) <= len(src) {
		return src, nil, fmt.Errorf("payload of %d bytes carries no frame", len(payload))
	}
	copy(src[:], payload)
	return src, payload[len(src):], nil
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
