package state

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-yaml"
)

// InterfaceCfg describes one hard interface taking part in the mesh.
type InterfaceCfg struct {
	Name string `yaml:"name"`
	Addr NodeID `yaml:"addr"`
	// Link is the broadcast domain the interface is attached to. Only used by transports that emulate one.
	Link string `yaml:"link,omitempty"`
	// Device is the serial port backing the interface, serial transport only.
	Device string `yaml:"device,omitempty"`
	// Wifi marks a half duplex medium; OGMs forwarded back out of it receive an extra hop penalty.
	Wifi       bool  `yaml:"wifi,omitempty"`
	HopPenalty uint8 `yaml:"hop_penalty,omitempty"`
}

type GatewayMode string

const (
	GatewayOff    GatewayMode = "off"
	GatewayClient GatewayMode = "client"
	GatewayServer GatewayMode = "server"
)

type GatewayCfg struct {
	Mode     GatewayMode `yaml:"mode,omitempty"`
	SelClass uint32      `yaml:"sel_class,omitempty"`
	// bandwidth advertised in server mode, in units of 100 kbit/s
	BandwidthDown uint32 `yaml:"bandwidth_down,omitempty"`
	BandwidthUp   uint32 `yaml:"bandwidth_up,omitempty"`
}

type MqttCfg struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	ClientID    string `yaml:"client_id,omitempty"`
}

type SerialCfg struct {
	BaudRate int `yaml:"baud_rate,omitempty"`
}

type TransportCfg struct {
	Type   string     `yaml:"type"` // memory, mqtt, raw or serial
	Mqtt   *MqttCfg   `yaml:"mqtt,omitempty"`
	Serial *SerialCfg `yaml:"serial,omitempty"`
}

// Config is the node-level configuration of a mesh instance.
type Config struct {
	Name       string         `yaml:"name"`
	LogPath    string         `yaml:"log_path,omitempty"`   // if not empty, logs are also written to this file
	IPCSocket  string         `yaml:"ipc_socket,omitempty"` // unix socket answering inspect requests
	Interfaces []InterfaceCfg `yaml:"interfaces"`

	OrigInterval    time.Duration `yaml:"orig_interval,omitempty"`
	Jitter          time.Duration `yaml:"jitter,omitempty"`
	HopPenalty      uint8         `yaml:"hop_penalty,omitempty"`
	Aggregation     bool          `yaml:"aggregation"`
	LocalWindow     int           `yaml:"local_window,omitempty"`
	GlobalWindow    int           `yaml:"global_window,omitempty"`
	PurgeTimeout    time.Duration `yaml:"purge_timeout,omitempty"`
	ResetProtection time.Duration `yaml:"reset_protection,omitempty"`
	MaxOriginators  int           `yaml:"max_originators,omitempty"` // 0 means unlimited
	Workers         int           `yaml:"workers"`                   // 0 processes frames on the receiving goroutine

	Gateway   GatewayCfg   `yaml:"gateway,omitempty"`
	Transport TransportCfg `yaml:"transport"`
}

func DefaultConfig() Config {
	return Config{
		OrigInterval:    DefaultOrigInterval,
		Jitter:          DefaultJitter,
		HopPenalty:      DefaultHopPenalty,
		Aggregation:     true,
		LocalWindow:     DefaultLocalWindow,
		GlobalWindow:    DefaultGlobalWindow,
		PurgeTimeout:    PurgeTimeout,
		ResetProtection: ResetProtection,
		Workers:         runtime.GOMAXPROCS(0),
		Gateway: GatewayCfg{
			Mode:     GatewayOff,
			SelClass: DefaultSelClass,
		},
	}
}

// ParseConfig decodes a YAML document on top of DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Gateway.Mode == "" {
		cfg.Gateway.Mode = GatewayOff
	}
	if cfg.Gateway.SelClass == 0 {
		cfg.Gateway.SelClass = DefaultSelClass
	}
	return &cfg, nil
}

func ReadConfig(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) GetInterface(name string) *InterfaceCfg {
	for i := range c.Interfaces {
		if c.Interfaces[i].Name == name {
			return &c.Interfaces[i]
		}
	}
	return nil
}
