package state

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

func AddrValidator(id NodeID) error {
	if id.IsZero() {
		return fmt.Errorf("address %s is unset", id)
	}
	if id == BroadcastID {
		return fmt.Errorf("address %s is the broadcast address", id)
	}
	if id[0]&1 == 1 {
		return fmt.Errorf("address %s is a multicast address", id)
	}
	return nil
}

func InterfaceValidator(itf *InterfaceCfg) error {
	if err := NameValidator(itf.Name); err != nil {
		return err
	}
	if err := AddrValidator(itf.Addr); err != nil {
		return fmt.Errorf("interface %s: %w", itf.Name, err)
	}
	return nil
}

func ConfigValidator(cfg *Config) error {
	err := NameValidator(cfg.Name)
	if err != nil {
		return err
	}
	if len(cfg.Interfaces) == 0 {
		return fmt.Errorf("at least one interface must be configured")
	}
	names := make([]string, 0)
	addrs := make([]NodeID, 0)
	for i := range cfg.Interfaces {
		itf := &cfg.Interfaces[i]
		if err := InterfaceValidator(itf); err != nil {
			return err
		}
		if slices.Contains(names, itf.Name) {
			return fmt.Errorf("duplicate interface name: %s", itf.Name)
		}
		if slices.Contains(addrs, itf.Addr) {
			return fmt.Errorf("duplicate interface address: %s", itf.Addr)
		}
		names = append(names, itf.Name)
		addrs = append(addrs, itf.Addr)
	}
	if cfg.LocalWindow < 1 || cfg.LocalWindow > MaxWindowSize {
		return fmt.Errorf("local_window = %d must be within [1, %d]", cfg.LocalWindow, MaxWindowSize)
	}
	if cfg.GlobalWindow < 1 || cfg.GlobalWindow > 32 {
		return fmt.Errorf("global_window = %d must be within [1, 32]", cfg.GlobalWindow)
	}
	if cfg.OrigInterval <= 2*cfg.Jitter {
		return fmt.Errorf("orig_interval = %s must exceed twice the jitter (%s)", cfg.OrigInterval, cfg.Jitter)
	}
	if cfg.Jitter < 0 {
		return fmt.Errorf("jitter = %s must not be negative", cfg.Jitter)
	}
	if cfg.PurgeTimeout <= cfg.OrigInterval {
		return fmt.Errorf("purge_timeout = %s must exceed orig_interval", cfg.PurgeTimeout)
	}
	if cfg.MaxOriginators < 0 || cfg.Workers < 0 {
		return fmt.Errorf("max_originators and workers must not be negative")
	}
	switch cfg.Gateway.Mode {
	case GatewayOff, GatewayClient:
	case GatewayServer:
		if cfg.Gateway.BandwidthDown == 0 {
			return fmt.Errorf("gateway server mode requires bandwidth_down")
		}
	default:
		return fmt.Errorf("unknown gateway mode %q", cfg.Gateway.Mode)
	}
	if cfg.Transport.Type == "serial" {
		for _, itf := range cfg.Interfaces {
			if itf.Device == "" {
				return fmt.Errorf("interface %s: the serial transport requires a device", itf.Name)
			}
		}
		if cfg.Transport.Serial != nil && cfg.Transport.Serial.BaudRate < 0 {
			return fmt.Errorf("baud_rate = %d must not be negative", cfg.Transport.Serial.BaudRate)
		}
	}
	if cfg.IPCSocket != "" {
		if err := PathValidator(cfg.IPCSocket); err != nil {
			return fmt.Errorf("ipc_socket: %w", err)
		}
	}
	return nil
}
