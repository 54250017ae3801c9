package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/encodeous/bativ/state"
	"github.com/encodeous/bativ/transport"
	"github.com/encodeous/bativ/transport/mqtt"
	"github.com/encodeous/bativ/transport/rawsock"
	"github.com/encodeous/bativ/transport/serial"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

var errShutdown = errors.New("received shutdown signal")

// NewLogger builds the process logger. Records go to stderr and, when
// logPath is set, to that file as well. The returned func closes the file.
func NewLogger(name, logPath string, level slog.Level) (*slog.Logger, func() error, error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			AddSource:    false,
			CustomPrefix: name,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	closer := func() error { return nil }
	if logPath != "" {
		err := os.MkdirAll(path.Dir(logPath), 0700)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f.Close
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// OpenTransport creates the transport named by the config.
func OpenTransport(cfg *state.Config, log *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Type {
	case "", "raw":
		return rawsock.New(log), nil
	case "mqtt":
		if cfg.Transport.Mqtt == nil {
			return nil, errors.New("mqtt transport needs an mqtt section")
		}
		return mqtt.New(mqtt.ConfigFrom(cfg.Transport.Mqtt, log)), nil
	case "serial":
		return serial.New(serial.ConfigFrom(cfg.Transport.Serial, log)), nil
	case "memory":
		return nil, errors.New("the memory transport only exists inside a single process, use bativ sim")
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Type)
}

func setupDebugging(addr string, log *slog.Logger) {
	go func() {
		log.Info("serving debug endpoints", "addr", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Error("debug server stopped", "error", err)
		}
	}()
}

// Bootstrap manages the lifetime of the whole application. It returns once
// the process was asked to stop or the mesh instance failed.
func Bootstrap(cfgPath, logPath string, verbose bool, debugAddr string) error {
	cfg, err := state.ReadConfig(cfgPath)
	if err != nil {
		return err
	}
	if logPath != "" {
		cfg.LogPath = logPath
	}
	if err := state.ConfigValidator(cfg); err != nil {
		return err
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger, closeLog, err := NewLogger(cfg.Name, cfg.LogPath, level)
	if err != nil {
		return err
	}
	defer closeLog()
	if debugAddr != "" {
		setupDebugging(debugAddr, logger)
	}

	tr, err := OpenTransport(cfg, logger)
	if err != nil {
		return err
	}
	env := state.NewEnv(context.Background(), *cfg, logger, state.SystemClock{})
	m, err := NewMesh(env, tr)
	if err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		m.Stop()
		return err
	}
	var ipc *IPCServer
	if cfg.IPCSocket != "" {
		ipc, err = m.ServeIPC(cfg.IPCSocket)
		if err != nil {
			m.Stop()
			return fmt.Errorf("listening on %s: %w", cfg.IPCSocket, err)
		}
	}
	logger.Info("bativ has been initialized. To gracefully exit, send SIGINT or Ctrl+C.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case <-c:
		env.Cancel(errShutdown)
	case <-m.Done():
	}
	if ipc != nil {
		_ = ipc.Close()
	}
	m.Stop()
	if cause := context.Cause(env.Context); !errors.Is(cause, errShutdown) && !errors.Is(cause, ErrStopped) {
		return cause
	}
	return nil
}
