// Package config loads process configuration: the server's bind/limits JSON file, the
// flat key=value properties set, and the LOGGER-driven log sink selection.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// ServerConfig is the server's bind address, frame limits, and linger/backpressure
// tuning, loaded once at startup.
type ServerConfig struct {
	Network        string
	Address        string
	MaxPacketSize  int32
	MinValidPacket int32
	ResponseLinger time.Duration
	// CloseAfterResponse tears each connection down once its response linger elapses,
	// instead of keeping it open for pipelined reuse under the idle timeouts.
	CloseAfterResponse bool
	LowWatermark       int
	HighWatermark      int
	WorkerPoolSize     int
	ShutdownTimeout    time.Duration
	EtcdEndpoints      []string
	LoadBalanceFile    string

	// BasePackage is accepted for compatibility with existing config files that name
	// a package namespace to scan for controllers. The route table here is built from
	// explicit registration instead, so a non-empty value is only logged at startup.
	BasePackage string
	// Logging toggles whether the server builds its zap.Logger from Properties/LOGGER
	// at all; false means the caller wired its own logger and config.BuildLogger is
	// skipped.
	Logging bool
}

// rawServerConfig mirrors ServerConfig with hand-editable JSON field shapes:
// millisecond integers instead of durations, and a host/port pair accepted alongside
// the single-string address form.
type rawServerConfig struct {
	Network            string   `json:"network"`
	Address            string   `json:"address"`
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	MaxPacketSize      int32    `json:"maxPacketSize"`
	MinValidPacket     int32    `json:"minValidPacket"`
	ResponseLingerMs   int64    `json:"responseLingerMs"`
	CloseAfterResponse *bool    `json:"closeAfterResponse"`
	LowWatermark       int      `json:"lowWatermarkBytes"`
	HighWatermark      int      `json:"highWatermarkBytes"`
	WorkerPoolSize     int      `json:"workerPoolSize"`
	ShutdownMs         int64    `json:"shutdownTimeoutMs"`
	EtcdEndpoints      []string `json:"etcdEndpoints"`
	LoadBalanceFile    string   `json:"loadBalanceConfigFile"`
	BasePackage        string   `json:"basePackage"`
	Logging            *bool    `json:"logging"`
}

// DefaultServerConfig is the tuning the server runs with when no config file names a
// different value.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Network:         "tcp",
		Address:         ":9090",
		MaxPacketSize:   50 * 1024 * 1024,
		MinValidPacket:  8,
		ResponseLinger:  100 * time.Millisecond,
		LowWatermark:    512 * 1024,
		HighWatermark:   2 * 1024 * 1024,
		WorkerPoolSize:  0, // zero: the async pool's core size is runtime.NumCPU()
		ShutdownTimeout: 10 * time.Second,
		Logging:         true,
	}
}

// LoadServerConfig reads and parses path, falling back to DefaultServerConfig for any
// field the file omits (zero value in JSON means "use the default").
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	var parsed rawServerConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if parsed.Network != "" {
		cfg.Network = parsed.Network
	}
	if parsed.Address != "" {
		cfg.Address = parsed.Address
	}
	// The host/port pair takes precedence over the single-string address form when
	// both appear.
	if parsed.Port != 0 {
		cfg.Address = net.JoinHostPort(parsed.Host, strconv.Itoa(parsed.Port))
	}
	if parsed.MaxPacketSize != 0 {
		cfg.MaxPacketSize = parsed.MaxPacketSize
	}
	if parsed.MinValidPacket != 0 {
		cfg.MinValidPacket = parsed.MinValidPacket
	}
	if parsed.ResponseLingerMs != 0 {
		cfg.ResponseLinger = time.Duration(parsed.ResponseLingerMs) * time.Millisecond
	}
	if parsed.CloseAfterResponse != nil {
		cfg.CloseAfterResponse = *parsed.CloseAfterResponse
	}
	if parsed.LowWatermark != 0 {
		cfg.LowWatermark = parsed.LowWatermark
	}
	if parsed.HighWatermark != 0 {
		cfg.HighWatermark = parsed.HighWatermark
	}
	if parsed.WorkerPoolSize != 0 {
		cfg.WorkerPoolSize = parsed.WorkerPoolSize
	}
	if parsed.ShutdownMs != 0 {
		cfg.ShutdownTimeout = time.Duration(parsed.ShutdownMs) * time.Millisecond
	}
	if len(parsed.EtcdEndpoints) > 0 {
		cfg.EtcdEndpoints = parsed.EtcdEndpoints
	}
	if parsed.LoadBalanceFile != "" {
		cfg.LoadBalanceFile = parsed.LoadBalanceFile
	}
	if parsed.BasePackage != "" {
		cfg.BasePackage = parsed.BasePackage
	}
	if parsed.Logging != nil {
		cfg.Logging = *parsed.Logging
	}
	return cfg, nil
}
