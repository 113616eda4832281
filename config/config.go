package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"He6CRES/udprx/internal/logger"
)

// Trigger modes.
const (
	TriggerCount    = "count"
	TriggerInterval = "interval"
)

// MaxUDPPayload is the largest payload a single IPv4 UDP datagram can carry.
const MaxUDPPayload = 65507

// Config represents the application configuration. It is built once at
// startup and passed by value; nothing mutates it after Validate.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Network NetworkConfig `json:"network"`
	Capture CaptureConfig `json:"capture"`
	Storage StorageConfig `json:"storage"`
	Status  StatusConfig  `json:"status"`
}

// LoggingConfig controls the leveled logger and its rotated file.
type LoggingConfig struct {
	// Level is the minimum log level to output (debug, info, warn, error)
	Level string `json:"level"`
	// File is the path to the log file. If empty, logs go to stderr only
	File string `json:"file"`
	// MaxSizeMB is the maximum size of log file before rotation
	MaxSizeMB int `json:"max_size_mb"`
	// LogRetentionDays is how long rotated log files are kept
	LogRetentionDays int `json:"log_retention_days"`
}

// NetworkConfig describes the receive socket.
type NetworkConfig struct {
	Address       string `json:"address"`
	Port          int    `json:"port"`
	RxBufferBytes int    `json:"rx_buffer_bytes"`
	TxBufferBytes int    `json:"tx_buffer_bytes"`
	RecvTimeoutMs int    `json:"recv_timeout_ms"`
	// BatchSize > 1 enables recvmmsg batched receive
	BatchSize int `json:"batch_size"`
	// ReplayPCAP, when set, replays UDP payloads from a pcap file instead of
	// binding a socket
	ReplayPCAP string `json:"replay_pcap"`
}

// CaptureConfig describes packets, segments and buffers.
type CaptureConfig struct {
	PacketSize int `json:"packet_size"`
	// Trigger is "count" or "interval"
	Trigger        string `json:"trigger"`
	SegmentPackets int    `json:"segment_packets"`
	IntervalMs     int    `json:"interval_ms"`
	Repeats        int    `json:"repeats"`
	// SampleEvery is how many packets pass between clock reads in interval mode
	SampleEvery int `json:"sample_every"`
	// ExpectedRatePPS, if set, lets interval mode validate buffer capacity up front
	ExpectedRatePPS     int  `json:"expected_rate_pps"`
	BufferCapacityBytes int  `json:"buffer_capacity_bytes"`
	LockMemory          bool `json:"lock_memory"`
	FailFast            bool `json:"fail_fast"`
	MaxTransportErrors  int  `json:"max_transport_errors"`
}

// StorageConfig describes the rotated output volumes.
type StorageConfig struct {
	MountRoot string   `json:"mount_root"`
	Volumes   []string `json:"volumes"`
	// StartVolume is the index of the volume that receives segment 0
	StartVolume int  `json:"start_volume"`
	Fsync       bool `json:"fsync"`
	CreateDirs  bool `json:"create_dirs"`
}

// StatusConfig controls the gRPC health endpoint.
type StatusConfig struct {
	// Listen is a host:port for the health server; empty disables it
	Listen string `json:"listen"`
}

// ConfigurationError is returned by Validate. It is always fatal and is
// raised before any socket is opened or buffer allocated.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// IsConfigurationError reports whether err is or wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Default returns a configuration with every default applied. It matches the
// settings of the legacy receiver (4128 B packets on 10.66.192.33:4003,
// 12 MB socket buffers, 1 s receive timeout, 700 MB buffers on sdb/sdc/sdd).
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// LoadConfig loads configuration from a JSON file
func LoadConfig(configPath string) (Config, error) {
	if configPath == "" {
		configPath = "config.json"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.LogRetentionDays == 0 {
		c.Logging.LogRetentionDays = 7
	}

	if c.Network.Address == "" {
		c.Network.Address = "10.66.192.33"
	}
	if c.Network.Port == 0 {
		c.Network.Port = 4003
	}
	if c.Network.RxBufferBytes == 0 {
		c.Network.RxBufferBytes = 12000000
	}
	if c.Network.TxBufferBytes == 0 {
		c.Network.TxBufferBytes = c.Network.RxBufferBytes
	}
	if c.Network.RecvTimeoutMs == 0 {
		c.Network.RecvTimeoutMs = 1000
	}
	if c.Network.BatchSize == 0 {
		c.Network.BatchSize = 1
	}

	if c.Capture.PacketSize == 0 {
		c.Capture.PacketSize = 4128
	}
	if c.Capture.Trigger == "" {
		c.Capture.Trigger = TriggerCount
	}
	if c.Capture.Repeats == 0 {
		c.Capture.Repeats = 1
	}
	if c.Capture.SampleEvery == 0 {
		c.Capture.SampleEvery = 100
	}
	if c.Capture.BufferCapacityBytes == 0 {
		c.Capture.BufferCapacityBytes = 700000000
	}
	if c.Capture.MaxTransportErrors == 0 {
		c.Capture.MaxTransportErrors = 10
	}

	if c.Storage.MountRoot == "" {
		c.Storage.MountRoot = "/mnt"
	}
	if len(c.Storage.Volumes) == 0 {
		c.Storage.Volumes = []string{"sdb", "sdc", "sdd"}
	}
}

// Validate checks the configuration. Any failure is a *ConfigurationError.
func (c Config) Validate() error {
	if _, err := logger.ParseLogLevel(c.Logging.Level); err != nil {
		return &ConfigurationError{Field: "logging.level", Reason: err.Error()}
	}

	if c.Network.ReplayPCAP == "" && (c.Network.Port <= 0 || c.Network.Port > 65535) {
		return &ConfigurationError{Field: "network.port", Reason: fmt.Sprintf("%d out of range", c.Network.Port)}
	}
	if c.Network.RecvTimeoutMs <= 0 {
		return &ConfigurationError{Field: "network.recv_timeout_ms", Reason: "must be positive"}
	}
	if c.Network.BatchSize < 1 {
		return &ConfigurationError{Field: "network.batch_size", Reason: "must be at least 1"}
	}
	if c.Network.RxBufferBytes < 0 || c.Network.TxBufferBytes < 0 {
		return &ConfigurationError{Field: "network.rx_buffer_bytes", Reason: "must not be negative"}
	}

	capt := c.Capture
	if capt.PacketSize <= 0 || capt.PacketSize > MaxUDPPayload {
		return &ConfigurationError{Field: "capture.packet_size", Reason: fmt.Sprintf("%d not in 1..%d", capt.PacketSize, MaxUDPPayload)}
	}
	if capt.BufferCapacityBytes < capt.PacketSize {
		return &ConfigurationError{Field: "capture.buffer_capacity_bytes", Reason: fmt.Sprintf("%d cannot hold a single %d byte packet", capt.BufferCapacityBytes, capt.PacketSize)}
	}
	if capt.Repeats < 1 {
		return &ConfigurationError{Field: "capture.repeats", Reason: "must be at least 1"}
	}
	if capt.MaxTransportErrors < 1 {
		return &ConfigurationError{Field: "capture.max_transport_errors", Reason: "must be at least 1"}
	}

	switch capt.Trigger {
	case TriggerCount:
		if capt.SegmentPackets <= 0 {
			return &ConfigurationError{Field: "capture.segment_packets", Reason: "must be positive in count mode"}
		}
		need := int64(capt.SegmentPackets) * int64(capt.PacketSize)
		if need > int64(capt.BufferCapacityBytes) {
			return &ConfigurationError{
				Field:  "capture.segment_packets",
				Reason: fmt.Sprintf("%d packets x %d bytes = %d bytes exceeds buffer capacity %d", capt.SegmentPackets, capt.PacketSize, need, capt.BufferCapacityBytes),
			}
		}
	case TriggerInterval:
		if capt.IntervalMs <= 0 {
			return &ConfigurationError{Field: "capture.interval_ms", Reason: "must be positive in interval mode"}
		}
		if capt.SampleEvery < 1 {
			return &ConfigurationError{Field: "capture.sample_every", Reason: "must be at least 1"}
		}
		if capt.ExpectedRatePPS > 0 {
			// Worst case: a whole interval plus the sampling overshoot.
			packets := int64(capt.ExpectedRatePPS)*int64(capt.IntervalMs)/1000 + int64(capt.SampleEvery)
			need := packets * int64(capt.PacketSize)
			if need > int64(capt.BufferCapacityBytes) {
				return &ConfigurationError{
					Field:  "capture.interval_ms",
					Reason: fmt.Sprintf("%d pps for %d ms needs %d bytes, buffer capacity is %d", capt.ExpectedRatePPS, capt.IntervalMs, need, capt.BufferCapacityBytes),
				}
			}
		}
	default:
		return &ConfigurationError{Field: "capture.trigger", Reason: fmt.Sprintf("unknown trigger %q (want %q or %q)", capt.Trigger, TriggerCount, TriggerInterval)}
	}

	if len(c.Storage.Volumes) == 0 {
		return &ConfigurationError{Field: "storage.volumes", Reason: "at least one volume is required"}
	}
	seen := make(map[string]bool, len(c.Storage.Volumes))
	for _, v := range c.Storage.Volumes {
		if v == "" || strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
			return &ConfigurationError{Field: "storage.volumes", Reason: fmt.Sprintf("invalid volume label %q", v)}
		}
		if seen[v] {
			return &ConfigurationError{Field: "storage.volumes", Reason: fmt.Sprintf("duplicate volume label %q", v)}
		}
		seen[v] = true
	}
	if c.Storage.StartVolume < 0 || c.Storage.StartVolume >= len(c.Storage.Volumes) {
		return &ConfigurationError{Field: "storage.start_volume", Reason: fmt.Sprintf("%d out of range for %d volumes", c.Storage.StartVolume, len(c.Storage.Volumes))}
	}
	return nil
}

// VolumeRoots returns <mount_root>/<label> for each configured volume, in order.
func (c Config) VolumeRoots() []string {
	roots := make([]string, len(c.Storage.Volumes))
	for i, v := range c.Storage.Volumes {
		roots[i] = filepath.Join(c.Storage.MountRoot, v)
	}
	return roots
}

// RecvTimeout returns the receive timeout as a duration.
func (c Config) RecvTimeout() time.Duration {
	return time.Duration(c.Network.RecvTimeoutMs) * time.Millisecond
}

// Interval returns the interval trigger duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.Capture.IntervalMs) * time.Millisecond
}

// SingleShot reports whether the run produces exactly one count-triggered
// segment. Telemetry omits file_in_acq in that mode.
func (c Config) SingleShot() bool {
	return c.Capture.Trigger == TriggerCount && c.Capture.Repeats == 1
}

// InitializeLogging sets up the default logger based on config
func (c Config) InitializeLogging() error {
	level, err := logger.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	logConfig := logger.Config{
		LogLevel:   level,
		LogFile:    c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxAgeDays: c.Logging.LogRetentionDays,
		MaxBackups: 3,
		Compress:   true,
	}

	if err := logger.Initialize(logConfig); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
