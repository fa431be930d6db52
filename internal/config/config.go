// Package config loads the YAML configuration shared by csi-node and
// csi-collector. Every field has a default, so an empty file is valid.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/csi.relay/internal/csi"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root of the configuration file.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Radio     RadioConfig     `yaml:"radio"`
	Forward   ForwardConfig   `yaml:"forward"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Console   ConsoleConfig   `yaml:"console"`
	Time      TimeConfig      `yaml:"time"`
	Storage   StorageConfig   `yaml:"storage"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
	Collector CollectorConfig `yaml:"collector"`
}

// NodeConfig describes the acquisition pipeline.
type NodeConfig struct {
	Role          string   `yaml:"role"`
	Mode          string   `yaml:"mode"`
	Interface     string   `yaml:"interface"`
	AllowList     []string `yaml:"allow_list"`
	QueueCapacity int      `yaml:"queue_capacity"`
	PayloadLimit  int      `yaml:"payload_limit"`
	MaxRawValues  int      `yaml:"max_raw_values"`
	MaxPairs      int      `yaml:"max_pairs"`
}

// RadioConfig selects the sample source. Only the synthetic driver ships in
// this repository; hardware drivers plug in through radio.Driver.
type RadioConfig struct {
	Driver  string        `yaml:"driver"`
	Rate    time.Duration `yaml:"rate"`
	Sources []string      `yaml:"sources"`
	Length  int           `yaml:"length"`
}

// ForwardConfig tunes the telemetry forwarder.
type ForwardConfig struct {
	Port        int           `yaml:"port"`
	LogInterval time.Duration `yaml:"log_interval"`
	Echo        bool          `yaml:"echo"`
}

// DiscoveryConfig controls mDNS advertisement and peer lookup.
type DiscoveryConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	Service         string        `yaml:"service"`
	Instance        string        `yaml:"instance"`
	HostnamePrefix  string        `yaml:"hostname_prefix"`
	Port            int           `yaml:"port"`
	QueryService    string        `yaml:"query_service"`
	Domain          string        `yaml:"domain"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxResults      int           `yaml:"max_results"`
	Interval        time.Duration `yaml:"interval"`
	FallbackAddress string        `yaml:"fallback_address"`
	ReadyInterval   time.Duration `yaml:"ready_interval"`
}

// Active reports whether discovery runs; it defaults to on.
func (d DiscoveryConfig) Active() bool { return d.Enabled == nil || *d.Enabled }

// ConsoleConfig selects and tunes the command console.
type ConsoleConfig struct {
	Source       string        `yaml:"source"` // stdin, serial or none
	Port         string        `yaml:"port"`
	BaudRate     int           `yaml:"baud_rate"`
	DataBits     int           `yaml:"data_bits"`
	StopBits     int           `yaml:"stop_bits"`
	Parity       string        `yaml:"parity"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxLine      int           `yaml:"max_line"`
}

// TimeConfig selects how a time-sync command is applied.
type TimeConfig struct {
	Apply string `yaml:"apply"` // system or offset
}

// StorageConfig locates the node's key-value store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// AdminConfig configures the debug HTTP listener. Empty disables it.
type AdminConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures log file rotation.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// CollectorConfig configures the host-side receiver.
type CollectorConfig struct {
	Listen        string        `yaml:"listen"`
	CSVPath       string        `yaml:"csv_path"`
	PlotPath      string        `yaml:"plot_path"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	AdminListen   string        `yaml:"admin_listen"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return Config{}, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return Config{}, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, then defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Node.Role == "" {
		c.Node.Role = "AP"
	}
	if c.Node.Mode == "" {
		c.Node.Mode = csi.ModeAmplitude.String()
	}
	if c.Node.QueueCapacity <= 0 {
		c.Node.QueueCapacity = 64
	}
	if c.Node.PayloadLimit <= 0 {
		c.Node.PayloadLimit = csi.DefaultPayloadLimit
	}
	if c.Node.MaxRawValues <= 0 {
		c.Node.MaxRawValues = csi.DefaultMaxRawValues
	}
	if c.Node.MaxPairs <= 0 {
		c.Node.MaxPairs = csi.DefaultMaxPairs
	}

	if c.Radio.Driver == "" {
		c.Radio.Driver = "synthetic"
	}
	if c.Radio.Rate <= 0 {
		c.Radio.Rate = 10 * time.Millisecond
	}
	if c.Radio.Length <= 0 {
		c.Radio.Length = 128
	}

	if c.Forward.Port == 0 {
		c.Forward.Port = 9999
	}
	if c.Forward.LogInterval <= 0 {
		c.Forward.LogInterval = 10 * time.Second
	}

	d := &c.Discovery
	if d.Service == "" {
		d.Service = "_csi-collector._udp"
	}
	if d.Instance == "" {
		d.Instance = "CSI Data Collector"
	}
	if d.HostnamePrefix == "" {
		d.HostnamePrefix = "csi_collector"
	}
	if d.Port == 0 {
		d.Port = c.Forward.Port
	}
	if d.QueryService == "" {
		d.QueryService = "_ssh._tcp"
	}
	if d.Domain == "" {
		d.Domain = "local"
	}
	if d.Timeout <= 0 {
		d.Timeout = 3 * time.Second
	}
	if d.MaxResults <= 0 {
		d.MaxResults = 20
	}
	if d.Interval <= 0 {
		d.Interval = 30 * time.Second
	}
	if d.FallbackAddress == "" {
		d.FallbackAddress = "192.168.4.255"
	}
	if d.ReadyInterval <= 0 {
		d.ReadyInterval = time.Second
	}

	if c.Console.Source == "" {
		c.Console.Source = "stdin"
	}
	if c.Console.BaudRate == 0 {
		c.Console.BaudRate = 115200
	}
	if c.Console.PollInterval <= 0 {
		c.Console.PollInterval = 25 * time.Millisecond
	}
	if c.Console.MaxLine <= 0 {
		c.Console.MaxLine = 512
	}

	if c.Time.Apply == "" {
		c.Time.Apply = "offset"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "csi-node.db"
	}

	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 28
	}

	if c.Collector.Listen == "" {
		c.Collector.Listen = fmt.Sprintf(":%d", c.Forward.Port)
	}
	if c.Collector.StatsInterval <= 0 {
		c.Collector.StatsInterval = 5 * time.Second
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if len(c.Node.Role) > csi.MaxRoleLength {
		return fmt.Errorf("node.role %q longer than %d characters", c.Node.Role, csi.MaxRoleLength)
	}
	if strings.ContainsAny(c.Node.Role, ",\n") {
		return fmt.Errorf("node.role %q must not contain commas or newlines", c.Node.Role)
	}
	if _, err := csi.ParseMode(c.Node.Mode); err != nil {
		return fmt.Errorf("node.mode: %w", err)
	}
	if _, err := csi.ParseAllowList(c.Node.AllowList); err != nil {
		return fmt.Errorf("node.allow_list: %w", err)
	}
	if c.Node.PayloadLimit < csi.MinPayloadLimit {
		return fmt.Errorf("node.payload_limit must be at least %d, got %d", csi.MinPayloadLimit, c.Node.PayloadLimit)
	}

	if c.Radio.Driver != "synthetic" && c.Radio.Driver != "none" {
		return fmt.Errorf("radio.driver must be synthetic or none, got %q", c.Radio.Driver)
	}
	for _, s := range c.Radio.Sources {
		if _, err := csi.ParseMAC(s); err != nil {
			return fmt.Errorf("radio.sources: %w", err)
		}
	}
	if c.Radio.Length > csi.MaxPayload {
		return fmt.Errorf("radio.length must be at most %d, got %d", csi.MaxPayload, c.Radio.Length)
	}

	if c.Forward.Port < 1 || c.Forward.Port > 65535 {
		return fmt.Errorf("forward.port out of range: %d", c.Forward.Port)
	}
	if net.ParseIP(c.Discovery.FallbackAddress).To4() == nil {
		return fmt.Errorf("discovery.fallback_address must be an IPv4 address, got %q", c.Discovery.FallbackAddress)
	}
	if !strings.HasSuffix(c.Discovery.Service, "._udp") && !strings.HasSuffix(c.Discovery.Service, "._tcp") {
		return fmt.Errorf("discovery.service must end in ._udp or ._tcp, got %q", c.Discovery.Service)
	}

	switch c.Console.Source {
	case "stdin", "none":
	case "serial":
		if c.Console.Port == "" {
			return errors.New("console.port is required when console.source is serial")
		}
	default:
		return fmt.Errorf("console.source must be stdin, serial or none, got %q", c.Console.Source)
	}

	if c.Time.Apply != "system" && c.Time.Apply != "offset" {
		return fmt.Errorf("time.apply must be system or offset, got %q", c.Time.Apply)
	}
	return nil
}
