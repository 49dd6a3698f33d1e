package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/kalifun/groundlink/pkg/bus/memory"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/defs"
	"github.com/kalifun/groundlink/pkg/listener"
	"github.com/kalifun/groundlink/pkg/transport/mqtt"
	"github.com/kalifun/groundlink/pkg/transport/websocket"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var ErrConfig = errors.New("invalid configuration")

const DefaultMetricsAddress = ":9090"

type Config struct {
	Log         LogConfig         `yaml:"log"`
	Listeners   []listener.Config `yaml:"listeners"`
	Bus         BusConfig         `yaml:"bus"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Display     DisplayConfig     `yaml:"display"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Record      string            `yaml:"record"`
	Shutdown    time.Duration     `yaml:"shutdownTimeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BusConfig struct {
	Root       string `yaml:"root"`
	BufferSize int    `yaml:"bufferSize"`
}

type DefinitionsConfig struct {
	Directory      string `yaml:"directory"`
	TelemetryPages string `yaml:"telemetryPages"`
	CommandPages   string `yaml:"commandPages"`
	Slots          int    `yaml:"slots"`
	Endianness     string `yaml:"endianness"`
}

type DisplayConfig struct {
	Enabled          bool `yaml:"enabled"`
	websocket.Config `yaml:",inline"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type BridgeConfig struct {
	Enabled bool            `yaml:"enabled"`
	Prefix  string          `yaml:"prefix"`
	MQTT    mqtt.MQTTConfig `yaml:"mqtt"`
}

// Default returns the configuration used when no file is given: one listener
// on the default telemetry port and the display server enabled.
func Default() Config {
	cfg := Config{
		Listeners: []listener.Config{{Name: "primary"}},
		Display:   DisplayConfig{Enabled: true},
	}
	cfg.SetDefaults()
	return cfg
}

// Load reads a YAML file, fills defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if len(c.Listeners) == 0 {
		c.Listeners = []listener.Config{{Name: "primary"}}
	}
	for i := range c.Listeners {
		if c.Listeners[i].Address == "" {
			c.Listeners[i].Address = listener.DefaultAddress
		}
		if c.Listeners[i].Name == "" {
			c.Listeners[i].Name = fmt.Sprintf("listener-%d", i)
		}
	}
	if c.Bus.Root == "" {
		c.Bus.Root = types.TopicRoot
	}
	if c.Bus.BufferSize <= 0 {
		c.Bus.BufferSize = memory.DefaultBufferSize
	}
	if c.Definitions.Directory == "" {
		c.Definitions.Directory = "defs"
	}
	if c.Definitions.Slots <= 0 {
		c.Definitions.Slots = defs.DefaultSlots
	}
	if c.Definitions.Endianness == "" {
		c.Definitions.Endianness = types.LittleEndian.String()
	}
	if c.Display.Address == "" {
		c.Display.Address = websocket.DefaultAddress
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}
	if c.Bridge.Prefix == "" {
		c.Bridge.Prefix = c.Bus.Root
	}
	if c.Shutdown <= 0 {
		c.Shutdown = core.DefaultShutdownTimeout
	}
}

func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level %q", ErrConfig, c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrConfig, c.Log.Format)
	}

	names := make(map[string]bool, len(c.Listeners))
	for _, l := range c.Listeners {
		if names[l.Name] {
			return fmt.Errorf("%w: duplicate listener %q", ErrConfig, l.Name)
		}
		names[l.Name] = true
		if _, _, err := net.SplitHostPort(l.Address); err != nil {
			return fmt.Errorf("%w: listener %q address %q", ErrConfig, l.Name, l.Address)
		}
	}
	if _, _, err := net.SplitHostPort(c.Display.Address); c.Display.Enabled && err != nil {
		return fmt.Errorf("%w: display address %q", ErrConfig, c.Display.Address)
	}

	if strings.Contains(c.Bus.Root, ".") {
		return fmt.Errorf("%w: bus root %q must be a single segment", ErrConfig, c.Bus.Root)
	}
	if _, err := types.ParseEndianness(c.Definitions.Endianness); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if c.Bridge.Enabled && c.Bridge.MQTT.Broker == "" {
		return fmt.Errorf("%w: bridge enabled without mqtt broker", ErrConfig)
	}
	return nil
}

// Endianness returns the parsed default packet byte order.
func (c Config) Endianness() types.Endianness {
	e, err := types.ParseEndianness(c.Definitions.Endianness)
	if err != nil {
		return types.LittleEndian
	}
	return e
}

// ConfigureLogging applies the log section to the standard logrus logger.
func (c Config) ConfigureLogging() error {
	return ApplyLogging(c.Log.Level, c.Log.Format)
}

func ApplyLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	logrus.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("%w: log format %q", ErrConfig, format)
	}
	return nil
}
