package mqtt

import (
	"fmt"
	"time"

	"github.com/kalifun/groundlink/pkg/core"
	"gopkg.in/yaml.v3"
)

const (
	DefaultKeepAlive            = 30
	DefaultConnectTimeout       = 30 * time.Second
	DefaultMaxReconnectInterval = 10 * time.Minute
)

// TransportFactory builds broker transports from loosely typed settings,
// such as a JSON document taken from the environment.
type TransportFactory struct{}

func NewTransportFactory() *TransportFactory {
	return &TransportFactory{}
}

// CreateTransport decodes config and returns an unstarted transport.
// Durations are given in seconds.
func (f *TransportFactory) CreateTransport(id string, config map[string]interface{}) (core.Transport, error) {
	mqttConfig, err := parseMQTTConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MQTT config: %w", err)
	}
	return NewTransport(id, mqttConfig), nil
}

// settings mirrors MQTTConfig with the map's own units. Pointers tell an
// absent key from a zero value.
type settings struct {
	Broker               string       `yaml:"broker"`
	ClientID             string       `yaml:"clientId"`
	Username             string       `yaml:"username"`
	Password             string       `yaml:"password"`
	QoS                  int          `yaml:"qos"`
	CleanSession         *bool        `yaml:"cleanSession"`
	KeepAlive            int          `yaml:"keepAlive"`
	ConnectTimeout       int          `yaml:"connectTimeout"`
	MaxReconnectInterval int          `yaml:"maxReconnectInterval"`
	AutoReconnect        *bool        `yaml:"autoReconnect"`
	TLSConfig            *TLSConfig   `yaml:"tlsConfig"`
	WillMessage          *willSetting `yaml:"willMessage"`
}

type willSetting struct {
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	Retained bool   `yaml:"retained"`
	Payload  string `yaml:"payload"`
}

func parseMQTTConfig(config map[string]interface{}) (MQTTConfig, error) {
	// a YAML round trip accepts both Go ints and the float64 numbers of encoding/json
	raw, err := yaml.Marshal(config)
	if err != nil {
		return MQTTConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var s settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return MQTTConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if s.Broker == "" {
		return MQTTConfig{}, fmt.Errorf("%w: broker is required", ErrInvalidConfig)
	}
	if s.ClientID == "" {
		return MQTTConfig{}, fmt.Errorf("%w: clientId is required", ErrInvalidConfig)
	}
	if s.QoS < 0 || s.QoS > 2 {
		return MQTTConfig{}, fmt.Errorf("%w: QoS must be 0, 1, or 2", ErrInvalidConfig)
	}

	cfg := MQTTConfig{
		Broker:               s.Broker,
		ClientID:             s.ClientID,
		Username:             s.Username,
		Password:             s.Password,
		QoS:                  byte(s.QoS),
		CleanSession:         s.CleanSession == nil || *s.CleanSession,
		AutoReconnect:        s.AutoReconnect == nil || *s.AutoReconnect,
		KeepAlive:            DefaultKeepAlive,
		ConnectTimeout:       DefaultConnectTimeout,
		MaxReconnectInterval: DefaultMaxReconnectInterval,
		TLSConfig:            s.TLSConfig,
	}
	if s.KeepAlive > 0 {
		cfg.KeepAlive = uint16(s.KeepAlive)
	}
	if s.ConnectTimeout > 0 {
		cfg.ConnectTimeout = time.Duration(s.ConnectTimeout) * time.Second
	}
	if s.MaxReconnectInterval > 0 {
		cfg.MaxReconnectInterval = time.Duration(s.MaxReconnectInterval) * time.Second
	}
	if w := s.WillMessage; w != nil {
		cfg.WillMessage = &WillMessage{Topic: w.Topic, Retained: w.Retained, Payload: w.Payload}
		if w.QoS >= 0 && w.QoS <= 2 {
			cfg.WillMessage.QoS = byte(w.QoS)
		}
	}
	return cfg, nil
}
