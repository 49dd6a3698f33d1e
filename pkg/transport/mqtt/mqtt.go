package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidConfig         = errors.New("invalid mqtt configuration")
	ErrConnectionFailed      = errors.New("mqtt connection failed")
	ErrClientNotConnected    = errors.New("mqtt client not connected")
	ErrPublishFailed         = errors.New("mqtt publish failed")
	ErrSubscriptionFailed    = errors.New("mqtt subscription failed")
	ErrSubscriptionNotActive = errors.New("mqtt subscription not active")
	ErrTimeout               = errors.New("mqtt operation timed out")
)

type MQTTConfig struct {
	Broker               string        `json:"broker" yaml:"broker"`
	ClientID             string        `json:"clientId" yaml:"clientId"`
	Username             string        `json:"username" yaml:"username"`
	Password             string        `json:"password" yaml:"password"`
	QoS                  byte          `json:"qos" yaml:"qos"`
	CleanSession         bool          `json:"cleanSession" yaml:"cleanSession"`
	KeepAlive            uint16        `json:"keepAlive" yaml:"keepAlive"`
	ConnectTimeout       time.Duration `json:"connectTimeout" yaml:"connectTimeout"`
	MaxReconnectInterval time.Duration `json:"maxReconnectInterval" yaml:"maxReconnectInterval"`
	AutoReconnect        bool          `json:"autoReconnect" yaml:"autoReconnect"`
	TLSConfig            *TLSConfig    `json:"tlsConfig,omitempty" yaml:"tlsConfig,omitempty"`
	WillMessage          *WillMessage  `json:"willMessage,omitempty" yaml:"willMessage,omitempty"`
}

type TLSConfig struct {
	CAFile   string `json:"caFile" yaml:"caFile"`
	CertFile string `json:"certFile" yaml:"certFile"`
	KeyFile  string `json:"keyFile" yaml:"keyFile"`
	Insecure bool   `json:"insecure" yaml:"insecure"`
}

type WillMessage struct {
	Topic    string `json:"topic" yaml:"topic"`
	QoS      byte   `json:"qos" yaml:"qos"`
	Retained bool   `json:"retained" yaml:"retained"`
	Payload  string `json:"payload" yaml:"payload"`
}

// Transport carries bus messages through an MQTT broker so that processes
// other than the one running the listeners can subscribe to telemetry.
type Transport struct {
	id             string
	config         MQTTConfig
	client         mqtt.Client
	logger         *logrus.Entry
	mu             sync.RWMutex
	running        bool
	handlers       map[string]core.MessageHandler
	connectChan    chan struct{}
	disconnectChan chan struct{}
	ctx            context.Context
	cancel         context.CancelFunc
}

func NewTransport(id string, config MQTTConfig) *Transport {
	return &Transport{
		id:             id,
		config:         config,
		logger:         logrus.WithFields(logrus.Fields{"component": "mqtt", "transport_id": id}),
		handlers:       make(map[string]core.MessageHandler),
		connectChan:    make(chan struct{}, 1),
		disconnectChan: make(chan struct{}, 1),
	}
}

func (mt *Transport) ID() string {
	return mt.id
}

func (mt *Transport) GetConfig() MQTTConfig {
	return mt.config
}

func (mt *Transport) IsRunning() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	return mt.running
}

func (mt *Transport) Start(ctx context.Context) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.running {
		return fmt.Errorf("mqtt transport %s: %w", mt.id, core.ErrAlreadyRunning)
	}

	if err := mt.validateConfig(); err != nil {
		return err
	}

	mt.logger.WithFields(logrus.Fields{
		"broker":    mt.config.Broker,
		"client_id": mt.config.ClientID,
	}).Info("Starting MQTT transport")

	if err := mt.connect(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectionFailed, mt.config.Broker, err)
	}

	mt.ctx, mt.cancel = context.WithCancel(ctx)
	mt.running = true
	mt.logger.Info("MQTT transport started successfully")
	return nil
}

func (mt *Transport) Stop(ctx context.Context) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if !mt.running {
		return fmt.Errorf("mqtt transport %s: %w", mt.id, core.ErrNotRunning)
	}

	mt.logger.Info("Stopping MQTT transport")
	mt.cancel()

	if mt.client != nil && mt.client.IsConnected() {
		mt.client.Disconnect(250)
	}

	mt.running = false
	mt.handlers = make(map[string]core.MessageHandler)
	mt.logger.Info("MQTT transport stopped successfully")
	return nil
}

func (mt *Transport) Publish(ctx context.Context, topic string, payload []byte, opts core.PublishOptions) error {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if !mt.running {
		return fmt.Errorf("mqtt transport %s: %w", mt.id, core.ErrNotRunning)
	}

	if mt.client == nil || !mt.client.IsConnected() {
		return ErrClientNotConnected
	}

	token := mt.client.Publish(topic, opts.QoS, opts.Retain, payload)
	if opts.TimeOut > 0 {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrPublishFailed, topic, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.TimeOut):
			return fmt.Errorf("%w: publish %s", ErrTimeout, topic)
		}
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, topic, err)
	}

	mt.logger.WithFields(logrus.Fields{
		"topic":        topic,
		"payload_size": len(payload),
		"qos":          opts.QoS,
	}).Trace("MQTT message published")
	return nil
}

func (mt *Transport) Subscribe(ctx context.Context, topic string, handler core.MessageHandler) (core.Subscription, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if !mt.running {
		return nil, fmt.Errorf("mqtt transport %s: %w", mt.id, core.ErrNotRunning)
	}

	if mt.client == nil || !mt.client.IsConnected() {
		return nil, ErrClientNotConnected
	}

	mt.logger.WithFields(logrus.Fields{
		"topic": topic,
		"qos":   mt.config.QoS,
	}).Info("Subscribing to MQTT topic")

	token := mt.client.Subscribe(topic, mt.config.QoS, func(c mqtt.Client, m mqtt.Message) {
		mt.handleMessage(m, handler)
	})
	if !token.WaitTimeout(mt.config.ConnectTimeout) {
		return nil, fmt.Errorf("%w: subscribe %s", ErrTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscriptionFailed, topic, err)
	}

	mt.handlers[topic] = handler

	return &MQTTSubscription{
		topic:     topic,
		transport: mt,
		active:    true,
	}, nil
}

// validateConfig checks required fields and fills in timeouts.
func (mt *Transport) validateConfig() error {
	if mt.config.Broker == "" {
		return fmt.Errorf("%w: broker URL is required", ErrInvalidConfig)
	}

	if mt.config.ClientID == "" {
		return fmt.Errorf("%w: client ID is required", ErrInvalidConfig)
	}

	if mt.config.QoS > 2 {
		return fmt.Errorf("%w: QoS must be 0, 1, or 2", ErrInvalidConfig)
	}

	if mt.config.TLSConfig != nil && (mt.config.TLSConfig.CertFile == "") != (mt.config.TLSConfig.KeyFile == "") {
		return fmt.Errorf("%w: TLS cert and key must be set together", ErrInvalidConfig)
	}

	if mt.config.ConnectTimeout <= 0 {
		mt.config.ConnectTimeout = 30 * time.Second
	}

	if mt.config.MaxReconnectInterval <= 0 {
		mt.config.MaxReconnectInterval = 10 * time.Minute
	}
	return nil
}

func (mt *Transport) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: mt.config.TLSConfig.Insecure}

	if mt.config.TLSConfig.CAFile != "" {
		pem, err := os.ReadFile(mt.config.TLSConfig.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalidConfig, mt.config.TLSConfig.CAFile)
		}
		cfg.RootCAs = pool
	}

	if mt.config.TLSConfig.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(mt.config.TLSConfig.CertFile, mt.config.TLSConfig.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (mt *Transport) connect() error {
	mqttOpts := mqtt.NewClientOptions()
	mqttOpts.AddBroker(mt.config.Broker)
	mqttOpts.SetClientID(mt.config.ClientID)
	mqttOpts.SetUsername(mt.config.Username)
	mqttOpts.SetPassword(mt.config.Password)
	mqttOpts.SetCleanSession(mt.config.CleanSession)
	mqttOpts.SetKeepAlive(time.Duration(mt.config.KeepAlive) * time.Second)
	mqttOpts.SetAutoReconnect(mt.config.AutoReconnect)
	mqttOpts.SetMaxReconnectInterval(mt.config.MaxReconnectInterval)
	mqttOpts.SetConnectTimeout(mt.config.ConnectTimeout)

	if mt.config.TLSConfig != nil {
		tlsCfg, err := mt.tlsConfig()
		if err != nil {
			return err
		}
		mqttOpts.SetTLSConfig(tlsCfg)
	}

	if mt.config.WillMessage != nil {
		mqttOpts.SetWill(mt.config.WillMessage.Topic,
			mt.config.WillMessage.Payload,
			mt.config.WillMessage.QoS,
			mt.config.WillMessage.Retained)
	}

	mqttOpts.OnConnect = mt.onConnect
	mqttOpts.OnReconnecting = mt.onReconnecting
	mqttOpts.OnConnectionLost = mt.onConnectionLost

	mt.client = mqtt.NewClient(mqttOpts)
	connectToken := mt.client.Connect()
	if !connectToken.WaitTimeout(mt.config.ConnectTimeout) {
		return fmt.Errorf("%w: connect", ErrTimeout)
	}
	return connectToken.Error()
}

func (mt *Transport) onConnect(client mqtt.Client) {
	mt.logger.WithField("broker", mt.config.Broker).Info("MQTT connection established")
	select {
	case mt.connectChan <- struct{}{}:
	default:
	}
}

func (mt *Transport) onConnectionLost(client mqtt.Client, err error) {
	mt.logger.WithError(err).Error("MQTT connection lost")

	select {
	case mt.disconnectChan <- struct{}{}:
	default:
	}
}

func (mt *Transport) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	mt.logger.WithField("broker", mt.config.Broker).Info("Attempting to reconnect to MQTT broker")
}

// handleMessage converts an incoming MQTT message back to a bus message and
// runs the handler on it.
func (mt *Transport) handleMessage(msg mqtt.Message, handler core.MessageHandler) {
	message := &types.Message{
		Topic:   FromMQTTTopic(msg.Topic()),
		Payload: msg.Payload(),
		Time:    time.Now(),
	}

	mt.mu.RLock()
	ctx := mt.ctx
	mt.mu.RUnlock()

	if err := handler(ctx, message); err != nil {
		mt.logger.WithError(err).WithField("topic", msg.Topic()).Error("MQTT message handler error")
	}
	msg.Ack()
}

// removeSubscription removes a subscription from internal tracking
func (mt *Transport) removeSubscription(topic string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	delete(mt.handlers, topic)
}
