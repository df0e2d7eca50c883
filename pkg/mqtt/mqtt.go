package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTClient defines the interface for an MQTT client.
type MQTTClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// Options configure the broker connection.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	TLSConfig      *tls.Config // Shared with the HTTPS transport; nil for plain TCP
}

// MqttService provides methods for MQTT operations.
type MqttService struct {
	client MQTTClient
	logger zerolog.Logger
}

// NewMqttService creates a new MqttService instance.
func NewMqttService(logger zerolog.Logger) *MqttService {
	return &MqttService{
		logger: logger.With().Str("component", "mqtt").Logger(),
	}
}

// Initialize sets up the MQTT client and starts the connection.
func (s *MqttService) Initialize(opts Options) error {
	if opts.Broker == "" {
		return fmt.Errorf("mqtt broker address is empty")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	if opts.TLSConfig != nil {
		clientOpts.SetTLSConfig(opts.TLSConfig.Clone())
	}
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectTimeout(opts.ConnectTimeout)
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		s.logger.Info().Str("broker", opts.Broker).Msg("MQTT connected")
	})

	s.client = mqtt.NewClient(clientOpts)

	token := s.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return fmt.Errorf("timed out connecting to %s", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", opts.Broker, err)
	}
	return nil
}

// Connect connects to the MQTT broker.
func (s *MqttService) Connect() mqtt.Token {
	return s.client.Connect()
}

// Publish sends a message to the specified topic.
func (s *MqttService) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return s.client.Publish(topic, qos, retained, payload)
}

// Subscribe subscribes to the specified topic with a message handler.
func (s *MqttService) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return s.client.Subscribe(topic, qos, callback)
}

// Unsubscribe unsubscribes from the specified topics.
func (s *MqttService) Unsubscribe(topics ...string) mqtt.Token {
	return s.client.Unsubscribe(topics...)
}

// Disconnect gracefully disconnects the MQTT client.
func (s *MqttService) Disconnect(quiesce uint) {
	if s.client == nil {
		return
	}
	s.client.Disconnect(quiesce)
}
