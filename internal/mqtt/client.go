// Package mqtt publishes device and zone state to an MQTT broker.
package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("mqtt client is not connected")

// Config holds MQTT client configuration
type Config struct {
	Broker   string // e.g. "tcp://localhost:1883"
	ClientID string
	Username string
	Password string
	Prefix   string // topic prefix for all messages
	QoS      byte
}

// Client wraps the paho client with a topic prefix.
type Client struct {
	client paho.Client
	config Config

	mu     sync.RWMutex
	active bool
}

// New creates a client. It does not connect.
func New(cfg Config) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker address is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("thermd-%d", time.Now().Unix())
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		log.Debug().Msg("MQTT reconnecting")
	})

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)

	return &Client{client: paho.NewClient(opts), config: cfg}, nil
}

// Connect establishes the broker connection.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return nil
	}

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	c.active = true
	return nil
}

// Disconnect closes the broker connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.client.Disconnect(250)
	c.active = false
	log.Info().Msg("MQTT disconnected")
}

// Publish sends payload to the prefixed topic.
func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.active {
		return ErrNotConnected
	}

	full := c.buildTopic(topic)
	token := c.client.Publish(full, c.config.QoS, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", full, token.Error())
	}
	return nil
}

func (c *Client) buildTopic(topic string) string {
	if c.config.Prefix == "" {
		return topic
	}
	return c.config.Prefix + "/" + topic
}

// IsConnected reports whether the client has a live connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active && c.client.IsConnected()
}
