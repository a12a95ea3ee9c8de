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

	"github.com/KevinKickass/OpenFarmCore/internal/command"
	"github.com/KevinKickass/OpenFarmCore/internal/config"
	"github.com/KevinKickass/OpenFarmCore/internal/metrics"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt broker not connected")

// MessageHandler receives decoded device messages.
type MessageHandler interface {
	Ingest(reading types.SensorReading) error
	Acknowledge(ack types.DeviceAck)
}

// Client publishes device commands and feeds inbound telemetry and status
// messages to a MessageHandler.
type Client struct {
	cfg     config.MQTTConfig
	codec   *Codec
	handler MessageHandler
	metrics *metrics.Metrics
	logger  *zap.Logger

	client paho.Client

	mu        sync.RWMutex
	listeners []func(connected bool)
}

func NewClient(cfg config.MQTTConfig, handler MessageHandler, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	codec, err := NewCodec(cfg.SharedSecret)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		codec:   codec,
		handler: handler,
		metrics: m,
		logger:  logger,
	}

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetKeepAlive(keepAlive).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(false)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.UseTLS {
		tlsCfg, err := tlsConfig(cfg.CACertPath)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.OnConnectionLost = func(_ paho.Client, err error) {
		c.logger.Error("MQTT connection lost", zap.Error(err))
		c.notifyState(false)
	}
	opts.OnConnect = func(pc paho.Client) {
		filters := map[string]byte{
			TelemetryFilter: cfg.QoS,
			StatusFilter:    cfg.QoS,
		}
		c.logger.Info("MQTT connected, subscribing", zap.String("broker", cfg.BrokerURL()))
		if token := pc.SubscribeMultiple(filters, c.onMessage); token.Wait() && token.Error() != nil {
			c.logger.Error("Failed to subscribe to device topics", zap.Error(token.Error()))
			return
		}
		c.notifyState(true)
	}

	c.client = paho.NewClient(opts)
	return c, nil
}

// OnConnectionChange registers fn to be called on every connect and disconnect.
func (c *Client) OnConnectionChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) notifyState(connected bool) {
	c.mu.RLock()
	listeners := append([]func(bool){}, c.listeners...)
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn(connected)
	}
}

// Start connects to the broker. When the broker is unreachable within the
// connect timeout the client keeps retrying in the background.
func (c *Client) Start(ctx context.Context) error {
	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	token := c.client.Connect()

	select {
	case <-token.Done():
	case <-time.After(timeout):
		c.logger.Warn("MQTT broker not reachable yet, retrying in background",
			zap.String("broker", c.cfg.BrokerURL()),
			zap.Duration("timeout", timeout))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(500)
	}
	c.notifyState(false)
}

func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

// PublishCommand sends cmd to the device command topic and waits for the
// broker to accept it.
func (c *Client) PublishCommand(ctx context.Context, deviceID string, cmd command.Command) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	payload, err := c.codec.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	topic := CommandTopic(deviceID)
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	c.logger.Debug("Command published",
		zap.String("topic", topic),
		zap.String("action", cmd.Action),
		zap.String("command_id", cmd.CommandID))
	return nil
}

func (c *Client) onMessage(_ paho.Client, m paho.Message) {
	c.handleMessage(m.Topic(), m.Payload(), time.Now().UTC())
}

func (c *Client) handleMessage(topic string, payload []byte, receivedAt time.Time) {
	serial, kind, err := ParseTopic(topic)
	if err != nil {
		c.metrics.TelemetryDropped("invalid_topic")
		c.logger.Warn("Ignoring message on unexpected topic", zap.String("topic", topic))
		return
	}

	switch kind {
	case KindTelemetry:
		reading, err := c.codec.DecodeTelemetry(serial, payload, receivedAt)
		if err != nil {
			c.drop(serial, topic, err)
			return
		}
		if err := c.handler.Ingest(reading); err != nil {
			c.drop(serial, topic, err)
		}

	case KindStatus:
		ack, err := c.codec.DecodeAck(serial, payload, receivedAt)
		if err != nil {
			c.drop(serial, topic, err)
			return
		}
		c.handler.Acknowledge(ack)
	}
}

func (c *Client) drop(serial, topic string, err error) {
	reason := "malformed"
	if errors.Is(err, ErrUnauthenticated) {
		reason = "unauthenticated"
	}
	c.metrics.TelemetryDropped(reason)
	c.logger.Warn("Dropping device message",
		zap.String("device_id", serial),
		zap.String("topic", topic),
		zap.String("reason", reason),
		zap.Error(err))
}

func tlsConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("bad CA file %s", caFile)
	}
	cfg.RootCAs = cp
	return cfg, nil
}
