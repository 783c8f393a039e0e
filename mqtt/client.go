// Package mqtt publishes archived samples to an MQTT broker and listens for
// on-demand sync triggers.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/eddielth/eds-sync/config"
	"github.com/eddielth/eds-sync/logger"
	"github.com/eddielth/eds-sync/storage"
)

const (
	connectTimeout   = 10 * time.Second
	operationTimeout = 5 * time.Second
)

// pahoClient is the part of paho.Client the publisher uses
type pahoClient interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Publisher is a storage backend publishing every series to
// <prefix>/<group>/<point>.
type Publisher struct {
	client pahoClient
	config config.MQTTConfig
}

// NewPublisher returns a publisher for cfg. Call Connect before use.
func NewPublisher(cfg config.MQTTConfig) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("eds-sync-%d", time.Now().Unix())
	}
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})

	return newPublisher(paho.NewClient(opts), cfg), nil
}

func newPublisher(client pahoClient, cfg config.MQTTConfig) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "eds"
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	return &Publisher{client: client, config: cfg}
}

// Connect connects to the broker
func (p *Publisher) Connect() error {
	if err := wait(p.client.Connect(), connectTimeout); err != nil {
		return fmt.Errorf("connect to MQTT broker %s: %w", p.config.Broker, err)
	}
	logger.Info("successfully connected to MQTT broker: %s", p.config.Broker)
	return nil
}

func wait(token paho.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return token.Error()
}

// Topic returns the topic series are published to
func (p *Publisher) Topic(group, pointID string) string {
	return fmt.Sprintf("%s/%s/%s", p.config.TopicPrefix, topicLevel(group), topicLevel(pointID))
}

// TriggerTopic is the topic that requests an immediate sync cycle
func (p *Publisher) TriggerTopic() string {
	return p.config.TopicPrefix + "/trigger"
}

// topicLevel makes s usable as one topic level
func topicLevel(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// Name implements storage.StorageBackend
func (p *Publisher) Name() string { return "mqtt" }

// Store implements storage.StorageBackend
func (p *Publisher) Store(ctx context.Context, series storage.Series) error {
	payload, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("serialize series failed: %w", err)
	}

	topic := p.Topic(series.Group, series.PointID)
	token := p.client.Publish(topic, p.config.QoS, p.config.Retained, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(operationTimeout):
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	logger.Debug("published %d samples to %s", len(series.Samples), topic)
	return nil
}

// OnTrigger calls fn for every message on the trigger topic
func (p *Publisher) OnTrigger(fn func()) error {
	topic := p.TriggerTopic()
	token := p.client.Subscribe(topic, p.config.QoS, func(_ paho.Client, msg paho.Message) {
		logger.Info("sync requested on %s", msg.Topic())
		fn()
	})
	if err := wait(token, operationTimeout); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	logger.Info("successfully subscribed to topic: %s", topic)
	return nil
}

// Close implements storage.StorageBackend
func (p *Publisher) Close() error {
	p.client.Disconnect(250)
	logger.Info("disconnected from MQTT broker")
	return nil
}
