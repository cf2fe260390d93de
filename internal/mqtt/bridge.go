// Package mqtt publishes gateway events to an MQTT broker. The bridge
// is publish only; commands toward the mesh go through the gateway API.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"zigbee-gateway/internal/core"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Bridge forwards core events to MQTT topics under the prefix.
type Bridge struct {
	client pahomqtt.Client
	bus    *core.EventBus
	prefix string
	logger *slog.Logger
	unsub  func()

	// Chatty devices can flood state topics; the limiter caps the
	// publish rate and drops the excess.
	limiter *rate.Limiter
}

// NewBridge creates and connects a bridge.
func NewBridge(bus *core.EventBus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		bus:     bus,
		prefix:  cfg.TopicPrefix,
		logger:  logger.With("component", "mqtt"),
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("zigbee-gateway").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(cfg.TopicPrefix+"/bridge/state", []byte("online"), true)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to core events.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.prefix+"/bridge/state", []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event core.Event) {
	topic := b.topicFor(event)
	if topic == "" {
		return
	}
	if !b.limiter.Allow() {
		return
	}
	payload, err := json.Marshal(event.Data)
	if err != nil {
		b.logger.Error("marshal event", "type", event.Type, "err", err)
		return
	}
	b.publish(topic, payload, event.Type != core.EventSceneRecall)
}

func (b *Bridge) topicFor(event core.Event) string {
	switch event.Type {
	case core.EventLightState:
		return b.prefix + "/lights/" + event.ID
	case core.EventSensorState:
		return b.prefix + "/sensors/" + event.ID
	case core.EventGroupState:
		return b.prefix + "/groups/" + event.ID
	case core.EventSceneRecall:
		return b.prefix + "/groups/" + event.ID + "/scene"
	case core.EventNetworkState:
		return b.prefix + "/bridge/network"
	}
	return ""
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
