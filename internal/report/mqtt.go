package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher mirrors envelopes onto an MQTT topic for subscribers on
// the robot's local broker. Optional; enabled by configuration.
type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

// NewMQTTPublisher connects to the broker and returns a ready publisher.
func NewMQTTPublisher(broker, clientID, topic string, timeout time.Duration) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("report: mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("report: mqtt connect to %s failed: %w", broker, err)
	}

	slog.Info("report: mqtt publisher connected", "broker", broker, "topic", topic)
	return &MQTTPublisher{client: client, topic: topic, timeout: timeout}, nil
}

// Publish sends the envelope at QoS 0. Delivery is best-effort.
func (p *MQTTPublisher) Publish(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("report: envelope marshal failed: %w", err)
	}

	token := p.client.Publish(p.topic, 0, false, body)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("report: mqtt publish to %s timed out", p.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("report: mqtt publish to %s failed: %w", p.topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
