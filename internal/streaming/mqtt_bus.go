package streaming

import (
	"context"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// reconnectMinBackoff/MaxBackoff bound paho's own auto-reconnect timer,
// ("exponential backoff capped at 30s") — the same
// double-then-cap idiom the cloud's LeaderElector uses for its election
// retry loop.
const (
	reconnectMinBackoff = 1 * time.Second
	reconnectMaxBackoff = 30 * time.Second
)

// MQTTBus is the real broker client for C1, wired onto
// eclipse/paho.mqtt.golang. QoS levels map directly onto MQTT's own
// QoS 0/1/2, and SetWill must be called before Connect to take effect
// (paho registers the will at connect time).
type MQTTBus struct {
	opts     *mqtt.ClientOptions
	client   mqtt.Client
	clientID string
}

// NewMQTTBus prepares (but does not connect) a bus pointed at brokerURL
// (e.g. "tcp://broker:1883"). clientID must be unique per connection —
// brokers reject duplicate client ids, so exactly one MQTTBus instance
// should own a given clientID at a time. Call SetWill before Connect if
// a last-will payload is needed; paho only registers the will at
// connect time.
func NewMQTTBus(brokerURL, clientID string) *MQTTBus {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectMaxBackoff).
		SetConnectRetryInterval(reconnectMinBackoff).
		SetConnectRetry(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Printf("[streaming] connected to broker as %s", clientID)
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Printf("[streaming] connection lost: %v, reconnecting with backoff", err)
		})

	return &MQTTBus{opts: opts, clientID: clientID}
}

// SetWill registers a last-will payload so peers detect an unclean
// disconnect (`{state: OFFLINE}`). Must be called
// before Connect.
func (b *MQTTBus) SetWill(topic string, payload interface{}, qos QoS) {
	data, err := marshalPayload(payload)
	if err != nil {
		log.Printf("[streaming] SetWill marshal failed: %v", err)
		return
	}
	b.opts.SetWill(topic, string(data), byte(qos), false)
}

// Connect builds the underlying client (picking up any SetWill call
// made beforehand) and blocks until the initial connection succeeds or
// ctx is cancelled.
func (b *MQTTBus) Connect(ctx context.Context) error {
	b.client = mqtt.NewClient(b.opts)
	token := b.client.Connect()
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MQTTBus) Connected() bool {
	return b.client.IsConnected()
}

func (b *MQTTBus) Publish(ctx context.Context, topic string, payload interface{}, qos QoS) error {
	if !b.client.IsConnected() {
		return ErrTransportUnavailable
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("streaming: marshal publish payload: %w", err)
	}
	token := b.client.Publish(topic, byte(qos), false, data)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MQTTBus) Subscribe(topicFilter string, handler func(event Event)) (Subscription, error) {
	token := b.client.Subscribe(topicFilter, 1, func(c mqtt.Client, m mqtt.Message) {
		handler(Event{
			ID:        uuid.NewString(),
			Topic:     m.Topic(),
			Payload:   m.Payload(),
			Timestamp: time.Now(),
			Source:    b.clientID,
		})
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("streaming: subscribe %q: %w", topicFilter, err)
	}
	return &mqttSubscription{client: b.client, filter: topicFilter}, nil
}

func (b *MQTTBus) Close() error {
	b.client.Disconnect(250)
	return nil
}

type mqttSubscription struct {
	client mqtt.Client
	filter string
}

func (s *mqttSubscription) Unsubscribe() error {
	token := s.client.Unsubscribe(s.filter)
	token.Wait()
	return token.Error()
}
