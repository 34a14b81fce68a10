package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// MQTTSink forwards events to an MQTT broker, one topic per event type:
// <prefix>/<type> with dots replaced by slashes.
type MQTTSink struct {
	client paho.Client
	prefix string
	qos    byte
	mu     sync.Mutex
}

// NewMQTTSink creates a sink but does not connect.
func NewMQTTSink(cfg MQTTConfig) *MQTTSink {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	return newMQTTSink(paho.NewClient(opts), cfg)
}

func newMQTTSink(client paho.Client, cfg MQTTConfig) *MQTTSink {
	return &MQTTSink{
		client: client,
		prefix: strings.TrimRight(cfg.TopicPrefix, "/"),
		qos:    cfg.QoS,
	}
}

// Connect attempts to connect to the broker, waiting at most 10 seconds.
func (s *MQTTSink) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	return token.Error()
}

// Topic returns the topic an event type is published on.
func (s *MQTTSink) Topic(eventType string) string {
	return s.prefix + "/" + strings.ReplaceAll(eventType, ".", "/")
}

// Handle publishes one event. It is an EventSubscriber.
func (s *MQTTSink) Handle(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Str("type", event.Type).Msg("failed to encode event")
		return
	}

	topic := s.Topic(event.Type)
	token := s.client.Publish(topic, s.qos, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		log.Warn().Str("topic", topic).Msg("mqtt publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
	}
}

// Disconnect cleanly disconnects from the broker.
func (s *MQTTSink) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client.Disconnect(1000)
}
